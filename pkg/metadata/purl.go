// pkg/metadata/purl.go
package metadata

import (
	"fmt"

	"github.com/arc-language/mpkg/pkg/core"
	packageurl "github.com/package-url/packageurl-go"
)

// PURLType is the package-url type used for mpkg packages
const PURLType = "mpkg"

// PURL renders pkg as a package URL, e.g.
// pkg:mpkg/nginx@1.20.0?arch=x86_64&repository_url=https://repo.example.org
func (p *Package) PURL(repoURL string) string {
	q := map[string]string{}
	if p.Architecture != "" {
		q["arch"] = p.Architecture
	}
	if repoURL != "" {
		q["repository_url"] = repoURL
	}
	return packageurl.NewPackageURL(PURLType, "", p.Name, p.Version.String(),
		packageurl.QualifiersFromMap(q), "").ToString()
}

// PackageRef is the parsed form of a package URL
type PackageRef struct {
	Name          string
	Version       string // empty when unpinned
	Architecture  string
	RepositoryURL string
}

// ParsePURL parses a pkg:mpkg/... URL
func ParsePURL(s string) (PackageRef, error) {
	u, err := packageurl.FromString(s)
	if err != nil {
		return PackageRef{}, fmt.Errorf("%w: package url %q: %v", core.ErrInvalidMetadata, s, err)
	}
	if u.Type != PURLType {
		return PackageRef{}, fmt.Errorf("%w: package url %q has type %q, want %q",
			core.ErrInvalidMetadata, s, u.Type, PURLType)
	}
	ref := PackageRef{Name: u.Name, Version: u.Version}
	for _, q := range u.Qualifiers {
		switch q.Key {
		case "arch":
			ref.Architecture = q.Value
		case "repository_url":
			ref.RepositoryURL = q.Value
		}
	}
	return ref, nil
}
