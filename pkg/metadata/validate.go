// pkg/metadata/validate.go
package metadata

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/version"
	"github.com/github/go-spdx/v2/spdxexp"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9+._-]*$`)

// ValidateOptions tunes Validate
type ValidateOptions struct {
	// StrictLicense requires License to be a valid SPDX expression
	StrictLicense bool
}

func invalid(p *Package, field, format string, args ...any) error {
	var name, ver string
	if p != nil {
		name, ver = p.Name, p.Version.String()
	}
	return core.Errorf(core.ErrInvalidMetadata, "validate", name, ver, "%s: %s", field, fmt.Sprintf(format, args...))
}

// ValidName reports whether name is a legal package name
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Validate checks pkg and reports the first offending field
func Validate(pkg *Package, opts ValidateOptions) error {
	if pkg == nil {
		return invalid(nil, "package", "is nil")
	}
	if !ValidName(pkg.Name) {
		return invalid(pkg, "name", "illegal package name %q", pkg.Name)
	}
	if pkg.Architecture == "" {
		return invalid(pkg, "architecture", "must be set")
	}
	if pkg.Size < 0 {
		return invalid(pkg, "size", "must not be negative")
	}
	if !pkg.Priority.Valid() {
		return invalid(pkg, "priority", "unknown priority %q", pkg.Priority)
	}
	if err := pkg.Checksum.WellFormed(); err != nil {
		return invalid(pkg, "checksum", "%v", err)
	}
	if opts.StrictLicense && pkg.License != "" {
		if ok, bad := spdxexp.ValidateLicenses([]string{pkg.License}); !ok {
			return invalid(pkg, "license", "not an SPDX expression: %s", strings.Join(bad, ", "))
		}
	}

	for i, d := range pkg.Dependencies {
		if !ValidName(d.Package) {
			return invalid(pkg, fmt.Sprintf("dependencies[%d].package", i), "illegal package name %q", d.Package)
		}
		if d.Package == pkg.Name {
			return invalid(pkg, fmt.Sprintf("dependencies[%d].package", i), "package depends on itself")
		}
	}
	for i, c := range pkg.Conflicts {
		if !ValidName(c) {
			return invalid(pkg, fmt.Sprintf("conflicts[%d]", i), "illegal package name %q", c)
		}
	}
	for i, pv := range pkg.Provided() {
		if !ValidName(pv.Name) {
			return invalid(pkg, fmt.Sprintf("provides[%d]", i), "illegal virtual name %q", pv.Name)
		}
	}

	seen := make(map[string]bool, len(pkg.Files))
	for i, f := range pkg.Files {
		field := fmt.Sprintf("files[%d]", i)
		if err := validPath(f.Path); err != nil {
			return invalid(pkg, field+".path", "%v", err)
		}
		if seen[f.Path] {
			return invalid(pkg, field+".path", "duplicate path %q", f.Path)
		}
		seen[f.Path] = true
		if f.Mode&^0o7777 != 0 {
			return invalid(pkg, field+".mode", "%#o is not a permission bitset", uint32(f.Mode))
		}
		if f.Size < 0 {
			return invalid(pkg, field+".size", "must not be negative")
		}
		if err := f.Checksum.WellFormed(); err != nil {
			return invalid(pkg, field+".checksum", "%v", err)
		}
	}

	for i, d := range pkg.Deltas {
		field := fmt.Sprintf("deltas[%d]", i)
		if !d.TargetVersion.Equal(pkg.Version) {
			return invalid(pkg, field+".target_version", "%s does not match package version", d.TargetVersion)
		}
		if version.Compare(d.BaseVersion, d.TargetVersion) != version.Less {
			return invalid(pkg, field+".base_version", "%s is not older than %s", d.BaseVersion, d.TargetVersion)
		}
		if d.Algorithm == "" {
			return invalid(pkg, field+".algorithm", "must be set")
		}
		if d.DeltaSize < 0 || d.FullSize < 0 {
			return invalid(pkg, field+".delta_size", "sizes must not be negative")
		}
		if err := d.DeltaChecksum.WellFormed(); err != nil {
			return invalid(pkg, field+".checksum_of_delta", "%v", err)
		}
		if err := d.ResultChecksum.WellFormed(); err != nil {
			return invalid(pkg, field+".checksum_of_result", "%v", err)
		}
	}

	if pkg.Signature != nil {
		if pkg.Signature.KeyID == "" {
			return invalid(pkg, "signature.key_id", "must be set")
		}
		if len(pkg.Signature.Data) == 0 {
			return invalid(pkg, "signature.data", "must be set")
		}
	}
	return nil
}

func validPath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("empty path")
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("%q must be relative", p)
	case path.Clean(p) != p:
		return fmt.Errorf("%q is not clean", p)
	case p == ".." || strings.HasPrefix(p, "../"):
		return fmt.Errorf("%q escapes the install root", p)
	}
	return nil
}

// ValidateCatalog validates every package and checks that delta descriptors
// reference base versions published in the same catalog.
func ValidateCatalog(cat *Catalog, opts ValidateOptions) error {
	versions := make(map[string]map[version.Version]bool)
	for _, p := range cat.Packages {
		if err := Validate(p, opts); err != nil {
			return err
		}
		if versions[p.Name] == nil {
			versions[p.Name] = make(map[version.Version]bool)
		}
		if versions[p.Name][p.Version] {
			return invalid(p, "version", "duplicate %s in repository %s", p.ID(), cat.Repository)
		}
		versions[p.Name][p.Version] = true
	}
	for _, p := range cat.Packages {
		if err := ValidateDeltaBases(p, versions[p.Name]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateDeltaBases checks that every delta of pkg starts from a known version
func ValidateDeltaBases(pkg *Package, known map[version.Version]bool) error {
	for i, d := range pkg.Deltas {
		if !known[d.BaseVersion] {
			return invalid(pkg, fmt.Sprintf("deltas[%d].base_version", i), "%s is not in the repository", d.BaseVersion)
		}
	}
	return nil
}
