// request.go
package mpkg

import (
	"fmt"
	"strings"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/version"
)

// ParseRequest parses a command-line package request:
//
//	nginx
//	nginx@1.20.0
//	nginx>=1.18.0
//	nginx [1.18.0,1.20.0]
//	pkg:mpkg/nginx@1.20.0
func ParseRequest(s string) (Request, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "pkg:") {
		ref, err := metadata.ParsePURL(s)
		if err != nil {
			return Request{}, err
		}
		return request(s, ref.Name, ref.Version)
	}
	if name, ver, ok := strings.Cut(s, "@"); ok {
		if ver == "" {
			return Request{}, fmt.Errorf("%w: request %q: missing version after @", core.ErrInvalidMetadata, s)
		}
		return request(s, name, ver)
	}
	if i := strings.IndexAny(s, "<>=[ "); i >= 0 {
		return request(s, s[:i], s[i:])
	}
	return request(s, s, "")
}

func request(raw, name, constraint string) (Request, error) {
	name = strings.TrimSpace(name)
	if !metadata.ValidName(name) {
		return Request{}, fmt.Errorf("%w: request %q: invalid package name %q", core.ErrInvalidMetadata, raw, name)
	}
	c, err := version.ParseConstraint(constraint)
	if err != nil {
		return Request{}, err
	}
	return Request{Name: name, Constraint: c}, nil
}

// ParseRequests parses every argument with ParseRequest
func ParseRequests(args []string) ([]Request, error) {
	out := make([]Request, 0, len(args))
	for _, a := range args {
		r, err := ParseRequest(a)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
