// pkg/version/version.go
package version

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/arc-language/mpkg/pkg/core"
)

// Version is major.minor.patch with an optional pre-release tag.
// The zero value is 0.0.0.
type Version struct {
	Major uint64
	Minor uint64
	Patch uint64
	Pre   string
}

// Order is the result of comparing two versions
type Order int8

const (
	Less    Order = -1
	Equal   Order = 0
	Greater Order = 1
)

func (o Order) String() string {
	switch o {
	case Less:
		return "less"
	case Greater:
		return "greater"
	}
	return "equal"
}

// New returns the release version major.minor.patch
func New(major, minor, patch uint64) Version {
	return Version{Major: major, Minor: minor, Patch: patch}
}

// Parse parses the canonical form major.minor.patch[-pre]
func Parse(s string) (Version, error) {
	invalid := func(format string, args ...any) (Version, error) {
		return Version{}, core.Errorf(core.ErrInvalidMetadata, "parse version", "", s, format, args...)
	}

	core3, pre, hasPre := strings.Cut(s, "-")
	if hasPre {
		if pre == "" {
			return invalid("empty pre-release tag")
		}
		for _, r := range pre {
			if r == '.' {
				return invalid("pre-release %q contains a dot", pre)
			}
			if !unicode.IsPrint(r) || unicode.IsSpace(r) {
				return invalid("pre-release %q contains non-printable character %q", pre, r)
			}
		}
	}

	parts := strings.Split(core3, ".")
	if len(parts) != 3 {
		return invalid("want major.minor.patch")
	}

	var nums [3]uint64
	for i, p := range parts {
		if p == "" {
			return invalid("empty component")
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return invalid("non-numeric component %q", p)
			}
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return invalid("component %q out of range", p)
		}
		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Pre: pre}, nil
}

// MustParse is like Parse but panics on error
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Pre != "" {
		s += "-" + v.Pre
	}
	return s
}

// Compare orders a and b. Release versions sort above pre-releases of the
// same triple; pre-release tags compare by code point.
func Compare(a, b Version) Order {
	if c := cmpUint(a.Major, b.Major); c != Equal {
		return c
	}
	if c := cmpUint(a.Minor, b.Minor); c != Equal {
		return c
	}
	if c := cmpUint(a.Patch, b.Patch); c != Equal {
		return c
	}
	switch {
	case a.Pre == b.Pre:
		return Equal
	case a.Pre == "":
		return Greater
	case b.Pre == "":
		return Less
	case a.Pre < b.Pre:
		return Less
	default:
		return Greater
	}
}

func cmpUint(a, b uint64) Order {
	switch {
	case a < b:
		return Less
	case a > b:
		return Greater
	}
	return Equal
}

// Compare orders v against o
func (v Version) Compare(o Version) Order { return Compare(v, o) }

// Less reports whether v sorts before o
func (v Version) Less(o Version) bool { return Compare(v, o) == Less }

// Equal reports structural equality
func (v Version) Equal(o Version) bool { return v == o }

// IsPrerelease reports whether v carries a pre-release tag
func (v Version) IsPrerelease() bool { return v.Pre != "" }

func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
