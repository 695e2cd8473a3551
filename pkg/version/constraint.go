// pkg/version/constraint.go
package version

import (
	"fmt"
	"strings"

	"github.com/arc-language/mpkg/pkg/core"
)

// Op is the kind of a Constraint
type Op uint8

const (
	OpAny Op = iota
	OpExact
	OpGreater
	OpLess
	OpRange // inclusive on both ends
	OpAtLeast
	OpAtMost
)

// Constraint is a predicate over versions. The zero value matches anything.
type Constraint struct {
	Op  Op
	V   Version // operand for single-version constraints, min for ranges
	Max Version // upper bound for ranges
}

func Any() Constraint                  { return Constraint{Op: OpAny} }
func Exact(v Version) Constraint       { return Constraint{Op: OpExact, V: v} }
func GreaterThan(v Version) Constraint { return Constraint{Op: OpGreater, V: v} }
func LessThan(v Version) Constraint    { return Constraint{Op: OpLess, V: v} }
func AtLeast(v Version) Constraint     { return Constraint{Op: OpAtLeast, V: v} }
func AtMost(v Version) Constraint      { return Constraint{Op: OpAtMost, V: v} }

// Range returns the closed range [min, max]
func Range(min, max Version) (Constraint, error) {
	if Compare(min, max) == Greater {
		return Constraint{}, core.Errorf(core.ErrInvalidMetadata, "parse constraint", "", "",
			"range minimum %s exceeds maximum %s", min, max)
	}
	return Constraint{Op: OpRange, V: min, Max: max}, nil
}

// Matches reports whether v satisfies c
func (c Constraint) Matches(v Version) bool {
	switch c.Op {
	case OpExact:
		return Compare(v, c.V) == Equal
	case OpGreater:
		return Compare(v, c.V) == Greater
	case OpLess:
		return Compare(v, c.V) == Less
	case OpAtLeast:
		return Compare(v, c.V) != Less
	case OpAtMost:
		return Compare(v, c.V) != Greater
	case OpRange:
		return Compare(v, c.V) != Less && Compare(v, c.Max) != Greater
	}
	return true
}

// IsAny reports whether c matches every version
func (c Constraint) IsAny() bool { return c.Op == OpAny }

func (c Constraint) String() string {
	switch c.Op {
	case OpExact:
		return "=" + c.V.String()
	case OpGreater:
		return ">" + c.V.String()
	case OpLess:
		return "<" + c.V.String()
	case OpAtLeast:
		return ">=" + c.V.String()
	case OpAtMost:
		return "<=" + c.V.String()
	case OpRange:
		return c.V.String() + " - " + c.Max.String()
	}
	return "*"
}

// ParseConstraint accepts "", "*", "any", "V", "=V", "==V", ">V", ">=V",
// "<V", "<=V", "A - B" and "[A,B]".
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "*", "any":
		return Any(), nil
	}

	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		lo, hi, ok := strings.Cut(s[1:len(s)-1], ",")
		if !ok {
			return Constraint{}, constraintErr(s, "range needs two bounds")
		}
		return parseRange(s, lo, hi)
	}
	if lo, hi, ok := strings.Cut(s, " - "); ok {
		return parseRange(s, lo, hi)
	}

	ops := []struct {
		prefix string
		build  func(Version) Constraint
	}{
		{">=", AtLeast},
		{"<=", AtMost},
		{"==", Exact},
		{">", GreaterThan},
		{"<", LessThan},
		{"=", Exact},
	}
	build := Exact
	rest := s
	for _, op := range ops {
		if strings.HasPrefix(s, op.prefix) {
			build = op.build
			rest = strings.TrimSpace(s[len(op.prefix):])
			break
		}
	}
	v, err := Parse(rest)
	if err != nil {
		return Constraint{}, constraintErr(s, "%v", err)
	}
	return build(v), nil
}

func parseRange(s, lo, hi string) (Constraint, error) {
	min, err := Parse(strings.TrimSpace(lo))
	if err != nil {
		return Constraint{}, constraintErr(s, "bad range minimum: %v", err)
	}
	max, err := Parse(strings.TrimSpace(hi))
	if err != nil {
		return Constraint{}, constraintErr(s, "bad range maximum: %v", err)
	}
	return Range(min, max)
}

func constraintErr(s, format string, args ...any) error {
	return core.Errorf(core.ErrInvalidMetadata, "parse constraint", "", "",
		"%q: %s", s, fmt.Sprintf(format, args...))
}

func (c Constraint) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Constraint) UnmarshalText(b []byte) error {
	parsed, err := ParseConstraint(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Bound is one end of an Interval. A nil Version means unbounded.
type Bound struct {
	Version   *Version
	Inclusive bool
}

// Interval is the set of versions satisfying a conjunction of constraints
type Interval struct {
	Lower Bound
	Upper Bound
}

func (c Constraint) interval() Interval {
	v, max := c.V, c.Max
	switch c.Op {
	case OpExact:
		return Interval{Bound{&v, true}, Bound{&v, true}}
	case OpGreater:
		return Interval{Lower: Bound{&v, false}}
	case OpAtLeast:
		return Interval{Lower: Bound{&v, true}}
	case OpLess:
		return Interval{Upper: Bound{&v, false}}
	case OpAtMost:
		return Interval{Upper: Bound{&v, true}}
	case OpRange:
		return Interval{Bound{&v, true}, Bound{&max, true}}
	}
	return Interval{}
}

// Empty reports whether no version lies in iv
func (iv Interval) Empty() bool {
	if iv.Lower.Version == nil || iv.Upper.Version == nil {
		return false
	}
	switch Compare(*iv.Lower.Version, *iv.Upper.Version) {
	case Greater:
		return true
	case Equal:
		return !(iv.Lower.Inclusive && iv.Upper.Inclusive)
	}
	return false
}

func (iv Interval) String() string {
	if iv.Empty() {
		return "no version"
	}
	var parts []string
	if iv.Lower.Version != nil {
		op := ">"
		if iv.Lower.Inclusive {
			op = ">="
		}
		parts = append(parts, op+iv.Lower.Version.String())
	}
	if iv.Upper.Version != nil {
		op := "<"
		if iv.Upper.Inclusive {
			op = "<="
		}
		parts = append(parts, op+iv.Upper.Version.String())
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ", ")
}

// Intersect returns the interval satisfying every constraint and whether it
// is non-empty.
func Intersect(cs ...Constraint) (Interval, bool) {
	var out Interval
	for _, c := range cs {
		iv := c.interval()
		if lo := iv.Lower; lo.Version != nil {
			if out.Lower.Version == nil {
				out.Lower = lo
			} else {
				switch Compare(*lo.Version, *out.Lower.Version) {
				case Greater:
					out.Lower = lo
				case Equal:
					out.Lower.Inclusive = out.Lower.Inclusive && lo.Inclusive
				}
			}
		}
		if hi := iv.Upper; hi.Version != nil {
			if out.Upper.Version == nil {
				out.Upper = hi
			} else {
				switch Compare(*hi.Version, *out.Upper.Version) {
				case Less:
					out.Upper = hi
				case Equal:
					out.Upper.Inclusive = out.Upper.Inclusive && hi.Inclusive
				}
			}
		}
	}
	return out, !out.Empty()
}

// MatchesAll reports whether v satisfies every constraint
func MatchesAll(v Version, cs ...Constraint) bool {
	for _, c := range cs {
		if !c.Matches(v) {
			return false
		}
	}
	return true
}
