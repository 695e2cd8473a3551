package version

import (
	"encoding/json"
	"testing"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Version
	}{
		{"1.2.3", New(1, 2, 3)},
		{"0.0.0", Version{}},
		{"10.20.30-rc1", Version{10, 20, 30, "rc1"}},
		{"1.0.0-beta-2", Version{1, 0, 0, "beta-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{
		"", "1", "1.2", "1.2.3.4", "a.b.c", "1.2.x", "1..3", "+1.2.3",
		"1.2.3-", "1.2.3-rc.1", "1.2.3-rc 1", "99999999999999999999.0.0",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrInvalidMetadata)
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want Order
	}{
		{"1.0.0", "1.0.0", Equal},
		{"1.0.0", "2.0.0", Less},
		{"1.10.0", "1.9.0", Greater},
		{"1.0.10", "1.0.9", Greater},
		{"1.0.0-alpha", "1.0.0", Less},
		{"1.0.0", "1.0.0-alpha", Greater},
		{"1.0.0-alpha", "1.0.0-beta", Less},
		{"1.0.0-b", "1.0.0-B", Greater},
		{"0.9.9", "1.0.0-alpha", Less},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(MustParse(tt.a), MustParse(tt.b)))
			assert.Equal(t, -tt.want, Compare(MustParse(tt.b), MustParse(tt.a)))
		})
	}
}

func TestCompareIsTotalOrder(t *testing.T) {
	vs := []Version{
		MustParse("0.1.0"), MustParse("1.0.0-alpha"), MustParse("1.0.0-beta"),
		MustParse("1.0.0"), MustParse("1.0.1"), MustParse("1.1.0"), MustParse("2.0.0-rc"),
	}
	for _, a := range vs {
		for _, b := range vs {
			o := Compare(a, b)
			assert.Equal(t, a == b, o == Equal)
			for _, c := range vs {
				if a.Less(b) && b.Less(c) {
					assert.True(t, a.Less(c), "%s < %s < %s", a, b, c)
				}
			}
		}
	}
}

func TestVersionJSON(t *testing.T) {
	type doc struct {
		V Version `json:"v"`
	}
	b, err := json.Marshal(doc{MustParse("2.4.1-rc")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"2.4.1-rc"}`, string(b))

	var d doc
	require.NoError(t, json.Unmarshal(b, &d))
	assert.Equal(t, MustParse("2.4.1-rc"), d.V)

	assert.Error(t, json.Unmarshal([]byte(`{"v":"x"}`), &d))
}
