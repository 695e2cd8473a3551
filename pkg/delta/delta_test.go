package delta

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7) ^ seed
	}
	return out
}

func TestAlgorithmsRoundTrip(t *testing.T) {
	base := sample(4096, 0)
	edited := append([]byte(nil), base...)
	copy(edited[1000:], []byte("a small edit in the middle"))
	edited = append(edited, []byte("and a tail")...)

	cases := map[string][2][]byte{
		"edit":     {base, edited},
		"shrink":   {base, base[:1000]},
		"empty":    {nil, []byte("new")},
		"to empty": {base, nil},
		"same":     {base, base},
	}

	reg := NewRegistry()
	for _, name := range reg.Names() {
		for label, c := range cases {
			t.Run(name+"/"+label, func(t *testing.T) {
				patch, tag, err := reg.Diff(name, c[0], c[1])
				require.NoError(t, err)
				alg, ok := reg.ByTag(tag)
				require.True(t, ok)
				assert.Equal(t, name, alg.Name)

				out, err := alg.Apply(c[0], patch, int64(len(c[1])))
				require.NoError(t, err)
				assert.True(t, bytes.Equal(c[1], out))
			})
		}
	}
}

func TestCopyInsertIsCompact(t *testing.T) {
	base := sample(64*1024, 3)
	target := append([]byte(nil), base...)
	copy(target[32*1024:], []byte("patched"))

	patch, err := diffCopyInsert(base, target)
	require.NoError(t, err)
	assert.Less(t, len(patch), len(target)/10)
}

func TestApplyRejectsMalformed(t *testing.T) {
	_, err := applyCopyInsert([]byte("abc"), []byte{opCopy, 2, 5}, 0)
	assert.ErrorIs(t, err, core.ErrPackageCorrupted)

	_, err = applyCopyInsert(nil, []byte{0x7f}, 0)
	assert.ErrorIs(t, err, core.ErrPackageCorrupted)

	_, err = applyByteReplace([]byte("abc"), []byte{opTruncate, 9, 0, 0, 0}, 0)
	assert.ErrorIs(t, err, core.ErrPackageCorrupted)

	_, err = applyCopyInsertXZ(nil, []byte("not xz"), 0)
	assert.ErrorIs(t, err, core.ErrPackageCorrupted)
}

func TestApplyStopsAtLimit(t *testing.T) {
	// a small xz stream expanding to a megabyte of inserted zeros
	big := make([]byte, 1<<20)
	patch, _, err := NewRegistry().Diff(CopyInsertXZ, nil, big)
	require.NoError(t, err)
	require.Less(t, len(patch), 64*1024)

	_, err = applyCopyInsertXZ(nil, patch, 4096)
	assert.ErrorIs(t, err, core.ErrPackageCorrupted)
	assert.ErrorContains(t, err, "exceeds 4096 bytes")

	out, err := applyCopyInsertXZ(nil, patch, int64(len(big)))
	require.NoError(t, err)
	assert.Len(t, out, len(big))

	base := sample(64, 0)
	_, err = applyCopyInsert(base, []byte{opCopy, 0, 64, opCopy, 0, 64}, 100)
	assert.ErrorContains(t, err, "exceeds 100 bytes")

	_, err = applyByteReplace(nil, []byte{opAppend, 200, 0, 0, 0}, 100)
	assert.ErrorContains(t, err, "exceeds 100 bytes")
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Algorithm{Name: CopyInsert, Tag: 9, Apply: applyCopyInsert})
	assert.ErrorIs(t, err, core.ErrConfig)
	err = reg.Register(Algorithm{Name: "other", Tag: tagByteReplace, Apply: applyCopyInsert})
	assert.ErrorIs(t, err, core.ErrConfig)
	require.NoError(t, reg.Register(Algorithm{Name: "other", Tag: 9, Apply: applyCopyInsert}))
}

type bases struct {
	data map[version.Version][]byte
}

func (b bases) BaseVersions(string) map[version.Version]int64 {
	out := make(map[version.Version]int64)
	for v, d := range b.data {
		out[v] = int64(len(d))
	}
	return out
}

func (b bases) BaseData(_ context.Context, _ string, v version.Version) ([]byte, error) {
	d, ok := b.data[v]
	if !ok {
		return nil, errors.New("missing")
	}
	return d, nil
}

func deltaFixture(t *testing.T) (*metadata.Package, bases, []byte, []byte) {
	t.Helper()
	base := sample(8192, 1)
	target := append([]byte(nil), base...)
	copy(target[100:], []byte("version two"))

	patch, err := diffCopyInsert(base, target)
	require.NoError(t, err)

	v1, v2 := version.MustParse("1.0.0"), version.MustParse("2.0.0")
	pkg := &metadata.Package{
		Name:     "A",
		Version:  v2,
		Size:     int64(len(target)),
		Checksum: metadata.SHA256Sum(target),
		Deltas: []metadata.Delta{{
			TargetVersion:  v2,
			BaseVersion:    v1,
			Algorithm:      CopyInsert,
			DeltaSize:      int64(len(patch)),
			FullSize:       int64(len(target)),
			DeltaChecksum:  metadata.SHA256Sum(patch),
			ResultChecksum: metadata.SHA256Sum(target),
		}},
	}
	return pkg, bases{data: map[version.Version][]byte{v1: base}}, patch, target
}

func TestSelect(t *testing.T) {
	pkg, src, _, _ := deltaFixture(t)
	e := NewEngine(Options{})

	d, ok := e.Select(pkg, src.BaseVersions("A"))
	require.True(t, ok)
	assert.Equal(t, "1.0.0", d.BaseVersion.String())

	_, ok = e.Select(pkg, map[version.Version]int64{version.MustParse("0.9.0"): 10})
	assert.False(t, ok, "base not reachable")

	big := pkg.Clone()
	big.Deltas[0].DeltaSize = big.Size * 95 / 100
	_, ok = e.Select(big, src.BaseVersions("A"))
	assert.False(t, ok, "not worth it")

	unknown := pkg.Clone()
	unknown.Deltas[0].Algorithm = "xdelta9"
	_, ok = e.Select(unknown, src.BaseVersions("A"))
	assert.False(t, ok, "unknown algorithms are skipped")

	_, ok = NewEngine(Options{Disabled: true}).Select(pkg, src.BaseVersions("A"))
	assert.False(t, ok)
}

func TestSelectPrefersSmallest(t *testing.T) {
	pkg, _, _, _ := deltaFixture(t)
	second := pkg.Deltas[0]
	second.BaseVersion = version.MustParse("1.5.0")
	second.DeltaSize = pkg.Deltas[0].DeltaSize / 2
	pkg.Deltas = append(pkg.Deltas, second)

	d, ok := NewEngine(Options{}).Select(pkg, map[version.Version]int64{
		version.MustParse("1.0.0"): 8192,
		version.MustParse("1.5.0"): 8192,
	})
	require.True(t, ok)
	assert.Equal(t, "1.5.0", d.BaseVersion.String())
}

func TestAcquire(t *testing.T) {
	pkg, src, patch, target := deltaFixture(t)
	e := NewEngine(Options{})

	res, err := e.Acquire(context.Background(), pkg, src, func(context.Context, metadata.Delta) (byte, []byte, error) {
		return tagCopyInsert, patch, nil
	})
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.Equal(t, target, res.Payload)
}

func TestAcquireFallsBack(t *testing.T) {
	pkg, src, patch, _ := deltaFixture(t)
	e := NewEngine(Options{})

	corrupt := append([]byte(nil), patch...)
	corrupt[len(corrupt)-1] ^= 0xff

	tests := []struct {
		name   string
		fetch  Fetcher
		reason string
	}{
		{"corrupt patch", func(context.Context, metadata.Delta) (byte, []byte, error) {
			return tagCopyInsert, corrupt, nil
		}, "delta checksum mismatch"},
		{"wrong tag", func(context.Context, metadata.Delta) (byte, []byte, error) {
			return tagByteReplace, patch, nil
		}, "does not match"},
		{"fetch error", func(context.Context, metadata.Delta) (byte, []byte, error) {
			return 0, nil, core.ErrNetwork
		}, "fetching delta"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Acquire(context.Background(), pkg, src, tt.fetch)
			require.NoError(t, err)
			assert.True(t, res.Fallback)
			assert.Nil(t, res.Payload)
			assert.Contains(t, res.Reason, tt.reason)
		})
	}

	t.Run("result mismatch", func(t *testing.T) {
		bad := pkg.Clone()
		bad.Deltas[0].ResultChecksum = metadata.SHA256Sum([]byte("something else"))
		res, err := e.Acquire(context.Background(), bad, src, func(context.Context, metadata.Delta) (byte, []byte, error) {
			return tagCopyInsert, patch, nil
		})
		require.NoError(t, err)
		assert.True(t, res.Fallback)
		assert.Equal(t, "result checksum mismatch", res.Reason)
	})
}

func TestAcquireCancelled(t *testing.T) {
	pkg, src, _, _ := deltaFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(Options{}).Acquire(ctx, pkg, src, func(ctx context.Context, _ metadata.Delta) (byte, []byte, error) {
		return 0, nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMonitorRecordsAcquire(t *testing.T) {
	pkg, src, patch, _ := deltaFixture(t)
	path := filepath.Join(t.TempDir(), "delta-stats.json")
	m, err := NewMonitor(path)
	require.NoError(t, err)
	e := NewEngine(Options{Monitor: m})

	_, err = e.Acquire(context.Background(), pkg, src, func(context.Context, metadata.Delta) (byte, []byte, error) {
		return tagCopyInsert, patch, nil
	})
	require.NoError(t, err)
	_, err = e.Acquire(context.Background(), pkg, src, func(context.Context, metadata.Delta) (byte, []byte, error) {
		return 0, nil, core.ErrNetwork
	})
	require.NoError(t, err)

	full := pkg.Deltas[0].FullSize
	s := e.Monitor().Stats()
	assert.Equal(t, 2, s.Transfers)
	assert.Equal(t, 1, s.Fallbacks)
	assert.Equal(t, int64(len(patch))+full, s.BytesTransferred)
	assert.Equal(t, 2*full, s.FullBytes)
	assert.InDelta(t, float64(full-int64(len(patch)))/float64(2*full)*100, s.SavingsPercent, 1e-9)

	hist := e.Monitor().History()
	require.Len(t, hist, 2)
	assert.False(t, hist[0].Fallback)
	assert.Equal(t, "1.0.0", hist[0].Base)
	assert.Greater(t, hist[0].Ratio, 0.5)
	assert.True(t, hist[1].Fallback)
	assert.InDelta(t, (hist[0].Ratio+hist[1].Ratio)/2, s.AvgCompression, 1e-9)

	// totals accumulate across runs
	again, err := NewMonitor(path)
	require.NoError(t, err)
	assert.Equal(t, s, again.Stats())
}

func TestMonitorKeepsRecentHistory(t *testing.T) {
	m, err := NewMonitor("")
	require.NoError(t, err)
	for i := 0; i < HistorySize+5; i++ {
		require.NoError(t, m.Record(Transfer{Package: fmt.Sprint(i), Bytes: 10, FullBytes: 100}))
	}
	hist := m.History()
	require.Len(t, hist, HistorySize)
	assert.Equal(t, "5", hist[0].Package)
	s := m.Stats()
	assert.Equal(t, HistorySize+5, s.Transfers)
	assert.InDelta(t, 90.0, s.SavingsPercent, 1e-9)
	assert.InDelta(t, 0.9, s.AvgCompression, 1e-9)
}
