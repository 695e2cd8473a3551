package cache

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func key(name string) Key {
	return Key{Repo: "main", Name: name, Version: version.MustParse("1.0.0")}
}

func put(t *testing.T, c *Cache, name string, data []byte) {
	t.Helper()
	require.NoError(t, c.Put(key(name), data, metadata.SHA256Sum(data)))
}

func names(c *Cache) []string {
	var out []string
	for _, e := range c.Entries() {
		out = append(out, e.Key.Name)
	}
	sort.Strings(out)
	return out
}

func TestLRUEviction(t *testing.T) {
	c, err := Open(Options{Dir: t.TempDir(), MaxEntries: 3, Policy: LRU})
	require.NoError(t, err)

	put(t, c, "A", []byte("a"))
	put(t, c, "B", []byte("b"))
	put(t, c, "C", []byte("c"))

	_, ok, err := c.Get(key("A"), metadata.SHA256Sum([]byte("a")))
	require.NoError(t, err)
	require.True(t, ok)

	put(t, c, "D", []byte("d"))
	assert.Equal(t, []string{"A", "C", "D"}, names(c))
}

func TestPolicies(t *testing.T) {
	tests := []struct {
		policy Policy
		want   []string
	}{
		// A is read twice and B once; C is the largest and never read.
		{LFU, []string{"A", "B", "D"}},
		{FIFO, []string{"B", "C", "D"}},
		{Largest, []string{"A", "B", "D"}},
		{LRU, []string{"A", "B", "D"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			c, err := Open(Options{Dir: t.TempDir(), MaxEntries: 3, Policy: tt.policy})
			require.NoError(t, err)
			put(t, c, "A", []byte("a"))
			put(t, c, "B", []byte("bb"))
			put(t, c, "C", []byte("cccccccc"))
			c.Get(key("B"), metadata.Checksum{})
			c.Get(key("A"), metadata.Checksum{})
			c.Get(key("A"), metadata.Checksum{})
			put(t, c, "D", []byte("d"))
			assert.Equal(t, tt.want, names(c))
		})
	}
}

func TestSizeLimit(t *testing.T) {
	c, err := Open(Options{Dir: t.TempDir(), MaxSize: 10})
	require.NoError(t, err)
	put(t, c, "A", []byte("aaaa"))
	put(t, c, "B", []byte("bbbb"))
	put(t, c, "C", []byte("cccc"))

	assert.Equal(t, []string{"B", "C"}, names(c))
	assert.LessOrEqual(t, c.Stats().Size, int64(10))

	err = c.Put(key("big"), make([]byte, 11), metadata.SHA256Sum(make([]byte, 11)))
	assert.ErrorIs(t, err, core.ErrCache)
}

func TestPutRejectsWrongChecksum(t *testing.T) {
	c, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	err = c.Put(key("A"), []byte("a"), metadata.SHA256Sum([]byte("b")))
	assert.ErrorIs(t, err, core.ErrChecksumMismatch)
	assert.Empty(t, c.Entries())
}

func TestTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := Open(Options{Dir: t.TempDir(), TTL: time.Hour, Now: clock.Now})
	require.NoError(t, err)
	put(t, c, "A", []byte("a"))
	clock.Advance(30 * time.Minute)
	put(t, c, "B", []byte("b"))

	clock.Advance(45 * time.Minute)
	_, ok, err := c.Get(key("A"), metadata.Checksum{})
	require.NoError(t, err)
	assert.False(t, ok, "expired entries are never returned")

	clock.Advance(time.Hour)
	assert.Equal(t, 1, c.CleanExpired())
	assert.Empty(t, c.Entries())
}

func TestCorruptedEntryIsEvicted(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	put(t, c, "A", []byte("original"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "packages", "A-1.0.0.mpkg"), []byte("tampered"), 0o644))

	_, ok, err := c.Get(key("A"), metadata.SHA256Sum([]byte("original")))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, c.Has(key("A")))
	_, err = os.Stat(filepath.Join(dir, "packages", "A-1.0.0.mpkg.meta"))
	assert.True(t, os.IsNotExist(err))
}

func TestExpectedChecksumMismatchIsMiss(t *testing.T) {
	c, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	put(t, c, "A", []byte("a"))

	_, ok, err := c.Get(key("A"), metadata.SHA256Sum([]byte("other")))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, c.Entries())
}

func TestEntriesSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Dir: dir, MaxEntries: 2})
	require.NoError(t, err)
	put(t, c, "A", []byte("a"))
	put(t, c, "B", []byte("b"))
	c.Get(key("A"), metadata.Checksum{})

	// Orphaned payload from an interrupted put.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "packages", "X-1.0.0.mpkg"), []byte("x"), 0o644))

	reopened, err := Open(Options{Dir: dir, MaxEntries: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, names(reopened))
	data, ok, err := reopened.Get(key("B"), metadata.SHA256Sum([]byte("b")))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), data)

	// LRU order persisted: A was touched before B was read just now.
	put(t, reopened, "C", []byte("c"))
	assert.Equal(t, []string{"B", "C"}, names(reopened))

	_, err = os.Stat(filepath.Join(dir, "packages", "X-1.0.0.mpkg"))
	assert.True(t, os.IsNotExist(err))
}

func TestVersionsAndStats(t *testing.T) {
	c, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	for _, v := range []string{"1.0.0", "2.0.0", "1.5.0"} {
		data := []byte(v)
		require.NoError(t, c.Put(Key{Repo: "main", Name: "p", Version: version.MustParse(v)}, data, metadata.SHA256Sum(data)))
	}
	assert.Equal(t, []version.Version{
		version.MustParse("2.0.0"), version.MustParse("1.5.0"), version.MustParse("1.0.0"),
	}, c.Versions("main", "p"))
	assert.Empty(t, c.Versions("other", "p"))

	c.Get(Key{Repo: "main", Name: "p", Version: version.MustParse("2.0.0")}, metadata.Checksum{})
	c.Get(key("missing"), metadata.Checksum{})
	st := c.Stats()
	assert.Equal(t, 3, st.Entries)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate(), 1e-9)
}

func TestConcurrentReaders(t *testing.T) {
	c, err := Open(Options{Dir: t.TempDir(), MaxEntries: 4})
	require.NoError(t, err)
	put(t, c, "A", []byte("a"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, ok, err := c.Get(key("A"), metadata.SHA256Sum([]byte("a")))
			assert.NoError(t, err)
			if ok {
				assert.Equal(t, []byte("a"), data)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(16), c.Entries()[0].AccessCount)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, LRU, p)
	_, err = ParsePolicy("random")
	assert.ErrorIs(t, err, core.ErrConfig)
}
