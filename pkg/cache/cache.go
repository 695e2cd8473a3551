// pkg/cache/cache.go
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/version"
	"github.com/charmbracelet/log"
)

const (
	payloadExt = ".mpkg"
	sidecarExt = ".meta"
)

// Key indexes the cache
type Key struct {
	Repo    string
	Name    string
	Version version.Version
}

func (k Key) String() string {
	return k.Repo + "/" + k.Name + "@" + k.Version.String()
}

func (k Key) fileName() string {
	return k.Name + "-" + k.Version.String() + payloadExt
}

// Entry describes one cached payload
type Entry struct {
	Key          Key
	Checksum     metadata.Checksum
	Size         int64
	CreatedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    time.Time // zero means never
	AccessCount  int64

	createTick uint64
	accessTick uint64
}

// Expired reports whether e has expired at now
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

// sidecar is the on-disk form of an Entry
type sidecar struct {
	Repo         string            `json:"repo"`
	Name         string            `json:"name"`
	Version      version.Version   `json:"version"`
	Checksum     metadata.Checksum `json:"checksum"`
	Size         int64             `json:"size"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	ExpiresAt    time.Time         `json:"expires_at"`
	AccessCount  int64             `json:"access_count"`
	CreateTick   uint64            `json:"create_tick"`
	AccessTick   uint64            `json:"access_tick"`
}

// Options configures a Cache
type Options struct {
	Dir        string // cache root; payloads live under Dir/packages
	MaxSize    int64  // total payload bytes, 0 = unlimited
	MaxEntries int    // 0 = unlimited
	TTL        time.Duration
	Policy     Policy
	Logger     *log.Logger
	Notifier   core.Notifier
	Now        func() time.Time
}

// Stats summarizes cache activity
type Stats struct {
	Entries   int
	Size      int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate returns hits / (hits + misses)
func (s Stats) HitRate() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Misses)
}

// Cache is a persistent artifact store keyed by (repo, name, version).
// Mutations take the writer lock; payload reads share the reader lock.
type Cache struct {
	opts Options
	dir  string
	log  *log.Logger

	mu      sync.RWMutex
	entries map[Key]*Entry
	byFile  map[string]Key
	size    int64
	tick    uint64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Open loads the cache index from the sidecars under opts.Dir
func Open(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: cache directory not set", core.ErrConfig)
	}
	if opts.Policy == "" {
		opts.Policy = LRU
	}
	if _, err := opts.Policy.less(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		opts:    opts,
		dir:     filepath.Join(opts.Dir, "packages"),
		log:     core.LoggerOr(opts.Logger).WithPrefix("cache"),
		entries: make(map[Key]*Entry),
		byFile:  make(map[string]Key),
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, c.ioErr("open", Key{}, err)
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) load() error {
	names, err := os.ReadDir(c.dir)
	if err != nil {
		return c.ioErr("open", Key{}, err)
	}

	payloads := make(map[string]bool)
	for _, de := range names {
		name := de.Name()
		switch {
		case strings.HasSuffix(name, payloadExt):
			payloads[name] = true
		case strings.HasPrefix(name, ".tmp-"):
			os.Remove(filepath.Join(c.dir, name))
		}
	}

	for _, de := range names {
		name := de.Name()
		if !strings.HasSuffix(name, sidecarExt) {
			continue
		}
		file := strings.TrimSuffix(name, sidecarExt)
		data, err := os.ReadFile(filepath.Join(c.dir, name))
		if err != nil {
			return c.ioErr("open", Key{}, err)
		}
		var sc sidecar
		if err := json.Unmarshal(data, &sc); err != nil || !payloads[file] {
			c.log.Warn("dropping unreadable cache entry", "file", file)
			os.Remove(filepath.Join(c.dir, name))
			os.Remove(filepath.Join(c.dir, file))
			delete(payloads, file)
			continue
		}
		delete(payloads, file)

		e := &Entry{
			Key:          Key{Repo: sc.Repo, Name: sc.Name, Version: sc.Version},
			Checksum:     sc.Checksum,
			Size:         sc.Size,
			CreatedAt:    sc.CreatedAt,
			LastAccessed: sc.LastAccessed,
			ExpiresAt:    sc.ExpiresAt,
			AccessCount:  sc.AccessCount,
			createTick:   sc.CreateTick,
			accessTick:   sc.AccessTick,
		}
		c.entries[e.Key] = e
		c.byFile[file] = e.Key
		c.size += e.Size
		c.tick = max(c.tick, sc.CreateTick, sc.AccessTick)
	}

	// Payloads without a sidecar come from an interrupted put.
	for file := range payloads {
		os.Remove(filepath.Join(c.dir, file))
	}
	c.log.Debug("cache loaded", "entries", len(c.entries), "bytes", c.size)
	return nil
}

// Get returns the payload for key. A zero expected checksum skips the
// comparison with the caller's expectation but the stored checksum is
// always verified. Expired or corrupted entries are evicted and reported
// as a miss.
func (c *Cache) Get(key Key, expected metadata.Checksum) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.RUnlock()
		c.misses.Add(1)
		return nil, false, nil
	}
	now := c.opts.Now()
	if e.Expired(now) {
		c.mu.RUnlock()
		c.evict(key, e, "expired")
		c.misses.Add(1)
		return nil, false, nil
	}
	if !expected.IsZero() && !expected.Equal(e.Checksum) {
		c.mu.RUnlock()
		c.evict(key, e, "checksum changed")
		c.misses.Add(1)
		return nil, false, nil
	}
	data, err := os.ReadFile(filepath.Join(c.dir, key.fileName()))
	c.mu.RUnlock()

	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.evict(key, e, "payload missing")
			c.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, c.ioErr("get", key, err)
	}
	if int64(len(data)) != e.Size || !e.Checksum.Matches(data) {
		c.evict(key, e, "corrupted")
		c.misses.Add(1)
		return nil, false, nil
	}

	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && cur == e {
		c.tick++
		e.accessTick = c.tick
		e.LastAccessed = now
		e.AccessCount++
		if err := c.writeSidecar(e); err != nil {
			c.log.Warn("updating cache sidecar", "key", key.String(), "err", err)
		}
	}
	c.mu.Unlock()

	c.hits.Add(1)
	return data, true, nil
}

// Has reports whether a live entry exists for key without touching it
func (c *Cache) Has(key Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return ok && !e.Expired(c.opts.Now())
}

// Put stores payload under key after checking it against expected,
// evicting entries per policy until it fits.
func (c *Cache) Put(key Key, payload []byte, expected metadata.Checksum) error {
	if err := expected.WellFormed(); err != nil {
		return core.Errorf(core.ErrCache, "cache put", key.Name, key.Version.String(), "%s: %v", key, err)
	}
	if !expected.Matches(payload) {
		return core.Errorf(core.ErrChecksumMismatch, "cache put", key.Name, key.Version.String(),
			"%s: payload does not match %s", key, expected)
	}
	size := int64(len(payload))
	if c.opts.MaxSize > 0 && size > c.opts.MaxSize {
		return core.Errorf(core.ErrCache, "cache put", key.Name, key.Version.String(),
			"%s: payload of %d bytes exceeds cache capacity %d", key, size, c.opts.MaxSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	file := key.fileName()
	if old, ok := c.byFile[file]; ok {
		c.removeLocked(old, "replaced")
	}
	for c.overLocked(size) {
		victim, ok := c.victimLocked()
		if !ok {
			break
		}
		c.removeLocked(victim, "policy "+string(c.opts.Policy))
	}

	if err := writeFileAtomic(filepath.Join(c.dir, file), payload); err != nil {
		return c.ioErr("put", key, err)
	}

	now := c.opts.Now()
	c.tick++
	e := &Entry{
		Key:          key,
		Checksum:     expected,
		Size:         size,
		CreatedAt:    now,
		LastAccessed: now,
		createTick:   c.tick,
		accessTick:   c.tick,
	}
	if c.opts.TTL > 0 {
		e.ExpiresAt = now.Add(c.opts.TTL)
	}
	if err := c.writeSidecar(e); err != nil {
		os.Remove(filepath.Join(c.dir, file))
		return c.ioErr("put", key, err)
	}
	c.entries[key] = e
	c.byFile[file] = key
	c.size += size
	return nil
}

func (c *Cache) overLocked(incoming int64) bool {
	if c.opts.MaxSize > 0 && c.size+incoming > c.opts.MaxSize {
		return true
	}
	return c.opts.MaxEntries > 0 && len(c.entries)+1 > c.opts.MaxEntries
}

func (c *Cache) victimLocked() (Key, bool) {
	less, _ := c.opts.Policy.less()
	var best *Entry
	for _, e := range c.entries {
		if best == nil || less(e, best) {
			best = e
		}
	}
	if best == nil {
		return Key{}, false
	}
	return best.Key, true
}

// Evict removes key if present
func (c *Cache) Evict(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		c.removeLocked(key, "requested")
	}
}

func (c *Cache) evict(key Key, seen *Entry, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[key]; ok && cur == seen {
		c.removeLocked(key, reason)
	}
}

func (c *Cache) removeLocked(key Key, reason string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	file := key.fileName()
	os.Remove(filepath.Join(c.dir, file))
	os.Remove(filepath.Join(c.dir, file+sidecarExt))
	delete(c.entries, key)
	delete(c.byFile, file)
	c.size -= e.Size
	c.evictions.Add(1)

	c.log.Debug("evicted", "key", key.String(), "reason", reason)
	if c.opts.Notifier != nil {
		c.opts.Notifier.Notify(core.Event{
			Type:       core.EventCacheEviction,
			Repository: key.Repo,
			Package:    key.Name,
			Message:    "evicted " + key.String() + ": " + reason,
			Time:       c.opts.Now(),
		})
	}
}

// CleanExpired removes all entries whose expiry has passed and returns
// how many were removed.
func (c *Cache) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	var expired []Key
	for k, e := range c.entries {
		if e.Expired(now) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		c.removeLocked(k, "expired")
	}
	return len(expired)
}

// Clear removes every entry
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	for k := range c.entries {
		c.removeLocked(k, "cleared")
	}
	return n
}

// Versions lists cached versions of name from repo, newest first
func (c *Cache) Versions(repo, name string) []version.Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.opts.Now()
	var out []version.Version
	for k, e := range c.entries {
		if k.Repo == repo && k.Name == name && !e.Expired(now) {
			out = append(out, k.Version)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Less(out[i]) })
	return out
}

// Entries returns a snapshot of all entries ordered by key
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Stats returns counters and current occupancy
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:   len(c.entries),
		Size:      c.size,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache) writeSidecar(e *Entry) error {
	data, err := json.Marshal(sidecar{
		Repo:         e.Key.Repo,
		Name:         e.Key.Name,
		Version:      e.Key.Version,
		Checksum:     e.Checksum,
		Size:         e.Size,
		CreatedAt:    e.CreatedAt,
		LastAccessed: e.LastAccessed,
		ExpiresAt:    e.ExpiresAt,
		AccessCount:  e.AccessCount,
		CreateTick:   e.createTick,
		AccessTick:   e.accessTick,
	})
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(c.dir, e.Key.fileName()+sidecarExt), data)
}

func (c *Cache) ioErr(op string, key Key, err error) error {
	return core.Errorf(core.ErrCache, "cache "+op, key.Name, versionOf(key), "%s: %v", key, err)
}

func versionOf(k Key) string {
	if k.Name == "" {
		return ""
	}
	return k.Version.String()
}

func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
