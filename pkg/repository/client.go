// pkg/repository/client.go

// Package repository syncs package catalogs from remote repositories,
// mirrors them under the cache directory and fetches their artifacts.
package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arc-language/mpkg/pkg/cache"
	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/resolver"
	"github.com/arc-language/mpkg/pkg/security"
	"github.com/arc-language/mpkg/pkg/version"
	"github.com/charmbracelet/log"
)

// Options configures a Client
type Options struct {
	CacheDir  string // catalogs live under CacheDir/repos/<id>
	Transport core.Transport
	Cache     *cache.Cache       // optional artifact cache
	Keys      *security.KeyStore // receives keys published by repositories
	Retry     core.RetryConfig
	Mirror    core.MirrorConfig
	Sync      core.SyncConfig
	Validate  metadata.ValidateOptions
	Notifier  core.Notifier
	Logger    *log.Logger
	Now       func() time.Time
	Sleep     SleepFunc // waits between retries, time-based by default
}

// Client owns the configured repositories and their synced catalogs
type Client struct {
	opts     Options
	retry    RetryPolicy
	selector *Selector
	keys     *security.KeyStore
	log      *log.Logger

	mu    sync.RWMutex
	repos map[string]*repo

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	statusMu sync.Mutex
	status   map[string]syncStatus
}

// repo is an immutable snapshot; updates swap in a new value
type repo struct {
	spec     core.RepositorySpec
	state    *State
	byName   map[string][]*metadata.Package
	provides map[string][]*metadata.Package
}

func newRepo(spec core.RepositorySpec, st *State) *repo {
	r := &repo{spec: spec, state: st, byName: st.indexed(), provides: make(map[string][]*metadata.Package)}
	for _, ps := range r.byName {
		for _, p := range ps {
			for _, pv := range p.Provided() {
				r.provides[pv.Name] = append(r.provides[pv.Name], p)
			}
		}
	}
	return r
}

// Info summarizes a repository for listings
type Info struct {
	Spec        core.RepositorySpec
	Generation  int64
	LastSync    time.Time
	Packages    int
	Status      Status
	LastError   string    // error of the last failed sync
	LastAttempt time.Time // zero when never attempted
}

// NewClient loads the local catalog mirror of every spec
func NewClient(opts Options, specs []core.RepositorySpec) (*Client, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: repository client needs a transport", core.ErrConfig)
	}
	if opts.CacheDir == "" {
		return nil, fmt.Errorf("%w: repository client needs a cache directory", core.ErrConfig)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Sync.Strategy == "" {
		opts.Sync.Strategy = core.SyncSmart
	}
	keys := opts.Keys
	if keys == nil {
		keys = security.NewKeyStore()
	}
	c := &Client{
		opts:     opts,
		retry:    NewRetryPolicy(opts.Retry),
		selector: NewSelector(opts.Mirror.Strategy, opts.Mirror.Region),
		keys:     keys,
		log:      core.LoggerOr(opts.Logger).WithPrefix("repository"),
		repos:    make(map[string]*repo),
		locks:    make(map[string]*sync.Mutex),
		status:   make(map[string]syncStatus),
	}
	for _, s := range specs {
		if err := ValidateSpec(s); err != nil {
			return nil, err
		}
		if _, dup := c.repos[s.ID]; dup {
			return nil, fmt.Errorf("%w: repository %q configured twice", core.ErrConfig, s.ID)
		}
		c.repos[s.ID] = c.open(s)
	}
	return c, nil
}

// open loads the mirrored catalog and keys of spec. A damaged mirror is
// dropped and the repository reads as never synced.
func (c *Client) open(spec core.RepositorySpec) *repo {
	st, err := loadState(c.opts.CacheDir, spec.ID)
	if err != nil {
		c.log.Warn("discarding local catalog", "repository", spec.ID, "err", err)
		st = nil
	}
	c.loadRepoKeys(spec.ID)
	if ss, ok := loadStatus(c.opts.CacheDir, spec.ID); ok {
		c.statusMu.Lock()
		c.status[spec.ID] = ss
		c.statusMu.Unlock()
	}
	return newRepo(spec, st)
}

// loadRepoKeys adds mirrored keys the store does not already hold, so
// operator-installed keys always win over repository-published ones.
func (c *Client) loadRepoKeys(id string) {
	dir := keyDir(c.opts.CacheDir, id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".pub") {
			continue
		}
		kid := strings.TrimSuffix(name, ".pub")
		if _, ok := c.keys.Lookup(kid); ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		k, err := security.ParsePublicKey(kid, data)
		if err != nil {
			c.log.Warn("ignoring mirrored key", "repository", id, "key", kid, "err", err)
			continue
		}
		c.keys.Add(k)
	}
}

// Keys returns the key store repositories publish into
func (c *Client) Keys() *security.KeyStore { return c.keys }

func (c *Client) notify(typ core.EventType, repoID, pkg, msg string, err error) {
	e := core.Event{Type: typ, Repository: repoID, Package: pkg, Message: msg, Err: err, Time: c.opts.Now()}
	if c.opts.Notifier != nil {
		c.opts.Notifier.Notify(e)
	}
}

func (c *Client) syncLock(id string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	m, ok := c.locks[id]
	if !ok {
		m = &sync.Mutex{}
		c.locks[id] = m
	}
	return m
}

func (c *Client) get(id string) (*repo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.repos[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown repository %q", core.ErrConfig, id)
	}
	return r, nil
}

// swap replaces the state of id if the repository still exists
func (c *Client) swap(id string, st *State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.repos[id]; ok {
		c.repos[id] = newRepo(cur.spec, st)
	}
}

// ordered returns repositories by (priority, id)
func (c *Client) ordered(enabledOnly bool) []*repo {
	c.mu.RLock()
	out := make([]*repo, 0, len(c.repos))
	for _, r := range c.repos {
		if enabledOnly && !r.spec.IsEnabled() {
			continue
		}
		out = append(out, r)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].spec.Priority != out[j].spec.Priority {
			return out[i].spec.Priority < out[j].spec.Priority
		}
		return out[i].spec.ID < out[j].spec.ID
	})
	return out
}

// Add registers a new repository
func (c *Client) Add(spec core.RepositorySpec) error {
	if err := ValidateSpec(spec); err != nil {
		return err
	}
	r := c.open(spec)
	c.mu.Lock()
	if _, ok := c.repos[spec.ID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: repository %q already exists", core.ErrConfig, spec.ID)
	}
	c.repos[spec.ID] = r
	c.mu.Unlock()
	c.log.Info("repository added", "repository", spec.ID, "url", spec.URL)
	c.notify(core.EventRepositoryAdded, spec.ID, "", spec.URL, nil)
	return nil
}

// Remove drops a repository, its mirrored catalog and its cached artifacts
func (c *Client) Remove(id string) error {
	c.mu.Lock()
	_, ok := c.repos[id]
	delete(c.repos, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown repository %q", core.ErrConfig, id)
	}
	c.discard(id)
	c.notify(core.EventRepositoryRemoved, id, "", "", nil)
	return nil
}

func (c *Client) discard(id string) {
	lock := c.syncLock(id)
	lock.Lock()
	defer lock.Unlock()
	c.statusMu.Lock()
	delete(c.status, id)
	c.statusMu.Unlock()
	if err := os.RemoveAll(stateDir(c.opts.CacheDir, id)); err != nil {
		c.log.Warn("removing catalog mirror", "repository", id, "err", err)
	}
	if c.opts.Cache == nil {
		return
	}
	for _, e := range c.opts.Cache.Entries() {
		if e.Key.Repo == id {
			c.opts.Cache.Evict(e.Key)
		}
	}
}

// Reload replaces the configured repository set. Repositories that keep
// their id keep their synced catalog.
func (c *Client) Reload(specs []core.RepositorySpec) error {
	next := make(map[string]core.RepositorySpec, len(specs))
	for _, s := range specs {
		if err := ValidateSpec(s); err != nil {
			return err
		}
		if _, dup := next[s.ID]; dup {
			return fmt.Errorf("%w: repository %q configured twice", core.ErrConfig, s.ID)
		}
		next[s.ID] = s
	}

	var added, removed []string
	c.mu.Lock()
	for id, r := range c.repos {
		s, ok := next[id]
		if !ok {
			delete(c.repos, id)
			removed = append(removed, id)
			continue
		}
		c.repos[id] = newRepo(s, r.state)
	}
	for id, s := range next {
		if _, ok := c.repos[id]; !ok {
			c.repos[id] = newRepo(s, nil)
			added = append(added, id)
		}
	}
	c.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	for _, id := range removed {
		c.discard(id)
		c.notify(core.EventRepositoryRemoved, id, "", "", nil)
	}
	for _, id := range added {
		// open outside the lock; the state file may be large
		r := c.open(next[id])
		c.mu.Lock()
		if cur, ok := c.repos[id]; ok && cur.state == nil {
			c.repos[id] = r
		}
		c.mu.Unlock()
		c.notify(core.EventRepositoryAdded, id, "", next[id].URL, nil)
	}
	return nil
}

// Repositories lists every configured repository by (priority, id)
func (c *Client) Repositories() []Info {
	rs := c.ordered(false)
	out := make([]Info, 0, len(rs))
	for _, r := range rs {
		out = append(out, c.info(r))
	}
	return out
}

// Spec returns the configuration of id
func (c *Client) Spec(id string) (core.RepositorySpec, bool) {
	r, err := c.get(id)
	if err != nil {
		return core.RepositorySpec{}, false
	}
	return r.spec, true
}

// KeyIDs is the declared key set of a repository. Signatures are verified
// only when it is non-empty.
func (c *Client) KeyIDs(id string) []string {
	r, err := c.get(id)
	if err != nil || r.spec.KeyID == "" {
		return nil
	}
	return []string{r.spec.KeyID}
}

// Candidates returns every version of name from enabled repositories
func (c *Client) Candidates(name string) []resolver.Candidate {
	var out []resolver.Candidate
	for _, r := range c.ordered(true) {
		for _, p := range r.byName[name] {
			out = append(out, resolver.Candidate{Package: p, Repository: r.spec.ID, RepoPriority: r.spec.Priority})
		}
	}
	return out
}

// Providers returns packages that provide the virtual name
func (c *Client) Providers(name string) []resolver.Candidate {
	var out []resolver.Candidate
	for _, r := range c.ordered(true) {
		for _, p := range r.provides[name] {
			out = append(out, resolver.Candidate{Package: p, Repository: r.spec.ID, RepoPriority: r.spec.Priority})
		}
	}
	return out
}

// All returns every package of every enabled repository
func (c *Client) All() []resolver.Candidate {
	var out []resolver.Candidate
	for _, r := range c.ordered(true) {
		if r.state == nil {
			continue
		}
		for _, p := range r.state.Packages {
			out = append(out, resolver.Candidate{Package: p, Repository: r.spec.ID, RepoPriority: r.spec.Priority})
		}
	}
	return out
}

// Lookup finds one package version in a repository
func (c *Client) Lookup(id, name string, v version.Version) (*metadata.Package, bool) {
	r, err := c.get(id)
	if err != nil {
		return nil, false
	}
	for _, p := range r.byName[name] {
		if p.Version == v {
			return p, true
		}
	}
	return nil, false
}
