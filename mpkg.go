// mpkg.go

// Package mpkg is a dependency-resolving, signature-verifying package
// manager. Core wires the repository client, artifact cache, delta engine,
// resolver and transaction engine around one installed-package database.
package mpkg

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/arc-language/mpkg/pkg/cache"
	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/delta"
	"github.com/arc-language/mpkg/pkg/fsys"
	"github.com/arc-language/mpkg/pkg/installdb"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/platform"
	"github.com/arc-language/mpkg/pkg/repository"
	"github.com/arc-language/mpkg/pkg/resolver"
	"github.com/arc-language/mpkg/pkg/script"
	"github.com/arc-language/mpkg/pkg/search"
	"github.com/arc-language/mpkg/pkg/security"
	"github.com/arc-language/mpkg/pkg/transaction"
	"github.com/arc-language/mpkg/pkg/transport"
	"github.com/arc-language/mpkg/pkg/version"
	"github.com/charmbracelet/log"
)

// Re-export the types callers handle most
type (
	Config         = core.Config
	RepositorySpec = core.RepositorySpec
	Event          = core.Event
	Request        = resolver.Request
	Plan           = resolver.Plan
	Package        = metadata.Package
	Installed      = metadata.InstalledStatus
	LogRecord      = installdb.LogRecord
	SearchResult   = search.Result
	SyncResult     = repository.SyncResult
	RepositoryInfo = repository.Info
	DeltaStats     = delta.Stats
	DeltaTransfer  = delta.Transfer
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return core.DefaultConfig()
}

// Option customizes New
type Option func(*options)

type options struct {
	transport core.Transport
	fs        core.Filesystem
	scripts   core.ScriptRunner
	notifier  core.Notifier
	logger    *log.Logger
	now       func() time.Time
	backend   installdb.Backend
	sleep     repository.SleepFunc
}

// WithTransport replaces the default file/http(s) transport
func WithTransport(t core.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithFilesystem replaces the install root filesystem
func WithFilesystem(fs core.Filesystem) Option {
	return func(o *options) { o.fs = fs }
}

// WithScriptRunner replaces the /bin/sh script runner
func WithScriptRunner(r core.ScriptRunner) Option {
	return func(o *options) { o.scripts = r }
}

// WithNotifier receives sync, repository, cache and update events
func WithNotifier(n core.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithLogger overrides the logger built from the config
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the time source of every subsystem
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithBackend replaces the SQLite installed-package database
func WithBackend(b installdb.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithRetrySleep replaces the wait between repository retries
func WithRetrySleep(fn repository.SleepFunc) Option {
	return func(o *options) { o.sleep = fn }
}

// Core is the package manager
type Core struct {
	cfg  *Config
	log  *log.Logger
	now  func() time.Time
	arch platform.Architecture

	notifier core.Notifier
	http     *transport.HTTP
	cache    *cache.Cache
	client   *repository.Client
	verifier *security.Verifier
	delta    *delta.Engine
	store    *installdb.Store
	fs       core.Filesystem
	scripts  core.ScriptRunner
	resolver *resolver.Resolver

	// mu serializes transactions and repository changes
	mu sync.Mutex

	watchMu sync.Mutex
	watcher *repository.Watcher
}

// New builds a Core from cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config, opts ...Option) (*Core, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	logger := o.logger
	if logger == nil {
		logger = core.NewLogger(cfg)
	}

	notifier := core.Notifiers{core.LogNotifier{Logger: logger}, o.notifier}

	c := &Core{
		cfg:      cfg,
		log:      logger,
		now:      o.now,
		arch:     platform.Normalize(cfg.Architecture),
		notifier: notifier,
		fs:       o.fs,
		scripts:  o.scripts,
	}

	tr := o.transport
	if tr == nil {
		mux, h := transport.NewDefault(transport.WithTimeout(cfg.NetworkTimeout))
		tr, c.http = mux, h
	}

	policy, err := cache.ParsePolicy(cfg.EvictionPolicy)
	if err != nil {
		c.closeTransport()
		return nil, err
	}
	c.cache, err = cache.Open(cache.Options{
		Dir:        cfg.CacheDir,
		MaxSize:    cfg.MaxCacheSize,
		MaxEntries: cfg.MaxCacheEntries,
		TTL:        cfg.CacheTTL,
		Policy:     policy,
		Logger:     logger,
		Notifier:   notifier,
		Now:        o.now,
	})
	if err != nil {
		c.closeTransport()
		return nil, err
	}

	specs, err := c.loadSpecs()
	if err != nil {
		c.closeTransport()
		return nil, err
	}
	c.client, err = repository.NewClient(repository.Options{
		CacheDir:  cfg.CacheDir,
		Transport: tr,
		Cache:     c.cache,
		Retry:     cfg.Retry,
		Mirror:    cfg.Mirror,
		Sync:      cfg.Sync,
		Notifier:  notifier,
		Logger:    logger,
		Now:       o.now,
		Sleep:     o.sleep,
	}, specs)
	if err != nil {
		c.closeTransport()
		return nil, err
	}

	c.verifier = security.NewVerifier(c.client.Keys(), cfg.VerifySignatures, logger)
	monitor, err := delta.NewMonitor(filepath.Join(cfg.CacheDir, "delta-stats.json"))
	if err != nil {
		c.closeTransport()
		return nil, err
	}
	c.delta = delta.NewEngine(delta.Options{
		Threshold: cfg.Delta.SavingsThreshold,
		Disabled:  !cfg.DeltaEnabled(),
		Monitor:   monitor,
		Now:       o.now,
		Logger:    logger,
	})
	c.resolver = resolver.New(c.client, logger)

	backend := o.backend
	if backend == nil {
		backend, err = installdb.OpenSQLite(cfg.DatabasePath())
		if err != nil {
			c.closeTransport()
			return nil, err
		}
	}
	c.store, err = installdb.Open(context.Background(), backend, logger)
	if err != nil {
		backend.Close()
		c.closeTransport()
		return nil, err
	}

	if c.fs == nil {
		c.fs = fsys.NewOS(cfg.InstallDir)
	}
	if c.scripts == nil {
		c.scripts = &script.Shell{Dir: cfg.InstallDir, Logger: logger}
	}
	return c, nil
}

// loadSpecs merges the repos directory with the config file repositories.
// The repos directory wins on duplicate ids.
func (c *Core) loadSpecs() ([]core.RepositorySpec, error) {
	var specs []core.RepositorySpec
	if c.cfg.ReposDir != "" {
		s, err := repository.LoadSpecs(c.cfg.ReposDir)
		if err != nil {
			return nil, err
		}
		specs = s
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		seen[s.ID] = true
	}
	for _, s := range c.cfg.Repositories {
		if !seen[s.ID] {
			specs = append(specs, s)
		}
	}
	return specs, nil
}

func (c *Core) closeTransport() {
	if c.http != nil {
		c.http.Close()
	}
}

// Config returns the configuration Core was built with
func (c *Core) Config() *Config { return c.cfg }

func (c *Core) deps() transaction.Deps {
	return transaction.Deps{
		Store:        c.store,
		Source:       c.client,
		Cache:        c.cache,
		Verifier:     c.verifier,
		Delta:        c.delta,
		FS:           c.fs,
		Scripts:      c.scripts,
		Logger:       c.log,
		Now:          c.now,
		Concurrency:  c.cfg.Concurrency,
		Timeout:      c.cfg.Timeout,
		DiskHeadroom: c.cfg.DiskHeadroom,
		InstallRoot:  c.cfg.InstallDir,
	}
}

// Result describes one finished transaction
type Result struct {
	ID      string
	Plan    *Plan    // nil for removals
	Removed []string // packages removed, dependents first
	Log     []LogRecord
}

// Plan resolves reqs against the installed set without changing anything
func (c *Core) Plan(ctx context.Context, upgrade bool, reqs ...Request) (*Plan, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: no packages requested", core.ErrConfig)
	}
	return c.resolver.Resolve(ctx, reqs, c.store.Snapshot(), resolver.Options{
		Architecture: c.arch,
		Upgrade:      upgrade,
	})
}

// Install resolves reqs and installs the plan in one transaction
func (c *Core) Install(ctx context.Context, reqs ...Request) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan, err := c.Plan(ctx, false, reqs...)
	if err != nil {
		return nil, err
	}
	tx, err := transaction.NewInstall(c.deps(), plan)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, tx)
}

// Update upgrades names, or every installed package when names is empty,
// to the newest versions the catalog offers
func (c *Core) Update(ctx context.Context, names ...string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan, err := c.updatePlan(ctx, names)
	if err != nil {
		return nil, err
	}
	tx, err := transaction.NewUpdate(c.deps(), plan)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, tx)
}

// UpdatePlan is the plan Update would run
func (c *Core) UpdatePlan(ctx context.Context, names ...string) (*Plan, error) {
	return c.updatePlan(ctx, names)
}

func (c *Core) updatePlan(ctx context.Context, names []string) (*Plan, error) {
	if len(names) == 0 {
		for _, st := range c.store.List() {
			names = append(names, st.Name)
		}
		if len(names) == 0 {
			return &Plan{}, nil
		}
	}
	reqs := make([]Request, 0, len(names))
	for _, n := range names {
		if _, ok := c.store.Get(n); !ok {
			return nil, core.Errorf(core.ErrPackageNotFound, "update", n, "", "not installed")
		}
		reqs = append(reqs, Request{Name: n, Constraint: version.Any()})
	}
	return c.Plan(ctx, true, reqs...)
}

// Remove uninstalls names. Without force, installed dependents fail the
// request with a dependency conflict; with force they are removed too.
func (c *Core) Remove(ctx context.Context, names []string, force bool) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no packages named", core.ErrConfig)
	}
	tx, err := transaction.NewRemove(c.deps(), names, force)
	if err != nil {
		return nil, err
	}
	res, err := c.run(ctx, tx)
	if err != nil {
		return res, err
	}
	for _, rec := range res.Log {
		if rec.Phase == transaction.PhaseCommit && rec.Message == "removed" {
			res.Removed = append(res.Removed, rec.Package)
		}
	}
	return res, nil
}

func (c *Core) run(ctx context.Context, tx *transaction.Transaction) (*Result, error) {
	err := tx.Run(ctx)
	return &Result{ID: tx.ID(), Plan: tx.Plan(), Log: tx.Log()}, err
}

// Search ranks every synced package against query
func (c *Core) Search(query string) []SearchResult {
	return search.Search(query, c.client.All())
}

// PackageInfo combines the installed record of a package with what the
// repositories offer
type PackageInfo struct {
	Name      string
	Installed *Installed
	Available []resolver.Candidate // newest first
}

// Info describes name. It fails with package_not_found when name is
// neither installed nor in any enabled repository.
func (c *Core) Info(name string) (*PackageInfo, error) {
	info := &PackageInfo{Name: name, Available: c.client.Candidates(name)}
	if st, ok := c.store.Get(name); ok {
		info.Installed = st
	}
	if info.Installed == nil && len(info.Available) == 0 {
		return nil, core.Errorf(core.ErrPackageNotFound, "info", name, "", "not installed and not in any repository")
	}
	sort.SliceStable(info.Available, func(i, j int) bool {
		a, b := info.Available[i], info.Available[j]
		if !a.Package.Version.Equal(b.Package.Version) {
			return b.Package.Version.Less(a.Package.Version)
		}
		return a.RepoPriority < b.RepoPriority
	})
	return info, nil
}

// List returns the installed packages sorted by name
func (c *Core) List() []*Installed {
	return c.store.List()
}

// Dependents lists installed packages that depend on name
func (c *Core) Dependents(name string) []string {
	return c.store.DependentsOf(name)
}

// AvailableUpdate is a newer catalog version of an installed package
type AvailableUpdate struct {
	Name       string
	Installed  version.Version
	Available  version.Version
	Repository string
}

// CheckUpdates compares the installed set with the synced catalogs and
// emits an update_available event per hit
func (c *Core) CheckUpdates() []AvailableUpdate {
	var out []AvailableUpdate
	for _, st := range c.store.List() {
		var best *resolver.Candidate
		for _, cand := range c.client.Candidates(st.Name) {
			cand := cand
			if !platform.Compatible(cand.Package.Architecture, c.arch) {
				continue
			}
			if !st.Version.Less(cand.Package.Version) {
				continue
			}
			if best == nil || best.Package.Version.Less(cand.Package.Version) ||
				(best.Package.Version.Equal(cand.Package.Version) && cand.RepoPriority < best.RepoPriority) {
				best = &cand
			}
		}
		if best == nil {
			continue
		}
		u := AvailableUpdate{
			Name:       st.Name,
			Installed:  st.Version,
			Available:  best.Package.Version,
			Repository: best.Repository,
		}
		out = append(out, u)
		c.emit(core.Event{
			Type:       core.EventUpdateAvailable,
			Repository: u.Repository,
			Package:    u.Name,
			Message:    u.Installed.String() + " -> " + u.Available.String(),
		})
	}
	return out
}

func (c *Core) emit(e core.Event) {
	if c.notifier == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	c.notifier.Notify(e)
}

// Sync refreshes ids, or every enabled repository when ids is empty. An
// empty strategy uses the configured one.
func (c *Core) Sync(ctx context.Context, strategy string, ids ...string) ([]*SyncResult, error) {
	if len(ids) == 0 {
		return c.client.SyncAll(ctx, strategy)
	}
	var (
		out  []*SyncResult
		errs []error
	)
	for _, id := range ids {
		res, err := c.client.Sync(ctx, id, strategy)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

// CleanCache drops expired cache entries, or every entry when all is set,
// and returns how many were removed
func (c *Core) CleanCache(all bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if all {
		return c.cache.Clear()
	}
	return c.cache.CleanExpired()
}

// CacheStats reports cache occupancy and hit counters
func (c *Core) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// DeltaStats reports the bandwidth delta updates saved so far
func (c *Core) DeltaStats() DeltaStats {
	return c.delta.Monitor().Stats()
}

// DeltaHistory lists the most recent delta transfers, oldest first
func (c *Core) DeltaHistory() []DeltaTransfer {
	return c.delta.Monitor().History()
}

// AddRepository registers spec and persists it under the repos directory
func (c *Core) AddRepository(spec RepositorySpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.Add(spec); err != nil {
		return err
	}
	if c.cfg.ReposDir == "" {
		return nil
	}
	if err := repository.SaveSpec(c.cfg.ReposDir, spec); err != nil {
		if rerr := c.client.Remove(spec.ID); rerr != nil {
			c.log.Warn("undoing repository add", "repository", spec.ID, "err", rerr)
		}
		return err
	}
	return nil
}

// RemoveRepository drops a repository with its catalog and cached artifacts
// and deletes its spec file. Installed packages are left alone.
func (c *Core) RemoveRepository(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.Remove(id); err != nil {
		return err
	}
	if c.cfg.ReposDir == "" {
		return nil
	}
	return repository.RemoveSpec(c.cfg.ReposDir, id)
}

// Repositories lists the configured repositories by (priority, id)
func (c *Core) Repositories() []RepositoryInfo {
	return c.client.Repositories()
}

// Watch reloads the repository set whenever a spec file under the repos
// directory changes, until ctx is done or Close is called
func (c *Core) Watch(ctx context.Context) error {
	if c.cfg.ReposDir == "" {
		return fmt.Errorf("%w: no repos directory configured", core.ErrConfig)
	}
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watcher != nil {
		return nil
	}
	w, err := repository.NewWatcher(c.cfg.ReposDir, 0, c.reload, c.log)
	if err != nil {
		return fmt.Errorf("%w: watching %s: %v", core.ErrConfig, c.cfg.ReposDir, err)
	}
	c.watcher = w
	w.Start(ctx)
	return nil
}

func (c *Core) reload(_ []core.RepositorySpec, err error) {
	if err != nil {
		c.log.Warn("repository specs not reloaded", "err", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	specs, err := c.loadSpecs()
	if err == nil {
		err = c.client.Reload(specs)
	}
	if err != nil {
		c.log.Warn("repository specs not reloaded", "err", err)
		return
	}
	c.log.Info("repository specs reloaded", "count", len(specs))
}

// TransactionLog returns the persisted records of transaction id
func (c *Core) TransactionLog(ctx context.Context, id string) ([]LogRecord, error) {
	return c.store.Log(ctx, id)
}

// Close stops the watcher and releases the database and transport
func (c *Core) Close() error {
	c.watchMu.Lock()
	w := c.watcher
	c.watcher = nil
	c.watchMu.Unlock()

	var errs []error
	if w != nil {
		errs = append(errs, w.Close())
	}
	errs = append(errs, c.store.Close())
	c.closeTransport()
	return errors.Join(errs...)
}
