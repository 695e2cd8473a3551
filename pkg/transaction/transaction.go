// pkg/transaction/transaction.go

// Package transaction applies resolved plans to the install root. Install
// and update transactions run acquire, verify, disk check, pre scripts,
// file apply, post scripts and commit in that order; every step from the
// file apply on is journaled and undone when a later step fails.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arc-language/mpkg/pkg/cache"
	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/delta"
	"github.com/arc-language/mpkg/pkg/installdb"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/repository"
	"github.com/arc-language/mpkg/pkg/resolver"
	"github.com/arc-language/mpkg/pkg/script"
	"github.com/arc-language/mpkg/pkg/security"
	"github.com/arc-language/mpkg/pkg/version"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Kind of transaction
type Kind string

const (
	KindInstall Kind = "install"
	KindUpdate  Kind = "update"
	KindRemove  Kind = "remove"
)

// Phases, as reported in errors and the transaction log
const (
	PhaseBegin      = "begin"
	PhaseCheck      = "check"
	PhaseAcquire    = "acquire"
	PhaseVerify     = "verify"
	PhaseDiskCheck  = "disk_check"
	PhasePreScript  = "pre_script"
	PhaseApply      = "apply"
	PhasePostScript = "post_script"
	PhaseCommit     = "commit"
	PhaseRollback   = "rollback"
)

// Log levels used in LogRecord.Level
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// DefaultConcurrency bounds parallel fetches and hashing when Deps leaves
// it unset
const DefaultConcurrency = 4

// Source serves package payloads and repository keys. *repository.Client
// implements it.
type Source interface {
	FetchArtifact(ctx context.Context, repoID string, pkg *metadata.Package) (*repository.Artifact, error)
	DeltaFetcher(repoID string, pkg *metadata.Package) delta.Fetcher
	KeyIDs(repoID string) []string
	Lookup(repoID, name string, v version.Version) (*metadata.Package, bool)
}

// Deps are the collaborators a transaction runs against
type Deps struct {
	Store    *installdb.Store
	Source   Source
	Cache    *cache.Cache      // optional
	Verifier *security.Verifier // nil verifies checksums and enforces signatures
	Delta    *delta.Engine      // nil disables delta acquisition
	FS       core.Filesystem
	Scripts  core.ScriptRunner // nil runs bodies with /bin/sh

	Logger       *log.Logger
	Now          func() time.Time
	Concurrency  int
	Timeout      time.Duration // zero means no overall deadline
	DiskHeadroom int64
	InstallRoot  string
}

// Transaction is one install, update or remove run. It can be run once.
type Transaction struct {
	id    string
	kind  Kind
	deps  Deps
	log   *log.Logger
	plan  *resolver.Plan
	names []string
	force bool

	journal journal

	mu        sync.Mutex
	started   bool
	cancelled bool
	committed bool
	cancel    context.CancelFunc
	records   []installdb.LogRecord
}

// NewInstall returns a transaction installing plan
func NewInstall(deps Deps, plan *resolver.Plan) (*Transaction, error) {
	return newPlanned(KindInstall, deps, plan)
}

// NewUpdate returns a transaction applying plan, whose entries with
// Replaces set upgrade an installed version in place
func NewUpdate(deps Deps, plan *resolver.Plan) (*Transaction, error) {
	return newPlanned(KindUpdate, deps, plan)
}

// NewRemove returns a transaction removing names. With force, installed
// dependents are removed too.
func NewRemove(deps Deps, names []string, force bool) (*Transaction, error) {
	t, err := newTransaction(KindRemove, deps)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			t.names = append(t.names, n)
		}
	}
	t.force = force
	return t, nil
}

func newPlanned(kind Kind, deps Deps, plan *resolver.Plan) (*Transaction, error) {
	t, err := newTransaction(kind, deps)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		plan = &resolver.Plan{}
	}
	t.plan = plan
	return t, nil
}

func newTransaction(kind Kind, deps Deps) (*Transaction, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: transaction needs an installed-set store", core.ErrConfig)
	case deps.FS == nil:
		return nil, fmt.Errorf("%w: transaction needs a filesystem", core.ErrConfig)
	case deps.Source == nil && kind != KindRemove:
		return nil, fmt.Errorf("%w: transaction needs a package source", core.ErrConfig)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Concurrency < 1 {
		deps.Concurrency = DefaultConcurrency
	}
	if deps.Verifier == nil {
		deps.Verifier = security.NewVerifier(nil, true, deps.Logger)
	}
	if deps.Scripts == nil {
		deps.Scripts = &script.Shell{Logger: deps.Logger}
	}
	id := uuid.NewString()
	return &Transaction{
		id:   id,
		kind: kind,
		deps: deps,
		log:  core.LoggerOr(deps.Logger).WithPrefix("tx").With("tx", id[:8], "kind", string(kind)),
	}, nil
}

// ID identifies the transaction in the log
func (t *Transaction) ID() string { return t.id }

// Kind reports what the transaction does
func (t *Transaction) Kind() Kind { return t.kind }

// Plan returns the plan being applied, nil for removals
func (t *Transaction) Plan() *resolver.Plan { return t.plan }

// Committed reports whether the transaction reached its commit
func (t *Transaction) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// Cancel interrupts the transaction at its next suspension point, which
// rolls it back. It has no effect once the transaction committed.
func (t *Transaction) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return
	}
	t.cancelled = true
	if t.cancel != nil {
		t.cancel()
	}
}

// Log returns the records written so far
func (t *Transaction) Log() []installdb.LogRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]installdb.LogRecord(nil), t.records...)
}

// Run executes the transaction. A failure is returned as a
// *core.TransactionError carrying the phase and the rollback outcome.
func (t *Transaction) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return core.Errorf(core.ErrUnsupportedOperation, string(t.kind), "", "", "transaction %s already ran", t.id)
	}
	t.started = true
	var cancel context.CancelFunc
	if t.deps.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.deps.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	t.cancel = cancel
	if t.cancelled {
		cancel()
	}
	t.mu.Unlock()
	defer cancel()

	t.record(LevelInfo, PhaseBegin, "", "", fmt.Sprintf("%s transaction started", t.kind))
	var err error
	if t.kind == KindRemove {
		err = t.runRemove(ctx)
	} else {
		err = t.runPlan(ctx)
	}
	if err == nil {
		t.record(LevelInfo, PhaseCommit, "", "", "transaction committed")
	}

	if perr := t.deps.Store.AppendLog(context.WithoutCancel(ctx), t.Log()); perr != nil {
		t.log.Warn("persisting transaction log", "err", perr)
	}
	return err
}

// record appends a log line and mirrors it to the logger
func (t *Transaction) record(level, phase, pkg, ver, msg string) {
	t.mu.Lock()
	t.records = append(t.records, installdb.LogRecord{
		TxID:    t.id,
		Seq:     len(t.records) + 1,
		Time:    t.deps.Now(),
		Level:   level,
		Phase:   phase,
		Package: pkg,
		Version: ver,
		Message: msg,
	})
	t.mu.Unlock()

	kv := []any{"phase", phase}
	if pkg != "" {
		kv = append(kv, "package", pkg)
	}
	if ver != "" {
		kv = append(kv, "version", ver)
	}
	switch level {
	case LevelError:
		t.log.Error(msg, kv...)
	case LevelWarn:
		t.log.Warn(msg, kv...)
	default:
		t.log.Debug(msg, kv...)
	}
}

// fail records err, undoes the journal and wraps both outcomes
func (t *Transaction) fail(ctx context.Context, phase string, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		err = fmt.Errorf("%w: %v", cerr, err)
	}
	pkg, ver := errorSubject(err)
	t.record(LevelError, phase, pkg, ver, err.Error())

	te := &core.TransactionError{ID: t.id, Phase: phase, Err: err}
	if t.journal.pending() {
		rbErr := t.rollback(context.WithoutCancel(ctx))
		te.RolledBack = rbErr == nil
		te.RollbackErr = rbErr
	}
	return te
}

func (t *Transaction) rollback(ctx context.Context) error {
	t.record(LevelWarn, PhaseRollback, "", "", fmt.Sprintf("rolling back %d steps", t.journal.len()))
	err := t.journal.undo(ctx, t)
	if err != nil {
		t.record(LevelError, PhaseRollback, "", "", err.Error())
		return err
	}
	t.record(LevelInfo, PhaseRollback, "", "", "rollback complete")
	return nil
}

// runScript runs body for pkg. A non-zero exit fails with ErrScriptFailed.
func (t *Transaction) runScript(ctx context.Context, name, ver, body, phase string) error {
	if body == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	env := core.ScriptEnv{PackageName: name, PackageVersion: ver, InstallRoot: t.deps.InstallRoot, Phase: phase}
	code, err := t.deps.Scripts.Run(ctx, body, env)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return core.Wrap(core.ErrScriptFailed, phase, name, ver, err)
	}
	if code != 0 {
		return core.Errorf(core.ErrScriptFailed, phase, name, ver, "exit status %d", code)
	}
	t.record(LevelInfo, phase, name, ver, phase+" script ran")
	return nil
}

func (t *Transaction) markCommitted() {
	t.mu.Lock()
	t.committed = true
	t.mu.Unlock()
}

func errorSubject(err error) (string, string) {
	var e *core.Error
	if errors.As(err, &e) {
		return e.Package, e.Version
	}
	return "", ""
}
