package transaction

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arc-language/mpkg/pkg/cache"
	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/delta"
	"github.com/arc-language/mpkg/pkg/fsys"
	"github.com/arc-language/mpkg/pkg/installdb"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/payload"
	"github.com/arc-language/mpkg/pkg/repository"
	"github.com/arc-language/mpkg/pkg/resolver"
	"github.com/arc-language/mpkg/pkg/script"
	"github.com/arc-language/mpkg/pkg/security"
	"github.com/arc-language/mpkg/pkg/transport"
	"github.com/arc-language/mpkg/pkg/version"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type env struct {
	t       *testing.T
	b       *repository.Builder
	spec    core.RepositorySpec
	client  *repository.Client
	cache   *cache.Cache
	store   *installdb.Store
	fs      *fsys.MemFS
	scripts *script.Recorder
	runner  core.ScriptRunner
}

func newEnv(t *testing.T) *env {
	t.Helper()
	b := repository.NewBuilder(t.TempDir(), "main")
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	store, err := installdb.Open(context.Background(), installdb.NewMemory(), nil)
	require.NoError(t, err)
	rec := &script.Recorder{Exit: map[string]int{}}
	return &env{
		t:       t,
		b:       b,
		spec:    core.RepositorySpec{ID: "main", URL: b.Dir},
		store:   store,
		fs:      fsys.NewMemFS(),
		scripts: rec,
		runner:  rec,
	}
}

func (e *env) withCache() *env {
	c, err := cache.Open(cache.Options{Dir: e.t.TempDir(), Now: func() time.Time { return epoch }})
	require.NoError(e.t, err)
	e.cache = c
	return e
}

func file(path, data string, exec bool) payload.Entry {
	return payload.Entry{Path: path, Data: []byte(data), Executable: exec}
}

func pkg(name, ver string, deps ...metadata.Dependency) *metadata.Package {
	return &metadata.Package{
		Name:         name,
		Version:      version.MustParse(ver),
		Architecture: "any",
		Dependencies: deps,
		Scripts: &metadata.Scripts{
			PreInstall:  name + " pre_install",
			PostInstall: name + " post_install",
			PreRemove:   name + " pre_remove",
			PostRemove:  name + " post_remove",
			PreUpdate:   name + " pre_update",
			PostUpdate:  name + " post_update",
		},
	}
}

func dep(name, constraint string) metadata.Dependency {
	c, err := version.ParseConstraint(constraint)
	if err != nil {
		panic(err)
	}
	return metadata.Dependency{Package: name, Constraint: c}
}

func (e *env) publish(p *metadata.Package, files ...payload.Entry) *metadata.Package {
	e.t.Helper()
	data, err := payload.Pack(files)
	require.NoError(e.t, err)
	out, err := e.b.Add(p, data)
	require.NoError(e.t, err)
	return out
}

// sync writes the repository and refreshes the client catalog
func (e *env) sync() {
	e.t.Helper()
	_, err := e.b.Write()
	require.NoError(e.t, err)
	if e.client == nil {
		c, err := repository.NewClient(repository.Options{
			CacheDir:  e.t.TempDir(),
			Transport: transport.File{},
			Cache:     e.cache,
			Retry:     core.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 2, MaxDelay: time.Second},
			Sleep:     func(context.Context, time.Duration) error { return nil },
			Now:       func() time.Time { return epoch },
		}, []core.RepositorySpec{e.spec})
		require.NoError(e.t, err)
		e.client = c
	}
	_, err = e.client.Sync(context.Background(), "main", core.SyncFull)
	require.NoError(e.t, err)
}

func (e *env) deps() Deps {
	var src Source
	var keys *security.KeyStore
	if e.client != nil {
		src, keys = e.client, e.client.Keys()
	}
	return Deps{
		Store:       e.store,
		Source:      src,
		Cache:       e.cache,
		Verifier:    security.NewVerifier(keys, true, nil),
		Delta:       delta.NewEngine(delta.Options{}),
		FS:          e.fs,
		Scripts:     e.runner,
		Now:         func() time.Time { return epoch },
		Concurrency: 2,
		InstallRoot: "/",
	}
}

func (e *env) plan(upgrade bool, names ...string) *resolver.Plan {
	e.t.Helper()
	reqs := make([]resolver.Request, 0, len(names))
	for _, n := range names {
		reqs = append(reqs, resolver.Request{Name: n, Constraint: version.Any()})
	}
	p, err := resolver.New(e.client, nil).Resolve(context.Background(), reqs, e.store.Snapshot(), resolver.Options{Upgrade: upgrade})
	require.NoError(e.t, err)
	return p
}

func (e *env) install(names ...string) (*Transaction, error) {
	e.t.Helper()
	tx, err := NewInstall(e.deps(), e.plan(false, names...))
	require.NoError(e.t, err)
	return tx, tx.Run(context.Background())
}

func (e *env) remove(force bool, names ...string) (*Transaction, error) {
	e.t.Helper()
	tx, err := NewRemove(e.deps(), names, force)
	require.NoError(e.t, err)
	return tx, tx.Run(context.Background())
}

func (e *env) installed() []string {
	var out []string
	for _, st := range e.store.List() {
		out = append(out, st.ID())
	}
	return out
}

func (e *env) read(path string) string {
	e.t.Helper()
	data, err := e.fs.ReadFile(path)
	require.NoError(e.t, err)
	return string(data)
}

func planNames(p *resolver.Plan) []string {
	var out []string
	for _, en := range p.Entries {
		out = append(out, en.Package.ID())
	}
	return out
}

func txError(t *testing.T, err error) *core.TransactionError {
	t.Helper()
	var te *core.TransactionError
	require.True(t, errors.As(err, &te), "want a transaction error, got %v", err)
	return te
}

func (e *env) publishAB() {
	e.publish(pkg("A", "1.2.0", dep("B", ">=1.0.0")), file("bin/a", "#!/bin/sh\necho a\n", true))
	e.publish(pkg("B", "1.0.0"), file("lib/b.so", "b library", false))
}

func TestInstallWithDependencies(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()

	plan := e.plan(false, "A")
	assert.Equal(t, []string{"B@1.0.0", "A@1.2.0"}, planNames(plan))

	tx, err := NewInstall(e.deps(), plan)
	require.NoError(t, err)
	require.NoError(t, tx.Run(context.Background()))
	assert.True(t, tx.Committed())

	assert.Equal(t, []string{"A@1.2.0", "B@1.0.0"}, e.installed())
	assert.Equal(t, []string{"A"}, e.store.DependentsOf("B"))
	assert.Equal(t, []string{"bin/a", "lib/b.so"}, e.fs.Paths())
	f, ok := e.fs.File("bin/a")
	require.True(t, ok)
	assert.Equal(t, os.FileMode(0o755), f.Mode)

	want := []string{"B:pre_install", "A:pre_install", "B:post_install", "A:post_install"}
	if diff := cmp.Diff(want, e.scripts.Phases()); diff != "" {
		t.Errorf("script order mismatch (-want +got):\n%s", diff)
	}
	a, _ := e.store.Get("A")
	b, _ := e.store.Get("B")
	assert.True(t, a.Explicit)
	assert.False(t, b.Explicit)
	require.Len(t, a.Files, 1)
	assert.Equal(t, "bin/a", a.Files[0].Path)
	assert.True(t, a.Files[0].Checksum.Matches([]byte("#!/bin/sh\necho a\n")))
	assert.Equal(t, "/", e.scripts.Calls[0].Env.InstallRoot)

	persisted, err := e.store.Log(context.Background(), tx.ID())
	require.NoError(t, err)
	assert.Equal(t, len(tx.Log()), len(persisted))
	assert.Equal(t, PhaseBegin, persisted[0].Phase)
}

func TestInstallSatisfiedRequestIsNoop(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	_, err := e.install("A")
	require.NoError(t, err)
	calls := len(e.scripts.Calls)

	tx, err := e.install("A")
	require.NoError(t, err)
	assert.True(t, tx.Committed())
	assert.Len(t, e.scripts.Calls, calls)
	assert.Equal(t, []string{"A@1.2.0", "B@1.0.0"}, e.installed())
}

func TestRunTwiceIsRejected(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	tx, err := e.install("B")
	require.NoError(t, err)
	assert.ErrorIs(t, tx.Run(context.Background()), core.ErrUnsupportedOperation)
}

func TestDeclaredFilesCarryModeAndOwner(t *testing.T) {
	e := newEnv(t)
	p := pkg("tool", "1.0.0")
	p.Files = []metadata.File{
		{Path: "bin/tool", Mode: 0o750, Owner: "root", Group: "wheel", Checksum: metadata.SHA256Sum([]byte("tool"))},
	}
	e.publish(p, file("bin/tool", "tool", true), file("share/doc/README", "undeclared", false))
	e.sync()

	_, err := e.install("tool")
	require.NoError(t, err)
	assert.Equal(t, []string{"bin/tool"}, e.fs.Paths())
	f, _ := e.fs.File("bin/tool")
	assert.Equal(t, os.FileMode(0o750), f.Mode)
	assert.Equal(t, "root", f.Owner)
	assert.Equal(t, "wheel", f.Group)
}

func TestDeclaredFileChecksumMismatch(t *testing.T) {
	e := newEnv(t)
	p := pkg("tool", "1.0.0")
	p.Files = []metadata.File{{Path: "bin/tool", Checksum: metadata.SHA256Sum([]byte("something else"))}}
	e.publish(p, file("bin/tool", "tool", true))
	e.sync()

	_, err := e.install("tool")
	require.Error(t, err)
	te := txError(t, err)
	assert.Equal(t, PhaseVerify, te.Phase)
	assert.False(t, te.RolledBack)
	assert.ErrorIs(t, err, core.ErrChecksumMismatch)
	assert.True(t, core.IsFatal(err))
	assert.Empty(t, e.fs.Paths())
	assert.Empty(t, e.scripts.Calls)
}

func TestTamperedPayloadFailsVerify(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()

	// Replace B's archive with a consistent archive carrying another payload.
	meta, ok := e.b.Package("B", version.MustParse("1.0.0"))
	require.True(t, ok)
	evil, err := payload.Pack([]payload.Entry{file("lib/b.so", "evil", false)})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, metadata.EncodeArchive(&buf, meta, evil))
	require.NoError(t, os.WriteFile(filepath.Join(e.b.Dir, filepath.FromSlash(meta.ArchivePath())), buf.Bytes(), 0o644))

	_, err = e.install("A")
	te := txError(t, err)
	assert.Equal(t, PhaseVerify, te.Phase)
	assert.ErrorIs(t, err, core.ErrChecksumMismatch)
	assert.Equal(t, "checksum_mismatch", core.KindOf(err))
	assert.Empty(t, e.installed())
	assert.Empty(t, e.fs.Paths())
}

func TestUndeclaredSigningKeyIsRejected(t *testing.T) {
	e := newEnv(t)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	e.b.SignWith("other", priv)
	e.spec.KeyID = "release"
	e.publishAB()
	e.sync()

	_, err = e.install("B")
	te := txError(t, err)
	assert.Equal(t, PhaseVerify, te.Phase)
	assert.ErrorIs(t, err, core.ErrSignatureVerification)
	assert.Empty(t, e.installed())
}

func TestSignedInstall(t *testing.T) {
	e := newEnv(t)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	e.b.SignWith("release", priv)
	e.spec.KeyID = "release"
	e.publishAB()
	e.sync()

	_, err = e.install("A")
	require.NoError(t, err)
	assert.Equal(t, []string{"A@1.2.0", "B@1.0.0"}, e.installed())
}

func TestFileOwnedByAnotherPackage(t *testing.T) {
	e := newEnv(t)
	e.publish(pkg("one", "1.0.0"), file("bin/tool", "one", true))
	e.publish(pkg("two", "1.0.0"), file("bin/tool", "two", true))
	e.sync()
	_, err := e.install("one")
	require.NoError(t, err)

	_, err = e.install("two")
	var ce *core.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"one", "two"}, ce.Packages())
	assert.Equal(t, "one", e.read("bin/tool"))
	assert.Equal(t, []string{"one@1.0.0"}, e.installed())
}

func TestDiskSpaceInsufficient(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	e.fs.Free = 16

	_, err := e.install("A")
	te := txError(t, err)
	assert.Equal(t, PhaseDiskCheck, te.Phase)
	assert.ErrorIs(t, err, core.ErrDiskSpaceInsufficient)
	assert.Equal(t, "disk_space_insufficient", core.KindOf(err))
	assert.Empty(t, e.scripts.Calls)
	assert.Empty(t, e.fs.Paths())
}

func TestDiskHeadroomCounts(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	e.fs.Free = 1 << 20

	d := e.deps()
	d.DiskHeadroom = 2 << 20
	tx, err := NewInstall(d, e.plan(false, "B"))
	require.NoError(t, err)
	assert.ErrorIs(t, tx.Run(context.Background()), core.ErrDiskSpaceInsufficient)
}

func TestPreScriptFailureAborts(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	e.scripts.Exit["A pre_install"] = 2

	_, err := e.install("A")
	te := txError(t, err)
	assert.Equal(t, PhasePreScript, te.Phase)
	assert.False(t, te.RolledBack)
	assert.ErrorIs(t, err, core.ErrScriptFailed)
	assert.Contains(t, err.Error(), "exit status 2")
	assert.Empty(t, e.fs.Paths())
	assert.Equal(t, []string{"B:pre_install", "A:pre_install"}, e.scripts.Phases())
}

func TestRollbackRestoresInstalledSet(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	_, err := e.install("B")
	require.NoError(t, err)
	before, paths := e.installed(), e.fs.Paths()
	e.scripts.Calls = nil
	e.scripts.Exit["A post_install"] = 1

	_, err = e.install("A")
	te := txError(t, err)
	assert.Equal(t, PhasePostScript, te.Phase)
	assert.True(t, te.RolledBack)
	assert.NoError(t, te.RollbackErr)
	assert.Equal(t, before, e.installed())
	assert.Equal(t, paths, e.fs.Paths())
	assert.Equal(t, []string{"A:pre_install", "A:post_install"}, e.scripts.Phases())
	assert.Contains(t, err.Error(), "rolled back")
}

func TestRollbackRestoresUnownedFileMetadata(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	require.NoError(t, e.fs.WriteAtomic("lib/b.so", []byte("local build"), 0o600, "alice", "staff"))
	e.scripts.Exit["B post_install"] = 1

	_, err := e.install("B")
	te := txError(t, err)
	assert.True(t, te.RolledBack)
	assert.NoError(t, te.RollbackErr)
	f, ok := e.fs.File("lib/b.so")
	require.True(t, ok)
	assert.Equal(t, fsys.MemFile{Data: []byte("local build"), Mode: 0o600, Owner: "alice", Group: "staff"}, f)
}

func TestRollbackRunsRemoveScriptsForCompletedPackages(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	e.scripts.Exit["A post_install"] = 1

	tx, err := e.install("A")
	te := txError(t, err)
	assert.True(t, te.RolledBack)
	want := []string{
		"B:pre_install", "A:pre_install",
		"B:post_install", "A:post_install",
		"B:pre_remove", "B:post_remove",
	}
	if diff := cmp.Diff(want, e.scripts.Phases()); diff != "" {
		t.Errorf("script order mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, e.installed())
	assert.Empty(t, e.fs.Paths())

	var phases []string
	for _, r := range tx.Log() {
		if r.Phase == PhaseRollback {
			phases = append(phases, r.Message)
		}
	}
	assert.Contains(t, phases, "rollback complete")
}

func TestRollbackAfterCorruptWrite(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	e.fs.CorruptWrite = func(path string, data []byte) []byte {
		if path == "bin/a" {
			return append(data, '!')
		}
		return data
	}

	_, err := e.install("A")
	te := txError(t, err)
	assert.Equal(t, PhaseApply, te.Phase)
	assert.True(t, te.RolledBack)
	assert.ErrorIs(t, err, core.ErrChecksumMismatch)
	assert.Empty(t, e.fs.Paths())
	assert.Empty(t, e.installed())
}

func TestRollbackAfterCommitFailure(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	mem := installdb.NewMemory()
	store, err := installdb.Open(context.Background(), mem, nil)
	require.NoError(t, err)
	e.store = store
	mem.FailCommit = errors.New("disk on fire")

	_, err = e.install("B")
	te := txError(t, err)
	assert.Equal(t, PhaseCommit, te.Phase)
	assert.True(t, te.RolledBack)
	assert.Empty(t, e.fs.Paths())
	assert.Empty(t, e.installed())
}

func TestCancelRollsBack(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()

	var tx *Transaction
	var phases []string
	e.runner = script.Func(func(ctx context.Context, body string, env core.ScriptEnv) (int, error) {
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		phases = append(phases, env.PackageName+":"+env.Phase)
		if env.PackageName == "B" && env.Phase == "post_install" {
			tx.Cancel()
		}
		return 0, nil
	})
	tx, err := NewInstall(e.deps(), e.plan(false, "A"))
	require.NoError(t, err)

	err = tx.Run(context.Background())
	te := txError(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, te.RolledBack)
	assert.False(t, tx.Committed())
	assert.Empty(t, e.installed())
	assert.Empty(t, e.fs.Paths())
	assert.Equal(t, []string{"B:pre_install", "A:pre_install", "B:post_install", "B:pre_remove", "B:post_remove"}, phases)
}

func TestCancelAfterCommitIsIgnored(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	tx, err := e.install("A")
	require.NoError(t, err)
	tx.Cancel()
	assert.True(t, tx.Committed())
	assert.Equal(t, []string{"A@1.2.0", "B@1.0.0"}, e.installed())
}

func TestTimeoutBehavesAsCancel(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	e.runner = script.Func(func(ctx context.Context, body string, env core.ScriptEnv) (int, error) {
		if env.Phase == "post_install" {
			<-ctx.Done()
			return -1, ctx.Err()
		}
		return 0, nil
	})
	d := e.deps()
	d.Timeout = 50 * time.Millisecond
	tx, err := NewInstall(d, e.plan(false, "B"))
	require.NoError(t, err)

	err = tx.Run(context.Background())
	te := txError(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, te.RolledBack)
	assert.Empty(t, e.fs.Paths())
}

func publishP(e *env, ver string, files ...payload.Entry) *metadata.Package {
	return e.publish(pkg("P", ver), files...)
}

func bigFile(seed string) []byte {
	return bytes.Repeat([]byte("mpkg delta payload line "+seed+"\n"), 400)
}

func TestUpdateReplacesFilesAfterVerify(t *testing.T) {
	e := newEnv(t)
	publishP(e, "1.0.0", file("bin/p", "p one", true), file("share/p/old", "old data", false))
	e.sync()
	_, err := e.install("P")
	require.NoError(t, err)
	e.scripts.Calls = nil

	publishP(e, "2.0.0", file("bin/p", "p two", true), file("share/p/new", "new data", false))
	e.sync()
	plan := e.plan(true, "P")
	require.Len(t, plan.Entries, 1)
	require.NotNil(t, plan.Entries[0].Replaces)

	tx, err := NewUpdate(e.deps(), plan)
	require.NoError(t, err)
	require.NoError(t, tx.Run(context.Background()))

	assert.Equal(t, []string{"P@2.0.0"}, e.installed())
	assert.Equal(t, []string{"bin/p", "share/p/new"}, e.fs.Paths())
	assert.Equal(t, "p two", e.read("bin/p"))
	assert.Equal(t, []string{"P:pre_update", "P:post_update"}, e.scripts.Phases())
	st, _ := e.store.Get("P")
	assert.True(t, st.Explicit)
}

func TestUpdateRollbackRestoresOldVersion(t *testing.T) {
	e := newEnv(t)
	publishP(e, "1.0.0", file("bin/p", "p one", true), file("share/p/old", "old data", false))
	e.sync()
	_, err := e.install("P")
	require.NoError(t, err)

	publishP(e, "2.0.0", file("bin/p", "p two", true), file("share/p/new", "new data", false))
	e.sync()
	e.scripts.Exit["P post_update"] = 3

	tx, err := NewUpdate(e.deps(), e.plan(true, "P"))
	require.NoError(t, err)
	err = tx.Run(context.Background())
	te := txError(t, err)
	assert.True(t, te.RolledBack)

	assert.Equal(t, []string{"P@1.0.0"}, e.installed())
	assert.Equal(t, []string{"bin/p", "share/p/old"}, e.fs.Paths())
	assert.Equal(t, "p one", e.read("bin/p"))
	f, _ := e.fs.File("bin/p")
	assert.Equal(t, os.FileMode(0o755), f.Mode)
}

func TestUpdateUsesDelta(t *testing.T) {
	e := newEnv(t)
	publishP(e, "1.0.0", payload.Entry{Path: "bin/p", Data: bigFile("v1"), Executable: true})
	e.sync()
	_, err := e.install("P")
	require.NoError(t, err)

	v2 := append(bigFile("v1"), []byte("one more line\n")...)
	publishP(e, "2.0.0", payload.Entry{Path: "bin/p", Data: v2, Executable: true})
	_, err = e.b.AddDelta("P", version.MustParse("1.0.0"), version.MustParse("2.0.0"), delta.CopyInsert)
	require.NoError(t, err)
	e.sync()

	tx, err := NewUpdate(e.deps(), e.plan(true, "P"))
	require.NoError(t, err)
	require.NoError(t, tx.Run(context.Background()))
	assert.Equal(t, []string{"P@2.0.0"}, e.installed())
	assert.Equal(t, string(v2), e.read("bin/p"))

	var rebuilt bool
	for _, r := range tx.Log() {
		if r.Phase == PhaseAcquire && strings.Contains(r.Message, "rebuilt from 1.0.0") {
			rebuilt = true
		}
	}
	assert.True(t, rebuilt, "expected the payload to come from the delta")
}

func TestCorruptDeltaFallsBackToFullDownload(t *testing.T) {
	e := newEnv(t).withCache()
	publishP(e, "1.0.0", payload.Entry{Path: "bin/p", Data: bigFile("v1"), Executable: true})
	e.sync()
	_, err := e.install("P")
	require.NoError(t, err)

	v2 := append(bigFile("v1"), []byte("one more line\n")...)
	publishP(e, "2.0.0", payload.Entry{Path: "bin/p", Data: v2, Executable: true})
	_, err = e.b.AddDelta("P", version.MustParse("1.0.0"), version.MustParse("2.0.0"), delta.CopyInsert)
	require.NoError(t, err)
	e.sync()

	// Serve a well-formed delta archive whose patch does not match the
	// announced checksum.
	meta, ok := e.b.Package("P", version.MustParse("2.0.0"))
	require.True(t, ok)
	require.Len(t, meta.Deltas, 1)
	d := meta.Deltas[0]
	alg, ok := delta.NewRegistry().Lookup(delta.CopyInsert)
	require.True(t, ok)
	var buf bytes.Buffer
	require.NoError(t, metadata.EncodeDeltaArchive(&buf, &metadata.DeltaHeader{Package: "P", Delta: d}, alg.Tag, []byte("garbage patch")))
	require.NoError(t, os.WriteFile(filepath.Join(e.b.Dir, filepath.FromSlash(meta.DeltaPath(d))), buf.Bytes(), 0o644))

	tx, err := NewUpdate(e.deps(), e.plan(true, "P"))
	require.NoError(t, err)
	require.NoError(t, tx.Run(context.Background()))

	assert.Equal(t, []string{"P@2.0.0"}, e.installed())
	assert.Equal(t, string(v2), e.read("bin/p"))

	var fallback *installdb.LogRecord
	for _, r := range tx.Log() {
		r := r
		if r.Phase == PhaseAcquire && r.Level == LevelWarn {
			fallback = &r
		}
	}
	require.NotNil(t, fallback, "delta failure missing from the transaction log")
	assert.Equal(t, "P", fallback.Package)
	assert.Contains(t, fallback.Message, "delta checksum mismatch")

	persisted, err := e.store.Log(context.Background(), tx.ID())
	require.NoError(t, err)
	assert.Contains(t, persisted, *fallback)
	assert.True(t, e.cache.Has(cache.Key{Repo: "main", Name: "P", Version: version.MustParse("2.0.0")}))
}

func TestRemoveWithDependents(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	_, err := e.install("A")
	require.NoError(t, err)
	e.scripts.Calls = nil

	_, err = e.remove(false, "B")
	var ce *core.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "dependency_conflict", core.KindOf(err))
	assert.Contains(t, ce.Packages(), "A")
	assert.Equal(t, []string{"A@1.2.0", "B@1.0.0"}, e.installed())
	assert.Empty(t, e.scripts.Calls)

	tx, err := e.remove(true, "B")
	require.NoError(t, err)
	assert.Empty(t, e.installed())
	assert.Equal(t, 0, e.store.Graph().Len())
	assert.Empty(t, e.fs.Paths())
	assert.Equal(t, []string{"A:pre_remove", "B:pre_remove", "A:post_remove", "B:post_remove"}, e.scripts.Phases())

	var removed []string
	for _, r := range tx.Log() {
		if r.Phase == PhaseCommit && r.Message == "removed" {
			removed = append(removed, r.Package)
		}
	}
	assert.Equal(t, []string{"A", "B"}, removed)
}

func TestRemoveNotInstalled(t *testing.T) {
	e := newEnv(t)
	_, err := e.remove(false, "ghost")
	assert.ErrorIs(t, err, core.ErrPackageNotFound)
	assert.Equal(t, "package_not_found", core.KindOf(err))
}

func TestRemoveLeafAndMissingFile(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	_, err := e.install("A")
	require.NoError(t, err)
	require.NoError(t, e.fs.Remove("bin/a"))

	tx, err := e.remove(false, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"B@1.0.0"}, e.installed())
	assert.Equal(t, []string{"lib/b.so"}, e.fs.Paths())

	var warned bool
	for _, r := range tx.Log() {
		if r.Level == LevelWarn && strings.Contains(r.Message, "already gone") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRemoveRollbackRestoresFiles(t *testing.T) {
	e := newEnv(t)
	e.publishAB()
	e.sync()
	_, err := e.install("A")
	require.NoError(t, err)
	e.scripts.Exit["B post_remove"] = 1

	_, err = e.remove(true, "B")
	te := txError(t, err)
	assert.Equal(t, PhasePostScript, te.Phase)
	assert.True(t, te.RolledBack)
	assert.Equal(t, []string{"A@1.2.0", "B@1.0.0"}, e.installed())
	assert.Equal(t, []string{"bin/a", "lib/b.so"}, e.fs.Paths())
	assert.Equal(t, "b library", e.read("lib/b.so"))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := NewInstall(Deps{}, nil)
	assert.ErrorIs(t, err, core.ErrConfig)
	store, err := installdb.Open(context.Background(), installdb.NewMemory(), nil)
	require.NoError(t, err)
	_, err = NewRemove(Deps{Store: store, FS: fsys.NewMemFS()}, []string{"x"}, false)
	assert.NoError(t, err)
	_, err = NewInstall(Deps{Store: store, FS: fsys.NewMemFS()}, nil)
	assert.ErrorIs(t, err, core.ErrConfig)
}
