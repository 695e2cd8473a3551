package mpkg

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/fsys"
	"github.com/arc-language/mpkg/pkg/installdb"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/payload"
	"github.com/arc-language/mpkg/pkg/repository"
	"github.com/arc-language/mpkg/pkg/script"
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

type fixture struct {
	t       *testing.T
	b       *repository.Builder
	cfg     *Config
	fs      *fsys.MemFS
	scripts *script.Recorder
	events  []Event
	core    *Core
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	b := repository.NewBuilder(t.TempDir(), "main")
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	cfg := DefaultConfig()
	cfg.InstallDir = t.TempDir()
	cfg.CacheDir = t.TempDir()
	cfg.ReposDir = t.TempDir()
	cfg.Architecture = "x86_64"
	cfg.Repositories = []core.RepositorySpec{{ID: "main", URL: b.Dir, Priority: 10}}

	f := &fixture{t: t, b: b, cfg: cfg, fs: fsys.NewMemFS(), scripts: &script.Recorder{}}
	f.open(append([]Option{WithBackend(installdb.NewMemory())}, opts...)...)
	return f
}

func (f *fixture) open(opts ...Option) {
	f.t.Helper()
	base := []Option{
		WithTransport(transport.NewMux()),
		WithFilesystem(f.fs),
		WithScriptRunner(f.scripts),
		WithLogger(core.DiscardLogger()),
		WithClock(func() time.Time { return epoch }),
		WithRetrySleep(func(context.Context, time.Duration) error { return nil }),
		WithNotifier(core.NotifierFunc(func(e Event) { f.events = append(f.events, e) })),
	}
	c, err := New(f.cfg, append(base, opts...)...)
	require.NoError(f.t, err)
	f.core = c
	f.t.Cleanup(func() { c.Close() })
}

func (f *fixture) publish(name, ver string, deps ...string) {
	f.t.Helper()
	p := &metadata.Package{
		Name:         name,
		Version:      version.MustParse(ver),
		Description:  "a test package",
		Architecture: "any",
		Scripts: &metadata.Scripts{
			PostInstall: name + " post_install",
			PostUpdate:  name + " post_update",
			PreRemove:   name + " pre_remove",
		},
	}
	for _, d := range deps {
		p.Dependencies = append(p.Dependencies, metadata.Dependency{Package: d, Constraint: version.AtLeast(version.MustParse("1.0.0"))})
	}
	data, err := payload.Pack([]payload.Entry{{Path: "share/" + name + "/VERSION", Data: []byte(ver)}})
	require.NoError(f.t, err)
	_, err = f.b.Add(p, data)
	require.NoError(f.t, err)
}

func (f *fixture) sync() {
	f.t.Helper()
	_, err := f.b.Write()
	require.NoError(f.t, err)
	_, err = f.core.Sync(context.Background(), core.SyncFull)
	require.NoError(f.t, err)
}

func (f *fixture) install(reqs ...string) *Result {
	f.t.Helper()
	rs, err := ParseRequests(reqs)
	require.NoError(f.t, err)
	res, err := f.core.Install(context.Background(), rs...)
	require.NoError(f.t, err)
	return res
}

func installed(c *Core) map[string]string {
	out := make(map[string]string)
	for _, st := range c.List() {
		out[st.Name] = st.Version.String()
	}
	return out
}

func planNames(p *Plan) []string {
	var out []string
	for _, e := range p.Entries {
		out = append(out, e.Package.Name)
	}
	return out
}

func TestInstallUpdateRemove(t *testing.T) {
	f := newFixture(t)
	f.publish("A", "1.0.0", "B")
	f.publish("B", "1.0.0")
	f.sync()

	res := f.install("A")
	assert.Equal(t, []string{"B", "A"}, planNames(res.Plan))
	assert.Equal(t, map[string]string{"A": "1.0.0", "B": "1.0.0"}, installed(f.core))
	data, err := f.fs.ReadFile("share/A/VERSION")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", string(data))
	assert.Equal(t, []string{"A"}, f.core.Dependents("B"))

	f.publish("A", "1.1.0", "B")
	f.sync()
	updates := f.core.CheckUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, AvailableUpdate{
		Name:       "A",
		Installed:  version.MustParse("1.0.0"),
		Available:  version.MustParse("1.1.0"),
		Repository: "main",
	}, updates[0])
	last := f.events[len(f.events)-1]
	assert.Equal(t, core.EventUpdateAvailable, last.Type)
	assert.Equal(t, "1.0.0 -> 1.1.0", last.Message)

	_, err = f.core.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1.1.0", "B": "1.0.0"}, installed(f.core))
	assert.Contains(t, f.scripts.Phases(), "A:post_update")
	assert.Empty(t, f.core.CheckUpdates())

	_, err = f.core.Remove(context.Background(), []string{"B"}, false)
	require.ErrorIs(t, err, ErrDependencyConflict)
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	require.Len(t, ce.Conflicts, 1)
	assert.Equal(t, "A", ce.Conflicts[0].With)
	assert.Len(t, installed(f.core), 2)

	res, err = f.core.Remove(context.Background(), []string{"B"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, res.Removed)
	assert.Empty(t, f.core.List())
	assert.Empty(t, f.fs.Paths())
}

func TestUpdateUnknownPackage(t *testing.T) {
	f := newFixture(t)
	_, err := f.core.Update(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPackageNotFound)

	res, err := f.core.Update(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Plan.Empty())
}

func TestPlanDoesNotInstall(t *testing.T) {
	f := newFixture(t)
	f.publish("A", "1.0.0", "B")
	f.publish("B", "1.0.0")
	f.sync()

	req, err := ParseRequest("A@1.0.0")
	require.NoError(t, err)
	plan, err := f.core.Plan(context.Background(), false, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, planNames(plan))
	assert.Empty(t, f.core.List())

	_, err = f.core.Plan(context.Background(), false)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestInstallMissingPackage(t *testing.T) {
	f := newFixture(t)
	f.publish("A", "1.0.0")
	f.sync()

	rs, err := ParseRequests([]string{"A>=2.0.0"})
	require.NoError(t, err)
	_, err = f.core.Install(context.Background(), rs...)
	assert.Error(t, err)
	assert.Empty(t, f.core.List())
}

func TestTransactionLogIsPersisted(t *testing.T) {
	f := newFixture(t)
	f.publish("A", "1.0.0")
	f.sync()

	res := f.install("A")
	require.NotEmpty(t, res.Log)
	recs, err := f.core.TransactionLog(context.Background(), res.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(res.Log, recs); diff != "" {
		t.Errorf("persisted log differs (-run +stored):\n%s", diff)
	}
	assert.Equal(t, "transaction committed", recs[len(recs)-1].Message)
}

func TestSearchAndInfo(t *testing.T) {
	f := newFixture(t)
	f.publish("nginx", "1.20.0")
	f.publish("nginx", "1.18.0")
	tools := &metadata.Package{
		Name:         "http-tools",
		Version:      version.MustParse("2.0.0"),
		Architecture: "any",
		Tags:         []string{"http", "nginx-helper"},
	}
	data, err := payload.Pack([]payload.Entry{{Path: "bin/ht", Data: []byte("ht"), Executable: true}})
	require.NoError(t, err)
	_, err = f.b.Add(tools, data)
	require.NoError(t, err)
	f.sync()

	rs := f.core.Search("nginx")
	require.Len(t, rs, 2)
	assert.Equal(t, "nginx", rs[0].Package.Name)
	assert.Equal(t, 100, rs[0].Score)
	assert.Equal(t, "http-tools", rs[1].Package.Name)
	assert.Equal(t, 30, rs[1].Score)

	info, err := f.core.Info("nginx")
	require.NoError(t, err)
	assert.Nil(t, info.Installed)
	require.Len(t, info.Available, 2)
	assert.Equal(t, "1.20.0", info.Available[0].Package.Version.String())

	f.install("nginx")
	info, err = f.core.Info("nginx")
	require.NoError(t, err)
	require.NotNil(t, info.Installed)
	assert.Equal(t, "1.20.0", info.Installed.Version.String())

	_, err = f.core.Info("missing")
	assert.ErrorIs(t, err, ErrPackageNotFound)
}

func TestRepositoriesFromDirectoryAndConfig(t *testing.T) {
	b := repository.NewBuilder(t.TempDir(), "extra")
	_, err := b.Write()
	require.NoError(t, err)

	f := newFixture(t)
	require.NoError(t, f.core.AddRepository(core.RepositorySpec{ID: "extra", URL: b.Dir, Priority: 5}))
	assert.FileExists(t, filepath.Join(f.cfg.ReposDir, "extra.toml"))

	var ids []string
	for _, r := range f.core.Repositories() {
		ids = append(ids, r.Spec.ID)
	}
	assert.Equal(t, []string{"extra", "main"}, ids)

	err = f.core.AddRepository(core.RepositorySpec{ID: "extra", URL: b.Dir})
	assert.ErrorIs(t, err, ErrConfig)

	// a fresh core picks the saved spec up from the repos directory
	require.NoError(t, f.core.Close())
	f.open(WithBackend(installdb.NewMemory()))
	assert.Len(t, f.core.Repositories(), 2)

	require.NoError(t, f.core.RemoveRepository("extra"))
	_, err = os.Stat(filepath.Join(f.cfg.ReposDir, "extra.toml"))
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, f.core.RemoveRepository("extra"), ErrConfig)
}

func TestWatchReloadsRepositoriesDirectory(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.core.Watch(ctx))
	require.NoError(t, f.core.Watch(ctx), "a second call keeps the running watcher")
	require.Len(t, f.core.Repositories(), 1)

	extra := repository.NewBuilder(t.TempDir(), "extra")
	_, err := extra.Write()
	require.NoError(t, err)
	require.NoError(t, repository.SaveSpec(f.cfg.ReposDir, core.RepositorySpec{ID: "extra", URL: extra.Dir, Priority: 5}))
	assert.Eventually(t, func() bool { return len(f.core.Repositories()) == 2 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, repository.RemoveSpec(f.cfg.ReposDir, "extra"))
	assert.Eventually(t, func() bool { return len(f.core.Repositories()) == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestWatchNeedsReposDir(t *testing.T) {
	f := newFixture(t)
	f.cfg.ReposDir = ""
	assert.ErrorIs(t, f.core.Watch(context.Background()), ErrConfig)
}

func TestUpdateRecordsDeltaSavings(t *testing.T) {
	f := newFixture(t)
	blob := bytes.Repeat([]byte("mpkg delta payload "), 4096)
	add := func(ver string) {
		data, err := payload.Pack([]payload.Entry{
			{Path: "share/app/data", Data: blob},
			{Path: "share/app/VERSION", Data: []byte(ver)},
		})
		require.NoError(t, err)
		_, err = f.b.Add(&metadata.Package{Name: "app", Version: version.MustParse(ver), Architecture: "any"}, data)
		require.NoError(t, err)
	}
	add("1.0.0")
	f.sync()
	f.install("app")
	assert.Zero(t, f.core.DeltaStats().Transfers)

	add("1.1.0")
	_, err := f.b.AddDelta("app", version.MustParse("1.0.0"), version.MustParse("1.1.0"), "copy-insert")
	require.NoError(t, err)
	f.sync()
	_, err = f.core.Update(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app": "1.1.0"}, installed(f.core))

	s := f.core.DeltaStats()
	assert.Equal(t, 1, s.Transfers)
	assert.Zero(t, s.Fallbacks)
	assert.Greater(t, s.SavingsPercent, 50.0)
	hist := f.core.DeltaHistory()
	require.Len(t, hist, 1)
	assert.Equal(t, "1.0.0", hist[0].Base)
	assert.Equal(t, "1.1.0", hist[0].Target)
	assert.Equal(t, epoch, hist[0].Time)
}

func TestRepositoryStatusAfterFailedSync(t *testing.T) {
	f := newFixture(t)
	_, err := f.core.Sync(context.Background(), core.SyncFull)
	require.Error(t, err, "nothing published yet")
	info := f.core.Repositories()[0]
	assert.Equal(t, repository.StatusError, info.Status)
	assert.NotEmpty(t, info.LastError)

	f.publish("A", "1.0.0")
	f.sync()
	info = f.core.Repositories()[0]
	assert.Equal(t, repository.StatusActive, info.Status)
	assert.Empty(t, info.LastError)
}

func TestCleanCache(t *testing.T) {
	f := newFixture(t)
	f.publish("A", "1.0.0")
	f.sync()
	f.install("A")

	assert.Equal(t, 1, f.core.CacheStats().Entries)
	assert.Equal(t, 0, f.core.CleanCache(false))
	assert.Equal(t, 1, f.core.CleanCache(true))
	assert.Equal(t, 0, f.core.CacheStats().Entries)
}

func TestSQLiteDatabaseSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.core.Close())
	f.open()
	f.publish("A", "1.0.0")
	f.sync()
	f.install("A")
	require.NoError(t, f.core.Close())

	assert.FileExists(t, f.cfg.DatabasePath())
	f.open()
	assert.Equal(t, map[string]string{"A": "1.0.0"}, installed(f.core))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InstallDir = t.TempDir()
	cfg.CacheDir = t.TempDir()
	cfg.EvictionPolicy = "random"
	_, err := New(cfg, WithTransport(transport.NewMux()), WithBackend(installdb.NewMemory()))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestParseRequest(t *testing.T) {
	v := version.MustParse
	tests := []struct {
		in   string
		name string
		want string
	}{
		{"nginx", "nginx", version.Any().String()},
		{"nginx@1.20.0", "nginx", version.Exact(v("1.20.0")).String()},
		{"nginx>=1.18.0", "nginx", version.AtLeast(v("1.18.0")).String()},
		{"nginx<2.0.0", "nginx", version.LessThan(v("2.0.0")).String()},
		{"pkg:mpkg/nginx@1.20.0", "nginx", version.Exact(v("1.20.0")).String()},
		{"pkg:mpkg/nginx", "nginx", version.Any().String()},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, err := ParseRequest(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.name, r.Name)
			assert.Equal(t, tt.want, r.Constraint.String())
		})
	}

	for _, bad := range []string{"", "nginx@", "-bad", "nginx@1.x", "pkg:npm/left-pad@1.0.0"} {
		_, err := ParseRequest(bad)
		assert.ErrorIs(t, err, ErrInvalidMetadata, bad)
	}
}
