package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/payload"
	"github.com/arc-language/mpkg/pkg/repository"
	"github.com/arc-language/mpkg/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type testEnv struct {
	t          *testing.T
	b          *repository.Builder
	cfgPath    string
	installDir string
	reposDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	e := &testEnv{
		t:          t,
		b:          repository.NewBuilder(filepath.Join(dir, "repo"), "main"),
		cfgPath:    filepath.Join(dir, "config.yaml"),
		installDir: filepath.Join(dir, "root"),
		reposDir:   filepath.Join(dir, "repos.d"),
	}
	cfg := map[string]any{
		"install_dir": e.installDir,
		"cache_dir":   filepath.Join(dir, "cache"),
		"repos_dir":   e.reposDir,
		"repositories": []map[string]any{
			{"id": "main", "url": e.b.Dir, "priority": 10},
		},
	}
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(e.cfgPath, data, 0o644))
	return e
}

func (e *testEnv) publish(name, ver string, deps ...string) {
	e.t.Helper()
	p := &metadata.Package{
		Name:         name,
		Version:      version.MustParse(ver),
		Description:  "the " + name + " tool",
		Architecture: "any",
	}
	for _, d := range deps {
		p.Dependencies = append(p.Dependencies, metadata.Dependency{Package: d, Constraint: version.Any()})
	}
	data, err := payload.Pack([]payload.Entry{{Path: "share/" + name + "/VERSION", Data: []byte(ver)}})
	require.NoError(e.t, err)
	_, err = e.b.Add(p, data)
	require.NoError(e.t, err)
	_, err = e.b.Write()
	require.NoError(e.t, err)
}

func (e *testEnv) run(args ...string) (string, string, error) {
	e.t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", e.cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, errOut, err := e.run(args...)
	require.NoError(e.t, err, errOut)
	return out
}

func TestInstallListRemove(t *testing.T) {
	e := newTestEnv(t)
	e.publish("libb", "1.0.0")
	e.publish("app", "1.0.0", "libb")
	e.mustRun("sync")

	out := e.mustRun("install", "app")
	assert.Contains(t, out, "Installed 2 package(s)")
	data, err := os.ReadFile(filepath.Join(e.installDir, "share", "app", "VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", string(data))

	out = e.mustRun("list")
	assert.Contains(t, out, "app")
	assert.Contains(t, out, "libb")
	assert.Contains(t, out, "dependency")

	_, errOut, err := e.run("remove", "libb")
	require.Error(t, err)
	assert.Contains(t, errOut, "Required by [app]")

	out = e.mustRun("remove", "--force", "libb")
	assert.Contains(t, out, "Removed app")
	assert.Contains(t, out, "Removed libb")
	assert.Contains(t, e.mustRun("list"), "No packages installed")
	assert.NoFileExists(t, filepath.Join(e.installDir, "share", "app", "VERSION"))
}

func TestInstallDryRun(t *testing.T) {
	e := newTestEnv(t)
	e.publish("app", "1.0.0")
	e.mustRun("sync")

	out := e.mustRun("install", "--dry-run", "app@1.0.0")
	assert.Contains(t, out, "Would install:")
	assert.Contains(t, out, "app 1.0.0")
	assert.Contains(t, e.mustRun("list"), "No packages installed")
}

func TestUpdateDryRunShowsDiff(t *testing.T) {
	e := newTestEnv(t)
	e.publish("app", "1.0.0")
	e.mustRun("sync")
	e.mustRun("install", "app")

	e.publish("app", "1.1.0")
	e.mustRun("sync")

	out := e.mustRun("update", "--check")
	assert.Contains(t, out, "1.1.0")

	out = e.mustRun("update", "--dry-run")
	assert.Contains(t, out, "--- installed")
	assert.Contains(t, out, "+++ planned")
	assert.Contains(t, out, "-app 1.0.0")
	assert.Contains(t, out, "+app 1.1.0")

	e.mustRun("update")
	assert.Contains(t, e.mustRun("update", "--check"), "Everything is up to date")
}

func TestSearchAndInfo(t *testing.T) {
	e := newTestEnv(t)
	e.publish("nginx", "1.20.0")
	e.mustRun("sync")

	out := e.mustRun("search", "nginx")
	assert.Contains(t, out, "nginx")
	assert.Contains(t, out, "150")

	out = e.mustRun("info", "nginx")
	assert.Contains(t, out, "Package: nginx")
	assert.Contains(t, out, "Available: 1.20.0")
	assert.Contains(t, out, "Package URL: pkg:mpkg/nginx@1.20.0")

	_, _, err := e.run("info", "nope")
	assert.Error(t, err)
}

func TestRepoCommands(t *testing.T) {
	e := newTestEnv(t)
	extra := repository.NewBuilder(t.TempDir(), "extra")
	_, err := extra.Write()
	require.NoError(t, err)

	out := e.mustRun("repo", "add", "extra", extra.Dir, "--priority", "5")
	assert.Contains(t, out, "Added repository extra")
	assert.FileExists(t, filepath.Join(e.reposDir, "extra.toml"))

	out = e.mustRun("repo", "list")
	assert.Contains(t, out, "extra")
	assert.Contains(t, out, "main")

	e.mustRun("repo", "remove", "extra")
	assert.NoFileExists(t, filepath.Join(e.reposDir, "extra.toml"))
	assert.NotContains(t, e.mustRun("repo", "list"), "extra")
}

func TestHistoryAndCache(t *testing.T) {
	e := newTestEnv(t)
	e.publish("app", "1.0.0")
	e.mustRun("sync")
	e.mustRun("install", "app")

	assert.Contains(t, e.mustRun("cache", "stats"), "Entries: 1")
	assert.Contains(t, e.mustRun("cache", "clean", "--all"), "Removed 1 cache entries")

	out := e.mustRun("history", "missing-id")
	assert.NotContains(t, out, "committed")
}

func TestVersionCommand(t *testing.T) {
	e := newTestEnv(t)
	assert.Contains(t, e.mustRun("version"), "mpkg version "+Version)
}
