package fsys

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSWriteAtomic(t *testing.T) {
	root := t.TempDir()
	o := NewOS(root)

	require.NoError(t, o.WriteAtomic("usr/bin/hello", []byte("#!/bin/sh\n"), 0o755, "", ""))
	info, err := os.Stat(filepath.Join(root, "usr", "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o755), info.Mode().Perm())

	data, err := o.ReadFile("usr/bin/hello")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))

	// Overwrite in place leaves no temporary files behind.
	require.NoError(t, o.WriteAtomic("usr/bin/hello", []byte("v2"), 0o644, "", ""))
	entries, err := os.ReadDir(filepath.Join(root, "usr", "bin"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOSPathsStayUnderRoot(t *testing.T) {
	root := t.TempDir()
	o := NewOS(root)
	require.NoError(t, o.WriteAtomic("../../escape", []byte("x"), 0o644, "", ""))
	_, err := os.Stat(filepath.Join(root, "escape"))
	assert.NoError(t, err)
}

func TestOSRemovePrunesEmptyParents(t *testing.T) {
	root := t.TempDir()
	o := NewOS(root)
	require.NoError(t, o.WriteAtomic("opt/app/lib/a.so", []byte("a"), 0o644, "", ""))
	require.NoError(t, o.WriteAtomic("opt/keep", []byte("k"), 0o644, "", ""))

	require.NoError(t, o.Remove("opt/app/lib/a.so"))
	_, err := os.Stat(filepath.Join(root, "opt", "app"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "opt"))
	assert.NoError(t, err)

	err = o.Remove("opt/app/lib/a.so")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	_, err = o.ReadFile("missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestOSStat(t *testing.T) {
	o := NewOS(t.TempDir())
	require.NoError(t, o.WriteAtomic("etc/app.conf", []byte("x=1"), 0o640, "", ""))
	info, err := o.Stat("etc/app.conf")
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o640), info.Mode)
	if runtime.GOOS != "windows" {
		assert.NotEmpty(t, info.Owner)
		assert.NotEmpty(t, info.Group)
		// Writing back what Stat reported keeps the ownership.
		require.NoError(t, o.WriteAtomic("etc/app.conf", []byte("x=2"), info.Mode, info.Owner, info.Group))
	}

	_, err = o.Stat("missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestOSFreeSpace(t *testing.T) {
	o := NewOS(t.TempDir())
	free, err := o.FreeSpace(filepath.Join(o.Root, "not", "created", "yet"))
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

func TestMemFS(t *testing.T) {
	m := NewMemFS()
	require.NoError(t, m.WriteAtomic("/etc/app.conf", []byte("x=1"), 0o600, "root", "root"))
	f, ok := m.File("etc/app.conf")
	require.True(t, ok)
	assert.Equal(t, fs.FileMode(0o600), f.Mode)
	assert.Equal(t, []string{"etc/app.conf"}, m.Paths())
	info, err := m.Stat("etc/app.conf")
	require.NoError(t, err)
	assert.Equal(t, "root", info.Owner)

	require.NoError(t, m.Remove("etc/app.conf"))
	assert.ErrorIs(t, m.Remove("etc/app.conf"), fs.ErrNotExist)

	m.Free = 10
	free, err := m.FreeSpace("/")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), free)
}
