// pkg/fsys/fsys.go

// Package fsys implements the filesystem collaborator used by transactions
package fsys

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/arc-language/mpkg/pkg/core"
)

// OS writes below Root on the real filesystem. Paths handed to it are
// relative to Root.
type OS struct {
	Root string
}

// NewOS returns a filesystem rooted at root
func NewOS(root string) *OS {
	return &OS{Root: root}
}

func (o *OS) abs(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("%w: empty path", core.ErrPermissionDenied)
	}
	return filepath.Join(o.Root, clean), nil
}

// WriteAtomic writes data to a temporary file next to path, syncs it,
// applies mode and ownership, then renames it into place.
func (o *OS) WriteAtomic(path string, data []byte, mode fs.FileMode, owner, group string) error {
	dst, err := o.abs(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return mapErr(path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".mpkg-*")
	if err != nil {
		return mapErr(path, err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return mapErr(path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return mapErr(path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return mapErr(path, err)
	}
	if err := os.Chmod(tmp.Name(), mode.Perm()|mode&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky)); err != nil {
		cleanup()
		return mapErr(path, err)
	}
	if owner != "" || group != "" {
		if err := chown(tmp.Name(), owner, group); err != nil {
			cleanup()
			return err
		}
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		cleanup()
		return mapErr(path, err)
	}
	return nil
}

// Remove deletes path and prunes parent directories left empty
func (o *OS) Remove(path string) error {
	dst, err := o.abs(path)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil {
		return mapErr(path, err)
	}
	root := filepath.Clean(o.Root)
	for dir := filepath.Dir(dst); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// ReadFile reads path
func (o *OS) ReadFile(path string) ([]byte, error) {
	dst, err := o.abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		return nil, mapErr(path, err)
	}
	return data, nil
}

// Stat reports the mode and ownership of path without following a
// final symlink. Ids without a name are reported as numbers.
func (o *OS) Stat(path string) (core.FileInfo, error) {
	dst, err := o.abs(path)
	if err != nil {
		return core.FileInfo{}, err
	}
	fi, err := os.Lstat(dst)
	if err != nil {
		return core.FileInfo{}, mapErr(path, err)
	}
	info := core.FileInfo{Mode: fi.Mode() & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)}
	if uid, gid, ok := ownerIDs(fi); ok {
		info.Owner = uid
		if u, err := user.LookupId(uid); err == nil {
			info.Owner = u.Username
		}
		info.Group = gid
		if g, err := user.LookupGroupId(gid); err == nil {
			info.Group = g.Name
		}
	}
	return info, nil
}

// FreeSpace reports the bytes available to unprivileged users on the
// volume holding mountPath, walking up to the nearest existing directory.
func (o *OS) FreeSpace(mountPath string) (uint64, error) {
	dir := mountPath
	if dir == "" {
		dir = o.Root
	}
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return freeSpace(dir)
}

func chown(path, owner, group string) error {
	uid, gid := -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		switch {
		case err == nil:
			uid, _ = strconv.Atoi(u.Uid)
		case isID(owner):
			uid, _ = strconv.Atoi(owner)
		default:
			return fmt.Errorf("%w: unknown owner %q: %v", core.ErrPermissionDenied, owner, err)
		}
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		switch {
		case err == nil:
			gid, _ = strconv.Atoi(g.Gid)
		case isID(group):
			gid, _ = strconv.Atoi(group)
		default:
			return fmt.Errorf("%w: unknown group %q: %v", core.ErrPermissionDenied, group, err)
		}
	}
	if err := os.Lchown(path, uid, gid); err != nil {
		return mapErr(path, err)
	}
	return nil
}

func isID(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 0
}

func mapErr(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s: %v", core.ErrPermissionDenied, path, err)
	case isNoSpace(err):
		return fmt.Errorf("%w: %s", core.ErrDiskSpaceInsufficient, path)
	}
	return fmt.Errorf("%s: %w", path, err)
}
