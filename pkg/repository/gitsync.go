// pkg/repository/gitsync.go
package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// DefaultBranch is cloned when a git repository names none
const DefaultBranch = "main"

// GitSync shallow-clones a git+<scheme>:// repository into dir, replacing
// the previous checkout only once the clone succeeded
func GitSync(ctx context.Context, rawURL, branch, dir string) error {
	remote := strings.TrimPrefix(rawURL, "git+")
	if branch == "" {
		branch = DefaultBranch
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCache, err)
	}
	tempDir, err := os.MkdirTemp(filepath.Dir(dir), ".git-clone-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp dir: %v", core.ErrCache, err)
	}
	defer os.RemoveAll(tempDir)

	opts := &git.CloneOptions{
		URL:           remote,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	}
	// The local file transport does not negotiate shallow clones.
	if !strings.HasPrefix(remote, "file://") {
		opts.Depth = 1
	}
	if _, err := git.PlainCloneContext(ctx, tempDir, false, opts); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: git clone %s (%s): %v", core.ErrRepositoryUnavailable, remote, branch, err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCache, err)
	}
	if err := os.Rename(tempDir, dir); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCache, err)
	}
	return nil
}
