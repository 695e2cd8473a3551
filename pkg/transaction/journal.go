// pkg/transaction/journal.go
package transaction

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
)

// fileStep records the state of a path before the transaction touched it
type fileStep struct {
	path    string
	existed bool
	data    []byte
	mode    fs.FileMode
	owner   string
	group   string
}

// installed marks a package whose post-install script completed; undoing
// it runs its removal scripts around the file restore
type installed struct {
	name, version     string
	preRemove, postRm string
}

// journal is the undo log of one transaction
type journal struct {
	mu       sync.Mutex
	files    []fileStep
	packages []installed
}

func (j *journal) addFile(s fileStep) {
	j.mu.Lock()
	j.files = append(j.files, s)
	j.mu.Unlock()
}

func (j *journal) addInstalled(p installed) {
	j.mu.Lock()
	j.packages = append(j.packages, p)
	j.mu.Unlock()
}

func (j *journal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.files) + len(j.packages)
}

func (j *journal) pending() bool { return j.len() > 0 }

// undo restores every recorded path in reverse order and empties the
// journal, so a second call does nothing. Removal script failures are
// logged; file restore failures are returned.
func (j *journal) undo(ctx context.Context, t *Transaction) error {
	j.mu.Lock()
	files, pkgs := j.files, j.packages
	j.files, j.packages = nil, nil
	j.mu.Unlock()

	for i := len(pkgs) - 1; i >= 0; i-- {
		p := pkgs[i]
		if err := t.runScript(ctx, p.name, p.version, p.preRemove, "pre_remove"); err != nil {
			t.record(LevelWarn, PhaseRollback, p.name, p.version, err.Error())
		}
	}

	var errs []error
	for i := len(files) - 1; i >= 0; i-- {
		s := files[i]
		var err error
		if s.existed {
			err = t.deps.FS.WriteAtomic(s.path, s.data, s.mode, s.owner, s.group)
		} else if err = t.deps.FS.Remove(s.path); errors.Is(err, fs.ErrNotExist) {
			err = nil
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", s.path, err))
		}
	}

	for i := len(pkgs) - 1; i >= 0; i-- {
		p := pkgs[i]
		if err := t.runScript(ctx, p.name, p.version, p.postRm, "post_remove"); err != nil {
			t.record(LevelWarn, PhaseRollback, p.name, p.version, err.Error())
		}
	}
	return errors.Join(errs...)
}
