// pkg/repository/watch.go
package repository

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Watcher reloads repository spec files when the repos directory changes
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func([]core.RepositorySpec, error)
	log      *log.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
	started atomic.Bool
}

// NewWatcher watches dir for *.toml changes. onChange receives the freshly
// loaded specs, or the load error, after changes settle for debounce.
func NewWatcher(dir string, debounce time.Duration, onChange func([]core.RepositorySpec, error), logger *log.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		onChange: onChange,
		log:      core.LoggerOr(logger).WithPrefix("watch"),
		watcher:  fw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start runs the event loop until ctx is done or Close is called
func (w *Watcher) Start(ctx context.Context) {
	if w.started.CompareAndSwap(false, true) {
		go w.run(ctx)
	}
}

// Close stops the watcher and waits for the loop to exit
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
	})
	if w.started.Load() {
		<-w.doneCh
	}
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".toml" || ev.Op == fsnotify.Chmod {
				continue
			}
			w.log.Debug("repository spec changed", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "dir", w.dir, "err", err)
		case <-timer.C:
			specs, err := LoadSpecs(w.dir)
			if err != nil {
				w.log.Warn("reloading repository specs", "dir", w.dir, "err", err)
			}
			w.onChange(specs, err)
		}
	}
}
