// pkg/repository/status.go
package repository

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
)

// Status is the health of a repository as of its last sync attempt
type Status string

const (
	StatusUnsynced     Status = "unsynced"
	StatusActive       Status = "active"
	StatusSyncing      Status = "syncing"
	StatusError        Status = "error"
	StatusAuthRequired Status = "auth_required"
	StatusDisabled     Status = "disabled"
)

// syncStatus is stored next to the catalog mirror as "status"
type syncStatus struct {
	Status      Status    `json:"status"`
	LastError   string    `json:"last_error,omitempty"`
	LastAttempt time.Time `json:"last_attempt"`
}

func statusPath(cacheDir, id string) string {
	return filepath.Join(stateDir(cacheDir, id), "status")
}

// loadStatus reads the recorded status of id. A sync that never finished
// reads as an error.
func loadStatus(cacheDir, id string) (syncStatus, bool) {
	data, err := os.ReadFile(statusPath(cacheDir, id))
	if err != nil {
		return syncStatus{}, false
	}
	var st syncStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return syncStatus{}, false
	}
	if st.Status == StatusSyncing {
		st.Status = StatusError
		st.LastError = "sync interrupted"
	}
	return st, true
}

func saveStatus(cacheDir, id string, st syncStatus) error {
	if err := os.MkdirAll(stateDir(cacheDir, id), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(statusPath(cacheDir, id), data, 0o644)
}

// setStatus records the outcome of a sync attempt on id
func (c *Client) setStatus(id string, err error, syncing bool) {
	st := syncStatus{Status: StatusActive, LastAttempt: c.opts.Now()}
	switch {
	case syncing:
		st.Status = StatusSyncing
	case errors.Is(err, core.ErrAuthRequired):
		st.Status = StatusAuthRequired
		st.LastError = err.Error()
	case err != nil:
		st.Status = StatusError
		st.LastError = err.Error()
	}
	c.statusMu.Lock()
	c.status[id] = st
	c.statusMu.Unlock()
	if err := saveStatus(c.opts.CacheDir, id, st); err != nil {
		c.log.Warn("recording repository status", "repository", id, "err", err)
	}
}

// info fills the status fields of i from the recorded sync outcome
func (c *Client) info(r *repo) Info {
	i := Info{Spec: r.spec, Status: StatusUnsynced}
	if r.state != nil {
		i.Generation = r.state.Generation
		i.LastSync = r.state.LastSync
		i.Packages = len(r.state.Packages)
		i.Status = StatusActive
	}
	c.statusMu.Lock()
	st, ok := c.status[r.spec.ID]
	c.statusMu.Unlock()
	if ok {
		i.Status = st.Status
		i.LastError = st.LastError
		i.LastAttempt = st.LastAttempt
	}
	if !r.spec.IsEnabled() {
		i.Status = StatusDisabled
	}
	return i
}
