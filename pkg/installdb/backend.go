// pkg/installdb/backend.go

// Package installdb persists the installed set and the transaction log,
// and keeps the dependency graph consistent with it.
package installdb

import (
	"context"
	"sync"
	"time"

	"github.com/arc-language/mpkg/pkg/metadata"
)

// LogRecord is one transaction log line
type LogRecord struct {
	TxID    string    `json:"tx_id"`
	Seq     int       `json:"seq"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level"` // info, warn or error
	Phase   string    `json:"phase"`
	Package string    `json:"package,omitempty"`
	Version string    `json:"version,omitempty"`
	Message string    `json:"message"`
}

// Backend stores installed records, one per package name
type Backend interface {
	Load(ctx context.Context) (map[string]*metadata.InstalledStatus, error)
	// Commit writes puts and deletes atomically
	Commit(ctx context.Context, puts []*metadata.InstalledStatus, deletes []string) error
	AppendLog(ctx context.Context, recs []LogRecord) error
	// Log returns records for txID, or every record when txID is empty
	Log(ctx context.Context, txID string) ([]LogRecord, error)
	Close() error
}

// Memory is an in-process Backend
type Memory struct {
	mu      sync.Mutex
	records map[string]*metadata.InstalledStatus
	log     []LogRecord

	// FailCommit, when set, is returned by the next Commit
	FailCommit error
}

// NewMemory returns an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*metadata.InstalledStatus)}
}

func (m *Memory) Load(context.Context) (map[string]*metadata.InstalledStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*metadata.InstalledStatus, len(m.records))
	for k, v := range m.records {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func (m *Memory) Commit(_ context.Context, puts []*metadata.InstalledStatus, deletes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailCommit; err != nil {
		m.FailCommit = nil
		return err
	}
	for _, name := range deletes {
		delete(m.records, name)
	}
	for _, st := range puts {
		cp := *st
		m.records[st.Name] = &cp
	}
	return nil
}

func (m *Memory) AppendLog(_ context.Context, recs []LogRecord) error {
	m.mu.Lock()
	m.log = append(m.log, recs...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Log(_ context.Context, txID string) ([]LogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogRecord
	for _, r := range m.log {
		if txID == "" || r.TxID == txID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
