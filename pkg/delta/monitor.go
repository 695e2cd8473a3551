// pkg/delta/monitor.go
package delta

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
)

// HistorySize is how many transfers a Monitor remembers
const HistorySize = 100

// Transfer is one delta attempt. Bytes counts what was downloaded,
// including the full archive after a fallback.
type Transfer struct {
	Time      time.Time `json:"time"`
	Package   string    `json:"package"`
	Base      string    `json:"base"`
	Target    string    `json:"target"`
	Algorithm string    `json:"algorithm"`
	Bytes     int64     `json:"bytes"`
	FullBytes int64     `json:"full_bytes"`
	Ratio     float64   `json:"ratio"` // 1 - Bytes/FullBytes
	Fallback  bool      `json:"fallback,omitempty"`
}

// Stats summarizes every recorded transfer
type Stats struct {
	Transfers        int
	Fallbacks        int
	BytesTransferred int64
	FullBytes        int64   // bytes full downloads would have cost
	SavingsPercent   float64 // over every transfer ever recorded
	AvgCompression   float64 // mean Ratio over the remembered history
}

type monitorState struct {
	Transfers int        `json:"transfers"`
	Fallbacks int        `json:"fallbacks"`
	Bytes     int64      `json:"bytes"`
	FullBytes int64      `json:"full_bytes"`
	History   []Transfer `json:"history"`
}

// Monitor accounts the bandwidth deltas save. With a path it loads and
// saves its totals there so they accumulate across runs.
type Monitor struct {
	mu    sync.Mutex
	path  string
	state monitorState
}

// NewMonitor returns a monitor persisted at path, or in memory when path
// is empty. An unreadable file starts the counts over.
func NewMonitor(path string) (*Monitor, error) {
	m := &Monitor{path: path}
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading delta stats: %v", core.ErrCache, err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		m.state = monitorState{}
	}
	return m, nil
}

// Record adds t to the totals and the history
func (m *Monitor) Record(t Transfer) error {
	if t.FullBytes > 0 {
		t.Ratio = 1 - float64(t.Bytes)/float64(t.FullBytes)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Transfers++
	if t.Fallback {
		m.state.Fallbacks++
	}
	m.state.Bytes += t.Bytes
	m.state.FullBytes += t.FullBytes
	m.state.History = append(m.state.History, t)
	if n := len(m.state.History); n > HistorySize {
		m.state.History = append([]Transfer(nil), m.state.History[n-HistorySize:]...)
	}
	return m.save()
}

// Stats returns the current totals
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Transfers:        m.state.Transfers,
		Fallbacks:        m.state.Fallbacks,
		BytesTransferred: m.state.Bytes,
		FullBytes:        m.state.FullBytes,
	}
	if s.FullBytes > 0 {
		s.SavingsPercent = float64(s.FullBytes-s.BytesTransferred) / float64(s.FullBytes) * 100
	}
	if n := len(m.state.History); n > 0 {
		var sum float64
		for _, t := range m.state.History {
			sum += t.Ratio
		}
		s.AvgCompression = sum / float64(n)
	}
	return s
}

// History returns the remembered transfers, oldest first
func (m *Monitor) History() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.state.History...)
}

func (m *Monitor) save() error {
	if m.path == "" {
		return nil
	}
	data, err := json.Marshal(m.state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".delta-stats-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.path)
}
