// pkg/repository/state.go
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/metadata"
)

// State is the local mirror of one repository's metadata, stored at
// ${cache_dir}/repos/<id>/catalog
type State struct {
	ID         string              `json:"id"`
	Generation int64               `json:"generation"`
	LastSync   time.Time           `json:"last_sync"`
	Strategy   string              `json:"strategy"`
	Packages   []*metadata.Package `json:"packages"`
	Keys       []string            `json:"keys,omitempty"`
}

func stateDir(cacheDir, id string) string {
	return filepath.Join(cacheDir, "repos", id)
}

func loadState(cacheDir, id string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(stateDir(cacheDir, id), "catalog"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading catalog of %s: %v", core.ErrCache, id, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: catalog of %s: %v", core.ErrPackageCorrupted, id, err)
	}
	return &st, nil
}

func saveState(cacheDir string, st *State) error {
	dir := stateDir(cacheDir, st.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCache, err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("%w: encoding catalog of %s: %v", core.ErrCache, st.ID, err)
	}
	tmp, err := os.CreateTemp(dir, ".catalog-*")
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrCache, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing catalog of %s: %v", core.ErrCache, st.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCache, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, "catalog")); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCache, err)
	}
	return nil
}

func saveKey(cacheDir, repoID, keyID string, data []byte) error {
	dir := filepath.Join(stateDir(cacheDir, repoID), "keys")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCache, err)
	}
	if err := os.WriteFile(filepath.Join(dir, keyID+".pub"), data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCache, err)
	}
	return nil
}

func keyDir(cacheDir, repoID string) string {
	return filepath.Join(stateDir(cacheDir, repoID), "keys")
}

// indexed returns the packages of st grouped by name, highest version first
func (st *State) indexed() map[string][]*metadata.Package {
	out := make(map[string][]*metadata.Package)
	if st == nil {
		return out
	}
	for _, p := range st.Packages {
		out[p.Name] = append(out[p.Name], p)
	}
	for _, ps := range out {
		sort.Slice(ps, func(i, j int) bool { return ps[j].Version.Less(ps[i].Version) })
	}
	return out
}

func sortPackages(ps []*metadata.Package) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Name != ps[j].Name {
			return ps[i].Name < ps[j].Name
		}
		return ps[i].Version.Less(ps[j].Version)
	})
}
