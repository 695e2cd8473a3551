// pkg/repository/spec.go
package repository

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/metadata"
)

// specFile is one <id>.toml under the repos directory. A file holds either
// a single repository at the top level or several [[repository]] tables.
type specFile struct {
	core.RepositorySpec
	Repository []core.RepositorySpec `toml:"repository"`
}

// LoadSpecs reads every *.toml file in dir, sorted by file name.
// A missing directory yields no specs.
func LoadSpecs(dir string) ([]core.RepositorySpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading %s: %v", core.ErrConfig, dir, err)
	}

	var specs []core.RepositorySpec
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var f specFile
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", core.ErrConfig, path, err)
		}
		found := f.Repository
		if f.ID != "" || f.URL != "" {
			found = append([]core.RepositorySpec{f.RepositorySpec}, found...)
		}
		for _, s := range found {
			if err := ValidateSpec(s); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			if prev, ok := seen[s.ID]; ok {
				return nil, fmt.Errorf("%w: repository %q defined in both %s and %s", core.ErrConfig, s.ID, prev, path)
			}
			seen[s.ID] = path
			specs = append(specs, s)
		}
	}
	return specs, nil
}

// SaveSpec writes spec to <dir>/<id>.toml
func SaveSpec(dir string, spec core.RepositorySpec) error {
	if err := ValidateSpec(spec); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfig, err)
	}
	f, err := os.Create(filepath.Join(dir, spec.ID+".toml"))
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfig, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(spec); err != nil {
		return fmt.Errorf("%w: encoding %s: %v", core.ErrConfig, spec.ID, err)
	}
	return nil
}

// RemoveSpec deletes <dir>/<id>.toml if present
func RemoveSpec(dir, id string) error {
	err := os.Remove(filepath.Join(dir, id+".toml"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", core.ErrConfig, err)
	}
	return nil
}

// ValidateSpec checks the id and URLs of a repository spec
func ValidateSpec(s core.RepositorySpec) error {
	if !metadata.ValidName(s.ID) {
		return fmt.Errorf("%w: repository id %q is invalid", core.ErrConfig, s.ID)
	}
	if err := validURL(s.URL); err != nil {
		return fmt.Errorf("%w: repository %s: url: %v", core.ErrConfig, s.ID, err)
	}
	for i, m := range s.Mirrors {
		if err := validURL(m.URL); err != nil {
			return fmt.Errorf("%w: repository %s: mirrors[%d]: %v", core.ErrConfig, s.ID, i, err)
		}
	}
	return nil
}

func validURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("empty")
	}
	if !strings.Contains(raw, "://") {
		return nil // local path
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "file", "git+https", "git+http", "git+file", "git+ssh":
		return nil
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// IsGit reports whether the repository is served from a git remote
func IsGit(s core.RepositorySpec) bool {
	return strings.HasPrefix(s.URL, "git+")
}

func sortSpecs(specs []core.RepositorySpec) {
	sort.SliceStable(specs, func(i, j int) bool {
		if specs[i].Priority != specs[j].Priority {
			return specs[i].Priority < specs[j].Priority
		}
		return specs[i].ID < specs[j].ID
	})
}
