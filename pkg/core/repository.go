// pkg/core/repository.go
package core

// RepositorySpec describes one configured repository. It is read from the
// main config file or from a TOML file under the repos directory.
type RepositorySpec struct {
	ID       string       `yaml:"id" toml:"id"`
	URL      string       `yaml:"url" toml:"url"`
	Enabled  *bool        `yaml:"enabled,omitempty" toml:"enabled"`
	Priority int          `yaml:"priority" toml:"priority"` // smaller is preferred
	KeyID    string       `yaml:"key_id,omitempty" toml:"key_id"`
	Branch   string       `yaml:"branch,omitempty" toml:"branch"` // git repositories only
	Region   string       `yaml:"region,omitempty" toml:"region"`
	Mirrors  []MirrorSpec `yaml:"mirrors,omitempty" toml:"mirrors"`
}

// MirrorSpec is an alternate URL serving the same repository content
type MirrorSpec struct {
	URL      string `yaml:"url" toml:"url"`
	Priority int    `yaml:"priority" toml:"priority"`
	Region   string `yaml:"region,omitempty" toml:"region"`
}

// IsEnabled reports whether the repository takes part in resolution.
// Repositories are enabled unless explicitly disabled.
func (r RepositorySpec) IsEnabled() bool {
	return derefBool(r.Enabled, true)
}

func derefBool(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
