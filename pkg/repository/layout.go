// pkg/repository/layout.go
package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/version"
)

// Files at the root of a repository
const (
	IndexFile     = "index.json"
	CatalogFile   = "catalog.json"
	CatalogXZFile = "catalog.json.xz"
)

// Index is the small document fetched first on every sync. It lists every
// published (name, version) with its update time.
type Index struct {
	Repository  string       `json:"repository"`
	Generation  int64        `json:"generation"`
	GeneratedAt time.Time    `json:"generated_at"`
	Packages    []IndexEntry `json:"packages"`
	Keys        []string     `json:"keys,omitempty"`
}

// IndexEntry is one published package version
type IndexEntry struct {
	Name      string          `json:"name"`
	Version   version.Version `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Size      int64           `json:"size"` // bytes of meta/<name>/<version>.json
}

// Ref names a package version
type Ref struct {
	Name    string          `json:"name"`
	Version version.Version `json:"version"`
}

func (r Ref) String() string {
	return r.Name + "@" + r.Version.String()
}

// CatalogDelta lists what changed between two generations
type CatalogDelta struct {
	Repository string              `json:"repository"`
	From       int64               `json:"from"`
	To         int64               `json:"to"`
	Updated    []*metadata.Package `json:"updated"`
	Removed    []Ref               `json:"removed"`
}

// MetaPath is the per-package metadata document
func MetaPath(name string, v version.Version) string {
	return "meta/" + name + "/" + v.String() + ".json"
}

// CatalogDeltaPath is the catalog delta from generation from to the next
func CatalogDeltaPath(from int64) string {
	return fmt.Sprintf("catalog-delta/%d.json", from)
}

// KeyPath is a published public key
func KeyPath(id string) string {
	return "keys/" + id + ".pub"
}

func joinURL(base, rel string) string {
	return strings.TrimRight(base, "/") + "/" + rel
}
