// pkg/metadata/types.go
package metadata

import (
	"encoding/json"
	"io/fs"
	"strings"
	"time"

	"github.com/arc-language/mpkg/pkg/version"
)

// Priority ranks packages for ordering ties
type Priority string

const (
	PriorityRequired  Priority = "required"
	PriorityImportant Priority = "important"
	PriorityStandard  Priority = "standard"
	PriorityOptional  Priority = "optional"
	PriorityExtra     Priority = "extra"
)

// Rank orders priorities, required first. Unset sorts as standard.
func (p Priority) Rank() int {
	switch p {
	case PriorityRequired:
		return 0
	case PriorityImportant:
		return 1
	case PriorityStandard, "":
		return 2
	case PriorityOptional:
		return 3
	case PriorityExtra:
		return 4
	}
	return 5
}

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	return p == "" || p.Rank() < 5
}

// Dependency on another package
type Dependency struct {
	Package    string             `json:"package"`
	Constraint version.Constraint `json:"constraint"`
	Optional   bool               `json:"optional,omitempty"`
}

func (d Dependency) String() string {
	s := d.Package
	if !d.Constraint.IsAny() {
		s += " " + d.Constraint.String()
	}
	if d.Optional {
		s += " (optional)"
	}
	return s
}

// Signature over the package metadata
type Signature struct {
	Algorithm string `json:"algorithm"` // ed25519 or openpgp
	KeyID     string `json:"key_id"`
	Data      []byte `json:"data"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// File declared by a package
type File struct {
	Path     string      `json:"path"`
	Size     int64       `json:"size"`
	Mode     fs.FileMode `json:"mode"`
	Owner    string      `json:"owner,omitempty"`
	Group    string      `json:"group,omitempty"`
	Checksum Checksum    `json:"checksum"`
}

// Scripts run around install, remove and update
type Scripts struct {
	PreInstall  string `json:"pre_install,omitempty"`
	PostInstall string `json:"post_install,omitempty"`
	PreRemove   string `json:"pre_remove,omitempty"`
	PostRemove  string `json:"post_remove,omitempty"`
	PreUpdate   string `json:"pre_update,omitempty"`
	PostUpdate  string `json:"post_update,omitempty"`
}

// Delta announces a binary patch from BaseVersion to TargetVersion
type Delta struct {
	TargetVersion    version.Version `json:"target_version"`
	BaseVersion      version.Version `json:"base_version"`
	Algorithm        string          `json:"algorithm"`
	DeltaSize        int64           `json:"delta_size"`
	FullSize         int64           `json:"full_size"`
	CompressionRatio float64         `json:"compression_ratio"`
	DeltaChecksum    Checksum        `json:"checksum_of_delta"`
	ResultChecksum   Checksum        `json:"checksum_of_result"`
	Path             string          `json:"path,omitempty"` // relative to the repository base
}

// Package metadata as published by a repository
type Package struct {
	Name         string          `json:"name"`
	Version      version.Version `json:"version"`
	Description  string          `json:"description,omitempty"`
	Maintainer   string          `json:"maintainer,omitempty"`
	Architecture string          `json:"architecture"`
	Size         int64           `json:"size"`
	Dependencies []Dependency    `json:"dependencies,omitempty"`
	Conflicts    []string        `json:"conflicts,omitempty"`
	Provides     []string        `json:"provides,omitempty"`
	License      string          `json:"license,omitempty"`
	Homepage     string          `json:"homepage,omitempty"`
	Checksum     Checksum        `json:"checksum"`
	Signature    *Signature      `json:"signature,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Priority     Priority        `json:"priority,omitempty"`
	Files        []File          `json:"files,omitempty"`
	Scripts      *Scripts        `json:"scripts,omitempty"`
	Deltas       []Delta         `json:"deltas,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Path         string          `json:"path,omitempty"` // archive path relative to the repository base
}

// ID returns name@version
func (p *Package) ID() string {
	return p.Name + "@" + p.Version.String()
}

// ArchivePath is where the archive lives relative to the repository base
func (p *Package) ArchivePath() string {
	if p.Path != "" {
		return p.Path
	}
	return "packages/" + p.Name + "-" + p.Version.String() + ".mpkg"
}

// DeltaPath is where the delta archive lives relative to the repository base
func (p *Package) DeltaPath(d Delta) string {
	if d.Path != "" {
		return d.Path
	}
	return "deltas/" + p.Name + "/" + d.BaseVersion.String() + "-" + d.TargetVersion.String() + ".mdelta"
}

// Provided splits each provides entry "name[=version]". Entries without a
// version provide the package's own version.
func (p *Package) Provided() []Provide {
	out := make([]Provide, 0, len(p.Provides))
	for _, s := range p.Provides {
		name, ver, ok := strings.Cut(s, "=")
		pv := Provide{Name: strings.TrimSpace(name), Version: p.Version}
		if ok {
			if v, err := version.Parse(strings.TrimSpace(ver)); err == nil {
				pv.Version = v
			}
		}
		out = append(out, pv)
	}
	return out
}

// Provide is one virtual name satisfied by a package
type Provide struct {
	Name    string
	Version version.Version
}

// SigningBlob is the canonical byte form covered by the signature: the
// metadata JSON with the signature removed.
func (p *Package) SigningBlob() ([]byte, error) {
	cp := *p
	cp.Signature = nil
	return json.Marshal(&cp)
}

// Clone returns a deep-enough copy for independent mutation of slices
func (p *Package) Clone() *Package {
	cp := *p
	cp.Dependencies = append([]Dependency(nil), p.Dependencies...)
	cp.Conflicts = append([]string(nil), p.Conflicts...)
	cp.Provides = append([]string(nil), p.Provides...)
	cp.Tags = append([]string(nil), p.Tags...)
	cp.Files = append([]File(nil), p.Files...)
	cp.Deltas = append([]Delta(nil), p.Deltas...)
	if p.Scripts != nil {
		s := *p.Scripts
		cp.Scripts = &s
	}
	if p.Signature != nil {
		s := *p.Signature
		cp.Signature = &s
	}
	return &cp
}

// Catalog is the full metadata set of one repository
type Catalog struct {
	Repository  string     `json:"repository"`
	Generation  int64      `json:"generation"`
	GeneratedAt time.Time  `json:"generated_at"`
	Packages    []*Package `json:"packages"`
}

// InstalledFile records a file written by a package and its checksum at
// install time
type InstalledFile struct {
	Path     string      `json:"path"`
	Checksum Checksum    `json:"checksum"`
	Mode     fs.FileMode `json:"mode"`
	Owner    string      `json:"owner,omitempty"`
	Group    string      `json:"group,omitempty"`
}

// InstalledStatus is the installed-set record for one package name
type InstalledStatus struct {
	Name         string          `json:"name"`
	Installed    bool            `json:"installed"`
	Version      version.Version `json:"version"`
	InstalledAt  time.Time       `json:"installed_at"`
	Size         int64           `json:"size"`
	Description  string          `json:"description,omitempty"`
	Files        []InstalledFile `json:"files"`
	Repository   string          `json:"repository,omitempty"`
	Checksum     Checksum        `json:"checksum"`
	Dependencies []Dependency    `json:"dependencies,omitempty"`
	Conflicts    []string        `json:"conflicts,omitempty"`
	Provides     []string        `json:"provides,omitempty"`
	Priority     Priority        `json:"priority,omitempty"`
	Scripts      *Scripts        `json:"scripts,omitempty"`
	Explicit     bool            `json:"explicit"` // requested by the user rather than pulled in
}

// ID returns name@version
func (s *InstalledStatus) ID() string {
	return s.Name + "@" + s.Version.String()
}

// AsPackage returns the metadata view of an installed record
func (s *InstalledStatus) AsPackage() *Package {
	p := &Package{
		Name:         s.Name,
		Version:      s.Version,
		Description:  s.Description,
		Size:         s.Size,
		Dependencies: s.Dependencies,
		Conflicts:    s.Conflicts,
		Provides:     s.Provides,
		Checksum:     s.Checksum,
		Priority:     s.Priority,
		Scripts:      s.Scripts,
	}
	for _, f := range s.Files {
		p.Files = append(p.Files, File{Path: f.Path, Mode: f.Mode, Owner: f.Owner, Group: f.Group, Checksum: f.Checksum})
	}
	return p
}

// NewInstalledStatus builds the record written when pkg is committed
func NewInstalledStatus(pkg *Package, repo string, explicit bool, at time.Time) *InstalledStatus {
	st := &InstalledStatus{
		Name:         pkg.Name,
		Installed:    true,
		Version:      pkg.Version,
		InstalledAt:  at,
		Size:         pkg.Size,
		Description:  pkg.Description,
		Repository:   repo,
		Checksum:     pkg.Checksum,
		Dependencies: pkg.Dependencies,
		Conflicts:    pkg.Conflicts,
		Provides:     pkg.Provides,
		Priority:     pkg.Priority,
		Scripts:      pkg.Scripts,
		Explicit:     explicit,
	}
	for _, f := range pkg.Files {
		st.Files = append(st.Files, InstalledFile{Path: f.Path, Checksum: f.Checksum, Mode: f.Mode, Owner: f.Owner, Group: f.Group})
	}
	return st
}
