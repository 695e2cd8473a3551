// pkg/search/search.go

// Package search ranks catalog packages against a query
package search

import (
	"sort"
	"strings"

	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/resolver"
	"github.com/arc-language/mpkg/pkg/version"
)

// Scores added per matching field
const (
	ScoreExactName   = 100
	ScoreNameSubstr  = 80
	ScoreDescription = 50
	ScoreTag         = 30
)

// Result is one ranked package
type Result struct {
	Package    *metadata.Package
	Repository string
	Score      int
}

// Score rates pkg against query, case-insensitively. An exact name match
// replaces the name substring score; the other fields add up.
func Score(pkg *metadata.Package, query string) int {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	name := strings.ToLower(pkg.Name)
	score := 0
	switch {
	case name == q:
		score += ScoreExactName
	case strings.Contains(name, q):
		score += ScoreNameSubstr
	}
	if strings.Contains(strings.ToLower(pkg.Description), q) {
		score += ScoreDescription
	}
	for _, tag := range pkg.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			score += ScoreTag
			break
		}
	}
	return score
}

// Search returns matching packages, highest score first, ties broken by
// (priority, name). Each name appears once, at its highest version from
// the preferred repository. An empty query lists everything.
func Search(query string, candidates []resolver.Candidate) []Result {
	best := make(map[string]resolver.Candidate)
	for _, c := range candidates {
		cur, ok := best[c.Package.Name]
		if !ok || better(c, cur) {
			best[c.Package.Name] = c
		}
	}

	empty := strings.TrimSpace(query) == ""
	out := make([]Result, 0, len(best))
	for _, c := range best {
		s := Score(c.Package, query)
		if s == 0 && !empty {
			continue
		}
		out = append(out, Result{Package: c.Package, Repository: c.Repository, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		ri, rj := out[i].Package.Priority.Rank(), out[j].Package.Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].Package.Name < out[j].Package.Name
	})
	return out
}

func better(a, b resolver.Candidate) bool {
	if o := version.Compare(a.Package.Version, b.Package.Version); o != version.Equal {
		return o == version.Greater
	}
	if a.RepoPriority != b.RepoPriority {
		return a.RepoPriority < b.RepoPriority
	}
	return a.Repository < b.Repository
}
