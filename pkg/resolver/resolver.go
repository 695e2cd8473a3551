// pkg/resolver/resolver.go

// Package resolver turns install requests into an ordered installation
// plan, or reports every conflict that prevents one.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/graph"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/arc-language/mpkg/pkg/platform"
	"github.com/arc-language/mpkg/pkg/version"
	"github.com/charmbracelet/log"
)

// maxRestarts bounds re-selection passes
const maxRestarts = 64

// Candidate is one installable package version and where it comes from
type Candidate struct {
	Package      *metadata.Package
	Repository   string
	RepoPriority int
}

// Catalog supplies candidates from the enabled repositories
type Catalog interface {
	// Candidates returns every version of name
	Candidates(name string) []Candidate
	// Providers returns packages whose provides list names name
	Providers(name string) []Candidate
}

// Request asks for a package satisfying a constraint
type Request struct {
	Name       string
	Constraint version.Constraint
}

func (r Request) String() string {
	if r.Constraint.IsAny() {
		return r.Name
	}
	return r.Name + " " + r.Constraint.String()
}

// Options tune a resolution
type Options struct {
	// Architecture filters candidates; empty accepts every architecture
	Architecture platform.Architecture
	// Upgrade resolves requested names even when an installed version
	// already satisfies the request
	Upgrade bool
}

// Reason explains why an entry is in a plan
type Reason string

const (
	ReasonRequested  Reason = "requested"
	ReasonDependency Reason = "dependency"
)

// Entry is one package scheduled for installation
type Entry struct {
	Package    *metadata.Package
	Repository string
	Reason     Reason
	Replaces   *version.Version // installed version being replaced
	Deps       []string         // resolved dependency names, planned or installed
}

// Plan lists entries in install order, dependencies first
type Plan struct {
	Entries []Entry
}

// Empty reports whether there is nothing to do
func (p *Plan) Empty() bool { return p == nil || len(p.Entries) == 0 }

// Find returns the entry for name
func (p *Plan) Find(name string) (*Entry, bool) {
	for i := range p.Entries {
		if p.Entries[i].Package.Name == name {
			return &p.Entries[i], true
		}
	}
	return nil, false
}

// String renders the plan one entry per line
func (p *Plan) String() string {
	var b strings.Builder
	for _, e := range p.Entries {
		fmt.Fprintf(&b, "%s %s (%s", e.Package.Name, e.Package.Version, e.Repository)
		if e.Replaces != nil {
			fmt.Fprintf(&b, ", replaces %s", e.Replaces)
		}
		b.WriteString(")\n")
	}
	return b.String()
}

// Resolver computes plans against a catalog
type Resolver struct {
	catalog Catalog
	log     *log.Logger
}

// New returns a resolver over catalog
func New(catalog Catalog, logger *log.Logger) *Resolver {
	return &Resolver{catalog: catalog, log: core.LoggerOr(logger).WithPrefix("resolver")}
}

// requirement is a constraint on a package, made by the package "by" at
// version "at"; "at" is empty for requests
type requirement struct {
	by string
	at string
	c  version.Constraint
}

// pass holds the state of one worklist expansion
type pass struct {
	r         *Resolver
	opts      Options
	installed map[string]*metadata.InstalledStatus
	requested map[string]bool
	hints     map[string][]requirement

	reqs     map[string][]requirement
	selected map[string]Candidate
	kept     map[string]bool // installed names satisfying every requirement
	order    []string
	edges    map[string][]string
	queue    []string

	missing   map[string][]string
	versioned map[string]bool
	conflicts []core.Conflict
	restart   string
}

// Resolve computes the plan for reqs given the installed set
func (r *Resolver) Resolve(ctx context.Context, reqs []Request, installed map[string]*metadata.InstalledStatus, opts Options) (*Plan, error) {
	sorted := append([]Request(nil), reqs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	hints := make(map[string][]requirement)
	for attempt := 0; ; attempt++ {
		p := &pass{
			r:         r,
			opts:      opts,
			installed: installed,
			requested: make(map[string]bool),
			hints:     hints,
			reqs:      make(map[string][]requirement),
			selected:  make(map[string]Candidate),
			kept:      make(map[string]bool),
			edges:     make(map[string][]string),
			missing:   make(map[string][]string),
			versioned: make(map[string]bool),
		}
		if err := p.run(ctx, sorted); err != nil {
			return nil, err
		}
		if p.restart == "" {
			return p.plan()
		}
		if attempt >= maxRestarts {
			return nil, core.Errorf(core.ErrVersionConflict, "resolve", p.restart, "", "no stable selection after %d passes", maxRestarts)
		}
		r.log.Debug("restarting resolution with narrowed constraints", "package", p.restart, "constraints", len(hints[p.restart]))
	}
}

func (p *pass) run(ctx context.Context, reqs []Request) error {
	for _, rq := range reqs {
		p.requested[rq.Name] = true
	}
	for _, rq := range reqs {
		p.require("request", rq.Name, rq.Constraint, false)
		if p.restart != "" {
			return nil
		}
	}
	for len(p.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := p.queue[0]
		p.queue = p.queue[1:]
		pkg := p.selected[name].Package
		for _, dep := range pkg.Dependencies {
			p.require(name, dep.Package, dep.Constraint, dep.Optional)
			if p.restart != "" {
				return nil
			}
		}
	}
	return nil
}

// constraintsFor gathers every constraint known for name: those seen in
// this pass, hints from earlier passes and installed dependents that are
// not themselves being replaced.
func (p *pass) constraintsFor(name string) []requirement {
	out := append([]requirement(nil), p.reqs[name]...)
	for _, h := range p.hints[name] {
		if p.live(h) && !containsReq(out, h) {
			out = append(out, h)
		}
	}
	for _, st := range sortedInstalled(p.installed) {
		if _, replaced := p.selected[st.Name]; replaced || p.requested[st.Name] && p.opts.Upgrade {
			continue
		}
		for _, d := range st.Dependencies {
			if d.Package == name && !d.Optional {
				rq := requirement{by: st.Name, at: st.Version.String(), c: d.Constraint}
				if !containsReq(out, rq) {
					out = append(out, rq)
				}
			}
		}
	}
	return out
}

// live reports whether a hint from an earlier pass still applies: its
// maker is either not selected yet or selected at the same version.
func (p *pass) live(h requirement) bool {
	cand, ok := p.selected[h.by]
	return !ok || h.at == "" || cand.Package.Version.String() == h.at
}

func (p *pass) require(by, name string, c version.Constraint, optional bool) {
	var at string
	if cand, ok := p.selected[by]; ok {
		at = cand.Package.Version.String()
	}
	if !optional {
		rq := requirement{by: by, at: at, c: c}
		if !containsReq(p.reqs[name], rq) {
			p.reqs[name] = append(p.reqs[name], rq)
		}
	}

	if target, ok := p.satisfiedBy(name, c); ok {
		p.edge(by, target)
		return
	}

	// Already chosen at a version this constraint rejects.
	if cand, ok := p.selected[name]; ok {
		if optional {
			return
		}
		all := p.constraintsFor(name)
		if best, ok := p.best(name, all); ok && !best.Package.Version.Equal(cand.Package.Version) {
			p.hints[name] = all
			p.restart = name
			return
		}
		p.versionConflict(name, all)
		return
	}

	// Kept at the installed version until now; every requirement seen so
	// far is in reqs, so an upgrade chosen below still satisfies them.
	if p.kept[name] {
		if optional {
			return
		}
		delete(p.kept, name)
	}

	all := p.constraintsFor(name)
	if optional {
		all = append(all, requirement{by: by, at: at, c: c})
	}
	if cand, ok := p.best(name, all); ok {
		if st, ok := p.installed[name]; ok && st.Installed && st.Version.Equal(cand.Package.Version) {
			p.kept[name] = true
			p.edge(by, name)
			return
		}
		p.selected[name] = cand
		p.order = append(p.order, name)
		p.queue = append(p.queue, name)
		p.edge(by, name)
		return
	}

	if prov, ok := p.provider(name, c); ok {
		if _, chosen := p.selected[prov.Package.Name]; !chosen {
			p.selected[prov.Package.Name] = prov
			p.order = append(p.order, prov.Package.Name)
			p.queue = append(p.queue, prov.Package.Name)
		}
		p.edge(by, prov.Package.Name)
		return
	}

	if optional {
		p.r.log.Debug("dropping unresolvable optional dependency", "package", by, "dependency", name)
		return
	}
	if len(p.r.candidates(name, p.opts)) > 0 && len(all) > 1 {
		p.versionConflict(name, all)
		return
	}
	if !contains(p.missing[name], by) {
		p.missing[name] = append(p.missing[name], by)
	}
}

// satisfiedBy finds a package already in the selection or the installed
// set that satisfies name and c, possibly through provides.
func (p *pass) satisfiedBy(name string, c version.Constraint) (string, bool) {
	if cand, ok := p.selected[name]; ok {
		return name, c.Matches(cand.Package.Version)
	}
	if st, ok := p.installed[name]; ok && st.Installed {
		upgrading := p.opts.Upgrade && p.requested[name]
		if !upgrading && c.Matches(st.Version) {
			p.kept[name] = true
			return name, true
		}
		if p.kept[name] && c.Matches(st.Version) {
			return name, true
		}
		return "", false
	}
	if len(p.r.candidates(name, p.opts)) > 0 {
		return "", false
	}

	// Virtual names
	for _, n := range p.order {
		for _, pv := range p.selected[n].Package.Provided() {
			if pv.Name == name && c.Matches(pv.Version) {
				return n, true
			}
		}
	}
	for _, st := range sortedInstalled(p.installed) {
		if _, replaced := p.selected[st.Name]; replaced {
			continue
		}
		for _, pv := range st.AsPackage().Provided() {
			if pv.Name == name && c.Matches(pv.Version) {
				return st.Name, true
			}
		}
	}
	return "", false
}

func (p *pass) edge(from, to string) {
	if from == "request" || from == to || contains(p.edges[from], to) {
		return
	}
	p.edges[from] = append(p.edges[from], to)
}

func (p *pass) versionConflict(name string, reqs []requirement) {
	if p.versioned[name] {
		return
	}
	p.versioned[name] = true
	c := core.Conflict{Package: name, Version: true}
	var cs []version.Constraint
	for _, rq := range reqs {
		c.Requirements = append(c.Requirements, core.Requirement{By: rq.by, Constraint: rq.c.String()})
		cs = append(cs, rq.c)
	}
	if iv, ok := version.Intersect(cs...); !ok {
		c.Reason = "constraints do not intersect"
	} else {
		c.Reason = fmt.Sprintf("no available version in %s", iv)
	}
	sort.Slice(c.Requirements, func(i, j int) bool {
		if c.Requirements[i].By != c.Requirements[j].By {
			return c.Requirements[i].By < c.Requirements[j].By
		}
		return c.Requirements[i].Constraint < c.Requirements[j].Constraint
	})
	p.conflicts = append(p.conflicts, c)
}

// best picks the highest version matching every requirement, preferring
// the repository with the smallest priority number on ties.
func (p *pass) best(name string, reqs []requirement) (Candidate, bool) {
	for _, cand := range p.r.candidates(name, p.opts) {
		ok := true
		for _, rq := range reqs {
			if !rq.c.Matches(cand.Package.Version) {
				ok = false
				break
			}
		}
		if ok {
			return cand, true
		}
	}
	return Candidate{}, false
}

func (p *pass) provider(name string, c version.Constraint) (Candidate, bool) {
	type scored struct {
		cand Candidate
		v    version.Version
	}
	var found []scored
	for _, cand := range p.r.catalog.Providers(name) {
		if !p.compatible(cand) {
			continue
		}
		for _, pv := range cand.Package.Provided() {
			if pv.Name == name && c.Matches(pv.Version) {
				found = append(found, scored{cand, pv.Version})
				break
			}
		}
	}
	if len(found) == 0 {
		return Candidate{}, false
	}
	sort.SliceStable(found, func(i, j int) bool {
		if o := version.Compare(found[i].v, found[j].v); o != version.Equal {
			return o == version.Greater
		}
		return candidateLess(found[i].cand, found[j].cand)
	})
	return found[0].cand, true
}

func (p *pass) compatible(c Candidate) bool {
	return p.opts.Architecture == "" || platform.Compatible(c.Package.Architecture, p.opts.Architecture)
}

// candidates returns the compatible versions of name, best first
func (r *Resolver) candidates(name string, opts Options) []Candidate {
	all := r.catalog.Candidates(name)
	out := make([]Candidate, 0, len(all))
	for _, c := range all {
		if c.Package.Name != name {
			continue
		}
		if opts.Architecture != "" && !platform.Compatible(c.Package.Architecture, opts.Architecture) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return candidateLess(out[i], out[j]) })
	return out
}

func candidateLess(a, b Candidate) bool {
	if o := version.Compare(a.Package.Version, b.Package.Version); o != version.Equal {
		return o == version.Greater
	}
	if a.RepoPriority != b.RepoPriority {
		return a.RepoPriority < b.RepoPriority
	}
	if a.Repository != b.Repository {
		return a.Repository < b.Repository
	}
	return a.Package.Name < b.Package.Name
}

// declaredConflicts checks every pair in the selection plus the installed
// set; a declared conflict is total, versions are ignored.
func (p *pass) declaredConflicts() {
	final := make(map[string]*metadata.Package)
	for name, st := range p.installed {
		if st.Installed {
			final[name] = st.AsPackage()
		}
	}
	for name, cand := range p.selected {
		final[name] = cand.Package
	}

	seen := make(map[[2]string]bool)
	for _, name := range p.order {
		pkg := p.selected[name].Package
		for other, op := range final {
			if other == name {
				continue
			}
			if !contains(pkg.Conflicts, other) && !contains(op.Conflicts, name) {
				continue
			}
			pair := [2]string{name, other}
			if pair[1] < pair[0] {
				pair[0], pair[1] = pair[1], pair[0]
			}
			if seen[pair] {
				continue
			}
			seen[pair] = true
			p.conflicts = append(p.conflicts, core.Conflict{Package: pair[0], With: pair[1]})
		}
	}
}

func (p *pass) plan() (*Plan, error) {
	p.declaredConflicts()

	var errs []error
	if len(p.conflicts) > 0 {
		sort.SliceStable(p.conflicts, func(i, j int) bool { return p.conflicts[i].String() < p.conflicts[j].String() })
		errs = append(errs, &core.ConflictError{Op: "resolve", Conflicts: p.conflicts})
	}
	missing := make([]string, 0, len(p.missing))
	for name := range p.missing {
		missing = append(missing, name)
	}
	sort.Strings(missing)
	for _, name := range missing {
		errs = append(errs, core.Errorf(core.ErrPackageNotFound, "resolve", name, "",
			"no matching version (required by %s)", strings.Join(p.missing[name], ", ")))
	}
	if len(errs) == 1 {
		return nil, errs[0]
	}
	if len(errs) > 1 {
		return nil, errors.Join(errs...)
	}

	g := graph.New()
	for _, name := range p.order {
		g.AddNode(name)
		for _, dep := range p.edges[name] {
			g.AddEdge(name, dep)
		}
	}
	order, err := g.TopoOrder(p.order, func(a, b string) bool {
		ra := p.selected[a].Package.Priority.Rank()
		rb := p.selected[b].Package.Priority.Rank()
		if ra != rb {
			return ra < rb
		}
		return a < b
	})
	if err != nil {
		return nil, core.Wrap(core.ErrConsistencyViolation, "resolve", "", "", err)
	}

	plan := &Plan{}
	for _, name := range order {
		cand := p.selected[name]
		e := Entry{
			Package:    cand.Package,
			Repository: cand.Repository,
			Reason:     ReasonDependency,
			Deps:       append([]string(nil), p.edges[name]...),
		}
		sort.Strings(e.Deps)
		if p.requested[name] {
			e.Reason = ReasonRequested
		}
		if st, ok := p.installed[name]; ok && st.Installed {
			v := st.Version
			e.Replaces = &v
		}
		plan.Entries = append(plan.Entries, e)
	}
	return plan, nil
}

func sortedInstalled(in map[string]*metadata.InstalledStatus) []*metadata.InstalledStatus {
	out := make([]*metadata.InstalledStatus, 0, len(in))
	for _, st := range in {
		if st.Installed {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func containsReq(list []requirement, rq requirement) bool {
	for _, r := range list {
		if r.by == rq.by && r.at == rq.at && r.c == rq.c {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
