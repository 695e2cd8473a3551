// pkg/transaction/remove.go
package transaction

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/installdb"
	"github.com/arc-language/mpkg/pkg/metadata"
)

func (t *Transaction) runRemove(ctx context.Context) error {
	targets, err := t.removalSet()
	if err != nil {
		return t.fail(ctx, PhaseCheck, err)
	}
	if len(targets) == 0 {
		t.record(LevelInfo, PhaseCheck, "", "", "nothing to do")
		t.markCommitted()
		return nil
	}

	for _, st := range targets {
		if err := t.runScript(ctx, st.Name, st.Version.String(), removeScript(st, false), "pre_remove"); err != nil {
			return t.fail(ctx, PhasePreScript, err)
		}
	}
	for _, st := range targets {
		ver := st.Version.String()
		for _, f := range st.Files {
			if err := ctx.Err(); err != nil {
				return t.fail(ctx, PhaseApply, err)
			}
			if err := t.removeFile(st.Name, ver, f); err != nil {
				return t.fail(ctx, PhaseApply, err)
			}
		}
		t.record(LevelInfo, PhaseApply, st.Name, ver, fmt.Sprintf("removed %d files", len(st.Files)))
	}
	for _, st := range targets {
		if err := t.runScript(ctx, st.Name, st.Version.String(), removeScript(st, true), "post_remove"); err != nil {
			return t.fail(ctx, PhasePostScript, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return t.fail(ctx, PhaseCommit, err)
	}

	err = t.deps.Store.Update(context.WithoutCancel(ctx), func(m *installdb.Mutation) error {
		for _, st := range targets {
			m.Delete(st.Name)
		}
		return nil
	})
	if err != nil {
		return t.fail(ctx, PhaseCommit, err)
	}
	t.markCommitted()
	for _, st := range targets {
		t.record(LevelInfo, PhaseCommit, st.Name, st.Version.String(), "removed")
	}
	return nil
}

// removalSet returns the records to remove, dependents first. Without
// force, installed dependents outside the set are a dependency conflict.
func (t *Transaction) removalSet() ([]*metadata.InstalledStatus, error) {
	set := make(map[string]bool, len(t.names))
	for _, n := range t.names {
		if _, ok := t.deps.Store.Get(n); !ok {
			return nil, core.Errorf(core.ErrPackageNotFound, PhaseCheck, n, "", "not installed")
		}
		set[n] = true
	}

	if t.force {
		for _, n := range t.names {
			for _, d := range t.deps.Store.TransitiveDependents(n) {
				if !set[d] {
					set[d] = true
					t.record(LevelWarn, PhaseCheck, d, "", "removed because it depends on "+n)
				}
			}
		}
	} else {
		var conflicts []core.Conflict
		for _, n := range t.names {
			for _, d := range t.deps.Store.DependentsOf(n) {
				if !set[d] {
					conflicts = append(conflicts, core.Conflict{Package: n, With: d, Reason: d + " depends on " + n})
				}
			}
		}
		if len(conflicts) > 0 {
			sort.Slice(conflicts, func(i, j int) bool {
				if conflicts[i].Package != conflicts[j].Package {
					return conflicts[i].Package < conflicts[j].Package
				}
				return conflicts[i].With < conflicts[j].With
			})
			return nil, &core.ConflictError{Op: string(KindRemove), Conflicts: conflicts}
		}
	}

	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	order, err := t.deps.Store.Graph().TopoOrder(names, nil)
	if err != nil {
		return nil, err
	}
	slices.Reverse(order)

	out := make([]*metadata.InstalledStatus, 0, len(order))
	for _, n := range order {
		st, _ := t.deps.Store.Get(n)
		out = append(out, st)
	}
	return out, nil
}

func removeScript(st *metadata.InstalledStatus, post bool) string {
	if st.Scripts == nil {
		return ""
	}
	if post {
		return st.Scripts.PostRemove
	}
	return st.Scripts.PreRemove
}
