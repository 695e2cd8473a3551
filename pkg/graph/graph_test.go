package graph

import (
	"errors"
	"testing"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain() *Graph {
	g := New()
	g.AddEdge("A", "B")
	g.AddEdge("B", "C")
	g.AddEdge("D", "C")
	return g
}

func TestEdgesAreMutuallyInverse(t *testing.T) {
	g := chain()
	require.NoError(t, g.CheckInverse())
	assert.Equal(t, []string{"B"}, g.DepsOf("A"))
	assert.Equal(t, []string{"B", "D"}, g.DependentsOf("C"))

	g.RemoveEdge("D", "C")
	require.NoError(t, g.CheckInverse())
	assert.Equal(t, []string{"B"}, g.DependentsOf("C"))
	assert.True(t, g.Has("D"))

	g.RemoveNode("B")
	require.NoError(t, g.CheckInverse())
	assert.Empty(t, g.DepsOf("A"))
	assert.Empty(t, g.DependentsOf("C"))
	assert.Equal(t, []string{"A", "C", "D"}, g.Nodes())
}

func TestCheckInverseDetectsDrift(t *testing.T) {
	g := chain()
	delete(g.dependents["C"], "B")
	assert.ErrorIs(t, g.CheckInverse(), core.ErrConsistencyViolation)
}

func TestTransitiveDependents(t *testing.T) {
	g := chain()
	assert.Equal(t, []string{"A", "B", "D"}, g.TransitiveDependents("C"))
	assert.Empty(t, g.TransitiveDependents("A"))
}

func TestFindCycle(t *testing.T) {
	g := chain()
	assert.Nil(t, g.FindCycle())
	g.AddEdge("C", "A")
	assert.Equal(t, []string{"A", "B", "C", "A"}, g.FindCycle())
}

func TestBatchRevertsOnCycle(t *testing.T) {
	g := chain()
	err := g.Batch(func(b *Graph) error {
		b.AddEdge("X", "A")
		b.AddEdge("C", "A")
		return nil
	})
	assert.ErrorIs(t, err, core.ErrConsistencyViolation)
	assert.False(t, g.Has("X"))
	assert.Nil(t, g.FindCycle())

	boom := errors.New("boom")
	assert.ErrorIs(t, g.Batch(func(b *Graph) error {
		b.RemoveNode("A")
		return boom
	}), boom)
	assert.True(t, g.Has("A"))

	require.NoError(t, g.Batch(func(b *Graph) error {
		b.AddEdge("E", "A")
		return nil
	}))
	assert.Equal(t, []string{"E"}, g.DependentsOf("A"))
	require.NoError(t, g.CheckInverse())
}

func TestTopoOrder(t *testing.T) {
	g := chain()
	order, err := g.TopoOrder([]string{"A", "B", "C", "D"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A", "D"}, order)

	// Edges to names outside the set are ignored.
	order, err = g.TopoOrder([]string{"A", "D"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "D"}, order)

	rank := map[string]int{"D": 0, "B": 1}
	order, err = g.TopoOrder([]string{"B", "C", "D"}, func(a, b string) bool {
		if rank[a] != rank[b] {
			return rank[a] < rank[b]
		}
		return a < b
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "D", "B"}, order)
}

func TestTopoOrderCycle(t *testing.T) {
	g := chain()
	g.AddEdge("C", "A")
	_, err := g.TopoOrder([]string{"A", "B", "C"}, nil)
	assert.ErrorIs(t, err, core.ErrConsistencyViolation)
}
