package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/types"
)

func nodesFromEdges(ids []string, deps map[string][]string) []Node {
	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, Node{ID: id, AgentID: "a", Action: "run", DependsOn: deps[id]})
	}
	return nodes
}

func TestTiers_LinearChain(t *testing.T) {
	nodes := nodesFromEdges([]string{"a", "b", "c"}, map[string][]string{
		"b": {"a"},
		"c": {"b"},
	})

	tiers, err := Tiers(nodes)
	require.NoError(t, err)
	assert.Equal(t, []Tier{{"a"}, {"b"}, {"c"}}, tiers)
}

func TestTiers_Diamond(t *testing.T) {
	nodes := nodesFromEdges([]string{"fetch", "lint", "test", "deploy"}, map[string][]string{
		"lint":   {"fetch"},
		"test":   {"fetch"},
		"deploy": {"lint", "test"},
	})

	tiers, err := Tiers(nodes)
	require.NoError(t, err)
	assert.Equal(t, []Tier{{"fetch"}, {"lint", "test"}, {"deploy"}}, tiers)
}

func TestTiers_TierSortedAscending(t *testing.T) {
	nodes := nodesFromEdges([]string{"z", "m", "a"}, nil)

	tiers, err := Tiers(nodes)
	require.NoError(t, err)
	require.Len(t, tiers, 1)
	assert.Equal(t, Tier{"a", "m", "z"}, tiers[0])
}

func TestTiers_EmptyNodeSet(t *testing.T) {
	tiers, err := Tiers(nil)
	require.NoError(t, err)
	assert.Empty(t, tiers)
}

func TestTiers_CycleReported(t *testing.T) {
	nodes := nodesFromEdges([]string{"a", "b", "c", "d"}, map[string][]string{
		"b": {"a", "d"},
		"c": {"b"},
		"d": {"c"},
	})

	_, err := Tiers(nodes)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	// a is orderable; the cycle members are reported sorted.
	assert.Equal(t, []string{"b", "c", "d"}, cycleErr.Remaining)
	assert.Contains(t, cycleErr.Error(), "cycle detected")
}

func TestTiers_MalformedGraphs(t *testing.T) {
	tests := []struct {
		name  string
		nodes []Node
		want  string
	}{
		{
			name:  "empty node id",
			nodes: []Node{{ID: ""}},
			want:  "empty id",
		},
		{
			name:  "duplicate node id",
			nodes: []Node{{ID: "a"}, {ID: "a"}},
			want:  "duplicate node id",
		},
		{
			name:  "self loop",
			nodes: []Node{{ID: "a", DependsOn: []string{"a"}}},
			want:  "depends on itself",
		},
		{
			name:  "duplicate edge",
			nodes: []Node{{ID: "a"}, {ID: "b", DependsOn: []string{"a", "a"}}},
			want:  "duplicate edge",
		},
		{
			name:  "unknown dependency",
			nodes: []Node{{ID: "a", DependsOn: []string{"ghost"}}},
			want:  "unknown node",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Tiers(tt.nodes)
			require.Error(t, err)
			var appErr *types.Error
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, types.ErrMalformedGraph, appErr.Code)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTiers_Deterministic(t *testing.T) {
	nodes := nodesFromEdges([]string{"e", "d", "c", "b", "a"}, map[string][]string{
		"c": {"a", "b"},
		"d": {"c"},
		"e": {"c"},
	})

	first, err := Tiers(nodes)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Tiers(nodes)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
