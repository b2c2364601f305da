package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/weftlabs/weft/types"
)

// Tier is a maximal set of nodes with no dependency between them, all
// ready to dispatch concurrently. Node ids are sorted ascending for
// deterministic output.
type Tier []string

// CycleError reports a dependency cycle. Remaining holds the node ids
// that could not be ordered, sorted ascending.
type CycleError struct {
	Remaining []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected among nodes: %s", strings.Join(e.Remaining, ", "))
}

// Tiers validates the node set and produces a deterministic topological
// order grouped into parallel tiers via Kahn's algorithm: every pass
// extracts all nodes whose remaining in-degree is zero into one tier.
//
// Malformed graphs (duplicate node ids, self-loops, duplicate edges,
// unknown dependency references) are rejected outright rather than
// silently repaired. A cycle yields a *CycleError with the unresolved
// node set.
func Tiers(nodes []Node) ([]Tier, error) {
	byID := make(map[string]*Node, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			return nil, types.NewError(types.ErrMalformedGraph, "node with empty id")
		}
		if _, dup := byID[n.ID]; dup {
			return nil, types.Newf(types.ErrMalformedGraph, "duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
	}

	// dependents[d] lists nodes that depend on d.
	dependents := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	for id := range byID {
		inDegree[id] = 0
	}
	for i := range nodes {
		n := &nodes[i]
		seen := make(map[string]bool, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return nil, types.Newf(types.ErrMalformedGraph, "node %q depends on itself", n.ID)
			}
			if seen[dep] {
				return nil, types.Newf(types.ErrMalformedGraph, "duplicate edge %s -> %s", dep, n.ID)
			}
			seen[dep] = true
			if _, known := byID[dep]; !known {
				return nil, types.Newf(types.ErrMalformedGraph, "node %q depends on unknown node %q", n.ID, dep)
			}
			dependents[dep] = append(dependents[dep], n.ID)
			inDegree[n.ID]++
		}
	}

	var tiers []Tier
	remaining := len(byID)
	for remaining > 0 {
		var tier Tier
		for id, deg := range inDegree {
			if deg == 0 {
				tier = append(tier, id)
			}
		}
		if len(tier) == 0 {
			unresolved := make([]string, 0, remaining)
			for id, deg := range inDegree {
				if deg > 0 {
					unresolved = append(unresolved, id)
				}
			}
			sort.Strings(unresolved)
			return nil, &CycleError{Remaining: unresolved}
		}
		sort.Strings(tier)
		for _, id := range tier {
			delete(inDegree, id)
			for _, dep := range dependents[id] {
				if _, active := inDegree[dep]; active {
					inDegree[dep]--
				}
			}
		}
		remaining -= len(tier)
		tiers = append(tiers, tier)
	}

	return tiers, nil
}
