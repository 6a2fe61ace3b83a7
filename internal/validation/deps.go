// Package validation guards the NL-to-SQL path: layered query validation
// and dependency ordering for decomposed sub-questions.
package validation

import (
	"fmt"
	"strings"
)

// DependencyNode is one decomposed sub-question with the IDs it depends on.
type DependencyNode struct {
	ID        string
	DependsOn []string
}

// SortResult carries the execution order for sub-questions. When the
// declared dependencies contain a cycle the order falls back to arrival
// order for the entangled nodes and Warning is set; callers proceed with
// the order either way.
type SortResult struct {
	Order    []string
	HasCycle bool
	Warning  string
}

// SortByDependencies topologically sorts nodes with Kahn's algorithm.
// Self-dependencies and references to unknown IDs are ignored. Cycles do
// not fail the sort: the remaining nodes are appended in arrival order.
func SortByDependencies(nodes []DependencyNode) SortResult {
	if len(nodes) == 0 {
		return SortResult{Order: []string{}}
	}

	known := make(map[string]bool, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
		if _, ok := inDegree[n.ID]; !ok {
			inDegree[n.ID] = 0
		}
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID || !known[dep] {
				continue
			}
			dependents[dep] = append(dependents[dep], n.ID)
			inDegree[n.ID]++
		}
	}

	// Seed with zero in-degree nodes in arrival order.
	var queue []string
	seeded := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if inDegree[n.ID] == 0 && !seeded[n.ID] {
			seeded[n.ID] = true
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(nodes))
	emitted := make(map[string]bool, len(nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if emitted[current] {
			continue
		}
		emitted[current] = true
		order = append(order, current)
		for _, dep := range dependents[current] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) == len(known) {
		return SortResult{Order: order}
	}

	// Cycle: emit the stuck nodes in arrival order so execution can still
	// proceed deterministically.
	var stuck []string
	for _, n := range nodes {
		if !emitted[n.ID] {
			emitted[n.ID] = true
			stuck = append(stuck, n.ID)
			order = append(order, n.ID)
		}
	}
	return SortResult{
		Order:    order,
		HasCycle: true,
		Warning:  fmt.Sprintf("circular dependency between sub-questions %s; using arrival order", strings.Join(stuck, ", ")),
	}
}
