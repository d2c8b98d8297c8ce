package plan

import (
	"sort"

	"github.com/msageha/phasegate/internal/model"
)

// ValidateTaskDAG topologically orders work items by depends_on.
func ValidateTaskDAG(ids []string, dependsOn map[string][]string) ([]string, error) {
	return validateDAG(ids, dependsOn)
}

// ValidatePhaseDAG topologically orders phases by prerequisites.
func ValidatePhaseDAG(phaseIDs []string, prerequisites map[string][]string) ([]string, error) {
	return validateDAG(phaseIDs, prerequisites)
}

// validateDAG runs Kahn's algorithm; ties keep declaration order. On a
// cycle the path is recovered with a DFS and reported as a
// *model.ConfigurationError.
func validateDAG(nodeNames []string, edges map[string][]string) ([]string, error) {
	if len(nodeNames) == 0 {
		return nil, nil
	}

	position := make(map[string]int, len(nodeNames))
	for i, n := range nodeNames {
		position[n] = i
	}

	inDegree := make(map[string]int, len(nodeNames))
	forward := make(map[string][]string)
	for _, n := range nodeNames {
		inDegree[n] = 0
	}
	for _, node := range nodeNames {
		for _, dep := range edges[node] {
			if _, ok := position[dep]; !ok {
				continue // unknown refs are reported by field validation
			}
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	var queue []string
	for _, n := range nodeNames {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	sorted := make([]string, 0, len(nodeNames))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		var ready []string
		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		queue = append(queue, ready...)
	}

	if len(sorted) == len(nodeNames) {
		return sorted, nil
	}

	return nil, &model.ConfigurationError{
		Reason:    "circular dependency detected",
		CyclePath: findCyclePath(nodeNames, edges, inDegree),
	}
}

// findCyclePath finds a cycle among the nodes Kahn could not release.
func findCyclePath(nodeNames []string, edges map[string][]string, inDegree map[string]int) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int)
	parent := make(map[string]string)
	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if color[dep] == gray {
				cyclePath = []string{dep}
				for current := node; current != dep; current = parent[current] {
					cyclePath = append(cyclePath, current)
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, n := range nodeNames {
		if inDegree[n] > 0 && color[n] == white && dfs(n) {
			return cyclePath
		}
	}
	return []string{"(cycle detected)"}
}
