// Package dag computes topological batches and lease-key conflict groups
// for a spec dependency graph, shared by the Orchestration Engine.
package dag

import (
	"sort"

	"sce.dev/auto/internal/apperr"
	"sce.dev/auto/internal/model"
)

// Batch groups specs into topological levels by Kahn's algorithm: batch k
// contains every spec whose dependencies are all satisfied by batches < k.
// Within a batch, specs are ordered lexicographically by name. Returns an
// error if the dependency graph contains a cycle.
func Batch(specs []model.Spec) ([][]string, error) {
	byName := make(map[string]model.Spec, len(specs))
	indegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))

	for _, s := range specs {
		byName[s.Name] = s
		if _, ok := indegree[s.Name]; !ok {
			indegree[s.Name] = 0
		}
	}
	for _, s := range specs {
		for _, dep := range s.Dependencies {
			if _, ok := byName[dep]; !ok {
				continue // dependency outside this run's input set is treated as already satisfied
			}
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	remaining := len(specs)
	var batches [][]string

	for remaining > 0 {
		var ready []string
		for name, deg := range indegree {
			if deg == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			return nil, apperr.SpecLayout("dependency graph contains a cycle", nil)
		}

		sort.Strings(ready)
		batches = append(batches, ready)

		for _, name := range ready {
			delete(indegree, name)
			remaining--
			for _, dependent := range dependents[name] {
				indegree[dependent]--
			}
		}
	}

	return batches, nil
}

// LeaseGroups buckets specs by leaseKey, keeping only keys shared by more
// than one spec — those are the conflict groups the Orchestration Engine
// must serialize regardless of maxParallel.
func LeaseGroups(specs []model.Spec) map[string][]string {
	byKey := make(map[string][]string)
	for _, s := range specs {
		byKey[s.LeaseKey] = append(byKey[s.LeaseKey], s.Name)
	}

	groups := make(map[string][]string)
	for key, names := range byKey {
		if len(names) > 1 {
			sort.Strings(names)
			groups[key] = names
		}
	}
	return groups
}

// BuildSchedulingPlan computes batches and lease groups together and
// records whether batching reordered the caller's original spec order.
func BuildSchedulingPlan(specs []model.Spec) (model.SchedulingPlan, error) {
	original := make([]string, len(specs))
	for i, s := range specs {
		original[i] = s.Name
	}

	batches, err := Batch(specs)
	if err != nil {
		return model.SchedulingPlan{}, err
	}

	var reordered []string
	for _, batch := range batches {
		reordered = append(reordered, batch...)
	}

	autoReordered := false
	for i, name := range reordered {
		if i >= len(original) || original[i] != name {
			autoReordered = true
			break
		}
	}

	return model.SchedulingPlan{
		Batches:        batches,
		OriginalOrder:  original,
		ReorderedOrder: reordered,
		AutoReordered:  autoReordered,
		LeaseGroups:    LeaseGroups(specs),
	}, nil
}

// Descendants returns every spec name reachable from the given roots by
// following dependency edges forward (i.e. specs that depend, directly or
// transitively, on one of the roots) — used for skip propagation.
func Descendants(specs []model.Spec, roots []string) []string {
	dependents := make(map[string][]string, len(specs))
	for _, s := range specs {
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	seen := make(map[string]bool)
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		for _, next := range dependents[head] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
