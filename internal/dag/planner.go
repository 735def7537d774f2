// Package dag plans transform execution: topological order, parallel
// tiers, transitive change-detection hashes, and downstream queries.
package dag

import (
	"sort"
	"strings"

	"github.com/loamdata/loam/internal/engine"
	"github.com/loamdata/loam/internal/model"
)

// Plan is the execution plan over a discovered model set. Edges only
// cover intra-project dependencies; references to external tables
// (seeds, ingest outputs) are kept on the models for diagnostics but do
// not order anything.
type Plan struct {
	Models map[string]*model.Model
	Order  []string   // topological, lexicographic tie-break
	Tiers  [][]string // level schedule; tier 0 has no intra-project deps

	deps       map[string][]string // known-model deps per model
	dependents map[string][]string // reversed edges
}

// Build plans the model set, computing upstream hashes as a side
// effect. A dependency cycle fails the build with the cycle spelled
// out.
func Build(models []*model.Model) (*Plan, error) {
	p := &Plan{
		Models:     model.Index(models),
		deps:       make(map[string][]string, len(models)),
		dependents: make(map[string][]string, len(models)),
	}

	for _, m := range models {
		name := m.FullName()
		for _, dep := range m.DependsOn {
			if _, known := p.Models[dep]; !known {
				continue
			}
			p.deps[name] = append(p.deps[name], dep)
			p.dependents[dep] = append(p.dependents[dep], name)
		}
	}

	if err := p.sortAndTier(); err != nil {
		return nil, err
	}

	// Upstream hashes in topological order so each model's deps are
	// already final when it is reached.
	for _, name := range p.Order {
		m := p.Models[name]
		deps := append([]string(nil), p.deps[name]...)
		sort.Strings(deps)
		hashes := make([]string, len(deps))
		for i, dep := range deps {
			hashes[i] = p.Models[dep].ContentHash
		}
		m.UpstreamHash = model.HashConcat(hashes)
	}
	return p, nil
}

// sortAndTier runs a Kahn level schedule. Within a tier names are
// lexicographic, which also fixes the topological order: tier-major,
// name-minor.
func (p *Plan) sortAndTier() error {
	indegree := make(map[string]int, len(p.Models))
	for name := range p.Models {
		indegree[name] = len(p.deps[name])
	}

	var frontier []string
	for name, d := range indegree {
		if d == 0 {
			frontier = append(frontier, name)
		}
	}
	sort.Strings(frontier)

	placed := 0
	for len(frontier) > 0 {
		p.Tiers = append(p.Tiers, frontier)
		p.Order = append(p.Order, frontier...)
		placed += len(frontier)

		var next []string
		for _, name := range frontier {
			for _, dependent := range p.dependents[name] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	if placed != len(p.Models) {
		return engine.Errorf(engine.KindCycle,
			"dependency cycle among models: %s", strings.Join(p.findCycle(indegree), " -> "))
	}
	return nil
}

// findCycle walks the unplaced remainder to name one concrete cycle.
func (p *Plan) findCycle(indegree map[string]int) []string {
	remaining := make(map[string]bool)
	for name, d := range indegree {
		if d > 0 {
			remaining[name] = true
		}
	}
	var names []string
	for name := range remaining {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, start := range names {
		seen := map[string]int{}
		path := []string{}
		cur := start
		for {
			if at, ok := seen[cur]; ok {
				cycle := append([]string(nil), path[at:]...)
				return append(cycle, cur)
			}
			seen[cur] = len(path)
			path = append(path, cur)
			advanced := false
			for _, dep := range p.deps[cur] {
				if remaining[dep] {
					cur = dep
					advanced = true
					break
				}
			}
			if !advanced {
				break
			}
		}
	}
	return names
}

// Deps returns the known-model dependencies of a model.
func (p *Plan) Deps(name string) []string {
	return p.deps[name]
}

// Descendants returns the transitive forward closure of a model, BFS
// order, the model itself excluded.
func (p *Plan) Descendants(name string) []string {
	var out []string
	seen := map[string]bool{name: true}
	queue := append([]string(nil), p.dependents[name]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		queue = append(queue, p.dependents[cur]...)
	}
	sort.Strings(out)
	return out
}
