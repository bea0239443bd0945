// Package flowgraph builds the transition graph of a system's flow rules and answers
// the two questions asked of it: would a new rule introduce a loop, and which tasks
// does a flow visit from a given task.
package flowgraph

import "taskflow/internal/domain"

// edgeKey keeps different statuses of one task apart so branches are not conflated.
type edgeKey struct {
	Task   string
	Status string
}

// Graph is an adjacency structure over task names. It is rebuilt from the rules on every
// call and never cached, so it cannot go stale when rules change.
type Graph struct {
	keys  []edgeKey
	edges map[edgeKey][]string
	tasks []string
	seen  map[string]struct{}
}

// New builds the graph preserving rule order, which makes neighbor iteration deterministic.
func New(rules []domain.FlowRule) *Graph {
	g := &Graph{
		edges: make(map[edgeKey][]string),
		seen:  make(map[string]struct{}),
	}
	for _, r := range rules {
		g.add(r.CurrentTask, r.Status, r.NextTask)
	}
	return g
}

func (g *Graph) add(from, status, to string) {
	key := edgeKey{Task: from, Status: status}
	next, ok := g.edges[key]
	if !ok {
		g.keys = append(g.keys, key)
	}
	if !contains(next, to) {
		g.edges[key] = append(next, to)
	}
	g.track(from)
	g.track(to)
}

func (g *Graph) track(task string) {
	if task == "" {
		return
	}
	if _, ok := g.seen[task]; ok {
		return
	}
	g.seen[task] = struct{}{}
	g.tasks = append(g.tasks, task)
}

// Neighbors is the union of next tasks over every status of task, in insertion order.
func (g *Graph) Neighbors(task string) []string {
	var out []string
	for _, key := range g.keys {
		if key.Task != task {
			continue
		}
		for _, next := range g.edges[key] {
			if !contains(out, next) {
				out = append(out, next)
			}
		}
	}
	return out
}

// NextFor returns the next tasks reached when task completes with status.
func (g *Graph) NextFor(task, status string) []string {
	return append([]string(nil), g.edges[edgeKey{Task: task, Status: status}]...)
}

// Tasks lists every named task in first-seen order.
func (g *Graph) Tasks() []string {
	return append([]string(nil), g.tasks...)
}

// StartTasks are the tasks reachable directly from the synthetic start node.
func (g *Graph) StartTasks() []string {
	var out []string
	for _, next := range g.Neighbors("") {
		if next != "" {
			out = append(out, next)
		}
	}
	return out
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
