package flowgraph

import (
	"fmt"
	"strings"

	"taskflow/internal/domain"
)

type CycleResult struct {
	HasCycle bool     `json:"has_cycle"`
	Cycle    []string `json:"cycle,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// CycleError rejects a rule whose insertion would loop the flow.
type CycleError struct {
	Result CycleResult
}

func (e *CycleError) Error() string { return e.Result.Message }

// DetectCycle reports whether adding candidate to existing creates a loop reachable from
// candidate.NextTask. Inputs are not modified and no state survives the call.
func DetectCycle(existing []domain.FlowRule, candidate domain.FlowRule) CycleResult {
	if candidate.CurrentTask != "" && candidate.CurrentTask == candidate.NextTask {
		return cycleFound([]string{candidate.CurrentTask, candidate.NextTask})
	}

	rules := make([]domain.FlowRule, 0, len(existing)+1)
	rules = append(rules, existing...)
	rules = append(rules, candidate)
	g := New(rules)

	d := detector{
		graph:   g,
		visited: make(map[string]bool),
		onStack: make(map[string]bool),
	}
	// The candidate edge is the way into the search, so its source sits on the path.
	if candidate.CurrentTask != "" {
		d.push(candidate.CurrentTask)
	}
	if d.visit(candidate.NextTask) {
		return cycleFound(d.cycle)
	}
	return CycleResult{}
}

type detector struct {
	graph   *Graph
	visited map[string]bool
	onStack map[string]bool
	path    []string
	cycle   []string
}

func (d *detector) push(node string) {
	d.visited[node] = true
	d.onStack[node] = true
	d.path = append(d.path, node)
}

func (d *detector) pop(node string) {
	d.onStack[node] = false
	d.path = d.path[:len(d.path)-1]
}

func (d *detector) visit(node string) bool {
	if node == "" {
		return false
	}
	d.push(node)
	for _, next := range d.graph.Neighbors(node) {
		if next == "" {
			continue
		}
		if d.onStack[next] {
			d.cycle = d.closeLoop(next)
			return true
		}
		if !d.visited[next] && d.visit(next) {
			return true
		}
	}
	d.pop(node)
	return false
}

func (d *detector) closeLoop(at string) []string {
	for i, n := range d.path {
		if n == at {
			loop := append([]string(nil), d.path[i:]...)
			return append(loop, at)
		}
	}
	return []string{at, at}
}

func cycleFound(path []string) CycleResult {
	return CycleResult{
		HasCycle: true,
		Cycle:    path,
		Message:  fmt.Sprintf("This rule would create an infinite loop: %s. Change the next task or status so the flow can finish.", strings.Join(path, " -> ")),
	}
}
