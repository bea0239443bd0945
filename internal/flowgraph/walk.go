package flowgraph

import "taskflow/internal/domain"

const (
	DefaultMaxDepth = 100
	DefaultMaxSteps = 1000
)

type WalkOptions struct {
	// MaxDepth bounds recursion for rule sets saved before loops were rejected. Zero means DefaultMaxDepth.
	MaxDepth int
	// MaxSteps bounds the total number of steps, including re-expanded diamond tails.
	// Zero means DefaultMaxSteps.
	MaxSteps int
	// StatusFilter restricts, per task, which status branch is followed.
	StatusFilter map[string]string
}

// Step is one visit of a task. Parent indexes Path.Steps (-1 for a root) and Rule is the
// transition that led here; it is nil for the start task itself.
type Step struct {
	TaskName     string           `json:"task_name"`
	RepeatNumber int              `json:"repeat_number"`
	Depth        int              `json:"depth"`
	Parent       int              `json:"parent"`
	Rule         *domain.FlowRule `json:"rule,omitempty"`
	ClosesLoop   bool             `json:"closes_loop,omitempty"`
}

type Path struct {
	Steps     []Step `json:"steps"`
	HasCycles bool   `json:"has_cycles"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Walk flattens every branch reachable from startTask into visitation order. An empty
// startTask expands the rules leaving the flow start without emitting a step for it.
func Walk(startTask string, rules []domain.FlowRule, opts WalkOptions) Path {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	w := walker{
		rules:  rules,
		out:    make(map[string][]int),
		opts:   opts,
		counts: make(map[string]int),
		open:   make(map[string]bool),
	}
	for i, r := range rules {
		w.out[r.CurrentTask] = append(w.out[r.CurrentTask], i)
	}
	if startTask == "" {
		w.expand("", -1, 0)
	} else {
		w.visit(startTask, nil, -1, 0)
	}
	if w.path.Steps == nil {
		w.path.Steps = []Step{}
	}
	return w.path
}

type walker struct {
	rules []domain.FlowRule
	// out holds rule indexes per current task, in insertion order.
	out     map[string][]int
	opts    WalkOptions
	counts  map[string]int
	open    map[string]bool
	path    Path
	stopped bool
}

func (w *walker) visit(task string, via *domain.FlowRule, parent, depth int) {
	if task == "" || w.stopped {
		return
	}
	if len(w.path.Steps) >= w.opts.MaxSteps {
		w.stopped = true
		w.path.Truncated = true
		return
	}
	if depth >= w.opts.MaxDepth {
		w.path.Truncated = true
		return
	}
	w.counts[task]++
	idx := len(w.path.Steps)
	step := Step{
		TaskName:     task,
		RepeatNumber: w.counts[task],
		Depth:        depth,
		Parent:       parent,
		Rule:         via,
	}
	if w.open[task] {
		step.ClosesLoop = true
		w.path.HasCycles = true
		w.path.Steps = append(w.path.Steps, step)
		return
	}
	w.path.Steps = append(w.path.Steps, step)
	w.open[task] = true
	w.expand(task, idx, depth+1)
	w.open[task] = false
}

func (w *walker) expand(task string, parent, depth int) {
	want, filtered := w.opts.StatusFilter[task]
	for _, i := range w.out[task] {
		if w.stopped {
			return
		}
		r := &w.rules[i]
		if filtered && r.Status != want {
			continue
		}
		w.visit(r.NextTask, r, parent, depth)
	}
}
