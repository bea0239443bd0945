package flowgraph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/domain"
)

type visit struct {
	Task   string
	Repeat int
}

func visits(p Path) []visit {
	out := make([]visit, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, visit{s.TaskName, s.RepeatNumber})
	}
	return out
}

func TestWalkCountsRepeats(t *testing.T) {
	rules := []domain.FlowRule{
		rule("A", "", "B"),
		rule("B", "", "A"),
	}
	p := Walk("A", rules, WalkOptions{})
	require.True(t, p.HasCycles)
	assert.Equal(t, []visit{{"A", 1}, {"B", 1}, {"A", 2}}, visits(p))
	assert.True(t, p.Steps[2].ClosesLoop)
	assert.False(t, p.Truncated)
}

func TestWalkLinearChain(t *testing.T) {
	rules := []domain.FlowRule{
		rule("", "", "A"),
		rule("A", "done", "B"),
		rule("B", "done", "C"),
		rule("C", "done", ""),
	}
	p := Walk("", rules, WalkOptions{})
	assert.False(t, p.HasCycles)
	assert.Equal(t, []visit{{"A", 1}, {"B", 1}, {"C", 1}}, visits(p))
	assert.Equal(t, -1, p.Steps[0].Parent)
	assert.Equal(t, 0, p.Steps[1].Parent)
	assert.Equal(t, 1, p.Steps[2].Parent)
	require.NotNil(t, p.Steps[1].Rule)
	assert.Equal(t, "done", p.Steps[1].Rule.Status)
}

func TestWalkExpandsEveryBranch(t *testing.T) {
	rules := []domain.FlowRule{
		rule("A", "approved", "B"),
		rule("A", "rejected", "C"),
		rule("B", "", "D"),
		rule("C", "", "D"),
	}
	p := Walk("A", rules, WalkOptions{})
	assert.Equal(t, []visit{{"A", 1}, {"B", 1}, {"D", 1}, {"C", 1}, {"D", 2}}, visits(p))
	// D is reached twice through separate branches, which is not a loop.
	assert.False(t, p.HasCycles)
	assert.Equal(t, 3, p.Steps[4].Parent)
}

func TestWalkStatusFilter(t *testing.T) {
	rules := []domain.FlowRule{
		rule("A", "approved", "B"),
		rule("A", "rejected", "C"),
	}
	p := Walk("A", rules, WalkOptions{StatusFilter: map[string]string{"A": "rejected"}})
	assert.Equal(t, []visit{{"A", 1}, {"C", 1}}, visits(p))
}

func TestWalkDepthBound(t *testing.T) {
	rules := []domain.FlowRule{
		rule("A", "", "B"),
		rule("B", "", "C"),
		rule("C", "", "D"),
	}
	p := Walk("A", rules, WalkOptions{MaxDepth: 2})
	assert.Equal(t, []visit{{"A", 1}, {"B", 1}}, visits(p))
	assert.True(t, p.Truncated)
}

func TestWalkDefaultBoundTerminatesLongChain(t *testing.T) {
	var rules []domain.FlowRule
	for i := 0; i < 150; i++ {
		rules = append(rules, rule(taskName(i), "", taskName(i+1)))
	}
	p := Walk(taskName(0), rules, WalkOptions{})
	assert.Len(t, p.Steps, DefaultMaxDepth)
	assert.True(t, p.Truncated)
}

func TestWalkUnknownStart(t *testing.T) {
	p := Walk("Nowhere", nil, WalkOptions{})
	assert.Equal(t, []visit{{"Nowhere", 1}}, visits(p))
	p = Walk("", nil, WalkOptions{})
	assert.NotNil(t, p.Steps)
	assert.Empty(t, p.Steps)
}

func taskName(i int) string {
	return "T" + string(rune('a'+i/26%26)) + string(rune('a'+i%26)) + string(rune('0'+i/676))
}

// diamondChain builds layers of Jn -yes-> Jna -> Jn+1 and Jn -no-> Jnb -> Jn+1.
func diamondChain(layers int) []domain.FlowRule {
	var rules []domain.FlowRule
	for i := 0; i < layers; i++ {
		j := fmt.Sprintf("J%d", i)
		next := fmt.Sprintf("J%d", i+1)
		rules = append(rules,
			rule(j, "yes", j+"a"),
			rule(j, "no", j+"b"),
			rule(j+"a", "", next),
			rule(j+"b", "", next),
		)
	}
	return rules
}

func TestWalkDiamondChainStopsAtStepBudget(t *testing.T) {
	rules := diamondChain(40)
	for i := range rules {
		res := DetectCycle(rules[:i], rules[i])
		require.False(t, res.HasCycle, "rule %d rejected", i)
	}

	p := Walk("J0", rules, WalkOptions{})
	assert.True(t, p.Truncated)
	assert.False(t, p.HasCycles)
	assert.Len(t, p.Steps, DefaultMaxSteps)

	p = Walk("J0", rules, WalkOptions{MaxSteps: 50})
	assert.True(t, p.Truncated)
	assert.Len(t, p.Steps, 50)
}

func TestWalkSmallDiamondChainIsComplete(t *testing.T) {
	p := Walk("J0", diamondChain(3), WalkOptions{})
	assert.False(t, p.Truncated)
	// steps(k) = 1 + 2*(1 + steps(k+1)), steps(3) = 1.
	assert.Len(t, p.Steps, 29)
}
