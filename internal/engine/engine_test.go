package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/metrics"
	"taskflow/internal/migrate"
	"taskflow/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// friday is 2024-03-15 09:00 UTC, the start of a working day.
var friday = time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("org-1")
	cfg.Doers = map[string]string{"reviewer": "review@example.com"}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return friday }
	ctx := context.Background()
	if _, err := eng.InitOrg(ctx, "org-1", "Test Org", "tester"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) addRule(t *testing.T, system, from, status, to string) domain.FlowRule {
	t.Helper()
	fr, err := env.Engine.AddRule(env.Ctx, engine.RuleInput{
		System: system, CurrentTask: from, Status: status, NextTask: to, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("add rule %s -> %s: %v", from, to, err)
	}
	return fr
}

func TestAddRuleRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, "billing", "A", "", "B")

	_, err := env.Engine.AddRule(env.Ctx, engine.RuleInput{System: "billing", CurrentTask: "B", NextTask: "A", ActorID: "tester"})
	res, ok := engine.IsCycle(err)
	if !ok {
		t.Fatalf("expected cycle error, got %v", err)
	}
	want := []string{"B", "A", "B"}
	if len(res.Cycle) != len(want) {
		t.Fatalf("cycle %v, want %v", res.Cycle, want)
	}
	for i := range want {
		if res.Cycle[i] != want[i] {
			t.Fatalf("cycle %v, want %v", res.Cycle, want)
		}
	}
	rules, err := env.Engine.ListRules(env.Ctx, "billing")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("rejected rule was stored: %d rules", len(rules))
	}
}

func TestAddRuleRejectsSelfLoop(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddRule(env.Ctx, engine.RuleInput{System: "s", CurrentTask: "A", NextTask: "A"})
	if _, ok := engine.IsCycle(err); !ok {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestAddRuleCyclesAreScopedPerSystem(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, "one", "A", "", "B")
	env.addRule(t, "two", "B", "", "A")
}

func TestAddRuleDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, "s", "A", "ok", "B")
	_, err := env.Engine.AddRule(env.Ctx, engine.RuleInput{System: "s", CurrentTask: "A", Status: "ok", NextTask: "B"})
	if !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestAddRuleValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.RuleInput{
		{CurrentTask: "A", NextTask: "B"},
		{System: "s"},
		{System: "s", CurrentTask: "A", NextTask: "B", TAT: -1},
	}
	for _, in := range cases {
		_, err := env.Engine.AddRule(env.Ctx, in)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("input %+v: expected validation error, got %v", in, err)
		}
	}
}

func TestAddRuleNormalizesTATTypeAndEmail(t *testing.T) {
	env := newTestEnv(t)
	fr, err := env.Engine.AddRule(env.Ctx, engine.RuleInput{
		System: "s", CurrentTask: "A", NextTask: "B", TATType: "DAYTAT", Doer: "reviewer",
	})
	if err != nil {
		t.Fatal(err)
	}
	if fr.TATType != "daytat" {
		t.Fatalf("tat type %q", fr.TATType)
	}
	if fr.Email != "review@example.com" {
		t.Fatalf("email %q", fr.Email)
	}
	fr, err = env.Engine.AddRule(env.Ctx, engine.RuleInput{System: "s", CurrentTask: "B", NextTask: "C", TATType: "weekly"})
	if err != nil {
		t.Fatal(err)
	}
	if fr.TATType != "hourtat" {
		t.Fatalf("unknown type should fall back to hourtat, got %q", fr.TATType)
	}
}

func TestCheckRuleDoesNotPersist(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, "s", "A", "", "B")
	res, err := env.Engine.CheckRule(env.Ctx, engine.RuleInput{System: "s", CurrentTask: "B", NextTask: "C"})
	if err != nil {
		t.Fatal(err)
	}
	if res.HasCycle {
		t.Fatalf("unexpected cycle %v", res.Cycle)
	}
	res, err = env.Engine.CheckRule(env.Ctx, engine.RuleInput{System: "s", CurrentTask: "B", NextTask: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.HasCycle {
		t.Fatalf("expected cycle")
	}
	rules, _ := env.Engine.ListRules(env.Ctx, "s")
	if len(rules) != 1 {
		t.Fatalf("check stored rules: %d", len(rules))
	}
}

func TestUpdateRuleExcludesItsOwnEdge(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, "s", "A", "", "B")
	back := env.addRule(t, "s", "B", "", "C")

	// Pointing B back at A loops through A -> B.
	target := "A"
	_, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdate{ID: back.ID, NextTask: &target, ActorID: "tester"})
	if _, ok := engine.IsCycle(err); !ok {
		t.Fatalf("expected cycle, got %v", err)
	}

	target = "D"
	updated, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdate{ID: back.ID, NextTask: &target, ActorID: "tester"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.NextTask != "D" {
		t.Fatalf("next task %q", updated.NextTask)
	}
	stored, err := env.Engine.GetRule(env.Ctx, back.ID)
	if err != nil || stored.NextTask != "D" {
		t.Fatalf("stored %+v err %v", stored, err)
	}
}

func TestDeleteRule(t *testing.T) {
	env := newTestEnv(t)
	fr := env.addRule(t, "s", "A", "", "B")
	if err := env.Engine.DeleteRule(env.Ctx, fr.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteRule(env.Ctx, fr.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	// With A -> B gone, B -> A is legal.
	env.addRule(t, "s", "B", "", "A")
}

func TestRulePathProjectsDueDates(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AddRule(env.Ctx, engine.RuleInput{System: "s", NextTask: "Intake", TAT: 2, TATType: "hourtat"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddRule(env.Ctx, engine.RuleInput{System: "s", CurrentTask: "Intake", NextTask: "Review", TAT: 1, TATType: "daytat"}); err != nil {
		t.Fatal(err)
	}
	from := time.Date(2024, 3, 15, 17, 0, 0, 0, time.UTC)
	path, err := env.Engine.RulePath(env.Ctx, engine.PathOptions{System: "s", From: from})
	if err != nil {
		t.Fatal(err)
	}
	if len(path.Steps) != 2 {
		t.Fatalf("steps %+v", path.Steps)
	}
	wantIntake := time.Date(2024, 3, 18, 10, 0, 0, 0, time.UTC)
	wantReview := time.Date(2024, 3, 19, 10, 0, 0, 0, time.UTC)
	if !path.Steps[0].DueAt.Equal(wantIntake) {
		t.Fatalf("intake due %s, want %s", path.Steps[0].DueAt, wantIntake)
	}
	if !path.Steps[1].DueAt.Equal(wantReview) {
		t.Fatalf("review due %s, want %s", path.Steps[1].DueAt, wantReview)
	}
	if path.HasCycles || path.Truncated {
		t.Fatalf("unexpected flags %+v", path)
	}
}

func TestRulePathUnknownStart(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, "s", "A", "", "B")
	_, err := env.Engine.RulePath(env.Ctx, engine.PathOptions{System: "s", StartTask: "Z"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCalculateTATUsesOrgCalendar(t *testing.T) {
	env := newTestEnv(t)
	due, err := env.Engine.CalculateTAT(time.Date(2024, 3, 15, 17, 0, 0, 0, time.UTC), 3, "hourtat")
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 3, 18, 11, 0, 0, 0, time.UTC); !due.Equal(want) {
		t.Fatalf("due %s, want %s", due, want)
	}
	if _, err := env.Engine.CalculateTAT(friday, -1, "hourtat"); err == nil {
		t.Fatalf("expected negative amount error")
	}
}

func TestFlowLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, "claims", "", "", "Intake")
	if _, err := env.Engine.AddRule(env.Ctx, engine.RuleInput{
		System: "claims", CurrentTask: "Intake", Status: "approved", NextTask: "Pay", TAT: 4, Doer: "reviewer",
	}); err != nil {
		t.Fatal(err)
	}
	env.addRule(t, "claims", "Intake", "rejected", "Notify")

	state, err := env.Engine.StartFlow(env.Ctx, "claims", "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(state.Tasks) != 1 || state.Tasks[0].TaskName != "Intake" {
		t.Fatalf("start tasks %+v", state.Tasks)
	}
	intake := state.Tasks[0]

	_, err = env.Engine.CompleteTask(env.Ctx, intake.ID, "maybe", "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}

	state, err = env.Engine.CompleteTask(env.Ctx, intake.ID, "approved", "tester")
	if err != nil {
		t.Fatalf("complete intake: %v", err)
	}
	open := state.Open()
	if len(open) != 1 || open[0].TaskName != "Pay" {
		t.Fatalf("open tasks %+v", open)
	}
	if open[0].Email != "review@example.com" {
		t.Fatalf("doer email %q", open[0].Email)
	}
	if want := "2024-03-15T13:00:00Z"; open[0].PlannedTime != want {
		t.Fatalf("planned %s, want %s", open[0].PlannedTime, want)
	}

	state, err = env.Engine.CompleteTask(env.Ctx, open[0].ID, "", "tester")
	if err != nil {
		t.Fatalf("complete pay: %v", err)
	}
	if state.Flow.Status != domain.FlowCompleted {
		t.Fatalf("flow status %s", state.Flow.Status)
	}

	_, err = env.Engine.CompleteTask(env.Ctx, open[0].ID, "", "tester")
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, "org-1", "flow.completed", "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("flow.completed event missing: %v %v", evts, err)
	}
}

func TestCompleteTaskFallsBackToStatuslessRule(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, "s", "", "", "A")
	env.addRule(t, "s", "A", "", "B")
	state, err := env.Engine.StartFlow(env.Ctx, "s", "tester")
	if err != nil {
		t.Fatal(err)
	}
	fallback := metrics.TasksCompleted.WithLabelValues("s", metrics.StatusFallback)
	before := testutil.ToFloat64(fallback)
	state, err = env.Engine.CompleteTask(env.Ctx, state.Tasks[0].ID, "anything", "tester")
	if err != nil {
		t.Fatal(err)
	}
	open := state.Open()
	if len(open) != 1 || open[0].TaskName != "B" {
		t.Fatalf("open %+v", open)
	}
	if got := testutil.ToFloat64(fallback) - before; got != 1 {
		t.Fatalf("fallback completions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.TasksCompleted.WithLabelValues("s", "anything")); got != 0 {
		t.Fatalf("free-form status leaked into labels: %v", got)
	}
}

func TestRulePathStopsAtStepBudget(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Walker.MaxSteps = 20
	for i := 0; i < 6; i++ {
		j, next := fmt.Sprintf("J%d", i), fmt.Sprintf("J%d", i+1)
		env.addRule(t, "s", j, "yes", j+"a")
		env.addRule(t, "s", j, "no", j+"b")
		env.addRule(t, "s", j+"a", "", next)
		env.addRule(t, "s", j+"b", "", next)
	}
	path, err := env.Engine.RulePath(env.Ctx, engine.PathOptions{System: "s", StartTask: "J0", From: friday})
	if err != nil {
		t.Fatal(err)
	}
	if !path.Truncated || path.HasCycles {
		t.Fatalf("flags truncated=%v cycles=%v", path.Truncated, path.HasCycles)
	}
	if len(path.Steps) != 20 {
		t.Fatalf("steps = %d, want 20", len(path.Steps))
	}
}

func TestStartFlowRequiresStartRule(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, "s", "A", "", "B")
	_, err := env.Engine.StartFlow(env.Ctx, "s", "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGrantRole(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.GrantRole(env.Ctx, "alice", "viewer", "tester"); err != nil {
		t.Fatal(err)
	}
	profile, err := env.Engine.WhoAmI(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(profile.Roles) != 1 || profile.Roles[0] != "viewer" {
		t.Fatalf("roles %v", profile.Roles)
	}
	if err := env.Engine.Auth.Require(env.Ctx, "org-1", "alice", "rule.write"); err == nil {
		t.Fatalf("viewer should not write rules")
	}
	if err := env.Engine.GrantRole(env.Ctx, "alice", "wizard", "tester"); err == nil {
		t.Fatalf("expected unknown role error")
	}
}

func TestInitOrgLeavesSharedConfigUntouched(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("org-2")
	eng := engine.New(env.Engine.DB, cfg)
	if _, err := eng.InitOrg(env.Ctx, "org-2", "Renamed", "tester"); err != nil {
		t.Fatal(err)
	}
	if cfg.Org.Name != "org-2" {
		t.Fatalf("shared config renamed to %q", cfg.Org.Name)
	}
	stored, err := eng.Repo.GetOrgConfig(env.Ctx, "org-2")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Org.Name != "Renamed" {
		t.Fatalf("stored name = %q", stored.Org.Name)
	}

	if _, err := eng.InitOrg(env.Ctx, "org-2", "Again", "tester"); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate org, got %v", err)
	}
	if cfg.Org.Name != "org-2" {
		t.Fatalf("failed init renamed shared config to %q", cfg.Org.Name)
	}
}
