package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/metrics"
	"taskflow/internal/repo"
	"taskflow/internal/tat"
)

// FlowState is a flow with its task instances in creation order.
type FlowState struct {
	Flow  domain.Flow
	Tasks []domain.TaskInstance
}

// Open returns the instances still waiting for completion.
func (s FlowState) Open() []domain.TaskInstance {
	var open []domain.TaskInstance
	for _, ti := range s.Tasks {
		if ti.ActualCompletionTime == nil {
			open = append(open, ti)
		}
	}
	return open
}

// StartFlow creates a flow instance and the first task of every start rule.
func (e Engine) StartFlow(ctx context.Context, system, actorID string) (FlowState, error) {
	orgID, err := e.orgID()
	if err != nil {
		return FlowState{}, err
	}
	system = strings.TrimSpace(system)
	if system == "" {
		return FlowState{}, ValidationError{Field: "system", Msg: "is required"}
	}
	calc, err := e.calculator()
	if err != nil {
		return FlowState{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return FlowState{}, err
	}
	defer tx.Rollback()

	rules, err := e.Repo.ListRules(ctx, tx, orgID, system)
	if err != nil {
		return FlowState{}, err
	}
	var starts []domain.FlowRule
	for _, r := range rules {
		if r.CurrentTask == "" && r.NextTask != "" {
			starts = append(starts, r)
		}
	}
	if len(starts) == 0 {
		return FlowState{}, ValidationError{Field: "system", Msg: fmt.Sprintf("system %s has no start rule", system)}
	}

	now := e.now()
	f := domain.Flow{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		System:    system,
		Status:    domain.FlowRunning,
		StartedBy: actorOrDefault(actorID),
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertFlow(ctx, tx, f); err != nil {
		return FlowState{}, err
	}
	created, err := e.spawnTasks(ctx, tx, calc, f.ID, starts, now)
	if err != nil {
		return FlowState{}, err
	}
	if err := e.appendEvent(ctx, tx, "flow.started", "flow", f.ID, f.StartedBy, events.EventPayload{
		"system": system,
		"tasks":  taskNames(created),
	}); err != nil {
		return FlowState{}, err
	}
	if err := tx.Commit(); err != nil {
		return FlowState{}, err
	}
	metrics.FlowsStarted.WithLabelValues(system).Inc()
	return FlowState{Flow: f, Tasks: created}, nil
}

// CompleteTask closes a pending task instance with status and opens whatever the
// matching rules lead to. Rules without a status act as the fallback branch.
// The flow completes once no instance is left open.
func (e Engine) CompleteTask(ctx context.Context, instanceID, status, actorID string) (FlowState, error) {
	status = strings.TrimSpace(status)
	actorID = actorOrDefault(actorID)
	calc, err := e.calculator()
	if err != nil {
		return FlowState{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return FlowState{}, err
	}
	defer tx.Rollback()

	ti, err := e.Repo.GetTaskInstance(ctx, tx, instanceID)
	if err != nil {
		return FlowState{}, err
	}
	f, err := e.ownedFlow(ctx, tx, ti.FlowID)
	if err != nil {
		return FlowState{}, err
	}
	if ti.ActualCompletionTime != nil || f.Status == domain.FlowCompleted {
		return FlowState{}, ConflictError{Msg: fmt.Sprintf("task %s is already completed", instanceID)}
	}

	next, err := e.matchRules(ctx, tx, f, ti.TaskName, status)
	if err != nil {
		return FlowState{}, err
	}
	now := e.now()
	stamp := now.UTC().Format(time.RFC3339)
	recorded := status
	if recorded == "" {
		recorded = "done"
	}
	if err := e.Repo.CompleteTaskInstance(ctx, tx, ti.ID, recorded, stamp, actorID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return FlowState{}, ConflictError{Msg: fmt.Sprintf("task %s is already completed", instanceID)}
		}
		return FlowState{}, err
	}
	created, err := e.spawnTasks(ctx, tx, calc, f.ID, next, now)
	if err != nil {
		return FlowState{}, err
	}
	if err := e.appendEvent(ctx, tx, "task.completed", "task", ti.ID, actorID, events.EventPayload{
		"flow_id":   f.ID,
		"task_name": ti.TaskName,
		"status":    status,
		"on_time":   !now.After(parseStamp(ti.PlannedTime)),
		"next":      taskNames(created),
	}); err != nil {
		return FlowState{}, err
	}

	open, err := e.Repo.CountOpenTasks(ctx, tx, f.ID)
	if err != nil {
		return FlowState{}, err
	}
	if open == 0 {
		if err := e.Repo.CompleteFlow(ctx, tx, f.ID, stamp); err != nil {
			return FlowState{}, err
		}
		if err := e.appendEvent(ctx, tx, "flow.completed", "flow", f.ID, actorID, events.EventPayload{"system": f.System}); err != nil {
			return FlowState{}, err
		}
	}
	state, err := e.flowState(ctx, tx, f.ID)
	if err != nil {
		return FlowState{}, err
	}
	if err := tx.Commit(); err != nil {
		return FlowState{}, err
	}
	metrics.TasksCompleted.WithLabelValues(f.System, completionLabel(status, next)).Inc()
	return state, nil
}

// matchRules picks the rules leaving task for status. A task with outgoing rules
// must be completed with one of their statuses unless a status-less rule exists.
func (e Engine) matchRules(ctx context.Context, tx *sql.Tx, f domain.Flow, task, status string) ([]domain.FlowRule, error) {
	exact, err := e.Repo.FindRules(ctx, tx, f.OrgID, f.System, task, status)
	if err != nil {
		return nil, err
	}
	if len(exact) > 0 {
		return exact, nil
	}
	if status != "" {
		fallback, err := e.Repo.FindRules(ctx, tx, f.OrgID, f.System, task, "")
		if err != nil {
			return nil, err
		}
		if len(fallback) > 0 {
			return fallback, nil
		}
	}
	all, err := e.Repo.ListRules(ctx, tx, f.OrgID, f.System)
	if err != nil {
		return nil, err
	}
	var expected []string
	for _, r := range all {
		if r.CurrentTask == task && !contains(expected, r.Status) {
			expected = append(expected, r.Status)
		}
	}
	if len(expected) > 0 {
		return nil, ValidationError{
			Field: "status",
			Msg:   fmt.Sprintf("task %s has no rule for status %q; expected one of %s", task, status, strings.Join(quoteAll(expected), ", ")),
		}
	}
	// No outgoing rules: the task ends its branch.
	return nil, nil
}

// completionLabel keeps the metric label within the statuses stored on rules.
func completionLabel(status string, matched []domain.FlowRule) string {
	switch {
	case len(matched) == 0:
		return metrics.StatusEnd
	case status != "" && matched[0].Status == status:
		return status
	default:
		return metrics.StatusFallback
	}
}

func (e Engine) spawnTasks(ctx context.Context, tx *sql.Tx, calc *tat.Calculator, flowID string, rules []domain.FlowRule, from time.Time) ([]domain.TaskInstance, error) {
	created := []domain.TaskInstance{}
	stamp := from.UTC().Format(time.RFC3339)
	for _, r := range rules {
		if r.NextTask == "" {
			continue
		}
		due, err := calc.Calculate(from, r.TAT, tat.ParseKind(r.TATType))
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		email := r.Email
		if email == "" {
			email = e.Config.DoerEmail(r.Doer)
		}
		ti := domain.TaskInstance{
			ID:          uuid.NewString(),
			FlowID:      flowID,
			RuleID:      r.ID,
			TaskName:    r.NextTask,
			Status:      domain.TaskPending,
			Doer:        r.Doer,
			Email:       email,
			PlannedTime: due.UTC().Format(time.RFC3339),
			CreatedAt:   stamp,
		}
		if err := e.Repo.InsertTaskInstance(ctx, tx, ti); err != nil {
			return nil, err
		}
		created = append(created, ti)
	}
	return created, nil
}

func (e Engine) GetFlow(ctx context.Context, id string) (FlowState, error) {
	if _, err := e.ownedFlow(ctx, nil, id); err != nil {
		return FlowState{}, err
	}
	return e.flowState(ctx, nil, id)
}

func (e Engine) flowState(ctx context.Context, tx *sql.Tx, id string) (FlowState, error) {
	f, err := e.Repo.GetFlow(ctx, tx, id)
	if err != nil {
		return FlowState{}, err
	}
	tasks, err := e.Repo.ListTaskInstances(ctx, tx, id)
	if err != nil {
		return FlowState{}, err
	}
	return FlowState{Flow: f, Tasks: tasks}, nil
}

func (e Engine) ownedFlow(ctx context.Context, tx *sql.Tx, id string) (domain.Flow, error) {
	orgID, err := e.orgID()
	if err != nil {
		return domain.Flow{}, err
	}
	f, err := e.Repo.GetFlow(ctx, tx, id)
	if err != nil {
		return domain.Flow{}, err
	}
	if f.OrgID != orgID {
		return domain.Flow{}, repo.ErrNotFound
	}
	return f, nil
}

func (e Engine) ListFlows(ctx context.Context, system, status string, limit int) ([]domain.Flow, error) {
	orgID, err := e.orgID()
	if err != nil {
		return nil, err
	}
	return e.Repo.ListFlows(ctx, repo.FlowFilters{OrgID: orgID, System: system, Status: status, Limit: limit})
}

func actorOrDefault(actorID string) string {
	if strings.TrimSpace(actorID) == "" {
		return "local-user"
	}
	return actorID
}

func taskNames(tasks []domain.TaskInstance) []string {
	names := make([]string, 0, len(tasks))
	for _, t := range tasks {
		names = append(names, t.TaskName)
	}
	return names
}

func parseStamp(ts string) time.Time {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

func quoteAll(items []string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = fmt.Sprintf("%q", it)
	}
	return out
}
