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
	"taskflow/internal/flowgraph"
	"taskflow/internal/metrics"
	"taskflow/internal/repo"
	"taskflow/internal/tat"
)

// RuleInput carries the editable fields of a flow rule.
type RuleInput struct {
	System      string
	CurrentTask string
	Status      string
	NextTask    string
	TAT         int
	TATType     string
	Doer        string
	Email       string
	ActorID     string
}

// RuleUpdate patches an existing rule; nil fields are left as stored.
type RuleUpdate struct {
	ID          string
	CurrentTask *string
	Status      *string
	NextTask    *string
	TAT         *int
	TATType     *string
	Doer        *string
	Email       *string
	ActorID     string
}

func (e Engine) normalizeRule(fr *domain.FlowRule) error {
	fr.System = strings.TrimSpace(fr.System)
	fr.CurrentTask = strings.TrimSpace(fr.CurrentTask)
	fr.Status = strings.TrimSpace(fr.Status)
	fr.NextTask = strings.TrimSpace(fr.NextTask)
	fr.Doer = strings.TrimSpace(fr.Doer)
	fr.Email = strings.TrimSpace(fr.Email)
	switch {
	case fr.System == "":
		return ValidationError{Field: "system", Msg: "is required"}
	case fr.CurrentTask == "" && fr.NextTask == "":
		return ValidationError{Field: "next_task", Msg: "a rule must name a current or next task"}
	case fr.TAT < 0:
		return ValidationError{Field: "tat", Msg: tat.ErrNegativeAmount.Error()}
	}
	fr.TATType = string(tat.ParseKind(fr.TATType))
	if fr.Email == "" && fr.Doer != "" {
		fr.Email = e.Config.DoerEmail(fr.Doer)
	}
	return nil
}

func (in RuleInput) rule(orgID string) domain.FlowRule {
	return domain.FlowRule{
		OrgID:       orgID,
		System:      in.System,
		CurrentTask: in.CurrentTask,
		Status:      in.Status,
		NextTask:    in.NextTask,
		TAT:         in.TAT,
		TATType:     in.TATType,
		Doer:        in.Doer,
		Email:       in.Email,
	}
}

// checkCandidate runs the cycle check and records its outcome.
func checkCandidate(existing []domain.FlowRule, candidate domain.FlowRule) flowgraph.CycleResult {
	res := flowgraph.DetectCycle(existing, candidate)
	if res.HasCycle {
		metrics.RuleChecks.WithLabelValues(metrics.ResultCycle).Inc()
	} else {
		metrics.RuleChecks.WithLabelValues(metrics.ResultOK).Inc()
	}
	return res
}

// CheckRule reports whether a candidate rule would close a loop, without saving it.
func (e Engine) CheckRule(ctx context.Context, in RuleInput) (flowgraph.CycleResult, error) {
	orgID, err := e.orgID()
	if err != nil {
		return flowgraph.CycleResult{}, err
	}
	candidate := in.rule(orgID)
	if err := e.normalizeRule(&candidate); err != nil {
		return flowgraph.CycleResult{}, err
	}
	existing, err := e.Repo.ListRules(ctx, nil, orgID, candidate.System)
	if err != nil {
		return flowgraph.CycleResult{}, err
	}
	return checkCandidate(existing, candidate), nil
}

// AddRule saves a rule unless it would make the system's flow loop forever.
// The check and the insert share one write transaction, so two concurrent
// additions cannot each pass the check against a stale rule set.
func (e Engine) AddRule(ctx context.Context, in RuleInput) (domain.FlowRule, error) {
	orgID, err := e.orgID()
	if err != nil {
		return domain.FlowRule{}, err
	}
	fr := in.rule(orgID)
	if err := e.normalizeRule(&fr); err != nil {
		return domain.FlowRule{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FlowRule{}, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.ListRules(ctx, tx, orgID, fr.System)
	if err != nil {
		return domain.FlowRule{}, err
	}
	if res := checkCandidate(existing, fr); res.HasCycle {
		return domain.FlowRule{}, &flowgraph.CycleError{Result: res}
	}
	now := e.stamp()
	fr.ID = uuid.NewString()
	fr.CreatedAt = now
	fr.UpdatedAt = now
	if err := e.Repo.InsertRule(ctx, tx, fr); err != nil {
		return domain.FlowRule{}, err
	}
	if err := e.appendEvent(ctx, tx, "rule.created", "rule", fr.ID, in.ActorID, rulePayload(fr)); err != nil {
		return domain.FlowRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FlowRule{}, err
	}
	return fr, nil
}

// UpdateRule applies a patch and re-runs the cycle check with the old edge removed.
func (e Engine) UpdateRule(ctx context.Context, upd RuleUpdate) (domain.FlowRule, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FlowRule{}, err
	}
	defer tx.Rollback()

	fr, err := e.ownedRule(ctx, tx, upd.ID)
	if err != nil {
		return domain.FlowRule{}, err
	}
	before := fr
	applyString(&fr.CurrentTask, upd.CurrentTask)
	applyString(&fr.Status, upd.Status)
	applyString(&fr.NextTask, upd.NextTask)
	applyString(&fr.TATType, upd.TATType)
	applyString(&fr.Doer, upd.Doer)
	applyString(&fr.Email, upd.Email)
	if upd.TAT != nil {
		fr.TAT = *upd.TAT
	}
	if upd.Doer != nil && upd.Email == nil && *upd.Doer != before.Doer {
		fr.Email = ""
	}
	if err := e.normalizeRule(&fr); err != nil {
		return domain.FlowRule{}, err
	}

	all, err := e.Repo.ListRules(ctx, tx, fr.OrgID, fr.System)
	if err != nil {
		return domain.FlowRule{}, err
	}
	others := make([]domain.FlowRule, 0, len(all))
	for _, r := range all {
		if r.ID != fr.ID {
			others = append(others, r)
		}
	}
	if res := checkCandidate(others, fr); res.HasCycle {
		return domain.FlowRule{}, &flowgraph.CycleError{Result: res}
	}
	fr.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateRule(ctx, tx, fr); err != nil {
		return domain.FlowRule{}, err
	}
	payload := rulePayload(fr)
	payload["previous"] = rulePayload(before)
	if err := e.appendEvent(ctx, tx, "rule.updated", "rule", fr.ID, upd.ActorID, payload); err != nil {
		return domain.FlowRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FlowRule{}, err
	}
	return fr, nil
}

func (e Engine) DeleteRule(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	fr, err := e.ownedRule(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteRule(ctx, tx, id); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, "rule.deleted", "rule", id, actorID, rulePayload(fr)); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetRule(ctx context.Context, id string) (domain.FlowRule, error) {
	return e.ownedRule(ctx, nil, id)
}

// ownedRule hides rules of other organizations behind ErrNotFound.
func (e Engine) ownedRule(ctx context.Context, tx *sql.Tx, id string) (domain.FlowRule, error) {
	orgID, err := e.orgID()
	if err != nil {
		return domain.FlowRule{}, err
	}
	fr, err := e.Repo.GetRule(ctx, tx, id)
	if err != nil {
		return domain.FlowRule{}, err
	}
	if fr.OrgID != orgID {
		return domain.FlowRule{}, repo.ErrNotFound
	}
	return fr, nil
}

func (e Engine) ListRules(ctx context.Context, system string) ([]domain.FlowRule, error) {
	orgID, err := e.orgID()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(system) == "" {
		return nil, ValidationError{Field: "system", Msg: "is required"}
	}
	return e.Repo.ListRules(ctx, nil, orgID, system)
}

func (e Engine) ListSystems(ctx context.Context) ([]repo.SystemSummary, error) {
	orgID, err := e.orgID()
	if err != nil {
		return nil, err
	}
	return e.Repo.ListSystems(ctx, orgID)
}

// PathOptions selects the part of a system's graph to expand.
type PathOptions struct {
	System       string
	StartTask    string
	StatusFilter map[string]string
	// From anchors due-date projection; zero means now.
	From time.Time
}

// ProjectedStep is a walker step with the due date it would get if every
// earlier step finished exactly on time.
type ProjectedStep struct {
	flowgraph.Step
	DueAt time.Time
}

type RulePath struct {
	System    string
	StartTask string
	From      time.Time
	Steps     []ProjectedStep
	HasCycles bool
	Truncated bool
}

// RulePath walks the system's rules from StartTask and projects due dates
// along each branch.
func (e Engine) RulePath(ctx context.Context, opts PathOptions) (RulePath, error) {
	rules, err := e.ListRules(ctx, opts.System)
	if err != nil {
		return RulePath{}, err
	}
	start := strings.TrimSpace(opts.StartTask)
	if start != "" && !knownTask(rules, start) {
		return RulePath{}, fmt.Errorf("task %s in system %s: %w", start, opts.System, repo.ErrNotFound)
	}
	calc, err := e.calculator()
	if err != nil {
		return RulePath{}, err
	}
	from := opts.From
	if from.IsZero() {
		from = e.now()
	}
	walkOpts := flowgraph.WalkOptions{StatusFilter: opts.StatusFilter}
	if e.Config != nil {
		walkOpts.MaxDepth = e.Config.Walker.MaxDepth
		walkOpts.MaxSteps = e.Config.Walker.MaxSteps
	}
	path := flowgraph.Walk(start, rules, walkOpts)

	out := RulePath{
		System:    opts.System,
		StartTask: start,
		From:      from,
		Steps:     make([]ProjectedStep, len(path.Steps)),
		HasCycles: path.HasCycles,
		Truncated: path.Truncated,
	}
	for i, step := range path.Steps {
		base := from
		if step.Parent >= 0 {
			base = out.Steps[step.Parent].DueAt
		}
		due := base
		if step.Rule != nil {
			due, err = calc.Calculate(base, step.Rule.TAT, tat.ParseKind(step.Rule.TATType))
			if err != nil {
				return RulePath{}, err
			}
		}
		out.Steps[i] = ProjectedStep{Step: step, DueAt: due}
	}
	return out, nil
}

func knownTask(rules []domain.FlowRule, task string) bool {
	for _, r := range rules {
		if r.CurrentTask == task || r.NextTask == task {
			return true
		}
	}
	return false
}

func applyString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func rulePayload(fr domain.FlowRule) events.EventPayload {
	return events.EventPayload{
		"system":       fr.System,
		"current_task": fr.CurrentTask,
		"status":       fr.Status,
		"next_task":    fr.NextTask,
		"tat":          fr.TAT,
		"tat_type":     fr.TATType,
	}
}

// IsCycle unwraps a rejected rule's cycle report.
func IsCycle(err error) (flowgraph.CycleResult, bool) {
	var ce *flowgraph.CycleError
	if errors.As(err, &ce) {
		return ce.Result, true
	}
	return flowgraph.CycleResult{}, false
}
