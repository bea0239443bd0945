package server

import (
	"encoding/json"
	"time"

	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/flowgraph"
)

// Request payloads

type RuleRequest struct {
	CurrentTask string `json:"current_task,omitempty" doc:"Empty marks the flow start"`
	Status      string `json:"status,omitempty"`
	NextTask    string `json:"next_task,omitempty" doc:"Empty marks the flow end"`
	TAT         int    `json:"tat,omitempty" minimum:"0"`
	TATType     string `json:"tat_type,omitempty" enum:"hourtat,daytat,beforetat,specifytat"`
	Doer        string `json:"doer,omitempty"`
	Email       string `json:"email,omitempty"`
}

type UpdateRuleRequest struct {
	CurrentTask *string `json:"current_task,omitempty"`
	Status      *string `json:"status,omitempty"`
	NextTask    *string `json:"next_task,omitempty"`
	TAT         *int    `json:"tat,omitempty" minimum:"0"`
	TATType     *string `json:"tat_type,omitempty" enum:"hourtat,daytat,beforetat,specifytat"`
	Doer        *string `json:"doer,omitempty"`
	Email       *string `json:"email,omitempty"`
}

type TATRequest struct {
	Timestamp time.Time `json:"timestamp"`
	Amount    int       `json:"amount" minimum:"0"`
	TATType   string    `json:"tat_type,omitempty" enum:"hourtat,daytat,beforetat,specifytat"`
}

type CompleteTaskRequest struct {
	Status string `json:"status,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type TATResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Amount    int       `json:"amount"`
	TATType   string    `json:"tat_type"`
	DueAt     time.Time `json:"due_at"`
}

type PathStepResponse struct {
	TaskName     string    `json:"task_name"`
	RepeatNumber int       `json:"repeat_number"`
	Depth        int       `json:"depth"`
	Parent       int       `json:"parent"`
	RuleID       string    `json:"rule_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	Doer         string    `json:"doer,omitempty"`
	DueAt        time.Time `json:"due_at"`
	ClosesLoop   bool      `json:"closes_loop,omitempty"`
}

type PathResponse struct {
	System    string             `json:"system"`
	StartTask string             `json:"start_task,omitempty"`
	From      time.Time          `json:"from"`
	Steps     []PathStepResponse `json:"steps"`
	HasCycles bool               `json:"has_cycles"`
	Truncated bool               `json:"truncated,omitempty"`
}

type FlowResponse struct {
	domain.Flow
	Tasks []domain.TaskInstance `json:"tasks"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload"`
}

type ConfigResponse struct {
	OrgID string `json:"org_id"`
	YAML  string `json:"yaml"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (r RuleRequest) input(system, actorID string) engine.RuleInput {
	return engine.RuleInput{
		System:      system,
		CurrentTask: r.CurrentTask,
		Status:      r.Status,
		NextTask:    r.NextTask,
		TAT:         r.TAT,
		TATType:     r.TATType,
		Doer:        r.Doer,
		Email:       r.Email,
		ActorID:     actorID,
	}
}

func pathResponse(p engine.RulePath) PathResponse {
	out := PathResponse{
		System:    p.System,
		StartTask: p.StartTask,
		From:      p.From,
		Steps:     make([]PathStepResponse, 0, len(p.Steps)),
		HasCycles: p.HasCycles,
		Truncated: p.Truncated,
	}
	for _, s := range p.Steps {
		out.Steps = append(out.Steps, pathStepResponse(s))
	}
	return out
}

func pathStepResponse(s engine.ProjectedStep) PathStepResponse {
	resp := PathStepResponse{
		TaskName:     s.TaskName,
		RepeatNumber: s.RepeatNumber,
		Depth:        s.Depth,
		Parent:       s.Parent,
		DueAt:        s.DueAt,
		ClosesLoop:   s.ClosesLoop,
	}
	if s.Rule != nil {
		resp.RuleID = s.Rule.ID
		resp.Status = s.Rule.Status
		resp.Doer = s.Rule.Doer
	}
	return resp
}

func flowResponse(s engine.FlowState) FlowResponse {
	return FlowResponse{Flow: s.Flow, Tasks: nonNilSlice(s.Tasks)}
}

func eventResponse(e domain.Event) EventResponse {
	var payload any
	if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func cycleResponse(res flowgraph.CycleResult) flowgraph.CycleResult {
	res.Cycle = nonNilSlice(res.Cycle)
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
