package domain

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// FlowRule is one transition of a system's workflow: when CurrentTask finishes with Status,
// NextTask is assigned to Doer. An empty CurrentTask is the flow start, an empty NextTask the end.
type FlowRule struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	System      string `json:"system"`
	CurrentTask string `json:"current_task"`
	Status      string `json:"status"`
	NextTask    string `json:"next_task"`
	TAT         int    `json:"tat"`
	TATType     string `json:"tat_type" enum:"hourtat,daytat,beforetat,specifytat"`
	Doer        string `json:"doer,omitempty"`
	Email       string `json:"email,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Flow struct {
	ID          string  `json:"id"`
	OrgID       string  `json:"org_id"`
	System      string  `json:"system"`
	Status      string  `json:"status" enum:"running,completed"`
	StartedBy   string  `json:"started_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// TaskInstance is a concrete step inside one running flow.
type TaskInstance struct {
	ID                   string  `json:"id"`
	FlowID               string  `json:"flow_id"`
	RuleID               string  `json:"rule_id,omitempty"`
	TaskName             string  `json:"task_name"`
	Status               string  `json:"status"`
	Doer                 string  `json:"doer,omitempty"`
	Email                string  `json:"email,omitempty"`
	PlannedTime          string  `json:"planned_time" format:"date-time"`
	ActualCompletionTime *string `json:"actual_completion_time,omitempty" format:"date-time"`
	CompletedBy          *string `json:"completed_by,omitempty"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ActorProfile struct {
	OrgID       string   `json:"org_id"`
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

const (
	FlowRunning   = "running"
	FlowCompleted = "completed"

	TaskPending = "pending"
)
