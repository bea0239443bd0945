package taskflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Rule is a flow rule as returned by the API.
type Rule struct {
	ID          string `json:"id"`
	System      string `json:"system"`
	CurrentTask string `json:"current_task"`
	Status      string `json:"status"`
	NextTask    string `json:"next_task"`
	TAT         int    `json:"tat"`
	TATType     string `json:"tat_type"`
	Doer        string `json:"doer,omitempty"`
	Email       string `json:"email,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// RuleInput is the body for creating or checking a rule.
type RuleInput struct {
	CurrentTask string `json:"current_task,omitempty"`
	Status      string `json:"status,omitempty"`
	NextTask    string `json:"next_task,omitempty"`
	TAT         int    `json:"tat,omitempty"`
	TATType     string `json:"tat_type,omitempty"`
	Doer        string `json:"doer,omitempty"`
	Email       string `json:"email,omitempty"`
}

// CycleCheck reports whether a candidate rule would loop the flow.
type CycleCheck struct {
	HasCycle bool     `json:"has_cycle"`
	Cycle    []string `json:"cycle,omitempty"`
	Message  string   `json:"message,omitempty"`
}

type PathStep struct {
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

type Path struct {
	System    string     `json:"system"`
	StartTask string     `json:"start_task,omitempty"`
	From      time.Time  `json:"from"`
	Steps     []PathStep `json:"steps"`
	HasCycles bool       `json:"has_cycles"`
	Truncated bool       `json:"truncated,omitempty"`
}

// PathQuery narrows a path expansion. Branches maps task name to the status to follow.
type PathQuery struct {
	Start    string
	From     time.Time
	Branches map[string]string
}

type TAT struct {
	Timestamp time.Time `json:"timestamp"`
	Amount    int       `json:"amount"`
	TATType   string    `json:"tat_type"`
	DueAt     time.Time `json:"due_at"`
}

type Task struct {
	ID                   string  `json:"id"`
	FlowID               string  `json:"flow_id"`
	RuleID               string  `json:"rule_id,omitempty"`
	TaskName             string  `json:"task_name"`
	Status               string  `json:"status"`
	Doer                 string  `json:"doer,omitempty"`
	Email                string  `json:"email,omitempty"`
	PlannedTime          string  `json:"planned_time"`
	ActualCompletionTime *string `json:"actual_completion_time,omitempty"`
}

// Flow is a flow instance with its tasks.
type Flow struct {
	ID          string  `json:"id"`
	System      string  `json:"system"`
	Status      string  `json:"status"`
	StartedBy   string  `json:"started_by"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Tasks       []Task  `json:"tasks"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Cycle returns the looping path carried by a cycle_detected error.
func (e *APIError) Cycle() []string {
	raw, _ := e.Details["cycle"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ListRules returns the rules of a system.
func (c *Client) ListRules(ctx context.Context, system string) ([]Rule, error) {
	var resp []Rule
	err := c.do(ctx, http.MethodGet, systemPath(system, "rules"), nil, &resp)
	return resp, err
}

// CreateRule adds a rule. A rule that would loop the flow fails with code cycle_detected.
func (c *Client) CreateRule(ctx context.Context, system string, in RuleInput) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, systemPath(system, "rules"), in, &resp)
	return resp, err
}

// CheckRule runs the loop check without storing the rule.
func (c *Client) CheckRule(ctx context.Context, system string, in RuleInput) (CycleCheck, error) {
	var resp CycleCheck
	err := c.do(ctx, http.MethodPost, systemPath(system, "rules/check"), in, &resp)
	return resp, err
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "rules/"+url.PathEscape(id), nil, nil)
}

// Path expands the branches of a system with projected due dates.
func (c *Client) Path(ctx context.Context, system string, q PathQuery) (Path, error) {
	params := url.Values{}
	if q.Start != "" {
		params.Set("start", q.Start)
	}
	if !q.From.IsZero() {
		params.Set("from", q.From.UTC().Format(time.RFC3339))
	}
	for task, status := range q.Branches {
		params.Add("status", task+"="+status)
	}
	endpoint := systemPath(system, "path")
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp Path
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CalculateTAT returns the due date for amount units of tatType from ts.
func (c *Client) CalculateTAT(ctx context.Context, ts time.Time, amount int, tatType string) (time.Time, error) {
	body := map[string]any{
		"timestamp": ts,
		"amount":    amount,
		"tat_type":  tatType,
	}
	var resp TAT
	err := c.do(ctx, http.MethodPost, "tat/calculate", body, &resp)
	return resp.DueAt, err
}

func (c *Client) StartFlow(ctx context.Context, system string) (Flow, error) {
	var resp Flow
	err := c.do(ctx, http.MethodPost, systemPath(system, "flows"), map[string]any{}, &resp)
	return resp, err
}

func (c *Client) GetFlow(ctx context.Context, id string) (Flow, error) {
	var resp Flow
	err := c.do(ctx, http.MethodGet, "flows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CompleteTask finishes a task with status and returns the advanced flow.
func (c *Client) CompleteTask(ctx context.Context, taskID, status string) (Flow, error) {
	body := map[string]any{"status": status}
	var resp Flow
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/complete", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func systemPath(system, p string) string {
	return fmt.Sprintf("systems/%s/%s", url.PathEscape(system), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
