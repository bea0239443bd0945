package taskflowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateRuleSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/systems/billing/rules" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "tfk_test" {
			t.Fatalf("expected api key header, got %q", got)
		}
		var in RuleInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Rule{ID: "r1", System: "billing", CurrentTask: in.CurrentTask, NextTask: in.NextTask, TATType: "hourtat"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "tfk_test"
	rule, err := c.CreateRule(context.Background(), "billing", RuleInput{CurrentTask: "Intake", NextTask: "Review", TAT: 4})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if rule.ID != "r1" || rule.NextTask != "Review" {
		t.Fatalf("unexpected rule %+v", rule)
	}
}

func TestCycleErrorIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"cycle_detected","message":"rule would create a loop","details":{"cycle":["B","A","B"]}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.CreateRule(context.Background(), "billing", RuleInput{CurrentTask: "B", NextTask: "A"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "cycle_detected" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	cycle := apiErr.Cycle()
	if len(cycle) != 3 || cycle[0] != "B" || cycle[2] != "B" {
		t.Fatalf("unexpected cycle %v", cycle)
	}
}

func TestPathEncodesQuery(t *testing.T) {
	from := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("start") != "Intake" || q.Get("from") != "2024-03-15T09:00:00Z" || q.Get("status") != "Review=approved" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(Path{System: "billing", StartTask: "Intake", Steps: []PathStep{{TaskName: "Intake", RepeatNumber: 1}}})
	}))
	defer srv.Close()

	p, err := New(srv.URL).Path(context.Background(), "billing", PathQuery{
		Start:    "Intake",
		From:     from,
		Branches: map[string]string{"Review": "approved"},
	})
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if len(p.Steps) != 1 || p.Steps[0].TaskName != "Intake" {
		t.Fatalf("unexpected path %+v", p)
	}
}

func TestDeleteRuleNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v0/rules/r1" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := New(srv.URL).DeleteRule(context.Background(), "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
