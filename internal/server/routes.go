package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"taskflow/internal/config"
	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/flowgraph"
	"taskflow/internal/repo"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerSystems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-systems",
		Method:      http.MethodGet,
		Path:        "/systems",
		Summary:     "List systems with rules",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []repo.SystemSummary `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "rule.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListSystems(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []repo.SystemSummary `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/systems/{system}/rules",
		Summary:     "List a system's rules in insertion order",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		System string `path:"system"`
	}) (*struct {
		Body []domain.FlowRule `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "rule.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListRules(ctx, input.System)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.FlowRule `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/systems/{system}/rules",
		Summary:       "Create a flow rule",
		Description:   "Rejected with cycle_detected when the rule would let the flow loop forever.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		System string      `path:"system"`
		Body   RuleRequest `json:"body"`
	}) (*struct {
		Body domain.FlowRule `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, "rule.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fr, err := e.AddRule(ctx, input.Body.input(input.System, actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FlowRule `json:"body"`
		}{Body: fr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-rule",
		Method:      http.MethodPost,
		Path:        "/systems/{system}/rules/check",
		Summary:     "Check a candidate rule for loops without saving it",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		System string      `path:"system"`
		Body   RuleRequest `json:"body"`
	}) (*struct {
		Body flowgraph.CycleResult `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "rule.read"); err != nil {
			return nil, handleError(err)
		}
		res, err := e.CheckRule(ctx, input.Body.input(input.System, ""))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body flowgraph.CycleResult `json:"body"`
		}{Body: cycleResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}",
		Summary:     "Get a flow rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct {
		Body domain.FlowRule `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "rule.read"); err != nil {
			return nil, handleError(err)
		}
		fr, err := e.GetRule(ctx, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FlowRule `json:"body"`
		}{Body: fr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{rule_id}",
		Summary:     "Update a flow rule",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		RuleID string            `path:"rule_id"`
		Body   UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.FlowRule `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, "rule.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fr, err := e.UpdateRule(ctx, engine.RuleUpdate{
			ID:          input.RuleID,
			CurrentTask: input.Body.CurrentTask,
			Status:      input.Body.Status,
			NextTask:    input.Body.NextTask,
			TAT:         input.Body.TAT,
			TATType:     input.Body.TATType,
			Doer:        input.Body.Doer,
			Email:       input.Body.Email,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FlowRule `json:"body"`
		}{Body: fr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/rules/{rule_id}",
		Summary:       "Delete a flow rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "rule.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteRule(ctx, input.RuleID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerPath(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "rule-path",
		Method:      http.MethodGet,
		Path:        "/systems/{system}/path",
		Summary:     "Expand every branch of a system's flow with projected due dates",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		System string    `path:"system"`
		Start  string    `query:"start" doc:"Task to start from; empty expands the flow start"`
		From   time.Time `query:"from" doc:"Anchor for due dates; defaults to now"`
		Status []string  `query:"status" doc:"Branch filter entries as task=status"`
	}) (*struct {
		Body PathResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "rule.read"); err != nil {
			return nil, handleError(err)
		}
		filter, err := parseStatusFilter(input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.RulePath(ctx, engine.PathOptions{
			System:       input.System,
			StartTask:    input.Start,
			StatusFilter: filter,
			From:         input.From,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PathResponse `json:"body"`
		}{Body: pathResponse(p)}, nil
	})
}

// parseStatusFilter reads task=status pairs.
func parseStatusFilter(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	filter := make(map[string]string, len(items))
	for _, item := range items {
		task, status, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(task) == "" {
			return nil, engine.ValidationError{Field: "status", Msg: "filter entries must look like task=status"}
		}
		filter[strings.TrimSpace(task)] = strings.TrimSpace(status)
	}
	return filter, nil
}

func registerTAT(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "calculate-tat",
		Method:      http.MethodPost,
		Path:        "/tat/calculate",
		Summary:     "Compute a due date on the organization's working calendar",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body TATRequest `json:"body"`
	}) (*struct {
		Body TATResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "tat.calculate"); err != nil {
			return nil, handleError(err)
		}
		due, err := e.CalculateTAT(input.Body.Timestamp, input.Body.Amount, input.Body.TATType)
		if err != nil {
			return nil, handleError(err)
		}
		kind := input.Body.TATType
		if kind == "" {
			kind = "hourtat"
		}
		return &struct {
			Body TATResponse `json:"body"`
		}{Body: TATResponse{
			Timestamp: input.Body.Timestamp,
			Amount:    input.Body.Amount,
			TATType:   strings.ToLower(kind),
			DueAt:     due,
		}}, nil
	})
}

func registerFlows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-flow",
		Method:        http.MethodPost,
		Path:          "/systems/{system}/flows",
		Summary:       "Start a flow instance",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		System string `path:"system"`
	}) (*struct {
		Body FlowResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "flow.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		state, err := e.StartFlow(ctx, input.System, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlowResponse `json:"body"`
		}{Body: flowResponse(state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-flows",
		Method:      http.MethodGet,
		Path:        "/flows",
		Summary:     "List flow instances",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		System string `query:"system"`
		Status string `query:"status" enum:"running,completed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Flow `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "flow.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListFlows(ctx, input.System, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Flow `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-flow",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}",
		Summary:     "Get a flow with its tasks",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FlowID string `path:"flow_id"`
	}) (*struct {
		Body FlowResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "flow.read"); err != nil {
			return nil, handleError(err)
		}
		state, err := e.GetFlow(ctx, input.FlowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlowResponse `json:"body"`
		}{Body: flowResponse(state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete a task instance and advance its flow",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   CompleteTaskRequest `json:"body"`
	}) (*struct {
		Body FlowResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "flow.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		state, err := e.CompleteTask(ctx, input.TaskID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlowResponse `json:"body"`
		}{Body: flowResponse(state)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"org,rule,flow,task,actor"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "events.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), e.Config.Org.ID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Export the organization config as YAML",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "config.read"); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Repo.GetOrgConfig(ctx, e.Config.Org.ID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := config.ToYAML(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: ConfigResponse{OrgID: cfg.Org.ID, YAML: string(data)}}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	for _, op := range []struct {
		id, path, summary string
		apply             func(engine.Engine, context.Context, string, string, string) error
	}{
		{"grant-role", "/rbac/roles/grant", "Grant role", engine.Engine.GrantRole},
		{"revoke-role", "/rbac/roles/revoke", "Revoke role", engine.Engine.RevokeRole},
	} {
		op := op
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      writeErrors,
		}, func(ctx context.Context, input *struct {
			Body RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			if err := requirePermission(ctx, e, "rbac.manage"); err != nil {
				return nil, handleError(err)
			}
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := op.apply(e, ctx, input.Body.ActorID, input.Body.RoleID, actorID); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		})
	}
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		if len(perms) == 0 && e.Config != nil {
			if who, err := e.WhoAmI(ctx, principal.ActorID); err == nil {
				if len(roles) == 0 {
					roles = who.Roles
				}
				perms = who.Permissions
			}
		}
		orgID := ""
		if e.Config != nil {
			orgID = e.Config.Org.ID
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			OrgID:       orgID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
