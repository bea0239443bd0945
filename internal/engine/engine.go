package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/domain"
	"taskflow/internal/engine/auth"
	"taskflow/internal/events"
	"taskflow/internal/metrics"
	"taskflow/internal/repo"
	"taskflow/internal/tat"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{Now: time.Now},
		Auth:   auth.Service{Repo: r, Config: cfg},
		Config: cfg,
		Now:    time.Now,
	}
}

// ValidationError reports input that can never succeed as sent.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// ConflictError reports a request that clashes with current state.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) orgID() (string, error) {
	if e.Config == nil || e.Config.Org.ID == "" {
		return "", errors.New("config not loaded")
	}
	return e.Config.Org.ID, nil
}

// events share the engine clock so audit timestamps line up with row timestamps.
func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	orgID, _ := e.orgID()
	return w.Append(ctx, tx, evtType, orgID, entityKind, entityID, actorID, payload)
}

// InitOrg creates an organization with the default config and makes actorID its owner.
func (e Engine) InitOrg(ctx context.Context, orgID, name, actorID string) (domain.Organization, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return domain.Organization{}, ValidationError{Field: "org", Msg: "id is required"}
	}
	if name == "" {
		name = orgID
	}
	if actorID == "" {
		actorID = "local-user"
	}
	cfg := config.Default(orgID)
	if e.Config != nil && e.Config.Org.ID == orgID {
		copied := *e.Config
		cfg = &copied
	}
	cfg.Org.Name = name

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	o := domain.Organization{ID: orgID, Name: name, CreatedAt: now}
	if err := e.Repo.InsertOrg(ctx, tx, o); err != nil {
		return domain.Organization{}, err
	}
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, orgID, cfg); err != nil {
		return domain.Organization{}, fmt.Errorf("insert org config: %w", err)
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Organization{}, fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, orgID, actorID, "owner"); err != nil {
		return domain.Organization{}, fmt.Errorf("assign owner: %w", err)
	}
	w := e.Events
	w.Now = e.now
	if err := w.Append(ctx, tx, "org.init", orgID, "org", orgID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Organization{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Organization{}, err
	}
	return o, nil
}

// ImportConfig replaces the stored org config after validation.
func (e Engine) ImportConfig(ctx context.Context, cfg *config.Config, actorID string) error {
	orgID, err := e.orgID()
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, orgID, cfg); err != nil {
		return ValidationError{Field: "config", Msg: err.Error()}
	}
	if err := e.appendEvent(ctx, tx, "config.imported", "org", orgID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// calculator uses the org calendar, or the default calendar before any config is loaded.
func (e Engine) calculator() (*tat.Calculator, error) {
	cfg := tat.DefaultConfig()
	if e.Config != nil {
		cfg = e.Config.TAT
	}
	calc, err := tat.New(cfg)
	if err != nil {
		return nil, ValidationError{Field: "tat", Msg: err.Error()}
	}
	return calc, nil
}

// CalculateTAT computes a due date from ts using the org's working calendar.
func (e Engine) CalculateTAT(ts time.Time, amount int, tatType string) (time.Time, error) {
	calc, err := e.calculator()
	if err != nil {
		return time.Time{}, err
	}
	kind := tat.ParseKind(tatType)
	due, err := calc.Calculate(ts, amount, kind)
	if err != nil {
		if errors.Is(err, tat.ErrNegativeAmount) {
			return time.Time{}, ValidationError{Field: "tat", Msg: err.Error()}
		}
		return time.Time{}, err
	}
	metrics.TATCalculations.WithLabelValues(string(kind)).Inc()
	return due, nil
}

// GrantRole assigns a configured role to targetID.
func (e Engine) GrantRole(ctx context.Context, targetID, roleID, actorID string) error {
	return e.changeRole(ctx, targetID, roleID, actorID, true)
}

func (e Engine) RevokeRole(ctx context.Context, targetID, roleID, actorID string) error {
	return e.changeRole(ctx, targetID, roleID, actorID, false)
}

func (e Engine) changeRole(ctx context.Context, targetID, roleID, actorID string, grant bool) error {
	orgID, err := e.orgID()
	if err != nil {
		return err
	}
	if strings.TrimSpace(targetID) == "" {
		return ValidationError{Field: "actor", Msg: "actor id is required"}
	}
	if !e.Auth.RoleExists(roleID) {
		return ValidationError{Field: "role", Msg: fmt.Sprintf("role %s is not defined", roleID)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	evt := "rbac.revoked"
	if grant {
		evt = "rbac.granted"
		if err := e.Repo.EnsureActor(ctx, tx, targetID, e.stamp()); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, orgID, targetID, roleID); err != nil {
			return err
		}
	} else if err := e.Repo.RevokeRole(ctx, tx, orgID, targetID, roleID); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, evt, "actor", targetID, actorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// WhoAmI returns the roles and permissions of actorID within the org.
func (e Engine) WhoAmI(ctx context.Context, actorID string) (domain.ActorProfile, error) {
	orgID, err := e.orgID()
	if err != nil {
		return domain.ActorProfile{}, err
	}
	roles, err := e.Auth.ActorRoles(ctx, nil, orgID, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, nil, orgID, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	return domain.ActorProfile{OrgID: orgID, ActorID: actorID, Roles: roles, Permissions: perms}, nil
}
