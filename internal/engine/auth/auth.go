package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"taskflow/internal/config"
	"taskflow/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service resolves permissions from actor_roles rows and the role table in the org config.
type Service struct {
	Repo   repo.Repo
	Config *config.Config
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, orgID, actorID string) ([]string, error) {
	return s.Repo.ActorRoles(ctx, tx, orgID, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, orgID, actorID string) ([]string, error) {
	roles, err := s.Repo.ActorRoles(ctx, tx, orgID, actorID)
	if err != nil {
		return nil, err
	}
	set := map[string]struct{}{}
	for _, role := range roles {
		for _, p := range s.Config.RolePermissions(role) {
			set[p] = struct{}{}
		}
	}
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, nil
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, orgID, actorID, perm string) (bool, error) {
	perms, err := s.ActorPermissions(ctx, tx, orgID, actorID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

// Require returns ForbiddenError when actorID lacks perm.
func (s Service) Require(ctx context.Context, orgID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, nil, orgID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// RoleExists reports whether roleID is defined in the org config.
func (s Service) RoleExists(roleID string) bool {
	if s.Config == nil {
		return false
	}
	_, ok := s.Config.RBAC.Roles[roleID]
	return ok
}
