package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"taskflow/internal/domain"
)

const ruleColumns = `id,org_id,system,current_task,status,next_task,tat,tat_type,COALESCE(doer,''),COALESCE(email,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (domain.FlowRule, error) {
	var fr domain.FlowRule
	err := row.Scan(&fr.ID, &fr.OrgID, &fr.System, &fr.CurrentTask, &fr.Status, &fr.NextTask,
		&fr.TAT, &fr.TATType, &fr.Doer, &fr.Email, &fr.CreatedAt, &fr.UpdatedAt)
	if err == sql.ErrNoRows {
		return fr, ErrNotFound
	}
	return fr, err
}

// InsertRule appends a rule at the end of its system's insertion order.
func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, fr domain.FlowRule) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO flow_rules(id,org_id,system,current_task,status,next_task,tat,tat_type,doer,email,created_at,updated_at,seq)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM flow_rules WHERE org_id=? AND system=?))`,
		fr.ID, fr.OrgID, fr.System, fr.CurrentTask, fr.Status, fr.NextTask, fr.TAT, fr.TATType,
		nullable(fr.Doer), nullable(fr.Email), fr.CreatedAt, fr.UpdatedAt, fr.OrgID, fr.System)
	if isUniqueViolation(err) {
		return fmt.Errorf("rule %s -> %s on status %q: %w", displayTask(fr.CurrentTask, "(start)"), displayTask(fr.NextTask, "(end)"), fr.Status, ErrDuplicate)
	}
	return err
}

func (r Repo) UpdateRule(ctx context.Context, tx *sql.Tx, fr domain.FlowRule) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE flow_rules SET current_task=?, status=?, next_task=?, tat=?, tat_type=?, doer=?, email=?, updated_at=? WHERE id=?`,
		fr.CurrentTask, fr.Status, fr.NextTask, fr.TAT, fr.TATType, nullable(fr.Doer), nullable(fr.Email), fr.UpdatedAt, fr.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("rule %s -> %s on status %q: %w", displayTask(fr.CurrentTask, "(start)"), displayTask(fr.NextTask, "(end)"), fr.Status, ErrDuplicate)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRule(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM flow_rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRule(ctx context.Context, tx *sql.Tx, id string) (domain.FlowRule, error) {
	return scanRule(r.q(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM flow_rules WHERE id=?`, id))
}

// ListRules returns a system's rules in insertion order, the order the graph relies on.
func (r Repo) ListRules(ctx context.Context, tx *sql.Tx, orgID, system string) ([]domain.FlowRule, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+ruleColumns+` FROM flow_rules WHERE org_id=? AND system=? ORDER BY seq, created_at, id`, orgID, system)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FlowRule
	for rows.Next() {
		fr, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, fr)
	}
	return res, rows.Err()
}

// FindRules returns the rules leaving task with the given status.
func (r Repo) FindRules(ctx context.Context, tx *sql.Tx, orgID, system, currentTask, status string) ([]domain.FlowRule, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+ruleColumns+` FROM flow_rules WHERE org_id=? AND system=? AND current_task=? AND status=? ORDER BY seq, id`,
		orgID, system, currentTask, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FlowRule
	for rows.Next() {
		fr, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, fr)
	}
	return res, rows.Err()
}

type SystemSummary struct {
	Name      string `json:"name"`
	RuleCount int    `json:"rule_count"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

func (r Repo) ListSystems(ctx context.Context, orgID string) ([]SystemSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT system, COUNT(*), MAX(updated_at) FROM flow_rules WHERE org_id=? GROUP BY system ORDER BY system`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SystemSummary
	for rows.Next() {
		var s SystemSummary
		if err := rows.Scan(&s.Name, &s.RuleCount, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func displayTask(name, empty string) string {
	if strings.TrimSpace(name) == "" {
		return empty
	}
	return name
}
