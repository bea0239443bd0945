package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskflow/internal/domain"
)

func (r Repo) InsertFlow(ctx context.Context, tx *sql.Tx, f domain.Flow) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO flows(id,org_id,system,status,started_by,created_at,completed_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.OrgID, f.System, f.Status, f.StartedBy, f.CreatedAt, nullableStringPtr(f.CompletedAt))
	return err
}

func (r Repo) GetFlow(ctx context.Context, tx *sql.Tx, id string) (domain.Flow, error) {
	var f domain.Flow
	var completedAt sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,org_id,system,status,started_by,created_at,completed_at FROM flows WHERE id=?`, id).
		Scan(&f.ID, &f.OrgID, &f.System, &f.Status, &f.StartedBy, &f.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	f.CompletedAt = stringPtr(completedAt)
	return f, err
}

func (r Repo) CompleteFlow(ctx context.Context, tx *sql.Tx, id, completedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE flows SET status=?, completed_at=? WHERE id=?`, domain.FlowCompleted, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type FlowFilters struct {
	OrgID  string
	System string
	Status string
	Limit  int
}

func (r Repo) ListFlows(ctx context.Context, f FlowFilters) ([]domain.Flow, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.System != "" {
		clauses = append(clauses, "system=?")
		args = append(args, f.System)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT id,org_id,system,status,started_by,created_at,completed_at FROM flows WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Flow
	for rows.Next() {
		var fl domain.Flow
		var completedAt sql.NullString
		if err := rows.Scan(&fl.ID, &fl.OrgID, &fl.System, &fl.Status, &fl.StartedBy, &fl.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		fl.CompletedAt = stringPtr(completedAt)
		res = append(res, fl)
	}
	return res, rows.Err()
}

const taskColumns = `id,flow_id,rule_id,task_name,status,doer,email,planned_time,actual_completion_time,completed_by,created_at`

func scanTaskInstance(row rowScanner) (domain.TaskInstance, error) {
	var ti domain.TaskInstance
	var ruleID, doer, email, actual, completedBy sql.NullString
	err := row.Scan(&ti.ID, &ti.FlowID, &ruleID, &ti.TaskName, &ti.Status, &doer, &email, &ti.PlannedTime, &actual, &completedBy, &ti.CreatedAt)
	if err == sql.ErrNoRows {
		return ti, ErrNotFound
	}
	if err != nil {
		return ti, err
	}
	ti.RuleID = ruleID.String
	ti.Doer = doer.String
	ti.Email = email.String
	ti.ActualCompletionTime = stringPtr(actual)
	ti.CompletedBy = stringPtr(completedBy)
	return ti, nil
}

func (r Repo) InsertTaskInstance(ctx context.Context, tx *sql.Tx, ti domain.TaskInstance) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO task_instances(id,flow_id,rule_id,task_name,status,doer,email,planned_time,actual_completion_time,completed_by,created_at,seq)
VALUES (?,?,?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM task_instances WHERE flow_id=?))`,
		ti.ID, ti.FlowID, nullable(ti.RuleID), ti.TaskName, ti.Status, nullable(ti.Doer), nullable(ti.Email), ti.PlannedTime,
		nullableStringPtr(ti.ActualCompletionTime), nullableStringPtr(ti.CompletedBy), ti.CreatedAt, ti.FlowID)
	return err
}

func (r Repo) GetTaskInstance(ctx context.Context, tx *sql.Tx, id string) (domain.TaskInstance, error) {
	return scanTaskInstance(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_instances WHERE id=?`, id))
}

// CompleteTaskInstance only touches pending instances; a second completion reports ErrNotFound.
func (r Repo) CompleteTaskInstance(ctx context.Context, tx *sql.Tx, id, status, completedAt, actorID string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE task_instances SET status=?, actual_completion_time=?, completed_by=? WHERE id=? AND actual_completion_time IS NULL`,
		status, completedAt, nullable(actorID), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTaskInstances(ctx context.Context, tx *sql.Tx, flowID string) ([]domain.TaskInstance, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+taskColumns+` FROM task_instances WHERE flow_id=? ORDER BY seq, id`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ti)
	}
	return res, rows.Err()
}

// CountOpenTasks returns how many instances of a flow are still pending.
func (r Repo) CountOpenTasks(ctx context.Context, tx *sql.Tx, flowID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM task_instances WHERE flow_id=? AND actual_completion_time IS NULL`, flowID).Scan(&n)
	return n, err
}
