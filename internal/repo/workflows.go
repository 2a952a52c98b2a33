package repo

import (
	"context"
	"database/sql"

	"lumigator/internal/domain"
)

const workflowColumns = `id,experiment_id,name,COALESCE(description,'') AS description,model,provider,COALESCE(system_prompt,'') AS system_prompt,status,job_timeout_sec,created_at,updated_at`

func scanWorkflow(scan func(dest ...any) error) (domain.Workflow, error) {
	var w domain.Workflow
	err := scan(&w.ID, &w.ExperimentID, &w.Name, &w.Description, &w.Model, &w.Provider,
		&w.SystemPrompt, &w.Status, &w.JobTimeoutSec, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,experiment_id,name,description,model,provider,system_prompt,status,job_timeout_sec,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ExperimentID, w.Name, nullable(w.Description), w.Model, w.Provider,
		nullable(w.SystemPrompt), w.Status, w.JobTimeoutSec, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id)
	return scanWorkflow(row.Scan)
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (domain.Workflow, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id)
	return scanWorkflow(row.Scan)
}

func (r Repo) ListWorkflows(ctx context.Context, experimentID string, skip, limit int) ([]domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	if experimentID != "" {
		query += ` WHERE experiment_id=?`
		args = append(args, experimentID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, skip)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) CountWorkflows(ctx context.Context, experimentID string) (int, error) {
	query := `SELECT COUNT(*) FROM workflows`
	var args []any
	if experimentID != "" {
		query += ` WHERE experiment_id=?`
		args = append(args, experimentID)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (r Repo) UpdateWorkflowStatus(ctx context.Context, tx *sql.Tx, id string, status domain.WorkflowStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteWorkflow(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
