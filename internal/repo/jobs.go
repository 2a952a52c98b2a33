package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"lumigator/internal/domain"
)

const jobColumns = `id,workflow_id,experiment_id,job_type,status,submission_id,name,COALESCE(description,'') AS description,COALESCE(logs,'') AS logs,created_at,updated_at`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var workflowID, experimentID, submissionID sql.NullString
	err := scan(&j.ID, &workflowID, &experimentID, &j.JobType, &j.Status, &submissionID,
		&j.Name, &j.Description, &j.Logs, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if workflowID.Valid {
		j.WorkflowID = &workflowID.String
	}
	if experimentID.Valid {
		j.ExperimentID = &experimentID.String
	}
	if submissionID.Valid {
		j.SubmissionID = &submissionID.String
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,workflow_id,experiment_id,job_type,status,submission_id,name,description,logs,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, nullableStringPtr(j.WorkflowID), nullableStringPtr(j.ExperimentID), j.JobType, j.Status,
		nullableStringPtr(j.SubmissionID), j.Name, nullable(j.Description), nullable(j.Logs), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	JobTypes   []domain.JobType
	WorkflowID string
	Statuses   []domain.JobStatus
}

func (r Repo) ListJobs(ctx context.Context, skip, limit int, filter JobFilter) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if len(filter.JobTypes) > 0 {
		ph := make([]string, len(filter.JobTypes))
		for i, t := range filter.JobTypes {
			ph[i] = "?"
			args = append(args, t)
		}
		clauses = append(clauses, fmt.Sprintf("job_type IN (%s)", strings.Join(ph, ",")))
	}
	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, filter.WorkflowID)
	}
	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			ph[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(ph, ",")))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, skip)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) CountJobs(ctx context.Context, filter JobFilter) (int, error) {
	var clauses []string
	var args []any
	if len(filter.JobTypes) > 0 {
		ph := make([]string, len(filter.JobTypes))
		for i, t := range filter.JobTypes {
			ph[i] = "?"
			args = append(args, t)
		}
		clauses = append(clauses, fmt.Sprintf("job_type IN (%s)", strings.Join(ph, ",")))
	}
	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, filter.WorkflowID)
	}
	query := `SELECT COUNT(*) FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// UpdateJobStatus moves a job to the given status, touching updated_at.
func (r Repo) UpdateJobStatus(ctx context.Context, tx *sql.Tx, id string, status domain.JobStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetJobSubmissionID records the remote submission id. The id is set
// exactly once: a row that already carries a different id is not touched.
func (r Repo) SetJobSubmissionID(ctx context.Context, tx *sql.Tx, id, submissionID string, status domain.JobStatus, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET submission_id=?, status=?, updated_at=? WHERE id=? AND (submission_id IS NULL OR submission_id=?)`,
		submissionID, status, now, id, submissionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: submission id already set", id)
	}
	return nil
}

func (r Repo) UpdateJobLogs(ctx context.Context, tx *sql.Tx, id, logs, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET logs=?, updated_at=? WHERE id=?`, nullable(logs), now, id)
	return err
}

func (r Repo) DeleteJob(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
