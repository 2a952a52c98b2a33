package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"lumigator/internal/domain"
)

func (r Repo) InsertJobResult(ctx context.Context, tx *sql.Tx, res domain.JobResult, now string) error {
	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return err
	}
	parameters, err := json.Marshal(res.Parameters)
	if err != nil {
		return err
	}
	artifacts, err := json.Marshal(res.Artifacts)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO job_results(id,job_id,metrics_json,parameters_json,artifacts_json,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET metrics_json=excluded.metrics_json, parameters_json=excluded.parameters_json, artifacts_json=excluded.artifacts_json`,
		res.ID, res.JobID, string(metrics), string(parameters), string(artifacts), now)
	return err
}

func (r Repo) GetJobResult(ctx context.Context, jobID string) (domain.JobResult, error) {
	var res domain.JobResult
	var metrics, parameters, artifacts string
	err := r.DB.QueryRowContext(ctx, `SELECT id,job_id,metrics_json,parameters_json,artifacts_json FROM job_results WHERE job_id=?`, jobID).
		Scan(&res.ID, &res.JobID, &metrics, &parameters, &artifacts)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal([]byte(metrics), &res.Metrics); err != nil {
		return res, err
	}
	if err := json.Unmarshal([]byte(parameters), &res.Parameters); err != nil {
		return res, err
	}
	if err := json.Unmarshal([]byte(artifacts), &res.Artifacts); err != nil {
		return res, err
	}
	return res, nil
}
