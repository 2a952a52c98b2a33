package repo

import (
	"context"
	"database/sql"

	"lumigator/internal/domain"
)

const experimentColumns = `id,name,COALESCE(description,'') AS description,task,dataset_id,max_samples,created_at,updated_at`

func scanExperiment(scan func(dest ...any) error) (domain.Experiment, error) {
	var e domain.Experiment
	err := scan(&e.ID, &e.Name, &e.Description, &e.Task, &e.DatasetID, &e.MaxSamples, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) InsertExperiment(ctx context.Context, tx *sql.Tx, e domain.Experiment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO experiments(id,name,description,task,dataset_id,max_samples,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.Name, nullable(e.Description), e.Task, e.DatasetID, e.MaxSamples, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id=?`, id)
	return scanExperiment(row.Scan)
}

func (r Repo) ListExperiments(ctx context.Context, skip, limit int) ([]domain.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, skip)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountExperiments(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM experiments`).Scan(&n)
	return n, err
}

func (r Repo) DeleteExperiment(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
