package repo

import (
	"context"
	"database/sql"

	"lumigator/internal/domain"
)

const datasetColumns = `id,filename,uri,format,generated_by,run_id,created_at`

func scanDataset(scan func(dest ...any) error) (domain.Dataset, error) {
	var d domain.Dataset
	var generatedBy, runID sql.NullString
	err := scan(&d.ID, &d.Filename, &d.URI, &d.Format, &generatedBy, &runID, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if generatedBy.Valid {
		d.GeneratedBy = &generatedBy.String
	}
	if runID.Valid {
		d.RunID = &runID.String
	}
	return d, nil
}

func (r Repo) InsertDataset(ctx context.Context, d domain.Dataset) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO datasets(id,filename,uri,format,generated_by,run_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.Filename, d.URI, d.Format, nullableStringPtr(d.GeneratedBy), nullableStringPtr(d.RunID), d.CreatedAt)
	return err
}

func (r Repo) InsertDatasetTx(ctx context.Context, tx *sql.Tx, d domain.Dataset) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO datasets(id,filename,uri,format,generated_by,run_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.Filename, d.URI, d.Format, nullableStringPtr(d.GeneratedBy), nullableStringPtr(d.RunID), d.CreatedAt)
	return err
}

func (r Repo) GetDataset(ctx context.Context, id string) (domain.Dataset, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id=?`, id)
	return scanDataset(row.Scan)
}

// GetDatasetByRunID finds the dataset a job produced, if any.
func (r Repo) GetDatasetByRunID(ctx context.Context, runID string) (domain.Dataset, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE run_id=?`, runID)
	return scanDataset(row.Scan)
}

func (r Repo) ListDatasets(ctx context.Context, skip, limit int) ([]domain.Dataset, error) {
	query := `SELECT ` + datasetColumns + ` FROM datasets ORDER BY created_at DESC, id DESC`
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
	var res []domain.Dataset
	for rows.Next() {
		d, err := scanDataset(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) DeleteDataset(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM datasets WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
