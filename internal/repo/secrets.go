package repo

import (
	"context"
	"database/sql"

	"lumigator/internal/domain"
)

// SecretRow is the at-rest form of a secret: value holds ciphertext.
type SecretRow struct {
	ID          string
	Name        string
	Value       string
	Description string
	CreatedAt   string
}

func (r Repo) GetSecretByName(ctx context.Context, name string) (SecretRow, error) {
	var row SecretRow
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,value,description,created_at FROM secrets WHERE name=? COLLATE NOCASE`, name).
		Scan(&row.ID, &row.Name, &row.Value, &desc, &row.CreatedAt)
	if err == sql.ErrNoRows {
		return row, ErrNotFound
	}
	if desc.Valid {
		row.Description = desc.String
	}
	return row, err
}

// UpsertSecret writes the ciphertext row, reporting whether it was created.
func (r Repo) UpsertSecret(ctx context.Context, row SecretRow) (bool, error) {
	existing, err := r.GetSecretByName(ctx, row.Name)
	if err != nil && err != ErrNotFound {
		return false, err
	}
	if err == ErrNotFound {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO secrets(id,name,value,description,created_at) VALUES (?,?,?,?,?)`,
			row.ID, row.Name, row.Value, nullable(row.Description), row.CreatedAt)
		return true, err
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE secrets SET value=?, description=? WHERE id=?`,
		row.Value, nullable(row.Description), existing.ID)
	return false, err
}

func (r Repo) ListSecrets(ctx context.Context) ([]domain.SecretMeta, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,COALESCE(description,''),created_at FROM secrets ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SecretMeta
	for rows.Next() {
		var m domain.SecretMeta
		if err := rows.Scan(&m.Name, &m.Description, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) DeleteSecret(ctx context.Context, name string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM secrets WHERE name=? COLLATE NOCASE`, name)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetKeyFingerprint reads the recorded fingerprint for a key purpose.
func (r Repo) GetKeyFingerprint(ctx context.Context, purpose string) (string, error) {
	var fp string
	err := r.DB.QueryRowContext(ctx, `SELECT fingerprint FROM keys WHERE purpose=?`, purpose).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return fp, err
}

func (r Repo) UpsertKeyFingerprint(ctx context.Context, purpose, fingerprint, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO keys(purpose,fingerprint,created_at) VALUES (?,?,?)
ON CONFLICT(purpose) DO UPDATE SET fingerprint=excluded.fingerprint`, purpose, fingerprint, now)
	return err
}
