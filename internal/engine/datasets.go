package engine

import (
	"context"

	"github.com/google/uuid"

	"lumigator/internal/domain"
	"lumigator/internal/repo"
)

// RegisterDataset records an externally uploaded dataset so experiments
// can reference it. Job-generated datasets are registered internally when
// their jobs finish.
func (e *Engine) RegisterDataset(ctx context.Context, filename, uri string) (domain.Dataset, error) {
	if filename == "" || uri == "" {
		return domain.Dataset{}, domain.Validation("dataset filename and uri are required")
	}
	ds := domain.Dataset{
		ID:        uuid.New().String(),
		Filename:  filename,
		URI:       uri,
		Format:    domain.DatasetFormatExperiment,
		CreatedAt: e.now(),
	}
	if err := e.Repo.InsertDataset(ctx, ds); err != nil {
		return domain.Dataset{}, err
	}
	return ds, nil
}

func (e *Engine) GetDataset(ctx context.Context, id string) (domain.Dataset, error) {
	ds, err := e.Repo.GetDataset(ctx, id)
	if err == repo.ErrNotFound {
		return domain.Dataset{}, domain.NotFound("dataset", id)
	}
	return ds, err
}

func (e *Engine) ListDatasets(ctx context.Context, skip, limit int) ([]domain.Dataset, error) {
	return e.Repo.ListDatasets(ctx, skip, limit)
}

func (e *Engine) DeleteDataset(ctx context.Context, id string) error {
	err := e.Repo.DeleteDataset(ctx, id)
	if err == repo.ErrNotFound {
		return domain.NotFound("dataset", id)
	}
	return err
}
