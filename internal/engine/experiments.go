package engine

import (
	"context"
	"database/sql"

	"lumigator/internal/domain"
	"lumigator/internal/events"
	"lumigator/internal/repo"
)

// ExperimentSpec is the request to create an experiment.
type ExperimentSpec struct {
	Name        string
	Description string
	Task        string
	DatasetID   string
	MaxSamples  int
}

var validTasks = map[string]bool{
	"summarization":   true,
	"translation":     true,
	"text-generation": true,
}

// CreateExperiment registers the experiment with the tracking backend and
// mirrors it locally. The tracking backend assigns the id, which is the
// experiment's system-wide identity.
func (e *Engine) CreateExperiment(ctx context.Context, spec ExperimentSpec) (domain.Experiment, error) {
	if spec.Name == "" {
		return domain.Experiment{}, domain.Validation("experiment name is required")
	}
	if !validTasks[spec.Task] {
		return domain.Experiment{}, domain.Validation("unknown task %q", spec.Task)
	}
	if _, err := e.Repo.GetDataset(ctx, spec.DatasetID); err != nil {
		if err == repo.ErrNotFound {
			return domain.Experiment{}, domain.NotFound("dataset", spec.DatasetID)
		}
		return domain.Experiment{}, err
	}
	if spec.MaxSamples == 0 {
		spec.MaxSamples = -1
	}

	id, err := e.Tracking.CreateExperiment(ctx, spec.Name, spec.Description, spec.Task, spec.DatasetID, spec.MaxSamples)
	if err != nil {
		return domain.Experiment{}, err
	}

	now := e.now()
	exp := domain.Experiment{
		ID:          id,
		Name:        spec.Name,
		Description: spec.Description,
		Task:        spec.Task,
		DatasetID:   spec.DatasetID,
		MaxSamples:  spec.MaxSamples,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertExperiment(ctx, tx, exp); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "experiment.created", "experiment", id, "engine", events.EventPayload{
			"task":       spec.Task,
			"dataset_id": spec.DatasetID,
		})
	})
	if err != nil {
		return domain.Experiment{}, err
	}
	return exp, nil
}

func (e *Engine) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	exp, err := e.Repo.GetExperiment(ctx, id)
	if err == repo.ErrNotFound {
		return domain.Experiment{}, domain.NotFound("experiment", id)
	}
	return exp, err
}

func (e *Engine) ListExperiments(ctx context.Context, skip, limit int) ([]domain.Experiment, int, error) {
	exps, err := e.Repo.ListExperiments(ctx, skip, limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.Repo.CountExperiments(ctx)
	if err != nil {
		return nil, 0, err
	}
	return exps, total, nil
}

// DeleteExperiment removes the experiment and all its workflows. Workflows
// still running are force-deleted first so nothing keeps pointing at a
// gone experiment.
func (e *Engine) DeleteExperiment(ctx context.Context, id string) error {
	if _, err := e.Repo.GetExperiment(ctx, id); err != nil {
		if err == repo.ErrNotFound {
			return domain.NotFound("experiment", id)
		}
		return err
	}
	wfs, err := e.Repo.ListWorkflows(ctx, id, 0, 0)
	if err != nil {
		return err
	}
	for _, wf := range wfs {
		if err := e.DeleteWorkflow(ctx, wf.ID, true); err != nil {
			return err
		}
	}
	if terr := e.Tracking.DeleteExperiment(ctx, id); terr != nil {
		if domain.KindOf(terr) != domain.KindNotFound {
			e.logf("experiment %s: tracking delete: %v", id, terr)
		}
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteExperiment(ctx, tx, id); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "experiment.deleted", "experiment", id, "engine", nil)
	})
}
