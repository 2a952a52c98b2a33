package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"lumigator/internal/config"
	"lumigator/internal/events"
	"lumigator/internal/jobdef"
	"lumigator/internal/ray"
	"lumigator/internal/repo"
	"lumigator/internal/secrets"
	"lumigator/internal/tracking"
)

// Engine owns every orchestration mutation. All relational writes go
// through transactions that append an audit event alongside the state
// change, so the events table never disagrees with entity rows.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Secrets  *secrets.Store
	Registry *jobdef.Registry
	Ray      ray.Client
	Tracking tracking.Client
	Config   *config.Config
	Logger   *log.Logger
	Now      func() time.Time
}

func New(db *sql.DB, sec *secrets.Store, rayClient ray.Client, trk tracking.Client, cfg *config.Config) *Engine {
	r := repo.Repo{DB: db}
	reg := jobdef.NewRegistry()
	reg.Register("inference", jobdef.InferenceDefinition{
		Cmd:          cfg.Jobs.InferenceCommand,
		Reqs:         cfg.Jobs.InferencePipReqs,
		Dir:          cfg.Jobs.InferenceWorkDir,
		ProviderURLs: cfg,
	})
	reg.Register("evaluation", jobdef.EvaluationDefinition{
		Cmd:  cfg.Jobs.EvaluatorCommand,
		Reqs: cfg.Jobs.EvaluatorPipReqs,
		Dir:  cfg.Jobs.EvaluatorWorkDir,
	})
	return &Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Secrets:  sec,
		Registry: reg,
		Ray:      rayClient,
		Tracking: trk,
		Config:   cfg,
		Logger:   log.Default(),
		Now:      time.Now,
	}
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// withTx runs fn in a transaction, committing on nil error.
func (e *Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// storagePath is the per-job results location under the configured bucket.
func (e *Engine) storagePath(jobID string) string {
	return fmt.Sprintf("s3://%s/%s/%s", e.Config.Storage.Bucket, e.Config.Storage.ResultsPrefix, jobID)
}

// resultsURL points at the canonical results document for a job.
func (e *Engine) resultsURL(jobID string) string {
	return e.storagePath(jobID) + "/results.json"
}
