package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lumigator/internal/config"
	"lumigator/internal/db"
	"lumigator/internal/engine"
	"lumigator/internal/migrate"
	"lumigator/internal/ray"
	"lumigator/internal/repo"
	"lumigator/internal/secrets"
	"lumigator/internal/tracking"
)

// ErrDatabase marks failures opening or migrating the local store, so the
// CLI can report them distinctly from remote backend failures.
var ErrDatabase = errors.New("database unavailable")

// Context is the wired application: one open database, one engine, one set
// of backend clients. Everything in the process shares this instance.
type Context struct {
	DB     *sql.DB
	Config *config.Config
	Engine *engine.Engine
}

// Bootstrap opens the database, runs migrations, verifies the master key
// fingerprint and wires the engine with its backend clients.
func Bootstrap(ctx context.Context, workspace string, cfg *config.Config) (*Context, error) {
	conn, err := db.Open(db.Config{URL: cfg.DatabaseURL, Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	r := repo.Repo{DB: conn}

	var store *secrets.Store
	if cfg.SecretKey != "" {
		key, err := cfg.MasterKey()
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := verifyKeyFingerprint(ctx, r, cfg); err != nil {
			conn.Close()
			return nil, err
		}
		store, err = secrets.New(key, r)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	var rayClient ray.Client
	if cfg.Ray.URL != "" {
		rayClient = ray.New(cfg.Ray.URL)
	}
	trk, err := tracking.NewClient(tracking.BackendType(cfg.Tracking.Type), cfg.Tracking.URL)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Context{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, store, rayClient, trk, cfg),
	}, nil
}

// verifyKeyFingerprint records the master key fingerprint on first use and
// refuses to start when it no longer matches, which would otherwise
// surface as garbled plaintext on every secret read.
func verifyKeyFingerprint(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	fp, err := cfg.KeyFingerprint()
	if err != nil {
		return err
	}
	stored, err := r.GetKeyFingerprint(ctx, "secrets")
	if errors.Is(err, repo.ErrNotFound) {
		now := time.Now().UTC().Format(time.RFC3339)
		return r.UpsertKeyFingerprint(ctx, "secrets", fp, now)
	}
	if err != nil {
		return err
	}
	if stored != fp {
		return fmt.Errorf("secret_key does not match the key this database was initialized with")
	}
	return nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}
