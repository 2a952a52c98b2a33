package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const defaultDBName = "lumigator.db"

type Config struct {
	// URL is either a sqlite file path, a file: DSN, or empty to use the
	// workspace default.
	URL       string
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".lumigator", defaultDBName)
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, ".lumigator")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	dsn := cfg.URL
	switch {
	case dsn == "":
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.Workspace))
	case strings.HasPrefix(dsn, "sqlite://"):
		dsn = fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", strings.TrimPrefix(dsn, "sqlite://"))
	case !strings.HasPrefix(dsn, "file:"):
		dsn = fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dsn)
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the default db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
