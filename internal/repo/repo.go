package repo

import (
	"database/sql"
	"errors"
)

// Repo is the transactional facade over the relational store. Mutations
// that belong to a larger unit of work take a *sql.Tx owned by the caller;
// single-row operations run against the pool directly.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
