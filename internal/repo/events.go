package repo

import (
	"context"
	"database/sql"
	"strings"

	"lumigator/internal/domain"
)

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	EntityKind string
	EntityID   string
	Type       string
}

func (r Repo) ListEvents(ctx context.Context, filter EventFilter, limit int) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if filter.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, filter.EntityKind)
	}
	if filter.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, filter.EntityID)
	}
	if filter.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, filter.Type)
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
