package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"merlin-itsm/core/lifecycle"
)

type AuditEntry struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditStore interface {
	Log(ctx context.Context, username, action, details string) error
	ListLog(ctx context.Context, limit int) ([]AuditEntry, error)

	LogTransition(ctx context.Context, rec lifecycle.AuditRecord) error
	ListTransitions(ctx context.Context, entityID int64, limit int) ([]lifecycle.AuditRecord, error)
}

type auditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) AuditStore {
	return &auditStore{db: db}
}

func (s *auditStore) Log(ctx context.Context, username, action, details string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log(username, action, details, created_at) VALUES(?,?,?,?)`,
		username, action, details, time.Now().UTC())
	return err
}

func (s *auditStore) ListLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	query := `SELECT id, username, action, COALESCE(details, ''), created_at FROM audit_log ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Username, &e.Action, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LogTransition appends one immutable row per successful state change.
// Rows are never updated or deleted afterwards.
func (s *auditStore) LogTransition(ctx context.Context, rec lifecycle.AuditRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transition_audit(entity_id, kind, from_state, to_state, action, actor_id, actor_name, created_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		rec.EntityID, string(rec.Kind), string(rec.FromState), string(rec.ToState), string(rec.Action),
		rec.ActorID, rec.ActorName, at.UTC())
	return err
}

func (s *auditStore) ListTransitions(ctx context.Context, entityID int64, limit int) ([]lifecycle.AuditRecord, error) {
	query := `
		SELECT entity_id, kind, from_state, to_state, action, actor_id, actor_name, created_at
		FROM transition_audit WHERE entity_id=? ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []lifecycle.AuditRecord
	for rows.Next() {
		var rec lifecycle.AuditRecord
		var kind, from, to, action string
		if err := rows.Scan(&rec.EntityID, &kind, &from, &to, &action, &rec.ActorID, &rec.ActorName, &rec.At); err != nil {
			return nil, err
		}
		rec.Kind = lifecycle.Kind(kind)
		rec.FromState = lifecycle.State(from)
		rec.ToState = lifecycle.State(to)
		rec.Action = lifecycle.Action(action)
		res = append(res, rec)
	}
	return res, rows.Err()
}
