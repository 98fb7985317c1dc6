package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"merlin-itsm/core/lifecycle"
)

type EntityLink struct {
	ID         int64     `json:"id"`
	EntityID   int64     `json:"entity_id"`
	LinkedType string    `json:"linked_type"`
	LinkedID   string    `json:"linked_id"`
	Comment    string    `json:"comment,omitempty"`
	CreatedBy  int64     `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
}

type EntityFilter struct {
	Kind           lifecycle.Kind
	State          string
	StateIn        []string
	Priority       string
	Category       string
	Search         string
	RequestedBy    int64
	IncludeDeleted bool
	Limit          int
	Offset         int
}

type EntitiesStore interface {
	CreateEntity(ctx context.Context, e *lifecycle.Entity, regFormat string) (int64, error)
	GetEntity(ctx context.Context, id int64) (*lifecycle.Entity, error)
	GetEntityByRegNo(ctx context.Context, regNo string) (*lifecycle.Entity, error)
	ListEntities(ctx context.Context, filter EntityFilter) ([]lifecycle.Entity, error)
	PersistEntity(ctx context.Context, e *lifecycle.Entity, expectedVersion int) error
	SoftDeleteEntity(ctx context.Context, id int64, updatedBy int64) error
	CountDependents(ctx context.Context, id int64) (int, error)

	AddEntityLink(ctx context.Context, link *EntityLink) (int64, error)
	ListEntityLinks(ctx context.Context, entityID int64) ([]EntityLink, error)
	DeleteEntityLink(ctx context.Context, linkID int64) error
}

type entitiesStore struct {
	db *sql.DB
}

func NewEntitiesStore(db *sql.DB) EntitiesStore {
	return &entitiesStore{db: db}
}

const entityColumns = `id, reg_no, kind, title, description, state, priority, category, requested_by, approved_by, implemented_by, due_by, timestamps_json, approvals_json, created_by, updated_by, created_at, updated_at, version, deleted_at`

func (s *entitiesStore) CreateEntity(ctx context.Context, e *lifecycle.Entity, regFormat string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if strings.TrimSpace(e.RegNo) == "" {
		year := now.Year()
		seq, err := s.nextEntitySeqTx(ctx, tx, e.Kind, year)
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		e.RegNo = buildRegNo(regFormat, e.Kind, year, seq)
	}
	if e.Version <= 0 {
		e.Version = 1
	}
	if _, ok := lifecycle.ValidPriority[e.Priority]; !ok {
		e.Priority = lifecycle.PriorityMedium
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	res, err := tx.ExecContext(ctx, `
		INSERT INTO entities(reg_no, kind, title, description, state, priority, category, requested_by, approved_by, implemented_by, due_by, timestamps_json, approvals_json, created_by, updated_by, created_at, updated_at, version, deleted_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,NULL)`,
		e.RegNo, string(e.Kind), e.Title, e.Description, string(e.State), e.Priority, strings.TrimSpace(e.Category),
		e.RequestedBy, nullableID(e.ApprovedBy), nullableID(e.ImplementedBy), nullableTime(e.DueBy),
		timestampsToJSON(e.Timestamps), approvalsToJSON(e.Approvals),
		e.CreatedBy, e.UpdatedBy, now, now, e.Version)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	id, _ := res.LastInsertId()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// PersistEntity writes back a transitioned snapshot. The version check
// rejects writes racing against a concurrent transition with ErrConflict.
func (s *entitiesStore) PersistEntity(ctx context.Context, e *lifecycle.Entity, expectedVersion int) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET title=?, description=?, state=?, priority=?, category=?, approved_by=?, implemented_by=?, due_by=?, timestamps_json=?, approvals_json=?, updated_by=?, updated_at=?, version=version+1
		WHERE id=? AND version=? AND deleted_at IS NULL`,
		e.Title, e.Description, string(e.State), e.Priority, strings.TrimSpace(e.Category),
		nullableID(e.ApprovedBy), nullableID(e.ImplementedBy), nullableTime(e.DueBy),
		timestampsToJSON(e.Timestamps), approvalsToJSON(e.Approvals),
		e.UpdatedBy, now, e.ID, expectedVersion)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	e.Version = expectedVersion + 1
	e.UpdatedAt = now
	return nil
}

func (s *entitiesStore) SoftDeleteEntity(ctx context.Context, id int64, updatedBy int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET deleted_at=?, updated_at=?, updated_by=?, version=version+1 WHERE id=? AND deleted_at IS NULL`,
		now, now, updatedBy, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *entitiesStore) GetEntity(ctx context.Context, id int64) (*lifecycle.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id)
	return scanEntity(row)
}

func (s *entitiesStore) GetEntityByRegNo(ctx context.Context, regNo string) (*lifecycle.Entity, error) {
	if strings.TrimSpace(regNo) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE reg_no=?`, regNo)
	return scanEntity(row)
}

func (s *entitiesStore) ListEntities(ctx context.Context, filter EntityFilter) ([]lifecycle.Entity, error) {
	var clauses []string
	var args []any
	if !filter.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(filter.Kind))
	}
	if len(filter.StateIn) > 0 {
		var in []string
		for _, raw := range filter.StateIn {
			if strings.TrimSpace(raw) != "" {
				in = append(in, strings.TrimSpace(raw))
			}
		}
		if len(in) > 0 {
			placeholders := strings.TrimRight(strings.Repeat("?,", len(in)), ",")
			clauses = append(clauses, fmt.Sprintf("state IN (%s)", placeholders))
			for _, val := range in {
				args = append(args, val)
			}
		}
	} else if filter.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, filter.State)
	}
	if filter.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, filter.Priority)
	}
	if filter.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, filter.Category)
	}
	if filter.Search != "" {
		clauses = append(clauses, "(title LIKE ? OR description LIKE ? OR reg_no LIKE ?)")
		q := "%" + filter.Search + "%"
		args = append(args, q, q, q)
	}
	if filter.RequestedBy > 0 {
		clauses = append(clauses, "requested_by=?")
		args = append(args, filter.RequestedBy)
	}
	query := `SELECT ` + entityColumns + ` FROM entities`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []lifecycle.Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountDependents counts other records that point at this one through
// entity links. Deletion is refused while the count is non-zero.
func (s *entitiesStore) CountDependents(ctx context.Context, id int64) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entity_links
		WHERE linked_type='entity' AND linked_id=? AND entity_id IN (SELECT id FROM entities WHERE deleted_at IS NULL)`,
		fmt.Sprintf("%d", id))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *entitiesStore) AddEntityLink(ctx context.Context, link *EntityLink) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_links(entity_id, linked_type, linked_id, comment, created_by, created_at)
		VALUES(?,?,?,?,?,?)`,
		link.EntityID, strings.ToLower(strings.TrimSpace(link.LinkedType)), strings.TrimSpace(link.LinkedID),
		strings.TrimSpace(link.Comment), link.CreatedBy, now)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	link.ID = id
	link.CreatedAt = now
	return id, nil
}

func (s *entitiesStore) ListEntityLinks(ctx context.Context, entityID int64) ([]EntityLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, linked_type, linked_id, comment, created_by, created_at
		FROM entity_links WHERE entity_id=? ORDER BY created_at DESC, id DESC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EntityLink
	for rows.Next() {
		var l EntityLink
		if err := rows.Scan(&l.ID, &l.EntityID, &l.LinkedType, &l.LinkedID, &l.Comment, &l.CreatedBy, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (s *entitiesStore) DeleteEntityLink(ctx context.Context, linkID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entity_links WHERE id=?`, linkID)
	return err
}

func (s *entitiesStore) nextEntitySeqTx(ctx context.Context, tx *sql.Tx, kind lifecycle.Kind, year int) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO entity_reg_counters(kind, year, seq)
		VALUES(?,?,1)
		ON CONFLICT (kind, year)
		DO UPDATE SET seq = entity_reg_counters.seq + 1
		RETURNING seq
	`, string(kind), year).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

var regSeqToken = regexp.MustCompile(`\{seq(?::(\d+))?\}`)

var kindRegPrefix = map[lifecycle.Kind]string{
	lifecycle.KindChange:         "CHG",
	lifecycle.KindProblem:        "PRB",
	lifecycle.KindRelease:        "REL",
	lifecycle.KindServiceRequest: "SR",
}

func buildRegNo(format string, kind lifecycle.Kind, year int, seq int64) string {
	if strings.TrimSpace(format) == "" {
		format = "{kind}-{year}-{seq:05}"
	}
	prefix, ok := kindRegPrefix[kind]
	if !ok {
		prefix = strings.ToUpper(string(kind))
	}
	out := strings.ReplaceAll(format, "{kind}", prefix)
	out = strings.ReplaceAll(out, "{year}", fmt.Sprintf("%d", year))
	out = regSeqToken.ReplaceAllStringFunc(out, func(token string) string {
		m := regSeqToken.FindStringSubmatch(token)
		if len(m) == 2 && m[1] != "" {
			width := 0
			_, _ = fmt.Sscanf(m[1], "%d", &width)
			if width > 0 {
				return fmt.Sprintf("%0*d", width, seq)
			}
		}
		return fmt.Sprintf("%d", seq)
	})
	return out
}

func timestampsToJSON(ts map[string]time.Time) string {
	if len(ts) == 0 {
		return "{}"
	}
	b, err := json.Marshal(ts)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func approvalsToJSON(approvals []lifecycle.Approval) string {
	if len(approvals) == 0 {
		return "[]"
	}
	b, err := json.Marshal(approvals)
	if err != nil {
		return "[]"
	}
	return string(b)
}

type entityScanner interface {
	Scan(dest ...any) error
}

func scanEntityFields(sc entityScanner) (lifecycle.Entity, error) {
	var e lifecycle.Entity
	var kind, state string
	var approvedBy, implementedBy sql.NullInt64
	var dueBy, deleted sql.NullTime
	var tsRaw, apRaw string
	if err := sc.Scan(&e.ID, &e.RegNo, &kind, &e.Title, &e.Description, &state, &e.Priority, &e.Category,
		&e.RequestedBy, &approvedBy, &implementedBy, &dueBy, &tsRaw, &apRaw,
		&e.CreatedBy, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt, &e.Version, &deleted); err != nil {
		return e, err
	}
	e.Kind = lifecycle.Kind(kind)
	e.State = lifecycle.State(state)
	if approvedBy.Valid {
		e.ApprovedBy = &approvedBy.Int64
	}
	if implementedBy.Valid {
		e.ImplementedBy = &implementedBy.Int64
	}
	if dueBy.Valid {
		t := dueBy.Time.UTC()
		e.DueBy = &t
	}
	if deleted.Valid {
		t := deleted.Time.UTC()
		e.DeletedAt = &t
	}
	if strings.TrimSpace(tsRaw) != "" {
		_ = json.Unmarshal([]byte(tsRaw), &e.Timestamps)
	}
	if strings.TrimSpace(apRaw) != "" {
		_ = json.Unmarshal([]byte(apRaw), &e.Approvals)
	}
	return e, nil
}

func scanEntity(row *sql.Row) (*lifecycle.Entity, error) {
	e, err := scanEntityFields(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func scanEntityRow(rows *sql.Rows) (lifecycle.Entity, error) {
	return scanEntityFields(rows)
}
