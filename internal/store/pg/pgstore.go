package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"paperhub.org/internal/perm"
)

// Store persists the append-only event log and the permission projection in
// PostgreSQL. Both tables are written inside one transaction per append, so
// a node never exposes a projection its log cannot explain.
type Store struct {
	db *sql.DB
}

var _ perm.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool (used by tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Append(ctx context.Context, e perm.Event) (perm.AppendResult, error) {
	if err := e.Validate(); err != nil {
		return perm.AppendResult{}, err
	}
	e = e.Normalized()
	workspaceID, userEmail, err := perm.SplitEntityID(e.EntityID)
	if err != nil {
		return perm.AppendResult{}, err
	}

	// Serializable keeps two appends for the same entity from interleaving;
	// the unique event id makes retries of the whole call safe.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return perm.AppendResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Dedupe on the event id: at-least-once delivery makes replays routine.
	var seq uint64
	err = tx.QueryRowContext(ctx, `
		insert into events(id, entity_type, entity_id, entity_event, payload, created_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (id) do nothing
		returning sequence
	`, e.ID, e.EntityType, e.EntityID, e.Kind, nullableJSON(e.Payload), e.CreatedAt).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		row, rowErr := s.getRowTx(ctx, tx, workspaceID, userEmail, false)
		if rowErr != nil {
			return perm.AppendResult{}, rowErr
		}
		if err := tx.Commit(); err != nil {
			return perm.AppendResult{}, err
		}
		return perm.AppendResult{Status: perm.AppendDuplicate, Permission: row}, nil
	}
	if err != nil {
		return perm.AppendResult{}, err
	}
	e.Sequence = seq

	// Newest previously-logged event for this entity in the resolved order.
	var newest perm.Event
	var haveNewest bool
	err = tx.QueryRowContext(ctx, `
		select id, created_at from events
		where entity_id = $1 and id <> $2
		order by created_at desc, id desc
		limit 1
	`, e.EntityID, e.ID).Scan(&newest.ID, &newest.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		haveNewest = false
	case err != nil:
		return perm.AppendResult{}, err
	default:
		haveNewest = true
	}

	before, err := s.getRowTx(ctx, tx, workspaceID, userEmail, true)
	if err != nil {
		return perm.AppendResult{}, err
	}

	var after *perm.Permission
	rebuilt := false
	if !haveNewest || perm.Supersedes(e, newest) {
		after, _ = perm.Apply(e, before)
	} else {
		// Out-of-order arrival: recompute the canonical row from history.
		history, err := s.entityEventsTx(ctx, tx, e.EntityID)
		if err != nil {
			return perm.AppendResult{}, err
		}
		after = perm.Replay(history)
		rebuilt = true
	}

	if err := s.writeRowTx(ctx, tx, workspaceID, userEmail, after); err != nil {
		return perm.AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return perm.AppendResult{}, err
	}

	status := perm.AppendStale
	if !samePermission(before, after) {
		status = perm.AppendApplied
	}
	res := perm.AppendResult{Status: status, Rebuilt: rebuilt}
	if after != nil {
		out := *after
		res.Permission = &out
	}
	return res, nil
}

func (s *Store) ReadSince(ctx context.Context, after uint64, limit int) ([]perm.Event, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select sequence, id, entity_type, entity_id, entity_event, coalesce(payload, 'null'::jsonb), created_at
		from events
		where sequence > $1
		order by sequence asc
		limit $2
	`, after, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []perm.Event
	last := after
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, e)
		last = e.Sequence
	}
	return res, last, rows.Err()
}

func (s *Store) ListPermissions(ctx context.Context, workspaceID string) ([]perm.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, workspace_id, user_email, role, status, last_event_id, created_at, updated_at
		from user_permissions
		where workspace_id = $1
		order by user_email asc
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []perm.Permission
	for rows.Next() {
		var p perm.Permission
		if err := rows.Scan(&p.ID, &p.WorkspaceID, &p.UserEmail, &p.Role, &p.Status, &p.LastEventID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *Store) GetPermission(ctx context.Context, workspaceID, userEmail string) (perm.Permission, error) {
	var p perm.Permission
	err := s.db.QueryRowContext(ctx, `
		select id, workspace_id, user_email, role, status, last_event_id, created_at, updated_at
		from user_permissions
		where workspace_id = $1 and user_email = $2
	`, workspaceID, userEmail).Scan(&p.ID, &p.WorkspaceID, &p.UserEmail, &p.Role, &p.Status, &p.LastEventID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return perm.Permission{}, perm.ErrNotFound
	}
	if err != nil {
		return perm.Permission{}, err
	}
	return p, nil
}

func (s *Store) Replay(ctx context.Context, entityID string) ([]perm.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		select sequence, id, entity_type, entity_id, entity_event, coalesce(payload, 'null'::jsonb), created_at
		from events
		where entity_id = $1
		order by created_at asc, id asc
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []perm.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func (s *Store) getRowTx(ctx context.Context, tx *sql.Tx, workspaceID, userEmail string, lock bool) (*perm.Permission, error) {
	query := `
		select id, workspace_id, user_email, role, status, last_event_id, created_at, updated_at
		from user_permissions
		where workspace_id = $1 and user_email = $2`
	if lock {
		query += " for update"
	}
	var p perm.Permission
	err := tx.QueryRowContext(ctx, query, workspaceID, userEmail).
		Scan(&p.ID, &p.WorkspaceID, &p.UserEmail, &p.Role, &p.Status, &p.LastEventID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) entityEventsTx(ctx context.Context, tx *sql.Tx, entityID string) ([]perm.Event, error) {
	rows, err := tx.QueryContext(ctx, `
		select sequence, id, entity_type, entity_id, entity_event, coalesce(payload, 'null'::jsonb), created_at
		from events
		where entity_id = $1
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []perm.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *Store) writeRowTx(ctx context.Context, tx *sql.Tx, workspaceID, userEmail string, row *perm.Permission) error {
	if row == nil {
		_, err := tx.ExecContext(ctx, `
			delete from user_permissions where workspace_id = $1 and user_email = $2
		`, workspaceID, userEmail)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		insert into user_permissions(id, workspace_id, user_email, role, status, last_event_id, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (workspace_id, user_email) do update
		set id = excluded.id,
		    role = excluded.role,
		    status = excluded.status,
		    last_event_id = excluded.last_event_id,
		    created_at = excluded.created_at,
		    updated_at = excluded.updated_at
	`, row.ID, row.WorkspaceID, row.UserEmail, row.Role, row.Status, row.LastEventID, row.CreatedAt, row.UpdatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (perm.Event, error) {
	var e perm.Event
	var payload []byte
	if err := r.Scan(&e.Sequence, &e.ID, &e.EntityType, &e.EntityID, &e.Kind, &payload, &e.CreatedAt); err != nil {
		return perm.Event{}, err
	}
	if len(payload) > 0 && string(payload) != "null" {
		e.Payload = json.RawMessage(payload)
	}
	return e, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func samePermission(a, b *perm.Permission) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
