package phi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists audit events in the audit_event table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Schema returns the DDL for the audit_event table. Applied by the migration
// step at startup; kept next to the store so the column list and the insert
// stay in one file.
func Schema() string {
	return `
		CREATE TABLE IF NOT EXISTS audit_event (
			id              UUID PRIMARY KEY,
			ts              TIMESTAMPTZ NOT NULL,
			actor_id        TEXT NOT NULL,
			actor_type      TEXT NOT NULL,
			source_addr     TEXT NOT NULL DEFAULT '',
			session_id      TEXT NOT NULL DEFAULT '',
			action          TEXT NOT NULL,
			resource_type   TEXT NOT NULL,
			resource_id     TEXT NOT NULL,
			details         JSONB,
			phi_accessed    BOOLEAN NOT NULL DEFAULT FALSE,
			retention_until TIMESTAMPTZ NOT NULL,
			checksum        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_event_actor ON audit_event (actor_id, ts);
		CREATE INDEX IF NOT EXISTS idx_audit_event_resource ON audit_event (resource_type, resource_id, ts);
		CREATE INDEX IF NOT EXISTS idx_audit_event_retention ON audit_event (retention_until);`
}

const insertEventSQL = `
	INSERT INTO audit_event (
		id, ts, actor_id, actor_type, source_addr, session_id,
		action, resource_type, resource_id, details, phi_accessed,
		retention_until, checksum
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

// WriteBatch inserts all events inside one transaction so a failed flush
// leaves no partial batch behind.
func (s *PostgresStore) WriteBatch(ctx context.Context, events []*Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("audit store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range events {
		var details []byte
		if e.Details != nil {
			details, err = json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("audit store: marshal details for %s: %w", e.ID, err)
			}
		}
		batch.Queue(insertEventSQL,
			e.ID, e.Timestamp, e.ActorID, e.ActorType, e.SourceAddr, e.SessionID,
			e.Action, e.ResourceType, e.ResourceID, details, e.PHIAccessed,
			e.RetentionUntil, e.Checksum)
	}

	br := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("audit store: insert: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("audit store: close batch: %w", err)
	}
	return tx.Commit(ctx)
}

// Query returns events matching the filters, sorted by timestamp ascending.
func (s *PostgresStore) Query(ctx context.Context, f Filters) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.PHIAccessed != nil {
		add("phi_accessed = $%d", *f.PHIAccessed)
	}
	if f.Start != nil {
		add("ts >= $%d", *f.Start)
	}
	if f.End != nil {
		add("ts <= $%d", *f.End)
	}

	query := `
		SELECT id, ts, actor_id, actor_type, source_addr, session_id,
		       action, resource_type, resource_id, details, phi_accessed,
		       retention_until, checksum
		FROM audit_event`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts ASC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit store: query: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var details []byte
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.ActorID, &e.ActorType, &e.SourceAddr, &e.SessionID,
			&e.Action, &e.ResourceType, &e.ResourceID, &details, &e.PHIAccessed,
			&e.RetentionUntil, &e.Checksum,
		); err != nil {
			return nil, fmt.Errorf("audit store: scan: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("audit store: unmarshal details for %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteExpired removes events past their retention date.
func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_event WHERE retention_until < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("audit store: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
