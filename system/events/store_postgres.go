package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	fabricerrors "github.com/veritasec/trustfabric/infrastructure/errors"
)

// PostgresStore implements EventStore over PostgreSQL for deployments that
// want durable replay across restarts.
type PostgresStore struct {
	db         *sqlx.DB
	defaultTTL time.Duration
}

// NewPostgresStore creates a store over an existing database handle.
func NewPostgresStore(db *sqlx.DB, defaultTTL time.Duration) *PostgresStore {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &PostgresStore{db: db, defaultTTL: defaultTTL}
}

// EnsureSchema creates the events table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fabric_events (
			event_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			event_type TEXT NOT NULL,
			data JSONB,
			channel TEXT NOT NULL,
			event_ts TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS idx_fabric_events_source ON fabric_events(source);
		CREATE INDEX IF NOT EXISTS idx_fabric_events_type ON fabric_events(event_type);
		CREATE INDEX IF NOT EXISTS idx_fabric_events_ts ON fabric_events(event_ts);
	`)
	return err
}

// Persist stores the envelope. Duplicate event ids are ignored so replayed
// publishes stay idempotent at the storage layer.
func (s *PostgresStore) Persist(ctx context.Context, e *Envelope, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	data, err := json.Marshal(e.Data)
	if err != nil {
		return fabricerrors.StorageFailed("persist", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fabric_events (event_id, source, event_type, data, channel, event_ts, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`,
		e.EventID, e.Source, e.Type, data,
		SourceChannel(e.Source, e.Type), e.Timestamp, time.Now().Add(ttl),
	)
	if err != nil {
		return fabricerrors.StorageFailed("persist", err)
	}
	return nil
}

// History returns unexpired envelopes matching the filter in timestamp
// order, ties broken by event id.
func (s *PostgresStore) History(ctx context.Context, f HistoryFilter) ([]*Envelope, error) {
	query := `
		SELECT event_id, source, event_type, data, event_ts
		FROM fabric_events
		WHERE expires_at > now()
	`
	args := []any{}
	argNum := 1

	if f.Source != "" {
		query += fmt.Sprintf(" AND source = $%d", argNum)
		args = append(args, f.Source)
		argNum++
	}
	if f.Type != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argNum)
		args = append(args, f.Type)
		argNum++
	}
	if !f.From.IsZero() {
		query += fmt.Sprintf(" AND event_ts >= $%d", argNum)
		args = append(args, f.From)
		argNum++
	}
	if !f.To.IsZero() {
		query += fmt.Sprintf(" AND event_ts <= $%d", argNum)
		args = append(args, f.To)
		argNum++
	}

	query += fmt.Sprintf(" ORDER BY event_ts ASC, event_id ASC LIMIT $%d", argNum)
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fabricerrors.StorageFailed("history", err)
	}
	defer rows.Close()

	var out []*Envelope
	for rows.Next() {
		var e Envelope
		var data []byte
		var ts sql.NullTime

		if err := rows.Scan(&e.EventID, &e.Source, &e.Type, &data, &ts); err != nil {
			return nil, fabricerrors.StorageFailed("history", err)
		}
		if ts.Valid {
			e.Timestamp = ts.Time
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fabricerrors.StorageFailed("history", err)
			}
		}
		out = append(out, &e)
	}
	if out == nil {
		out = []*Envelope{}
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Compile-time interface check
var _ EventStore = (*PostgresStore)(nil)
