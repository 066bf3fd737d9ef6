package eventstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store, grounded on its
// graph/store.SQLiteStore (connection pragmas, single-writer pool sizing,
// auto-migration on open).
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed event store at
// path. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventstream: opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("eventstream: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS engine_events (
			event_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			element_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			payload TEXT NOT NULL,
			emitted INTEGER NOT NULL DEFAULT 0,
			seq INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_events_instance ON engine_events(instance_id);
		CREATE INDEX IF NOT EXISTS idx_events_instance_element ON engine_events(instance_id, element_id);
		CREATE INDEX IF NOT EXISTS idx_events_pending ON engine_events(emitted, seq);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("eventstream: creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("eventstream: marshalling payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO engine_events(event_id, instance_id, element_id, type, timestamp, payload, emitted, seq)
		 VALUES (?, ?, ?, ?, ?, ?, 0, (SELECT COALESCE(MAX(seq), 0) + 1 FROM engine_events))`,
		event.ID, event.InstanceID, event.ElementID, string(event.Type), event.Timestamp, string(payload),
	)
	if err != nil {
		return fmt.Errorf("eventstream: appending event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Replay(ctx context.Context, instanceID, elementID string) ([]Event, error) {
	var rows *sql.Rows
	var err error
	if elementID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT event_id, instance_id, element_id, type, timestamp, payload
			 FROM engine_events WHERE instance_id = ? ORDER BY seq ASC`, instanceID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT event_id, instance_id, element_id, type, timestamp, payload
			 FROM engine_events WHERE instance_id = ? AND element_id = ? ORDER BY seq ASC`, instanceID, elementID)
	}
	if err != nil {
		return nil, fmt.Errorf("eventstream: querying replay: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ, payload string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.ElementID, &typ, &e.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("eventstream: scanning replay row: %w", err)
		}
		e.Type = Type(typ)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("eventstream: unmarshalling payload: %w", err)
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]Event, error) {
	query := `SELECT event_id, instance_id, element_id, type, timestamp, payload
			  FROM engine_events WHERE emitted = 0 ORDER BY seq ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstream: querying pending events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ, payload string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.ElementID, &typ, &e.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("eventstream: scanning pending row: %w", err)
		}
		e.Type = Type(typ)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("eventstream: unmarshalling payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventstream: starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `UPDATE engine_events SET emitted = 1 WHERE event_id = ?`)
	if err != nil {
		return fmt.Errorf("eventstream: preparing update: %w", err)
	}
	defer stmt.Close()

	for _, id := range eventIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("eventstream: marking event %s emitted: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Purge(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM engine_events WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("eventstream: purging instance %s: %w", instanceID, err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
