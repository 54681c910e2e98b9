package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	time_ns    INTEGER NOT NULL,
	tool       TEXT    NOT NULL DEFAULT '',
	call_id    TEXT    NOT NULL DEFAULT '',
	iteration  INTEGER NOT NULL DEFAULT 0,
	elapsed    INTEGER NOT NULL DEFAULT 0,
	payload    TEXT    NOT NULL DEFAULT '{}',
	trace_id   TEXT    NOT NULL DEFAULT '',
	span_id    TEXT    NOT NULL DEFAULT '',
	UNIQUE (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events (session_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_time ON events (time_ns);
`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string or file path.
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per session (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists session events to a SQLite database in WAL mode,
// with an optional background pruner.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append stores an event in the database.
func (s *SQLiteEventStore) Append(ctx context.Context, event Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, seq, kind, time_ns, tool, call_id, iteration, elapsed, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID,
		event.Seq,
		string(event.Kind),
		event.Time.UnixNano(),
		event.Tool,
		event.CallID,
		event.Iteration,
		int64(event.Elapsed),
		string(payloadJSON),
		event.TraceID,
		event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns events for a session, optionally filtered by afterSeq and limit.
func (s *SQLiteEventStore) List(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]Event, error) {
	query := `SELECT session_id, seq, kind, time_ns, tool, call_id, iteration, elapsed, payload, trace_id, span_id
	           FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{sessionID, afterSeq}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestSeq returns the highest Seq for a session (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, sessionID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is never negative
}

// Sessions summarizes stored sessions, most recently active first.
func (s *SQLiteEventStore) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	query := `SELECT e.session_id, MIN(e.time_ns), MAX(e.time_ns), COUNT(*),
	                 (SELECT l.kind FROM events l WHERE l.session_id = e.session_id ORDER BY l.seq DESC LIMIT 1)
	           FROM events e GROUP BY e.session_id ORDER BY MAX(e.time_ns) DESC, e.session_id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: sessions: %w", err)
	}
	defer rows.Close()

	var summaries []SessionSummary
	for rows.Next() {
		var (
			sum              SessionSummary
			started, updated int64
			lastKind         string
		)
		if err := rows.Scan(&sum.ID, &started, &updated, &sum.Events, &lastKind); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan session: %w", err)
		}
		sum.Started = time.Unix(0, started)
		sum.Updated = time.Unix(0, updated)
		sum.LastKind = EventKind(lastKind)
		sum.Status = StatusFor(sum.LastKind)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UnixNano()
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE time_ns < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM events`)
		if err != nil {
			return fmt.Errorf("sqlitestore: prune list sessions: %w", err)
		}
		var sessionIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("sqlitestore: prune scan session id: %w", err)
			}
			sessionIDs = append(sessionIDs, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("sqlitestore: prune rows err: %w", err)
		}

		for _, id := range sessionIDs {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM events WHERE session_id = ? AND id NOT IN (
					SELECT id FROM events WHERE session_id = ? ORDER BY seq DESC LIMIT ?
				)`, id, id, s.cfg.RetentionCount,
			); err != nil {
				return fmt.Errorf("sqlitestore: prune by count for %s: %w", id, err)
			}
		}
	}

	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			e           Event
			kind        string
			timeNano    int64
			elapsedNano int64
			payloadJSON string
		)
		err := rows.Scan(
			&e.SessionID,
			&e.Seq,
			&kind,
			&timeNano,
			&e.Tool,
			&e.CallID,
			&e.Iteration,
			&elapsedNano,
			&payloadJSON,
			&e.TraceID,
			&e.SpanID,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}

		e.Kind = EventKind(kind)
		e.Time = time.Unix(0, timeNano)
		e.Elapsed = time.Duration(elapsedNano)

		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
			}
		} else {
			e.Payload = map[string]any{}
		}

		events = append(events, e)
	}
	return events, rows.Err()
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)
