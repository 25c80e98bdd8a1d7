// Package audit provides a persistent append-only trail of resolution
// activity: provider availability transitions, resolve decisions,
// request dispatches, and recovery outcomes. Rows are indexed by
// timestamp so the ops surfaces can answer "what happened here"
// questions cheaply.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Transition records one provider availability change.
type Transition struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Provider   string    `json:"provider"`
	Event      string    `json:"event"` // "unavailable" or "recovered"
	Reason     string    `json:"reason,omitempty"`
	CooldownMs int64     `json:"cooldown_ms,omitempty"`
	Cause      string    `json:"cause,omitempty"` // "heal" or "reset" (recoveries only)
}

// Decision records one resolve outcome.
type Decision struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
	Degraded  bool      `json:"degraded"`
	Reason    string    `json:"reason"`
}

// Dispatch records one queued request from worker pickup to completion.
type Dispatch struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	Caller       string    `json:"caller,omitempty"`
	Priority     string    `json:"priority,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	OK           bool      `json:"ok"`
	Error        string    `json:"error,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
}

// Recovery records one recovery negotiation outcome.
type Recovery struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	OperationID      string    `json:"operation_id"`
	Operation        string    `json:"operation,omitempty"`
	Disposition      string    `json:"disposition"`
	RecoveryPossible bool      `json:"recovery_possible"`
	Operations       int       `json:"operations"`
	Reasoning        string    `json:"reasoning,omitempty"`
}

// Summary holds aggregated dispatch totals.
type Summary struct {
	TotalDispatches   int   `json:"total_dispatches"`
	Succeeded         int   `json:"succeeded"`
	Failed            int   `json:"failed"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
}

// Store is an append-only SQLite audit store. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates an audit store at the given database path. The schema
// is created automatically on first use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return NewStore(db)
}

// NewStore wraps an already-open database handle. Open is the usual
// entry point; NewStore exists so callers can supply their own driver.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		provider    TEXT NOT NULL,
		event       TEXT NOT NULL,
		reason      TEXT,
		cooldown_ms INTEGER NOT NULL DEFAULT 0,
		cause       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_timestamp ON transitions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_transitions_provider ON transitions(provider);

	CREATE TABLE IF NOT EXISTS decisions (
		id        TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		provider  TEXT NOT NULL,
		degraded  INTEGER NOT NULL DEFAULT 0,
		reason    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);

	CREATE TABLE IF NOT EXISTS dispatches (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		request_id    TEXT NOT NULL,
		caller        TEXT,
		priority      TEXT,
		provider      TEXT NOT NULL,
		model         TEXT,
		ok            INTEGER NOT NULL DEFAULT 0,
		error         TEXT,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		duration_ms   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_dispatches_timestamp ON dispatches(timestamp);
	CREATE INDEX IF NOT EXISTS idx_dispatches_provider ON dispatches(provider);

	CREATE TABLE IF NOT EXISTS recoveries (
		id                TEXT PRIMARY KEY,
		timestamp         TEXT NOT NULL,
		operation_id      TEXT NOT NULL,
		operation         TEXT,
		disposition       TEXT NOT NULL,
		recovery_possible INTEGER NOT NULL DEFAULT 0,
		operations        INTEGER NOT NULL DEFAULT 0,
		reasoning         TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_recoveries_timestamp ON recoveries(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newRowID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate audit row ID: %w", err)
	}
	return id.String(), nil
}

// RecordTransition persists an availability transition. If t.ID is
// empty, a UUIDv7 is generated. The context is used for cancellation
// only.
func (s *Store) RecordTransition(ctx context.Context, t Transition) error {
	if t.ID == "" {
		id, err := newRowID()
		if err != nil {
			return err
		}
		t.ID = id
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions
			(id, timestamp, provider, event, reason, cooldown_ms, cause)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.Timestamp.UTC().Format(time.RFC3339),
		t.Provider,
		t.Event,
		t.Reason,
		t.CooldownMs,
		t.Cause,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// RecordDecision persists a resolve decision. If d.ID is empty, a
// UUIDv7 is generated.
func (s *Store) RecordDecision(ctx context.Context, d Decision) error {
	if d.ID == "" {
		id, err := newRowID()
		if err != nil {
			return err
		}
		d.ID = id
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, timestamp, provider, degraded, reason)
		 VALUES (?, ?, ?, ?, ?)`,
		d.ID,
		d.Timestamp.UTC().Format(time.RFC3339),
		d.Provider,
		d.Degraded,
		d.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// RecordDispatch persists a completed dispatch. If d.ID is empty, a
// UUIDv7 is generated.
func (s *Store) RecordDispatch(ctx context.Context, d Dispatch) error {
	if d.ID == "" {
		id, err := newRowID()
		if err != nil {
			return err
		}
		d.ID = id
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches
			(id, timestamp, request_id, caller, priority, provider, model,
			 ok, error, input_tokens, output_tokens, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.Timestamp.UTC().Format(time.RFC3339),
		d.RequestID,
		d.Caller,
		d.Priority,
		d.Provider,
		d.Model,
		d.OK,
		d.Error,
		d.InputTokens,
		d.OutputTokens,
		d.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

// RecordRecovery persists a recovery outcome. If r.ID is empty, a
// UUIDv7 is generated.
func (s *Store) RecordRecovery(ctx context.Context, r Recovery) error {
	if r.ID == "" {
		id, err := newRowID()
		if err != nil {
			return err
		}
		r.ID = id
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recoveries
			(id, timestamp, operation_id, operation, disposition,
			 recovery_possible, operations, reasoning)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Timestamp.UTC().Format(time.RFC3339),
		r.OperationID,
		r.Operation,
		r.Disposition,
		r.RecoveryPossible,
		r.Operations,
		r.Reasoning,
	)
	if err != nil {
		return fmt.Errorf("insert recovery: %w", err)
	}
	return nil
}

// RecentTransitions returns the most recent availability transitions,
// newest first. limit <= 0 means 50.
func (s *Store) RecentTransitions(limit int) ([]Transition, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, provider, event, COALESCE(reason, ''), cooldown_ms, COALESCE(cause, '')
		 FROM transitions
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var ts string
		if err := rows.Scan(&t.ID, &ts, &t.Provider, &t.Event, &t.Reason, &t.CooldownMs, &t.Cause); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if t.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("parse transition timestamp: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentDecisions returns the most recent resolve decisions, newest
// first. limit <= 0 means 50.
func (s *Store) RecentDecisions(limit int) ([]Decision, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, provider, degraded, reason
		 FROM decisions
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var ts string
		if err := rows.Scan(&d.ID, &ts, &d.Provider, &d.Degraded, &d.Reason); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if d.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("parse decision timestamp: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecentDispatches returns the most recent dispatches, newest first.
// limit <= 0 means 50.
func (s *Store) RecentDispatches(limit int) ([]Dispatch, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, request_id, COALESCE(caller, ''), COALESCE(priority, ''),
		        provider, COALESCE(model, ''), ok, COALESCE(error, ''),
		        input_tokens, output_tokens, duration_ms
		 FROM dispatches
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		var d Dispatch
		var ts string
		if err := rows.Scan(&d.ID, &ts, &d.RequestID, &d.Caller, &d.Priority,
			&d.Provider, &d.Model, &d.OK, &d.Error,
			&d.InputTokens, &d.OutputTokens, &d.DurationMs); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		if d.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("parse dispatch timestamp: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecentRecoveries returns the most recent recovery outcomes, newest
// first. limit <= 0 means 50.
func (s *Store) RecentRecoveries(limit int) ([]Recovery, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, operation_id, COALESCE(operation, ''), disposition,
		        recovery_possible, operations, COALESCE(reasoning, '')
		 FROM recoveries
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query recoveries: %w", err)
	}
	defer rows.Close()

	var out []Recovery
	for rows.Next() {
		var r Recovery
		var ts string
		if err := rows.Scan(&r.ID, &ts, &r.OperationID, &r.Operation, &r.Disposition,
			&r.RecoveryPossible, &r.Operations, &r.Reasoning); err != nil {
			return nil, fmt.Errorf("scan recovery: %w", err)
		}
		if r.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("parse recovery timestamp: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DispatchSummary returns aggregated dispatch totals within [start, end).
func (s *Store) DispatchSummary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(ok), 0), COALESCE(SUM(1 - ok), 0),
		        COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM dispatches
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalDispatches, &sum.Succeeded, &sum.Failed, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("query dispatch summary: %w", err)
	}
	return &sum, nil
}

// DispatchSummaryByProvider returns per-provider aggregated dispatch
// totals within [start, end).
func (s *Store) DispatchSummaryByProvider(start, end time.Time) (map[string]*Summary, error) {
	return s.dispatchSummaryGroupedBy("provider", start, end)
}

// DispatchSummaryByCaller returns per-caller aggregated dispatch totals
// within [start, end). Dispatches with no caller tag are grouped under
// the key "".
func (s *Store) DispatchSummaryByCaller(start, end time.Time) (map[string]*Summary, error) {
	return s.dispatchSummaryGroupedBy("caller", start, end)
}

func (s *Store) dispatchSummaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods,
	// never user input, so embedding it directly is safe.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(ok), 0), COALESCE(SUM(1 - ok), 0),
		        COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM dispatches
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY COUNT(*) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query dispatches by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalDispatches, &sum.Succeeded, &sum.Failed, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("scan dispatches by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
