// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed alternative to Store, for operators
// who want dead letter records queryable with plain SQL rather than
// scanning a directory of JSON files. It satisfies the same shape of
// operations as Store (Put/Get/List/Requeue/Purge) but is not made to
// implement a shared interface with it — callers pick one backend at
// startup, per the "durable store, pluggable backend" note in the
// config wiring.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" is accepted for tests.
	Path string
	// MaxOpenConns defaults to 1: SQLite serializes writers regardless,
	// and WAL mode's main benefit here is readers not blocking on a
	// write.
	MaxOpenConns int
}

// NewSQLite opens (and migrates) a SQLiteStore at cfg.Path.
func NewSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("deadletter: sqlite path is required")
	}
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open sqlite: %w", err)
	}
	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("deadletter: sqlite ping: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dead_letters (
			entry_id      TEXT PRIMARY KEY,
			flow_id       TEXT NOT NULL,
			task_id       TEXT NOT NULL,
			payload       TEXT NOT NULL,
			attempts      INTEGER NOT NULL,
			failure_code  TEXT NOT NULL,
			failure_cause TEXT NOT NULL,
			first_failed  INTEGER NOT NULL,
			last_failed   INTEGER NOT NULL,
			state         TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("deadletter: migrate: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_dead_letters_state ON dead_letters(state)`)
	if err != nil {
		return fmt.Errorf("deadletter: migrate index: %w", err)
	}
	return nil
}

// Put inserts rec (State defaults to pending). For an existing entry_id
// it updates payload, attempts, failure code/cause, last_failed and
// state, and keeps the stored flow_id, task_id and first_failed.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if rec.State == "" {
		rec.State = StatePending
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("deadletter: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (entry_id, flow_id, task_id, payload, attempts, failure_code, failure_cause, first_failed, last_failed, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			payload = excluded.payload,
			attempts = excluded.attempts,
			failure_code = excluded.failure_code,
			failure_cause = excluded.failure_cause,
			last_failed = excluded.last_failed,
			state = excluded.state
	`, rec.EntryID, rec.FlowID, rec.TaskID, payload, rec.Attempts, rec.FailureCode, rec.FailureCause,
		rec.FirstFailed.UnixNano(), rec.LastFailed.UnixNano(), rec.State)
	if err != nil {
		return fmt.Errorf("deadletter: put: %w", err)
	}
	return nil
}

// Get loads one record by entry_id.
func (s *SQLiteStore) Get(ctx context.Context, entryID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entry_id, flow_id, task_id, payload, attempts, failure_code, failure_cause, first_failed, last_failed, state
		FROM dead_letters WHERE entry_id = ?`, entryID)
	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("deadletter: get: %w", err)
	}
	return rec, true, nil
}

// List returns records in entry_id order, optionally filtered by state.
func (s *SQLiteStore) List(ctx context.Context, state State) ([]Record, error) {
	query := `SELECT entry_id, flow_id, task_id, payload, attempts, failure_code, failure_cause, first_failed, last_failed, state FROM dead_letters`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY entry_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("deadletter: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Requeue transitions entryID from pending to requeued, same contract
// as Store.Requeue.
func (s *SQLiteStore) Requeue(ctx context.Context, entryID string) (Record, bool, error) {
	return s.transition(ctx, entryID, StateRequeued)
}

// Purge transitions entryID from pending to purged, same contract as
// Store.Purge.
func (s *SQLiteStore) Purge(ctx context.Context, entryID string) (Record, bool, error) {
	return s.transition(ctx, entryID, StatePurged)
}

func (s *SQLiteStore) transition(ctx context.Context, entryID string, to State) (Record, bool, error) {
	rec, ok, err := s.Get(ctx, entryID)
	if err != nil || !ok || rec.State != StatePending {
		return Record{}, false, err
	}
	rec.State = to
	if _, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET state = ? WHERE entry_id = ?`, to, entryID); err != nil {
		return Record{}, false, fmt.Errorf("deadletter: transition: %w", err)
	}
	return rec, true, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var (
		rec         Record
		payload     []byte
		firstFailed int64
		lastFailed  int64
	)
	if err := scan(&rec.EntryID, &rec.FlowID, &rec.TaskID, &payload, &rec.Attempts,
		&rec.FailureCode, &rec.FailureCause, &firstFailed, &lastFailed, &rec.State); err != nil {
		return Record{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return Record{}, fmt.Errorf("deadletter: unmarshal payload: %w", err)
		}
	}
	rec.FirstFailed = time.Unix(0, firstFailed)
	rec.LastFailed = time.Unix(0, lastFailed)
	return rec, nil
}
