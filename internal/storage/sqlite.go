package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stealth-dispatcher/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY,
	data TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS attempts (
	attempt_id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	ts TIMESTAMP NOT NULL,
	endpoint TEXT NOT NULL,
	credential_set TEXT,
	session INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	status_code INTEGER,
	outcome TEXT NOT NULL,
	failure_kind TEXT,
	error TEXT
);
CREATE INDEX IF NOT EXISTS attempts_request ON attempts (request_id);
`

// SQLiteStorage keeps the latest snapshot plus an append-only audit table of
// every attempt record it has seen.
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Save(snap *types.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM snapshots"); err != nil {
		return fmt.Errorf("delete old snapshots: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO snapshots (data, updated_at) VALUES (?, ?)", string(data), time.Now()); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO attempts
		(attempt_id, request_id, attempt, ts, endpoint, credential_set, session, latency_ms, status_code, outcome, failure_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare attempt insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range snap.Attempts {
		if _, err := stmt.Exec(a.AttemptID, a.RequestID, a.Attempt, a.Timestamp, a.Endpoint, a.CredentialSet,
			a.Session, a.Latency.Milliseconds(), a.StatusCode, a.Outcome, string(a.FailureKind), a.Error); err != nil {
			return fmt.Errorf("insert attempt %s: %w", a.AttemptID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Load() (*types.Snapshot, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM snapshots ORDER BY id DESC LIMIT 1").Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// AttemptsFor returns the audited attempts of one logical request, oldest first
func (s *SQLiteStorage) AttemptsFor(requestID string) ([]types.AttemptRecord, error) {
	rows, err := s.db.Query(`SELECT attempt_id, request_id, attempt, ts, endpoint, credential_set, session,
		latency_ms, status_code, outcome, failure_kind, error
		FROM attempts WHERE request_id = ? ORDER BY attempt`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []types.AttemptRecord
	for rows.Next() {
		var (
			a         types.AttemptRecord
			latencyMs int64
			kind      string
		)
		if err := rows.Scan(&a.AttemptID, &a.RequestID, &a.Attempt, &a.Timestamp, &a.Endpoint, &a.CredentialSet,
			&a.Session, &latencyMs, &a.StatusCode, &a.Outcome, &kind, &a.Error); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Latency = time.Duration(latencyMs) * time.Millisecond
		a.FailureKind = types.FailureKind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
