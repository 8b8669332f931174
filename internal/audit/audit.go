// Package audit is the SQLite-backed audit/run store: sync_runs,
// audit_events, event_snapshots and app_meta, guarded by a mutex so
// concurrent surfaces (scheduler loop, admin handlers) serialize their
// writes.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jony/caldav-reconciler/internal/models"
	"github.com/jony/caldav-reconciler/internal/sqlitedriver"
)

// Store is the audit/run store. One *sql.DB is kept open for the
// process lifetime (database/sql already pools connections internally);
// mu serializes access so the scheduler loop and the admin handlers
// never interleave statements.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (if needed) and opens the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sqlitedriver.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_at TEXT NOT NULL,
			"trigger" TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			duration_ms INTEGER,
			changes_applied INTEGER,
			conflicts INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			calendar_id TEXT,
			uid TEXT,
			action TEXT NOT NULL,
			details_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS event_snapshots (
			calendar_id TEXT NOT NULL,
			uid TEXT NOT NULL,
			etag TEXT,
			payload_hash TEXT,
			updated_at TEXT,
			PRIMARY KEY (calendar_id, uid)
		)`,
		`CREATE TABLE IF NOT EXISTS app_meta (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_run ON audit_events(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init audit schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun inserts a sync_runs row and returns its id.
func (s *Store) RecordRun(summary models.RunSummary) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`INSERT INTO sync_runs(run_at, "trigger", status, message, duration_ms, changes_applied, conflicts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		summary.RunAt.UTC().Format(time.RFC3339), string(summary.Trigger), string(summary.Status), summary.Message,
		summary.DurationMS, summary.ChangesApplied, summary.Conflicts,
	)
	if err != nil {
		return 0, fmt.Errorf("record run: %w", err)
	}
	return res.LastInsertId()
}

// UpdateRun overwrites the sync_runs row at id with summary's final
// outcome, replacing the placeholder recorded by RecordRun at run
// start; a run ends with exactly one row, never two.
func (s *Store) UpdateRun(id int64, summary models.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE sync_runs SET run_at = ?, "trigger" = ?, status = ?, message = ?, duration_ms = ?, changes_applied = ?, conflicts = ? WHERE id = ?`,
		summary.RunAt.UTC().Format(time.RFC3339), string(summary.Trigger), string(summary.Status), summary.Message,
		summary.DurationMS, summary.ChangesApplied, summary.Conflicts, id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// RecordAuditEvent inserts one audit_events row. details is marshaled to
// JSON; a marshal failure degrades to an empty object rather than
// failing the run (audit failures must never abort reconciliation).
func (s *Store) RecordAuditEvent(runID int64, calendarID, uid, action string, details any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = []byte("{}")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO audit_events(run_id, created_at, calendar_id, uid, action, details_json) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, time.Now().UTC().Format(time.RFC3339), calendarID, uid, action, string(payload),
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// UpsertEventSnapshot records the etag/payload-hash seen for (calendarID,
// uid) at the current time, used to support the baseline-etag gate.
func (s *Store) UpsertEventSnapshot(calendarID, uid, etag, payloadHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO event_snapshots(calendar_id, uid, etag, payload_hash, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(calendar_id, uid) DO UPDATE SET etag=excluded.etag, payload_hash=excluded.payload_hash, updated_at=excluded.updated_at`,
		calendarID, uid, etag, payloadHash, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert event snapshot: %w", err)
	}
	return nil
}

// AuditEvent is one row read back from audit_events, for the undo/revise
// surfaces and any future reporting need.
type AuditEvent struct {
	ID          int64
	RunID       int64
	CreatedAt   time.Time
	CalendarID  string
	UID         string
	Action      string
	DetailsJSON string
}

// LatestChangeEvent returns the most recent apply_ai_change or conflict
// audit event recorded for (calendarID, uid), which is what undo/revise
// act on: the event carries the before/after snapshot and the etag that
// was live when the change was written.
func (s *Store) LatestChangeEvent(calendarID, uid string) (AuditEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ev AuditEvent
	var createdAt string
	row := s.db.QueryRow(
		`SELECT id, run_id, created_at, calendar_id, uid, action, details_json
		   FROM audit_events
		  WHERE calendar_id = ? AND uid = ? AND action IN ('apply_ai_change', 'user_modified_after_planning', 'event_locked_or_mandatory')
		  ORDER BY id DESC LIMIT 1`,
		calendarID, uid,
	)
	if err := row.Scan(&ev.ID, &ev.RunID, &createdAt, &ev.CalendarID, &ev.UID, &ev.Action, &ev.DetailsJSON); err != nil {
		if err == sql.ErrNoRows {
			return AuditEvent{}, false, nil
		}
		return AuditEvent{}, false, fmt.Errorf("latest change event: %w", err)
	}
	ev.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return ev, true, nil
}

// RecentEvents returns the most recent audit events across all runs, most
// recent first, for a simple status/history view.
func (s *Store) RecentEvents(limit int) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT id, run_id, created_at, calendar_id, uid, action, details_json
		   FROM audit_events ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.RunID, &createdAt, &ev.CalendarID, &ev.UID, &ev.Action, &ev.DetailsJSON); err != nil {
			return nil, fmt.Errorf("scan recent event: %w", err)
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentRuns returns the most recent sync_runs rows, most recent first.
func (s *Store) RecentRuns(limit int) ([]models.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT run_at, "trigger", status, message, duration_ms, changes_applied, conflicts
		   FROM sync_runs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()
	var out []models.RunSummary
	for rows.Next() {
		var rs models.RunSummary
		var runAt string
		if err := rows.Scan(&runAt, &rs.Trigger, &rs.Status, &rs.Message, &rs.DurationMS, &rs.ChangesApplied, &rs.Conflicts); err != nil {
			return nil, fmt.Errorf("scan recent run: %w", err)
		}
		rs.RunAt, _ = time.Parse(time.RFC3339, runAt)
		out = append(out, rs)
	}
	return out, rows.Err()
}

// GetMeta reads a value from app_meta, such as the last planner payload
// fingerprint or the persisted managed-calendar-id mapping.
func (s *Store) GetMeta(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta writes a value to app_meta.
func (s *Store) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO app_meta(key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}
