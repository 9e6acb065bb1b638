package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the session journal. It stores one summary row per capture session
// plus the detections raised during it; the captured event stream itself is
// never written.
type DB struct {
	Db *sql.DB
}

// SessionRecord summarizes one capture session
type SessionRecord struct {
	ID           string    `json:"id"`
	Target       string    `json:"target"`
	Args         []string  `json:"args"`
	PID          uint32    `json:"pid"`
	SampleSHA256 string    `json:"sample_sha256,omitempty"`
	StartTime    time.Time `json:"start_time"`
	StopTime     time.Time `json:"stop_time"`
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	Committed    uint64    `json:"committed"`
	Dropped      uint64    `json:"dropped"`
	DegradedStop bool      `json:"degraded_stop"`
	Detections   int       `json:"detections"`

	// Target resources sampled at stop
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage uint64  `json:"memory_usage"`
	ThreadCount int     `json:"thread_count"`
}

// DetectionRecord is one suspicious event raised during a session
type DetectionRecord struct {
	SessionID string `json:"session_id"`
	EventID   uint64 `json:"event_id"`
	PID       uint32 `json:"pid"`
	Category  string `json:"category"`
	Operation string `json:"operation"`
	Timestamp uint64 `json:"timestamp_ns"`
	Reason    string `json:"reason"`
}

// NewDB opens (creating if needed) the journal at path.
func NewDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := initSessionSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}

	if err := initDetectionSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize detection schema: %w", err)
	}

	return &DB{Db: db}, nil
}

func initSessionSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		target        TEXT NOT NULL,
		args          TEXT,           -- JSON array
		pid           INTEGER,
		sample_sha256 TEXT,
		start_time    DATETIME NOT NULL,
		stop_time     DATETIME NOT NULL,
		state         TEXT NOT NULL,
		reason        TEXT,
		committed     INTEGER NOT NULL,
		dropped       INTEGER NOT NULL,
		degraded_stop BOOLEAN NOT NULL,
		detections    INTEGER NOT NULL,
		cpu_usage     REAL,           -- CPU usage percentage at stop
		memory_usage  INTEGER,        -- resident bytes at stop
		thread_count  INTEGER
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);",
		"CREATE INDEX IF NOT EXISTS idx_sessions_sample ON sessions(sample_sha256);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func initDetectionSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS detections (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT NOT NULL REFERENCES sessions(id),
		event_id     INTEGER NOT NULL,
		pid          INTEGER NOT NULL,
		category     TEXT NOT NULL,
		operation    TEXT NOT NULL,
		timestamp_ns INTEGER NOT NULL,
		reason       TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_detections_session ON detections(session_id);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create detections table: %w", err)
	}
	return nil
}

// InsertSession writes a finished session and its detections in one
// transaction.
func (db *DB) InsertSession(rec *SessionRecord, detections []DetectionRecord) error {
	argsJSON, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}

	tx, err := db.Db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
	INSERT INTO sessions (
		id, target, args, pid, sample_sha256, start_time, stop_time, state, reason,
		committed, dropped, degraded_stop, detections, cpu_usage, memory_usage, thread_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Target, string(argsJSON), rec.PID, rec.SampleSHA256,
		rec.StartTime, rec.StopTime, rec.State, rec.Reason,
		rec.Committed, rec.Dropped, rec.DegradedStop, rec.Detections,
		rec.CPUUsage, rec.MemoryUsage, rec.ThreadCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	if len(detections) > 0 {
		stmt, err := tx.Prepare(`
		INSERT INTO detections (session_id, event_id, pid, category, operation, timestamp_ns, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare detection insert: %w", err)
		}
		defer stmt.Close()

		for _, d := range detections {
			if _, err := stmt.Exec(rec.ID, d.EventID, d.PID, d.Category, d.Operation, d.Timestamp, d.Reason); err != nil {
				return fmt.Errorf("failed to insert detection: %w", err)
			}
		}
	}

	return tx.Commit()
}

// ListSessions returns the most recent sessions first.
func (db *DB) ListSessions(limit int) ([]SessionRecord, error) {
	rows, err := db.Db.Query(`
	SELECT id, target, args, pid, sample_sha256, start_time, stop_time, state, reason,
		committed, dropped, degraded_stop, detections, cpu_usage, memory_usage, thread_count
	FROM sessions
	ORDER BY start_time DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var (
			rec      SessionRecord
			argsJSON sql.NullString
			sample   sql.NullString
			reason   sql.NullString
		)
		err := rows.Scan(
			&rec.ID, &rec.Target, &argsJSON, &rec.PID, &sample, &rec.StartTime, &rec.StopTime,
			&rec.State, &reason, &rec.Committed, &rec.Dropped, &rec.DegradedStop, &rec.Detections,
			&rec.CPUUsage, &rec.MemoryUsage, &rec.ThreadCount,
		)
		if err != nil {
			return nil, err
		}
		if argsJSON.Valid {
			json.Unmarshal([]byte(argsJSON.String), &rec.Args)
		}
		rec.SampleSHA256 = sample.String
		rec.Reason = reason.String
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

// GetDetections returns the detections of one session in event order.
func (db *DB) GetDetections(sessionID string) ([]DetectionRecord, error) {
	rows, err := db.Db.Query(`
	SELECT session_id, event_id, pid, category, operation, timestamp_ns, reason
	FROM detections
	WHERE session_id = ?
	ORDER BY event_id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DetectionRecord
	for rows.Next() {
		var d DetectionRecord
		if err := rows.Scan(&d.SessionID, &d.EventID, &d.PID, &d.Category, &d.Operation, &d.Timestamp, &d.Reason); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (db *DB) Close() error {
	return db.Db.Close()
}
