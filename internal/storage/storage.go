package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for runs and per-frame outcomes.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// single writer; the pipeline and the HTTP handlers share the handle
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            input_path TEXT,
            output_path TEXT,
            policy TEXT,
            status TEXT NOT NULL,
            frames INTEGER DEFAULT 0,
            failed INTEGER DEFAULT 0,
            error_message TEXT,
            started_at INTEGER NOT NULL,
            completed_at INTEGER
        );`,
		`CREATE TABLE IF NOT EXISTS frame_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            status TEXT NOT NULL,
            score REAL,
            selected_json TEXT,
            error_message TEXT,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_frame_results_run ON frame_results(run_id, frame_index);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted run.
type RunRecord struct {
	ID          string     `json:"id"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	Policy      string     `json:"policy"`
	Status      string     `json:"status"`
	Frames      int        `json:"frames"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FrameRecord captures the outcome of one output frame.
type FrameRecord struct {
	RunID     string    `json:"run_id"`
	Index     int       `json:"index"`
	Status    string    `json:"status"`
	Score     float64   `json:"score"`
	Selected  []int     `json:"selected,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if rec.Status == "" {
		rec.Status = "running"
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, input_path, output_path, policy, status, started_at) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.InputPath, rec.OutputPath, rec.Policy, rec.Status, toMillis(rec.StartedAt))
	return err
}

// RecordRunResult finalizes a run with status and frame counts.
func (s *Store) RecordRunResult(id, status string, frames, failed int, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, frames=?, failed=?, error_message=?, completed_at=? WHERE id=?;`,
		status, frames, failed, errMsg, toMillis(time.Now()), id)
	return err
}

// RecordFrame appends a frame outcome.
func (s *Store) RecordFrame(rec FrameRecord) error {
	if s == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	selected, err := json.Marshal(rec.Selected)
	if err != nil {
		return fmt.Errorf("marshal selection: %w", err)
	}
	_, err = s.DB.Exec(`INSERT INTO frame_results (run_id, frame_index, status, score, selected_json, error_message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Index, rec.Status, rec.Score, string(selected), rec.Error, toMillis(rec.CreatedAt))
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, input_path, output_path, policy, status, frames, failed, error_message, started_at, completed_at FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var input, output, policy, errorMsg sql.NullString
		var started int64
		var completed sql.NullInt64
		if err := rows.Scan(&rec.ID, &input, &output, &policy, &rec.Status, &rec.Frames, &rec.Failed, &errorMsg, &started, &completed); err != nil {
			return nil, err
		}
		rec.InputPath, rec.OutputPath, rec.Policy, rec.Error = input.String, output.String, policy.String, errorMsg.String
		rec.StartedAt = fromMillis(started)
		if completed.Valid {
			t := fromMillis(completed.Int64)
			rec.CompletedAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunFrames returns the frame outcomes of a run in frame order.
func (s *Store) RunFrames(runID string) ([]FrameRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, frame_index, status, score, selected_json, error_message, created_at FROM frame_results WHERE run_id=? ORDER BY frame_index, id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFrames(rows)
}

// RecentFrames returns the latest frame outcomes across runs.
func (s *Store) RecentFrames(limit int) ([]FrameRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, frame_index, status, score, selected_json, error_message, created_at FROM frame_results ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFrames(rows)
}

func scanFrames(rows *sql.Rows) ([]FrameRecord, error) {
	var recs []FrameRecord
	for rows.Next() {
		var rec FrameRecord
		var score sql.NullFloat64
		var selected, errorMsg sql.NullString
		var created int64
		if err := rows.Scan(&rec.RunID, &rec.Index, &rec.Status, &score, &selected, &errorMsg, &created); err != nil {
			return nil, err
		}
		rec.Score = score.Float64
		rec.Error = errorMsg.String
		rec.CreatedAt = fromMillis(created)
		if selected.Valid && selected.String != "" {
			if err := json.Unmarshal([]byte(selected.String), &rec.Selected); err != nil {
				return nil, fmt.Errorf("unmarshal selection: %w", err)
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
