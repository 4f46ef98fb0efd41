// Package store provides SQLite-backed persistence for the session ledger:
// sessions, their capture artifacts, and defect records.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Session statuses.
const (
	StatusActive    = "ACTIVE"
	StatusCompleted = "COMPLETED"
)

// ErrNoActiveSession indicates the operation needs an ACTIVE session row.
var ErrNoActiveSession = errors.New("store: no active session")

// ErrActiveSessionExists indicates a second concurrent session was refused.
var ErrActiveSessionExists = errors.New("store: an active session already exists")

// ErrSequenceDrift indicates a capture append whose sequence does not extend
// the ledger by exactly one. The transaction is rolled back.
var ErrSequenceDrift = errors.New("store: capture sequence does not match ledger count")

// Session is one counting run.
type Session struct {
	ID           string
	Name         string
	TargetCount  int
	CurrentCount int
	Status       string
	StartTime    time.Time
	EndTime      *time.Time
}

// Capture is one ledger entry: the frame persisted for one committed count.
type Capture struct {
	ID         string
	SessionID  string
	Seq        int
	ImagePath  string
	CapturedAt time.Time
	// LengthMM/WidthMM are filled in by defect analysis when the sheet
	// dimension estimate runs; nil until then.
	LengthMM *float64
	WidthMM  *float64
}

// Defect is one analyzed finding on a capture.
type Defect struct {
	ID         string
	CaptureID  string
	SessionID  string
	DefectType string
	Confidence float64
	BBox       image.Rectangle
	AreaPx     int
	Severity   string
	CropPath   string
	CreatedAt  time.Time
}

// Store provides access to the stackcam SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		target_count INTEGER NOT NULL,
		current_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		start_time DATETIME NOT NULL,
		end_time DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_single_active
		ON sessions(status) WHERE status = 'ACTIVE';

	CREATE TABLE IF NOT EXISTS captures (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		image_path TEXT NOT NULL,
		captured_at DATETIME NOT NULL,
		length_mm REAL,
		width_mm REAL,
		UNIQUE(session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS defects (
		id TEXT PRIMARY KEY,
		capture_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		defect_type TEXT NOT NULL,
		confidence REAL NOT NULL,
		bbox TEXT NOT NULL,
		area_px INTEGER NOT NULL,
		severity TEXT NOT NULL,
		crop_path TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (capture_id) REFERENCES captures(id)
	);

	CREATE INDEX IF NOT EXISTS idx_captures_session ON captures(session_id);
	CREATE INDEX IF NOT EXISTS idx_defects_session ON defects(session_id);
	CREATE INDEX IF NOT EXISTS idx_defects_capture ON defects(capture_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Session operations ---

// CreateSession inserts a new ACTIVE session. Refused while another session
// is still ACTIVE.
func (s *Store) CreateSession(name string, targetCount int) (*Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE status = ?`, StatusActive,
	).Scan(&active); err != nil {
		return nil, fmt.Errorf("count active sessions: %w", err)
	}
	if active > 0 {
		return nil, ErrActiveSessionExists
	}

	sess := &Session{
		ID:          uuid.New().String(),
		Name:        name,
		TargetCount: targetCount,
		Status:      StatusActive,
		StartTime:   time.Now().UTC(),
	}
	_, err = tx.Exec(
		`INSERT INTO sessions (id, name, target_count, current_count, status, start_time) VALUES (?, ?, ?, 0, ?, ?)`,
		sess.ID, sess.Name, sess.TargetCount, sess.Status, sess.StartTime,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}
	return sess, nil
}

// GetSession retrieves a session by ID. Returns (nil, nil) when absent.
func (s *Store) GetSession(id string) (*Session, error) {
	return s.querySession(`SELECT id, name, target_count, current_count, status, start_time, end_time FROM sessions WHERE id = ?`, id)
}

// ActiveSession returns the single ACTIVE session, or (nil, nil) when idle.
func (s *Store) ActiveSession() (*Session, error) {
	return s.querySession(`SELECT id, name, target_count, current_count, status, start_time, end_time FROM sessions WHERE status = ?`, StatusActive)
}

func (s *Store) querySession(query string, args ...interface{}) (*Session, error) {
	sess := &Session{}
	var endTime sql.NullTime
	err := s.db.QueryRow(query, args...).Scan(
		&sess.ID, &sess.Name, &sess.TargetCount, &sess.CurrentCount,
		&sess.Status, &sess.StartTime, &endTime,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if endTime.Valid {
		sess.EndTime = &endTime.Time
	}
	return sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT id, name, target_count, current_count, status, start_time, end_time FROM sessions ORDER BY start_time DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var endTime sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.TargetCount, &sess.CurrentCount,
			&sess.Status, &sess.StartTime, &endTime); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if endTime.Valid {
			sess.EndTime = &endTime.Time
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// FinishSession transitions the session to COMPLETED and stamps end_time.
// Fails with ErrNoActiveSession if the session is not ACTIVE.
func (s *Store) FinishSession(id string, end time.Time) (*Session, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, end_time = ? WHERE id = ? AND status = ?`,
		StatusCompleted, end.UTC(), id, StatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("finish session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("finish session rows: %w", err)
	}
	if n == 0 {
		return nil, ErrNoActiveSession
	}
	return s.GetSession(id)
}

// --- Capture ledger operations ---

// AppendCapture appends one ledger entry and advances current_count inside a
// single transaction, so the count always equals the number of ledger rows.
// seq must extend the ledger by exactly one; anything else rolls back with
// ErrSequenceDrift.
func (s *Store) AppendCapture(sessionID string, seq int, imagePath string, at time.Time) (*Capture, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE sessions SET current_count = current_count + 1 WHERE id = ? AND status = ?`,
		sessionID, StatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("advance count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("advance count rows: %w", err)
	}
	if n == 0 {
		return nil, ErrNoActiveSession
	}

	var count int
	if err := tx.QueryRow(`SELECT current_count FROM sessions WHERE id = ?`, sessionID).Scan(&count); err != nil {
		return nil, fmt.Errorf("read count: %w", err)
	}
	if count != seq {
		return nil, fmt.Errorf("%w: seq %d, ledger %d", ErrSequenceDrift, seq, count)
	}

	entry := &Capture{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Seq:        seq,
		ImagePath:  imagePath,
		CapturedAt: at.UTC(),
	}
	_, err = tx.Exec(
		`INSERT INTO captures (id, session_id, seq, image_path, captured_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.Seq, entry.ImagePath, entry.CapturedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert capture: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit capture: %w", err)
	}
	return entry, nil
}

// ListCaptures returns a session's ledger in sequence order.
func (s *Store) ListCaptures(sessionID string) ([]Capture, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, seq, image_path, captured_at, length_mm, width_mm FROM captures WHERE session_id = ? ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer rows.Close()

	var out []Capture
	for rows.Next() {
		var c Capture
		var lengthMM, widthMM sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Seq, &c.ImagePath, &c.CapturedAt, &lengthMM, &widthMM); err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		if lengthMM.Valid {
			c.LengthMM = &lengthMM.Float64
		}
		if widthMM.Valid {
			c.WidthMM = &widthMM.Float64
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCaptureDimensions records the sheet dimension estimate for a capture.
func (s *Store) SetCaptureDimensions(captureID string, lengthMM, widthMM float64) error {
	_, err := s.db.Exec(
		`UPDATE captures SET length_mm = ?, width_mm = ? WHERE id = ?`,
		lengthMM, widthMM, captureID,
	)
	if err != nil {
		return fmt.Errorf("set capture dimensions: %w", err)
	}
	return nil
}

// --- Defect operations ---

// InsertDefect writes one defect record. The ID is assigned here.
func (s *Store) InsertDefect(d *Defect) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	bbox, err := json.Marshal([4]int{d.BBox.Min.X, d.BBox.Min.Y, d.BBox.Max.X, d.BBox.Max.Y})
	if err != nil {
		return fmt.Errorf("encode bbox: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO defects (id, capture_id, session_id, defect_type, confidence, bbox, area_px, severity, crop_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.CaptureID, d.SessionID, d.DefectType, d.Confidence, string(bbox), d.AreaPx, d.Severity, d.CropPath, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert defect: %w", err)
	}
	return nil
}

// ListDefects returns a session's defect records, oldest first.
func (s *Store) ListDefects(sessionID string) ([]Defect, error) {
	rows, err := s.db.Query(
		`SELECT id, capture_id, session_id, defect_type, confidence, bbox, area_px, severity, crop_path, created_at
		 FROM defects WHERE session_id = ? ORDER BY created_at`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query defects: %w", err)
	}
	defer rows.Close()

	var out []Defect
	for rows.Next() {
		var d Defect
		var bbox string
		var cropPath sql.NullString
		if err := rows.Scan(&d.ID, &d.CaptureID, &d.SessionID, &d.DefectType, &d.Confidence,
			&bbox, &d.AreaPx, &d.Severity, &cropPath, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan defect: %w", err)
		}
		var coords [4]int
		if err := json.Unmarshal([]byte(bbox), &coords); err != nil {
			return nil, fmt.Errorf("decode bbox: %w", err)
		}
		d.BBox = image.Rect(coords[0], coords[1], coords[2], coords[3])
		if cropPath.Valid {
			d.CropPath = cropPath.String
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
