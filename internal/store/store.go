// Package store is the local persisted state: the auth credential, the
// saved custom redaction patterns, and a history of reports. Nothing in
// here ever contains unredacted email content.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Action mirrors the two ways a report can leave the device.
type Action string

const (
	ActionSubmit  Action = "submit"
	ActionPredict Action = "predict"
)

// Report is one entry in the local activity history.
type Report struct {
	ID           int64
	Action       Action
	SenderDomain string
	Subject      string // redacted subject, as transmitted
	Verdict      string // "phishy"/"legitimate" for predictions, "" for submissions
	CreatedAt    time.Time
}

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS credential (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		token TEXT NOT NULL,
		username TEXT,
		saved_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Custom redaction patterns: an order-insensitive set of strings
	CREATE TABLE IF NOT EXISTS patterns (
		pattern TEXT PRIMARY KEY
	);

	-- Local report history (redacted fields only)
	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		sender_domain TEXT,
		subject TEXT,
		verdict TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCredential stores the bearer token, replacing any previous one.
func (s *Store) SaveCredential(token, username string) error {
	_, err := s.db.Exec(`
		INSERT INTO credential (id, token, username, saved_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET token = excluded.token,
			username = excluded.username, saved_at = excluded.saved_at`,
		token, username)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Credential returns the stored token and username, or empty strings when
// none is stored.
func (s *Store) Credential() (token, username string, err error) {
	row := s.db.QueryRow(`SELECT token, username FROM credential WHERE id = 1`)
	var user sql.NullString
	err = row.Scan(&token, &user)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to read credential: %w", err)
	}
	return token, user.String, nil
}

func (s *Store) ClearCredential() error {
	_, err := s.db.Exec(`DELETE FROM credential`)
	if err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

// AddPattern stores a custom pattern. Duplicates collapse silently.
func (s *Store) AddPattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO patterns (pattern) VALUES (?)`, pattern)
	if err != nil {
		return fmt.Errorf("failed to save pattern: %w", err)
	}
	return nil
}

func (s *Store) RemovePattern(pattern string) error {
	_, err := s.db.Exec(`DELETE FROM patterns WHERE pattern = ?`, pattern)
	if err != nil {
		return fmt.Errorf("failed to delete pattern: %w", err)
	}
	return nil
}

// Patterns returns all saved patterns. Order is not meaningful; sorted for
// stable display.
func (s *Store) Patterns() ([]string, error) {
	rows, err := s.db.Query(`SELECT pattern FROM patterns ORDER BY pattern`)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer rows.Close()

	var patterns []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// RecordReport appends one entry to the local history.
func (s *Store) RecordReport(action Action, senderDomain, subject, verdict string) error {
	_, err := s.db.Exec(`
		INSERT INTO reports (action, sender_domain, subject, verdict)
		VALUES (?, ?, ?, ?)`,
		action, senderDomain, subject, verdict)
	if err != nil {
		return fmt.Errorf("failed to record report: %w", err)
	}
	return nil
}

// RecentReports returns the newest entries first.
func (s *Store) RecentReports(limit int) ([]*Report, error) {
	rows, err := s.db.Query(`
		SELECT id, action, sender_domain, subject, verdict, created_at
		FROM reports ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []*Report
	for rows.Next() {
		var r Report
		var senderDomain, subject, verdict sql.NullString
		var createdAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.Action, &senderDomain, &subject, &verdict, &createdAt); err != nil {
			return nil, err
		}
		r.SenderDomain = senderDomain.String
		r.Subject = subject.String
		r.Verdict = verdict.String
		r.CreatedAt = createdAt.Time
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}
