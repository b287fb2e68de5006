package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Ascend/MindInferenceService-sub000/internal/storage"
)

// Store is a SQLite implementation of AdmissionStore.
type Store struct {
	db *sql.DB
}

var _ storage.AdmissionStore = (*Store)(nil)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS admissions (
			id TEXT PRIMARY KEY,
			client_ip TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			status INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			code TEXT,
			duration_ns INTEGER NOT NULL,
			streaming INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_admissions_outcome ON admissions(outcome)`,
		`CREATE INDEX IF NOT EXISTS idx_admissions_created ON admissions(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record saves one admission record.
func (s *Store) Record(ctx context.Context, rec *storage.AdmissionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	var code sql.NullString
	if rec.Code != "" {
		code = sql.NullString{String: rec.Code, Valid: true}
	}
	streaming := 0
	if rec.Streaming {
		streaming = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admissions (id, client_ip, method, path, status, outcome, code, duration_ns, streaming, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ClientIP, rec.Method, rec.Path, rec.Status, rec.Outcome, code,
		int64(rec.Duration), streaming, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert admission record: %w", err)
	}
	return nil
}

// List returns admission records newest first.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]*storage.AdmissionRecord, error) {
	query := `SELECT
		id, client_ip, method, path, status, outcome, code, duration_ns, streaming, created_at
	FROM admissions WHERE 1=1`

	var args []interface{}

	if opts.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}

	query += " ORDER BY created_at DESC, rowid DESC"

	limit := opts.Limit
	if limit == 0 {
		limit = storage.DefaultListLimit
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query admissions: %w", err)
	}
	defer rows.Close()

	records := []*storage.AdmissionRecord{}
	for rows.Next() {
		var rec storage.AdmissionRecord
		var code sql.NullString
		var durationNs int64
		var streaming int

		if err := rows.Scan(
			&rec.ID, &rec.ClientIP, &rec.Method, &rec.Path, &rec.Status, &rec.Outcome,
			&code, &durationNs, &streaming, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan admission record: %w", err)
		}

		rec.Code = code.String
		rec.Duration = time.Duration(durationNs)
		rec.Streaming = streaming == 1
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// DeleteBefore removes records created before cutoff.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM admissions WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete admission records: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}
