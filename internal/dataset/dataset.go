// Package dataset is the SQLite-backed bulk data source streamed by the
// dataset worker, plus a log of completed stream runs.
package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one row of the dataset
type Record struct {
	ID        int64     `json:"id"`
	Category  string    `json:"category"`
	Label     string    `json:"label"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

// Run is a completed stream as seen by the receiving side
type Run struct {
	ID         int64         `json:"id"`
	StreamID   string        `json:"streamId"`
	Worker     string        `json:"worker"`
	Items      int           `json:"items"`
	Chunks     int           `json:"chunks"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// Query selects records. Zero values mean no filter.
type Query struct {
	Category string
	Limit    int
	Offset   int
}

// Summary holds aggregate statistics over the dataset
type Summary struct {
	Records    int            `json:"records"`
	Categories map[string]int `json:"categories"`
	TotalValue float64        `json:"totalValue"`
	Runs       int            `json:"runs"`
	TodayRuns  int            `json:"todayRuns"`
}

// Store wraps the SQLite database
type Store struct {
	conn *sql.DB
}

// Open creates the database file if needed and initializes the schema.
// ":memory:" opens a private in-memory database.
func Open(dbPath string) (*Store, error) {
	dsn := "file::memory:?cache=private&_time_format=sqlite"
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory failed: %w", err)
		}
		// WAL for concurrent readers while the streamer writes
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}

	// SQLite works best with a single connection
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema failed: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		label TEXT NOT NULL,
		value REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_records_category ON records(category);

	CREATE TABLE IF NOT EXISTS stream_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stream_id TEXT NOT NULL,
		worker TEXT NOT NULL,
		items INTEGER NOT NULL,
		chunks INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		finished_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON stream_runs(finished_at);
	`

	_, err := s.conn.Exec(schema)
	return err
}

// Insert adds a record and sets its ID
func (s *Store) Insert(ctx context.Context, r *Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO records (category, label, value, created_at) VALUES (?, ?, ?, ?)`,
		r.Category, r.Label, r.Value, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// InsertBatch adds records in one transaction
func (s *Store) InsertBatch(ctx context.Context, records []Record) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (category, label, value, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range records {
		r := &records[i]
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		res, err := stmt.ExecContext(ctx, r.Category, r.Label, r.Value, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert record %d: %w", i, err)
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return tx.Commit()
}

var seedCategories = []string{"alpha", "beta", "gamma", "delta"}

// Seed fills an empty dataset with n generated records. It does nothing
// when records already exist.
func (s *Store) Seed(ctx context.Context, n int) error {
	count, err := s.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 || n <= 0 {
		return nil
	}

	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			Category: seedCategories[i%len(seedCategories)],
			Label:    fmt.Sprintf("item-%05d", i+1),
			Value:    float64(rand.IntN(10000)) / 100,
		}
	}
	return s.InsertBatch(ctx, records)
}

// Count returns the number of records
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// List returns records ordered by ID
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	query := `SELECT id, category, label, value, created_at FROM records`
	var args []any
	if q.Category != "" {
		query += ` WHERE category = ?`
		args = append(args, q.Category)
	}
	query += ` ORDER BY id`
	if q.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Category, &r.Label, &r.Value, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertRun logs a completed stream and sets its ID
func (s *Store) InsertRun(ctx context.Context, run *Run) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO stream_runs (stream_id, worker, items, chunks, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.StreamID, run.Worker, run.Items, run.Chunks, run.Duration.Milliseconds(), run.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id
	return nil
}

// RecentRuns returns up to limit runs, newest first
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, stream_id, worker, items, chunks, duration_ms, finished_at
		FROM stream_runs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var ms int64
		if err := rows.Scan(&r.ID, &r.StreamID, &r.Worker, &r.Items, &r.Chunks, &ms, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary returns aggregate statistics over records and runs
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	sum := &Summary{Categories: make(map[string]int)}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT category, COUNT(*), COALESCE(SUM(value), 0)
		FROM records
		GROUP BY category
	`)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	for rows.Next() {
		var (
			category string
			n        int
			total    float64
		)
		if err := rows.Scan(&category, &n, &total); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan category: %w", err)
		}
		sum.Categories[category] = n
		sum.Records += n
		sum.TotalValue += total
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	today := time.Now().UTC().Format("2006-01-02")
	err = s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN DATE(finished_at) = ? THEN 1 ELSE 0 END), 0)
		FROM stream_runs
	`, today).Scan(&sum.Runs, &sum.TodayRuns)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	return sum, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}
