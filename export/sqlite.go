package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/hupe1980/trakgo"
)

// ErrInvalidArgument is returned for out of range queries or k.
var ErrInvalidArgument = errors.New("export: invalid argument")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run        TEXT PRIMARY KEY,
	train_rows INTEGER NOT NULL,
	queries    INTEGER NOT NULL,
	k          INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS attributions (
	run         TEXT NOT NULL,
	query       INTEGER NOT NULL,
	rank        INTEGER NOT NULL,
	train_index INTEGER NOT NULL,
	score       REAL NOT NULL,
	PRIMARY KEY (run, query, rank)
);
CREATE INDEX IF NOT EXISTS attributions_train ON attributions(run, train_index);
`

// Open opens a SQLite database using the modernc.org/sqlite driver.
// Pass ":memory:" for an in-memory database; it is pinned to a single
// connection since every connection would otherwise see its own database.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Run describes one exported score matrix.
type Run struct {
	Name      string
	TrainRows int
	Queries   int
	K         int
	CreatedAt time.Time
}

// Exporter writes top-k attributions of score matrices into SQLite.
type Exporter struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates the schema in db if missing.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Exporter, error) {
	e := &Exporter{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(e)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("export: create schema: %w", err)
	}
	return e, nil
}

// Write stores the k best training examples of every query column of sm
// under run, replacing a previous export with the same name.
func (e *Exporter) Write(ctx context.Context, run string, sm *trakgo.ScoreMatrix, k int) (n int, err error) {
	if k <= 0 {
		return 0, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, k)
	}
	start := time.Now()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM attributions WHERE run = ?`, run); err != nil {
		return 0, err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs(run, train_rows, queries, k, created_at) VALUES (?, ?, ?, ?, ?)`,
		run, sm.Rows, sm.Cols, k, start.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO attributions(run, query, rank, train_index, score) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for j := 0; j < sm.Cols; j++ {
		top, err := sm.TopK(j, k)
		if err != nil {
			return n, err
		}
		for rank, a := range top {
			if _, err = stmt.ExecContext(ctx, run, j, rank, a.Index, float64(a.Score)); err != nil {
				return n, fmt.Errorf("export: insert query %d rank %d: %w", j, rank, err)
			}
			n++
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	e.logger.InfoContext(ctx, "attributions exported",
		"run", run,
		"queries", sm.Cols,
		"rows", n,
		"duration", time.Since(start),
	)
	return n, nil
}

// TopK returns up to k stored attributions of query in run, best first.
func (e *Exporter) TopK(ctx context.Context, run string, query, k int) ([]trakgo.Attribution, error) {
	if query < 0 || k <= 0 {
		return nil, fmt.Errorf("%w: query %d k %d", ErrInvalidArgument, query, k)
	}
	rows, err := e.db.QueryContext(ctx,
		`SELECT train_index, score FROM attributions WHERE run = ? AND query = ? ORDER BY rank LIMIT ?`,
		run, query, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trakgo.Attribution
	for rows.Next() {
		var (
			idx   int
			score float64
		)
		if err := rows.Scan(&idx, &score); err != nil {
			return nil, err
		}
		out = append(out, trakgo.Attribution{Index: idx, Score: float32(score)})
	}
	return out, rows.Err()
}

// Influential returns the queries of run whose stored top-k contains the
// training example trainIndex, in query order.
func (e *Exporter) Influential(ctx context.Context, run string, trainIndex int) ([]int, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT query FROM attributions WHERE run = ? AND train_index = ? ORDER BY query`,
		run, trainIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var q int
		if err := rows.Scan(&q); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Runs lists exported runs ordered by name.
func (e *Exporter) Runs(ctx context.Context) ([]Run, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT run, train_rows, queries, k, created_at FROM runs ORDER BY run`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r  Run
			ts string
		)
		if err := rows.Scan(&r.Name, &r.TrainRows, &r.Queries, &r.K, &ts); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("export: run %s: %w", r.Name, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
