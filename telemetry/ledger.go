package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrLedgerClosed is returned when the ledger is used before Init or after Close.
var ErrLedgerClosed = errors.New("ledger is not initialized")

// RunRecord describes one simulation run.
type RunRecord struct {
	ID         string
	Seed       int64
	Width      int
	Height     int
	Iterations uint64
	Config     string // effective config as YAML
	StartedAt  time.Time
}

// Evaluation is one optimizer fitness evaluation.
type Evaluation struct {
	RunID          string  `csv:"run_id"`
	Index          int     `csv:"eval"`
	SensorAngle    float64 `csv:"sensor_angle"`
	SensorDistance float64 `csv:"sensor_distance"`
	RotationAngle  float64 `csv:"rotation_angle"`
	StepSize       float64 `csv:"step_size"`
	Fitness        float64 `csv:"fitness"`
}

// Ledger persists run metadata, channel statistics and optimizer
// evaluations in a SQLite database.
type Ledger struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// NewLedger returns a ledger backed by the database file at path.
// Init must be called before use.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Init opens the database and creates missing tables.
func (l *Ledger) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path == "" {
		return errors.New("ledger path is required")
	}
	if l.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", l.path)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	// One connection serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("opening ledger: %w", err)
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating ledger tables: %w", err)
	}

	l.db = db
	return nil
}

// RecordRun inserts or replaces the metadata of a run.
func (l *Ledger) RecordRun(ctx context.Context, run RunRecord) error {
	db, err := l.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, seed, width, height, iterations, config, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seed = excluded.seed,
			width = excluded.width,
			height = excluded.height,
			iterations = excluded.iterations,
			config = excluded.config,
			started_at = excluded.started_at
	`, run.ID, run.Seed, run.Width, run.Height, int64(run.Iterations), run.Config, run.StartedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// FinishRun records the number of iterations a run completed.
func (l *Ledger) FinishRun(ctx context.Context, id string, iterations uint64) error {
	db, err := l.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `UPDATE runs SET iterations = ? WHERE id = ?`, int64(iterations), id)
	return err
}

// RecordStats stores a batch of channel stats for a run in one transaction.
func (l *Ledger) RecordStats(ctx context.Context, runID string, stats []ChannelStats) error {
	if len(stats) == 0 {
		return nil
	}
	db, err := l.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO channel_stats
			(run_id, iteration, channel, mass, mean, std, max, p50, p90, p99, coverage, top_decile)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, iteration, channel) DO UPDATE SET
			mass = excluded.mass,
			mean = excluded.mean,
			std = excluded.std,
			max = excluded.max,
			p50 = excluded.p50,
			p90 = excluded.p90,
			p99 = excluded.p99,
			coverage = excluded.coverage,
			top_decile = excluded.top_decile
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range stats {
		if _, err := stmt.ExecContext(ctx, runID, int64(s.Iteration), s.Channel,
			s.Mass, s.Mean, s.Std, s.Max, s.P50, s.P90, s.P99, s.Coverage, s.TopDecile); err != nil {
			return fmt.Errorf("recording stats for %s: %w", s.Channel, err)
		}
	}
	return tx.Commit()
}

// RecordEvaluation stores one optimizer evaluation.
func (l *Ledger) RecordEvaluation(ctx context.Context, e Evaluation) error {
	db, err := l.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO evaluations
			(run_id, eval, sensor_angle, sensor_distance, rotation_angle, step_size, fitness)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, eval) DO UPDATE SET
			sensor_angle = excluded.sensor_angle,
			sensor_distance = excluded.sensor_distance,
			rotation_angle = excluded.rotation_angle,
			step_size = excluded.step_size,
			fitness = excluded.fitness
	`, e.RunID, e.Index, e.SensorAngle, e.SensorDistance, e.RotationAngle, e.StepSize, e.Fitness)
	return err
}

// ChannelHistory returns the stats recorded for one channel of a run,
// ordered by iteration.
func (l *Ledger) ChannelHistory(ctx context.Context, runID, channel string) ([]ChannelStats, error) {
	db, err := l.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT iteration, mass, mean, std, max, p50, p90, p99, coverage, top_decile
		FROM channel_stats
		WHERE run_id = ? AND channel = ?
		ORDER BY iteration
	`, runID, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChannelStats
	for rows.Next() {
		s := ChannelStats{Channel: channel}
		var iter int64
		if err := rows.Scan(&iter, &s.Mass, &s.Mean, &s.Std, &s.Max, &s.P50, &s.P90, &s.P99, &s.Coverage, &s.TopDecile); err != nil {
			return nil, err
		}
		s.Iteration = uint64(iter)
		out = append(out, s)
	}
	return out, rows.Err()
}

// BestEvaluation returns the highest-fitness evaluation of a run.
func (l *Ledger) BestEvaluation(ctx context.Context, runID string) (Evaluation, bool, error) {
	db, err := l.getDB()
	if err != nil {
		return Evaluation{}, false, err
	}
	e := Evaluation{RunID: runID}
	err = db.QueryRowContext(ctx, `
		SELECT eval, sensor_angle, sensor_distance, rotation_angle, step_size, fitness
		FROM evaluations
		WHERE run_id = ?
		ORDER BY fitness DESC, eval ASC
		LIMIT 1
	`, runID).Scan(&e.Index, &e.SensorAngle, &e.SensorDistance, &e.RotationAngle, &e.StepSize, &e.Fitness)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Evaluation{}, false, nil
		}
		return Evaluation{}, false, err
	}
	return e, true, nil
}

// Close closes the database. It is safe to call more than once.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func (l *Ledger) getDB() (*sql.DB, error) {
	if l == nil {
		return nil, ErrLedgerClosed
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.db == nil {
		return nil, ErrLedgerClosed
	}
	return l.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			seed INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			iterations INTEGER NOT NULL,
			config TEXT NOT NULL,
			started_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS channel_stats (
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			channel TEXT NOT NULL,
			mass REAL NOT NULL,
			mean REAL NOT NULL,
			std REAL NOT NULL,
			max REAL NOT NULL,
			p50 REAL NOT NULL,
			p90 REAL NOT NULL,
			p99 REAL NOT NULL,
			coverage REAL NOT NULL,
			top_decile REAL NOT NULL,
			PRIMARY KEY (run_id, iteration, channel)
		);
		CREATE TABLE IF NOT EXISTS evaluations (
			run_id TEXT NOT NULL,
			eval INTEGER NOT NULL,
			sensor_angle REAL NOT NULL,
			sensor_distance REAL NOT NULL,
			rotation_angle REAL NOT NULL,
			step_size REAL NOT NULL,
			fitness REAL NOT NULL,
			PRIMARY KEY (run_id, eval)
		);
	`)
	return err
}
