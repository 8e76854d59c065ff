// Package sqlite archives raw accelerometer samples to a local database
// file. The archive is an offline fallback: when the Redis stream ages
// out, the raw waveform can still be replayed from here.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vibrationd/internal/model"
)

const (
	defaultBatchSize  = 4096
	defaultFlushDelay = 200 * time.Millisecond
)

// RecorderConfig configures the sample recorder.
type RecorderConfig struct {
	DBPath string // path to the archive file, e.g. "data/vibration.db"
}

// Recorder is a single-goroutine SQLite writer with transaction
// batching. Implements model.SampleArchiver.
type Recorder struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (r *Recorder) DB() *sql.DB { return r.db }

// New opens the archive, enabling WAL mode and creating the schema.
func New(cfg RecorderConfig) (*Recorder, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("sample archive opened", "path", cfg.DBPath)
	return &Recorder{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sensor_samples (
			sensor_id INTEGER NOT NULL,
			ts_ns     INTEGER NOT NULL,
			h_acc     REAL    NOT NULL,
			v_acc     REAL    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sensor_samples_sensor_ts
			ON sensor_samples (sensor_id, ts_ns);
	`)
	return err
}

// Run drains sample batches into batched transactions. Flushes every
// defaultBatchSize samples OR every defaultFlushDelay, whichever first.
// Blocks until ctx is cancelled or batches is closed.
func (r *Recorder) Run(ctx context.Context, batches <-chan model.SampleBatch) {
	pending := make([]model.SampleBatch, 0, 16)
	pendingSamples := 0
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if pendingSamples == 0 {
			return
		}
		start := time.Now()
		if err := r.insertBatches(pending); err != nil {
			slog.Error("archive batch insert failed", "samples", pendingSamples, "error", err)
		} else {
			slog.Debug("archive committed", "samples", pendingSamples, "took", time.Since(start))
		}
		pending = pending[:0]
		pendingSamples = 0
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case b, ok := <-batches:
			if !ok {
				flush()
				return
			}
			pending = append(pending, b)
			pendingSamples += len(b.Samples)
			if pendingSamples >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertBatches writes the queued batches in a single transaction.
func (r *Recorder) insertBatches(batches []model.SampleBatch) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO sensor_samples (sensor_id, ts_ns, h_acc, v_acc)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range batches {
		for i := range b.Samples {
			s := &b.Samples[i]
			if _, err := stmt.Exec(b.SensorID, s.TS.UnixNano(), s.HAcc, s.VAcc); err != nil {
				tx.Rollback()
				return err
			}
		}
	}

	return tx.Commit()
}

// LastTimestamp returns the newest archived sample time for a sensor,
// or the zero time when the sensor has no rows.
func (r *Recorder) LastTimestamp(sensorID int) (time.Time, error) {
	var ns sql.NullInt64
	err := r.db.QueryRow(
		`SELECT MAX(ts_ns) FROM sensor_samples WHERE sensor_id = ?`, sensorID,
	).Scan(&ns)
	if err != nil {
		return time.Time{}, err
	}
	if !ns.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, ns.Int64).UTC(), nil
}

// SampleCount returns the number of archived rows for a sensor.
func (r *Recorder) SampleCount(sensorID int) (int64, error) {
	var n int64
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM sensor_samples WHERE sensor_id = ?`, sensorID,
	).Scan(&n)
	return n, err
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}
