// Package postgres is the durable store: feature history, alert
// configurations and alert records, sensor registry and stream
// sessions. Backed by a pgx connection pool sized for the sustained
// 10 inserts/sec/sensor feature write load.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vibrationd/internal/model"
)

const (
	minConns        = 10
	maxConns        = 50
	maxConnIdleTime = 5 * time.Minute

	// opTimeout bounds every statement so a wedged server cannot pile
	// up analyzer goroutines behind pool checkout.
	opTimeout = 60 * time.Second
)

// Store wraps a pgx pool. Implements model.FeatureStore.
type Store struct {
	pool *pgxpool.Pool
}

// Pool returns the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres url: %w", err)
	}
	cfg.MinConns = minConns
	cfg.MaxConns = maxConns
	cfg.MaxConnIdleTime = maxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	slog.Info("postgres connected", "min_conns", minConns, "max_conns", maxConns)
	return &Store{pool: pool}, nil
}

const insertFeaturesSQL = `
	INSERT INTO realtime_features (
		sensor_id, window_start, window_end,
		rms_h, rms_v, peak_h, peak_v,
		kurtosis_h, kurtosis_v, crest_factor_h, crest_factor_v,
		dominant_freq_h, dominant_freq_v, fm0_h, fm0_v
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULL, NULL)`

// InsertFeatures persists one feature record. The fm0 columns are kept
// for schema compatibility with older analyzers and written as NULL.
func (s *Store) InsertFeatures(ctx context.Context, rec *model.FeatureRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, insertFeaturesSQL,
		rec.SensorID, rec.WindowStart, rec.WindowEnd,
		rec.RMSH, rec.RMSV, rec.PeakH, rec.PeakV,
		rec.KurtosisH, rec.KurtosisV, rec.CrestFactorH, rec.CrestFactorV,
		rec.DominantFreqH, rec.DominantFreqV)
	if err != nil {
		return fmt.Errorf("%w: insert features sensor %d: %v", model.ErrStoreUnavailable, rec.SensorID, err)
	}
	return nil
}

// InsertSensorData persists a raw sample batch in a single transaction.
func (s *Store) InsertSensorData(ctx context.Context, sensorID int, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", model.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for i := range samples {
		b.Queue(`
			INSERT INTO sensor_data (sensor_id, timestamp, h_acc, v_acc)
			VALUES ($1, $2, $3, $4)`,
			sensorID, samples[i].TS, samples[i].HAcc, samples[i].VAcc)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("%w: sensor data batch sensor %d: %v", model.ErrStoreUnavailable, sensorID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit sensor %d: %v", model.ErrStoreUnavailable, sensorID, err)
	}
	return nil
}

// GetAlertConfigurations returns the enabled threshold rules for a sensor.
func (s *Store) GetAlertConfigurations(ctx context.Context, sensorID int) ([]model.AlertConfiguration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT sensor_id, feature_name, threshold_min, threshold_max, severity, enabled
		FROM alert_configurations
		WHERE sensor_id = $1 AND enabled = true`, sensorID)
	if err != nil {
		return nil, fmt.Errorf("%w: alert configurations sensor %d: %v", model.ErrStoreUnavailable, sensorID, err)
	}
	defer rows.Close()

	var out []model.AlertConfiguration
	for rows.Next() {
		var c model.AlertConfiguration
		if err := rows.Scan(&c.SensorID, &c.FeatureName, &c.ThresholdMin, &c.ThresholdMax, &c.Severity, &c.Enabled); err != nil {
			return nil, fmt.Errorf("%w: scan alert configuration: %v", model.ErrStoreUnavailable, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateAlert persists an alert and returns its server-assigned id.
func (s *Store) CreateAlert(ctx context.Context, a *model.Alert) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO alerts (
			sensor_id, alert_type, severity, message,
			feature_name, current_value, threshold_value, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING alert_id`,
		a.SensorID, a.Kind, a.Severity, a.Message,
		a.FeatureName, a.CurrentValue, a.ThresholdValue, a.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: create alert sensor %d: %v", model.ErrStoreUnavailable, a.SensorID, err)
	}
	return id, nil
}

// AcknowledgeAlert marks an alert as handled by an operator.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID int64, by string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET acknowledged = true, acknowledged_by = $2, acknowledged_at = NOW()
		WHERE alert_id = $1`, alertID, by)
	if err != nil {
		return fmt.Errorf("%w: acknowledge alert %d: %v", model.ErrStoreUnavailable, alertID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %d not found", alertID)
	}
	return nil
}

// RegisterSensor upserts a sensor registry row. Safe to call on every
// first-sight; repeated registrations only bump last_seen.
func (s *Store) RegisterSensor(ctx context.Context, sensorID int, name, location string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sensors (sensor_id, name, location, registered_at, last_seen)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (sensor_id)
		DO UPDATE SET last_seen = NOW()`, sensorID, name, location)
	if err != nil {
		return fmt.Errorf("%w: register sensor %d: %v", model.ErrStoreUnavailable, sensorID, err)
	}
	return nil
}

// GetSensorStatus returns the registry row for a sensor, or nil when
// the sensor has never registered.
func (s *Store) GetSensorStatus(ctx context.Context, sensorID int) (*model.SensorInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	info := &model.SensorInfo{}
	err := s.pool.QueryRow(ctx, `
		SELECT sensor_id, name, location, registered_at, last_seen
		FROM sensors
		WHERE sensor_id = $1`, sensorID).Scan(
		&info.SensorID, &info.Name, &info.Location, &info.RegisteredAt, &info.LastSeen)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: sensor status %d: %v", model.ErrStoreUnavailable, sensorID, err)
	}
	return info, nil
}

// CreateStreamSession opens a streaming session row for a sensor and
// returns its id.
func (s *Store) CreateStreamSession(ctx context.Context, sensorID int) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO stream_sessions (sensor_id, started_at)
		VALUES ($1, NOW())
		RETURNING session_id`, sensorID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: create stream session sensor %d: %v", model.ErrStoreUnavailable, sensorID, err)
	}
	return id, nil
}

// CloseStreamSession finalizes a session with its total sample count.
func (s *Store) CloseStreamSession(ctx context.Context, sessionID, totalSamples int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE stream_sessions
		SET ended_at = NOW(), total_samples = $2
		WHERE session_id = $1`, sessionID, totalSamples)
	if err != nil {
		return fmt.Errorf("%w: close stream session %d: %v", model.ErrStoreUnavailable, sessionID, err)
	}
	return nil
}

const latestFeaturesSQL = `
	SELECT sensor_id, window_start, window_end,
	       rms_h, rms_v, peak_h, peak_v,
	       kurtosis_h, kurtosis_v, crest_factor_h, crest_factor_v,
	       dominant_freq_h, dominant_freq_v
	FROM realtime_features
	WHERE sensor_id = $1
	ORDER BY window_end DESC
	LIMIT 1`

// LatestFeatures returns the most recent feature record for a sensor,
// or nil when none exists.
func (s *Store) LatestFeatures(ctx context.Context, sensorID int) (*model.FeatureRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rec := &model.FeatureRecord{}
	err := s.pool.QueryRow(ctx, latestFeaturesSQL, sensorID).Scan(
		&rec.SensorID, &rec.WindowStart, &rec.WindowEnd,
		&rec.RMSH, &rec.RMSV, &rec.PeakH, &rec.PeakV,
		&rec.KurtosisH, &rec.KurtosisV, &rec.CrestFactorH, &rec.CrestFactorV,
		&rec.DominantFreqH, &rec.DominantFreqV)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: latest features sensor %d: %v", model.ErrStoreUnavailable, sensorID, err)
	}
	rec.Timestamp = rec.WindowEnd
	return rec, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
