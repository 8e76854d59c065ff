package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vibrationd/internal/metrics"
	"vibrationd/internal/model"
	"vibrationd/internal/notification"
)

// Config tunes the per-sensor analysis loop.
type Config struct {
	// WindowDuration is the interval a feature record summarizes.
	WindowDuration time.Duration

	// MinSamples is how many samples a buffer must hold before the first
	// extraction runs.
	MinSamples int

	// Cadence is the pause between passes, ready or not.
	Cadence time.Duration

	// SamplingRate in Hz, used for frequency-bin scaling.
	SamplingRate float64

	// AlertConfigRefresh is how long a task reuses fetched threshold
	// rules before asking the store again.
	AlertConfigRefresh time.Duration
}

// DefaultConfig returns the production analysis cadence: one-second
// windows re-extracted every 100 ms once 10k samples have arrived.
func DefaultConfig() Config {
	return Config{
		WindowDuration:     time.Second,
		MinSamples:         10000,
		Cadence:            100 * time.Millisecond,
		SamplingRate:       model.DefaultSamplingRate,
		AlertConfigRefresh: 30 * time.Second,
	}
}

// WindowSource yields analysis windows. Satisfied by buffer.Manager.
type WindowSource interface {
	GetWindow(sensorID int, d time.Duration) *model.Window
	IsReady(sensorID, minSamples int) bool
}

// Service owns one analysis task per streaming sensor. Each task loops:
// snapshot a window, extract features, persist, cache, broadcast, check
// thresholds, sleep. Persistence and cache failures are absorbed so a
// degraded store never silences the live feed.
type Service struct {
	cfg      Config
	windows  WindowSource
	store    model.FeatureStore
	cache    model.Cache
	hub      model.Broadcaster
	notifier notification.Notifier
	metrics  *metrics.Metrics

	// Latency tracks wall time per completed pass.
	Latency *LatencyTracker

	mu    sync.Mutex
	tasks map[int]context.CancelFunc
	wg    sync.WaitGroup
}

// NewService wires an analyzer over the given ports. notifier and m may
// be nil; alert delivery and instrumentation are then skipped.
func NewService(cfg Config, windows WindowSource, store model.FeatureStore, cache model.Cache, hub model.Broadcaster, notifier notification.Notifier, m *metrics.Metrics) *Service {
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = time.Second
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = 100 * time.Millisecond
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10000
	}
	if cfg.AlertConfigRefresh <= 0 {
		cfg.AlertConfigRefresh = 30 * time.Second
	}
	return &Service{
		cfg:      cfg,
		windows:  windows,
		store:    store,
		cache:    cache,
		hub:      hub,
		notifier: notifier,
		metrics:  m,
		Latency:  NewLatencyTracker(10000),
		tasks:    make(map[int]context.CancelFunc),
	}
}

// Start launches the analysis task for a sensor. Idempotent: a second
// Start for a running sensor is a no-op.
func (s *Service) Start(ctx context.Context, sensorID int) {
	s.mu.Lock()
	if _, running := s.tasks[sensorID]; running {
		s.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	s.tasks[sensorID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	slog.Info("analysis task started", "sensor_id", sensorID)
	go func() {
		defer s.wg.Done()
		s.run(taskCtx, sensorID)
	}()
}

// Stop cancels the analysis task for a sensor, if running.
func (s *Service) Stop(sensorID int) {
	s.mu.Lock()
	cancel, ok := s.tasks[sensorID]
	if ok {
		delete(s.tasks, sensorID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
		slog.Info("analysis task stopped", "sensor_id", sensorID)
	}
}

// StopAll cancels every task and waits for the loops to exit.
func (s *Service) StopAll() {
	s.mu.Lock()
	for id, cancel := range s.tasks {
		cancel()
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// LatencyPercentiles reports p50/p95/p99 analysis-pass wall time in
// milliseconds across all tasks.
func (s *Service) LatencyPercentiles() (p50, p95, p99 float64) {
	return s.Latency.Percentiles()
}

// Running returns the sensor ids with live analysis tasks.
func (s *Service) Running() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) run(ctx context.Context, sensorID int) {
	ext := NewExtractor(s.cfg.SamplingRate)

	// Threshold rules are refreshed lazily so a pass normally costs no
	// store round-trip.
	var (
		rules      []model.AlertConfiguration
		rulesAsOf  time.Time
		rulesKnown bool
	)

	for {
		if !s.windows.IsReady(sensorID, s.cfg.MinSamples) {
			if s.metrics != nil {
				s.metrics.AnalyzerSkips.Inc()
			}
			if !sleep(ctx, s.cfg.Cadence) {
				return
			}
			continue
		}

		start := time.Now()
		w := s.windows.GetWindow(sensorID, s.cfg.WindowDuration)
		if w == nil || w.N == 0 {
			if !sleep(ctx, s.cfg.Cadence) {
				return
			}
			continue
		}

		rec := ext.Extract(w)

		if err := s.store.InsertFeatures(ctx, rec); err != nil {
			slog.Error("feature insert failed", "sensor_id", sensorID, "error", err)
			if s.metrics != nil {
				s.metrics.DBErrors.Inc()
			}
		}

		// The live feed runs regardless of store health.
		s.hub.BroadcastFeatureUpdate(sensorID, rec)

		if err := s.cache.CacheFeatures(ctx, rec); err != nil {
			slog.Debug("feature cache write failed", "sensor_id", sensorID, "error", err)
			if s.metrics != nil {
				s.metrics.CacheErrors.Inc()
			}
		}

		if !rulesKnown || time.Since(rulesAsOf) > s.cfg.AlertConfigRefresh {
			fetched, err := s.store.GetAlertConfigurations(ctx, sensorID)
			if err != nil {
				slog.Debug("alert config fetch failed", "sensor_id", sensorID, "error", err)
			} else {
				rules = fetched
				rulesAsOf = time.Now()
				rulesKnown = true
			}
		}
		s.checkThresholds(ctx, rec, rules)

		elapsed := time.Since(start)
		s.Latency.Record(elapsed)
		if s.metrics != nil {
			s.metrics.FeaturesComputed.Inc()
			s.metrics.FeatureComputeDur.Observe(elapsed.Seconds())
		}

		if !sleep(ctx, s.cfg.Cadence) {
			return
		}
	}
}

// checkThresholds raises one alert per crossed bound. Strictly-greater /
// strictly-less comparison: a value sitting exactly on a bound does not
// fire. A rule with both bounds set can fire twice in one pass.
func (s *Service) checkThresholds(ctx context.Context, rec *model.FeatureRecord, rules []model.AlertConfiguration) {
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		v, ok := rec.Value(r.FeatureName)
		if !ok {
			continue
		}
		if r.ThresholdMax != nil && v > *r.ThresholdMax {
			s.raiseAlert(ctx, rec, r, v, *r.ThresholdMax, "above")
		}
		if r.ThresholdMin != nil && v < *r.ThresholdMin {
			s.raiseAlert(ctx, rec, r, v, *r.ThresholdMin, "below")
		}
	}
}

func (s *Service) raiseAlert(ctx context.Context, rec *model.FeatureRecord, r model.AlertConfiguration, value, threshold float64, direction string) {
	a := &model.Alert{
		SensorID:       rec.SensorID,
		Kind:           model.AlertKindThreshold,
		Severity:       r.Severity,
		FeatureName:    r.FeatureName,
		CurrentValue:   value,
		ThresholdValue: threshold,
		CreatedAt:      time.Now().UTC(),
		Message: fmt.Sprintf("Sensor %d: %s %.4f is %s threshold %.4f",
			rec.SensorID, r.FeatureName, value, direction, threshold),
	}

	if id, err := s.store.CreateAlert(ctx, a); err != nil {
		slog.Error("alert persist failed", "sensor_id", a.SensorID, "feature", a.FeatureName, "error", err)
	} else {
		a.AlertID = id
	}

	s.hub.BroadcastAlert(a)

	if err := s.cache.PushAlert(ctx, a); err != nil {
		slog.Debug("alert queue push failed", "sensor_id", a.SensorID, "error", err)
	}

	if s.notifier != nil {
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			s.notifier.Notify(nctx, a)
		}()
	}

	if s.metrics != nil {
		s.metrics.AlertsCreated.WithLabelValues(a.Severity).Inc()
	}
	slog.Warn("threshold alert",
		"sensor_id", a.SensorID,
		"feature", a.FeatureName,
		"value", value,
		"threshold", threshold,
		"direction", direction,
		"severity", a.Severity)
}

// sleep pauses for d, returning false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
