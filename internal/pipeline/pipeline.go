// Package pipeline supervises the processing graph: ring buffers feed
// per-sensor analyzers, which feed the durable store, the cache and the
// WebSocket hub. The supervisor owns startup order, first-sight sensor
// onboarding, idle-buffer reaping and graceful shutdown.
package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"vibrationd/internal/analyzer"
	"vibrationd/internal/buffer"
	"vibrationd/internal/hub"
	"vibrationd/internal/model"
)

// Registry is the sensor bookkeeping surface of the durable store.
type Registry interface {
	RegisterSensor(ctx context.Context, sensorID int, name, location string) error
	CreateStreamSession(ctx context.Context, sensorID int) (int64, error)
	CloseStreamSession(ctx context.Context, sessionID, totalSamples int64) error
}

// Config tunes the supervisor.
type Config struct {
	// MaxIdle is how long a sensor may stay silent before its buffer
	// and analysis task are reclaimed.
	MaxIdle time.Duration

	// ReapSchedule is a cron expression for the idle sweep.
	ReapSchedule string

	// ArchiveQueueDepth bounds the in-flight archive batches.
	ArchiveQueueDepth int
}

// DefaultConfig returns the production supervisor settings.
func DefaultConfig() Config {
	return Config{
		MaxIdle:           time.Hour,
		ReapSchedule:      "@hourly",
		ArchiveQueueDepth: 64,
	}
}

// Pipeline wires and supervises the components.
type Pipeline struct {
	cfg      Config
	buffers  *buffer.Manager
	cache    model.Cache
	analyzer *analyzer.Service
	bridge   *hub.Bridge
	archiver model.SampleArchiver
	registry Registry

	archiveCh chan model.SampleBatch

	mu       sync.Mutex
	sessions map[int]int64

	cron    *cron.Cron
	cancel  context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup
	started bool
}

// New assembles a pipeline. bridge, archiver and registry may be nil.
func New(cfg Config, buffers *buffer.Manager, cache model.Cache, a *analyzer.Service, bridge *hub.Bridge, archiver model.SampleArchiver, registry Registry) *Pipeline {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = time.Hour
	}
	if cfg.ReapSchedule == "" {
		cfg.ReapSchedule = "@hourly"
	}
	if cfg.ArchiveQueueDepth <= 0 {
		cfg.ArchiveQueueDepth = 64
	}
	return &Pipeline{
		cfg:       cfg,
		buffers:   buffers,
		cache:     cache,
		analyzer:  a,
		bridge:    bridge,
		archiver:  archiver,
		registry:  registry,
		archiveCh: make(chan model.SampleBatch, cfg.ArchiveQueueDepth),
		sessions:  make(map[int]int64),
	}
}

// ArchiveQueue is the channel the ingest layer enqueues raw batches on.
// Nil when no archiver is configured.
func (p *Pipeline) ArchiveQueue() chan<- model.SampleBatch {
	if p.archiver == nil {
		return nil
	}
	return p.archiveCh
}

// Start brings the graph up: archive drain, pub/sub bridge, first-sight
// hook and the idle-reap schedule.
func (p *Pipeline) Start(ctx context.Context) error {
	p.runCtx, p.cancel = context.WithCancel(ctx)

	if p.archiver != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.archiver.Run(p.runCtx, p.archiveCh)
		}()
	}

	if p.bridge != nil {
		if err := p.bridge.Start(p.runCtx); err != nil {
			p.cancel()
			return err
		}
	}

	// First sight of a sensor: spin up its analysis task and register
	// it durably. Registration is asynchronous; the hot path only pays
	// for the task start.
	p.buffers.OnCreate = func(sensorID int) {
		p.analyzer.Start(p.runCtx, sensorID)
		if p.registry != nil {
			go p.onboard(sensorID)
		}
	}

	p.cron = cron.New()
	if _, err := p.cron.AddFunc(p.cfg.ReapSchedule, p.reapIdle); err != nil {
		p.cancel()
		return err
	}
	p.cron.Start()

	p.started = true
	slog.Info("pipeline started", "max_idle", p.cfg.MaxIdle, "reap_schedule", p.cfg.ReapSchedule)
	return nil
}

func (p *Pipeline) onboard(sensorID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	name := "sensor-" + strconv.Itoa(sensorID)
	if err := p.registry.RegisterSensor(ctx, sensorID, name, ""); err != nil {
		slog.Warn("sensor registration failed", "sensor_id", sensorID, "error", err)
	}
	sessionID, err := p.registry.CreateStreamSession(ctx, sensorID)
	if err != nil {
		slog.Warn("stream session open failed", "sensor_id", sensorID, "error", err)
		return
	}
	p.mu.Lock()
	p.sessions[sensorID] = sessionID
	p.mu.Unlock()
}

// reapIdle reclaims buffers and tasks of sensors that stopped sending.
// Tasks stop before the buffers drop so no analyzer reads a vanishing
// sensor.
func (p *Pipeline) reapIdle() {
	stale := p.buffers.ReapIdle(p.cfg.MaxIdle)
	for _, sensorID := range stale {
		p.analyzer.Stop(sensorID)
		p.closeSession(sensorID)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.cache.UpdateSensorStatus(ctx, sensorID, false, 0); err != nil {
			slog.Debug("status update failed", "sensor_id", sensorID, "error", err)
		}
		cancel()
	}
}

func (p *Pipeline) closeSession(sensorID int) {
	p.mu.Lock()
	sessionID, ok := p.sessions[sensorID]
	if ok {
		delete(p.sessions, sensorID)
	}
	p.mu.Unlock()
	if !ok || p.registry == nil {
		return
	}

	var total int64
	if stats, found := p.buffers.Stats(sensorID); found {
		total = int64(stats.SampleCount)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.registry.CloseStreamSession(ctx, sessionID, total); err != nil {
		slog.Warn("stream session close failed", "sensor_id", sensorID, "session_id", sessionID, "error", err)
	}
}

// Stop winds the graph down: schedules first, then analysis tasks, then
// the bridge, and finally the archive drain.
func (p *Pipeline) Stop() {
	if !p.started {
		return
	}
	p.started = false

	cronCtx := p.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(5 * time.Second):
		slog.Warn("cron jobs did not finish in time")
	}

	p.analyzer.StopAll()

	if p.bridge != nil {
		p.bridge.Stop()
	}

	p.mu.Lock()
	open := make([]int, 0, len(p.sessions))
	for id := range p.sessions {
		open = append(open, id)
	}
	p.mu.Unlock()
	for _, id := range open {
		p.closeSession(id)
	}

	// Closing the queue lets the archiver drain what is already
	// enqueued before its Run loop returns.
	close(p.archiveCh)
	p.cancel()
	p.wg.Wait()
	if p.archiver != nil {
		p.archiver.Close()
	}

	slog.Info("pipeline stopped")
}
