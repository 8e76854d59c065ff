package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the vibration pipeline.
type Metrics struct {
	SamplesIngested prometheus.Counter
	IngestBatches   prometheus.Counter
	IngestRejected  prometheus.Counter

	FeaturesComputed  prometheus.Counter
	FeatureComputeDur prometheus.Histogram
	AnalyzerSkips     prometheus.Counter

	AlertsCreated *prometheus.CounterVec // labels: severity

	CacheErrors   prometheus.Counter
	CacheWriteDur prometheus.Histogram
	DBInsertDur   prometheus.Histogram
	DBErrors      prometheus.Counter

	ActiveBuffers     prometheus.Gauge
	ActiveSubscribers prometheus.Gauge
	BroadcastDrops    prometheus.Counter
	BridgeMessages    *prometheus.CounterVec // labels: channel_kind
	BridgeDecodeFail  prometheus.Counter

	ArchiveCommitDur prometheus.Histogram
	ArchiveRows      prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		SamplesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrationd_samples_ingested_total",
			Help: "Total accelerometer samples accepted into ring buffers",
		}),
		IngestBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrationd_ingest_batches_total",
			Help: "Total ingest requests accepted",
		}),
		IngestRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrationd_ingest_rejected_total",
			Help: "Ingest requests rejected with 400",
		}),

		FeaturesComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrationd_features_computed_total",
			Help: "Feature records produced by analyzer tasks",
		}),
		FeatureComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vibrationd_feature_compute_duration_seconds",
			Help:    "Per-window feature extraction latency",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
		AnalyzerSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrationd_analyzer_skips_total",
			Help: "Analyzer passes skipped because the buffer was not ready",
		}),

		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibrationd_alerts_created_total",
			Help: "Threshold alerts raised (by severity)",
		}, []string{"severity"}),

		CacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrationd_cache_errors_total",
			Help: "Redis operations that failed and were skipped",
		}),
		CacheWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vibrationd_cache_write_duration_seconds",
			Help:    "Redis pipeline write latency",
			Buckets: prometheus.DefBuckets,
		}),
		DBInsertDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vibrationd_db_insert_duration_seconds",
			Help:    "PostgreSQL insert latency",
			Buckets: prometheus.DefBuckets,
		}),
		DBErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrationd_db_errors_total",
			Help: "PostgreSQL operations that failed",
		}),

		ActiveBuffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vibrationd_active_buffers",
			Help: "Sensor ring buffers currently held in memory",
		}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vibrationd_active_subscribers",
			Help: "WebSocket subscribers currently connected",
		}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrationd_broadcast_drops_total",
			Help: "Messages dropped because a subscriber send buffer was full",
		}),
		BridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibrationd_bridge_messages_total",
			Help: "Pub/sub messages re-broadcast by the bridge (by channel kind)",
		}, []string{"channel_kind"}),
		BridgeDecodeFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrationd_bridge_decode_failures_total",
			Help: "Pub/sub payloads dropped because they failed to decode",
		}),

		ArchiveCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vibrationd_archive_commit_duration_seconds",
			Help:    "SQLite archive batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		ArchiveRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibrationd_archive_rows_total",
			Help: "Raw samples committed to the SQLite archive",
		}),
	}

	prometheus.MustRegister(
		m.SamplesIngested,
		m.IngestBatches,
		m.IngestRejected,
		m.FeaturesComputed,
		m.FeatureComputeDur,
		m.AnalyzerSkips,
		m.AlertsCreated,
		m.CacheErrors,
		m.CacheWriteDur,
		m.DBInsertDur,
		m.DBErrors,
		m.ActiveBuffers,
		m.ActiveSubscribers,
		m.BroadcastDrops,
		m.BridgeMessages,
		m.BridgeDecodeFail,
		m.ArchiveCommitDur,
		m.ArchiveRows,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected bool      `json:"redis_connected"`
	PostgresOK     bool      `json:"postgres_ok"`
	ArchiveOK      bool      `json:"archive_ok"`
	LastSampleTime time.Time `json:"last_sample_time"`
	ActiveSensors  int       `json:"active_sensors"`

	// Liveness probe results
	RedisLatencyMs    float64   `json:"redis_latency_ms"`
	PostgresLatencyMs float64   `json:"postgres_latency_ms"`
	LastCheckAt       time.Time `json:"last_check_at"`
	StartedAt         time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetLastSampleTime(t time.Time) {
	h.mu.Lock()
	h.LastSampleTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveSensors(n int) {
	h.mu.Lock()
	h.ActiveSensors = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetArchiveOK(v bool) {
	h.mu.Lock()
	h.ArchiveOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckPostgres pings the pool and records latency + health.
func (h *HealthStatus) CheckPostgres(ctx context.Context, pool *pgxpool.Pool) {
	start := time.Now()
	err := pool.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.PostgresOK = err == nil
	h.PostgresLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckArchive runs a trivial query against the SQLite archive.
func (h *HealthStatus) CheckArchive(ctx context.Context, db *sql.DB) {
	err := db.PingContext(ctx)

	h.mu.Lock()
	h.ArchiveOK = err == nil
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, pool *pgxpool.Pool, archive *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if pool != nil {
					h.CheckPostgres(probeCtx, pool)
				}
				if archive != nil {
					h.CheckArchive(probeCtx, archive)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.RedisConnected || !h.PostgresOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.PostgresOK {
		overallStatus = "unhealthy"
	}

	sampleAge := ""
	if !h.LastSampleTime.IsZero() {
		sampleAge = time.Since(h.LastSampleTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status            string  `json:"status"`
		Uptime            string  `json:"uptime"`
		LastSampleTime    string  `json:"last_sample_time"`
		SampleAge         string  `json:"sample_age"`
		ActiveSensors     int     `json:"active_sensors"`
		RedisConnected    bool    `json:"redis_connected"`
		RedisLatencyMs    float64 `json:"redis_latency_ms"`
		PostgresOK        bool    `json:"postgres_ok"`
		PostgresLatencyMs float64 `json:"postgres_latency_ms"`
		ArchiveOK         bool    `json:"archive_ok"`
		LastCheckAt       string  `json:"last_check_at"`
	}{
		Status:            overallStatus,
		Uptime:            time.Since(h.StartedAt).Round(time.Second).String(),
		LastSampleTime:    h.LastSampleTime.Format(time.RFC3339),
		SampleAge:         sampleAge,
		ActiveSensors:     h.ActiveSensors,
		RedisConnected:    h.RedisConnected,
		RedisLatencyMs:    h.RedisLatencyMs,
		PostgresOK:        h.PostgresOK,
		PostgresLatencyMs: h.PostgresLatencyMs,
		ArchiveOK:         h.ArchiveOK,
		LastCheckAt:       h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
