// Package ingest is the HTTP edge: sample ingestion endpoints, status
// queries and the WebSocket upgrade path. The in-memory ring buffers
// are the authoritative sink; cache and archive writes ride along
// best-effort.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"vibrationd/internal/buffer"
	"vibrationd/internal/hub"
	"vibrationd/internal/logger"
	"vibrationd/internal/metrics"
	"vibrationd/internal/model"
)

// Registry is the durable-store surface the HTTP edge needs.
// Implemented by postgres.Store.
type Registry interface {
	AcknowledgeAlert(ctx context.Context, alertID int64, by string) error
	LatestFeatures(ctx context.Context, sensorID int) (*model.FeatureRecord, error)
	GetSensorStatus(ctx context.Context, sensorID int) (*model.SensorInfo, error)
	InsertSensorData(ctx context.Context, sensorID int, samples []model.Sample) error
}

// featureReader is the optional cache-side read tried before the
// durable store. Satisfied by the Redis client.
type featureReader interface {
	LatestFeatures(ctx context.Context, sensorID int) (*model.FeatureRecord, error)
}

// TaskLister reports which sensors have live analysis tasks.
type TaskLister interface {
	Running() []int
}

// latencyReporter is the optional analysis-latency surface of the task
// lister. Satisfied by analyzer.Service.
type latencyReporter interface {
	LatencyPercentiles() (p50, p95, p99 float64)
}

// ArchiveReader reports per-sensor coverage of the local sample
// archive. Implemented by sqlite.Recorder.
type ArchiveReader interface {
	LastTimestamp(sensorID int) (time.Time, error)
	SampleCount(sensorID int) (int64, error)
}

// Handler serves the ingest and status API.
type Handler struct {
	buffers    *buffer.Manager
	cache      model.Cache
	hub        *hub.Hub
	archive    chan<- model.SampleBatch
	archiveIdx ArchiveReader
	registry   Registry
	tasks      TaskLister
	metrics    *metrics.Metrics
	health     *metrics.HealthStatus
	started    time.Time

	upgrader websocket.Upgrader
}

// NewHandler wires the HTTP edge. archive, archiveIdx, registry, tasks,
// m and health may be nil; the matching functionality is then disabled.
func NewHandler(buffers *buffer.Manager, cache model.Cache, h *hub.Hub, archive chan<- model.SampleBatch, archiveIdx ArchiveReader, registry Registry, tasks TaskLister, m *metrics.Metrics, health *metrics.HealthStatus) *Handler {
	return &Handler{
		buffers:    buffers,
		cache:      cache,
		hub:        h,
		archive:    archive,
		archiveIdx: archiveIdx,
		registry:   registry,
		tasks:      tasks,
		metrics:    m,
		health:     health,
		started:    time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP mux.
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sensor/data", h.handleData)
	mux.HandleFunc("/api/sensor/data/stream", h.handleStream)
	mux.HandleFunc("/api/sensor/", h.handleSensorPath)
	mux.HandleFunc("/api/alerts/", h.handleAlertPath)
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/ws/", h.handleWS)
	mux.HandleFunc("/ws", h.handleWS)
	return mux
}

type samplePayload struct {
	Timestamp string  `json:"timestamp"`
	HAcc      float64 `json:"h_acc"`
	VAcc      float64 `json:"v_acc"`
}

type dataRequest struct {
	SensorID int             `json:"sensor_id"`
	Data     []samplePayload `json:"data"`
}

type streamRequest struct {
	SensorID       int       `json:"sensor_id"`
	TimestampStart string    `json:"timestamp_start"`
	SamplingRate   float64   `json:"sampling_rate"`
	HAcc           []float64 `json:"h_acc"`
	VAcc           []float64 `json:"v_acc"`
}

// handleData accepts a batch of explicitly timestamped samples.
func (h *Handler) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req dataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.reject(w, fmt.Errorf("%w: malformed request body: %v", model.ErrBadRequest, err))
		return
	}
	if req.SensorID <= 0 {
		h.reject(w, fmt.Errorf("%w: sensor_id must be a positive integer", model.ErrBadRequest))
		return
	}
	if len(req.Data) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":           "success",
			"samples_received": 0,
		})
		return
	}

	samples := make([]model.Sample, len(req.Data))
	for i, p := range req.Data {
		ts, err := parseTimestamp(p.Timestamp)
		if err != nil {
			h.reject(w, fmt.Errorf("%w: invalid timestamp at index %d: %s", model.ErrBadRequest, i, p.Timestamp))
			return
		}
		samples[i] = model.Sample{TS: ts, HAcc: p.HAcc, VAcc: p.VAcc}
	}

	ctx := logger.WithTraceID(r.Context(), logger.GenerateTraceID("ingest", time.Now()))
	h.ingest(ctx, req.SensorID, samples)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "success",
		"samples_received": len(samples),
	})
}

// handleStream accepts the compact array form: parallel h/v arrays with
// a start timestamp and sampling rate, expanded server-side.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.reject(w, fmt.Errorf("%w: malformed request body: %v", model.ErrBadRequest, err))
		return
	}
	if req.SensorID <= 0 {
		h.reject(w, fmt.Errorf("%w: sensor_id must be a positive integer", model.ErrBadRequest))
		return
	}
	if len(req.HAcc) != len(req.VAcc) {
		h.reject(w, fmt.Errorf("%w: h_acc and v_acc must have equal length", model.ErrBadRequest))
		return
	}
	if len(req.HAcc) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":           "success",
			"samples_received": 0,
		})
		return
	}

	start, err := parseTimestamp(req.TimestampStart)
	if err != nil {
		h.reject(w, fmt.Errorf("%w: invalid timestamp_start: %s", model.ErrBadRequest, req.TimestampStart))
		return
	}
	fs := req.SamplingRate
	if fs <= 0 {
		fs = model.DefaultSamplingRate
	}

	step := time.Duration(float64(time.Second) / fs)
	samples := make([]model.Sample, len(req.HAcc))
	for i := range req.HAcc {
		samples[i] = model.Sample{
			TS:   start.Add(time.Duration(i) * step),
			HAcc: req.HAcc[i],
			VAcc: req.VAcc[i],
		}
	}

	ctx := logger.WithTraceID(r.Context(), logger.GenerateTraceID("ingest", time.Now()))
	h.ingest(ctx, req.SensorID, samples)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "success",
		"samples_received": len(samples),
	})
}

// ingest commits a validated batch: ring buffer first, then the
// best-effort paths.
func (h *Handler) ingest(ctx context.Context, sensorID int, samples []model.Sample) {
	log := slog.With(logger.LogWithTrace(ctx)...)

	h.buffers.AppendBatch(sensorID, samples)

	if err := h.cache.AppendSamples(ctx, sensorID, samples); err != nil {
		log.Warn("stream cache append failed", "sensor_id", sensorID, "samples", len(samples), "error", err)
		if h.metrics != nil {
			h.metrics.CacheErrors.Inc()
		}
	}

	if h.archive != nil {
		select {
		case h.archive <- model.SampleBatch{SensorID: sensorID, Samples: samples}:
		default:
			log.Warn("archive queue full, batch dropped", "sensor_id", sensorID, "samples", len(samples))
		}
	}

	// Durable raw-data write runs off the request path; the trace id is
	// re-attached so the write correlates with its ingest request.
	if h.registry != nil {
		go func() {
			wctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			wctx = logger.WithTraceID(wctx, logger.TraceID(ctx))
			if err := h.registry.InsertSensorData(wctx, sensorID, samples); err != nil {
				log.Warn("raw data persist failed", "sensor_id", sensorID, "samples", len(samples), "error", err)
			}
		}()
	}

	note, _ := json.Marshal(map[string]interface{}{
		"type":      "sensor_data",
		"sensor_id": sensorID,
		"data": map[string]interface{}{
			"count":     len(samples),
			"timestamp": samples[len(samples)-1].TS.UTC().Format(time.RFC3339Nano),
		},
	})
	h.hub.BroadcastSensorData(sensorID, note)

	if err := h.cache.UpdateSensorStatus(ctx, sensorID, true, h.hub.SensorSubscribers(sensorID)); err != nil {
		log.Debug("status update failed", "sensor_id", sensorID, "error", err)
	}

	if h.metrics != nil {
		h.metrics.IngestBatches.Inc()
		h.metrics.SamplesIngested.Add(float64(len(samples)))
		h.metrics.ActiveBuffers.Set(float64(h.buffers.Len()))
	}
	if h.health != nil {
		h.health.SetLastSampleTime(samples[len(samples)-1].TS)
		h.health.SetActiveSensors(h.buffers.Len())
	}
}

// handleSensorPath serves GET /api/sensor/{id}/features/latest and
// GET /api/sensor/{id}/status.
func (h *Handler) handleSensorPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sensor/")
	parts := strings.Split(rest, "/")

	var op string
	switch {
	case len(parts) == 3 && parts[1] == "features" && parts[2] == "latest":
		op = "features"
	case len(parts) == 2 && parts[1] == "status":
		op = "status"
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	sensorID, err := strconv.Atoi(parts[0])
	if err != nil || sensorID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid sensor id")
		return
	}

	if op == "status" {
		h.sensorStatus(w, r, sensorID)
		return
	}
	h.latestFeatures(w, r, sensorID)
}

// latestFeatures answers from the cache hash when it is warm and falls
// back to the durable store.
func (h *Handler) latestFeatures(w http.ResponseWriter, r *http.Request, sensorID int) {
	if fc, ok := h.cache.(featureReader); ok {
		if rec, err := fc.LatestFeatures(r.Context(), sensorID); err == nil && rec != nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	if h.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	rec, err := h.registry.LatestFeatures(r.Context(), sensorID)
	if err != nil {
		slog.Error("latest features query failed", "sensor_id", sensorID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no features for sensor")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// sensorStatus joins the registry row with the live buffer view.
func (h *Handler) sensorStatus(w http.ResponseWriter, r *http.Request, sensorID int) {
	if h.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	info, err := h.registry.GetSensorStatus(r.Context(), sensorID)
	if err != nil {
		slog.Error("sensor status query failed", "sensor_id", sensorID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, "unknown sensor")
		return
	}

	resp := map[string]interface{}{
		"sensor":      info,
		"streaming":   false,
		"subscribers": h.hub.SensorSubscribers(sensorID),
	}
	if stats, ok := h.buffers.Stats(sensorID); ok {
		resp["streaming"] = true
		resp["buffer"] = stats
	}
	if h.archiveIdx != nil {
		if n, err := h.archiveIdx.SampleCount(sensorID); err == nil && n > 0 {
			archive := map[string]interface{}{"samples": n}
			if ts, err := h.archiveIdx.LastTimestamp(sensorID); err == nil && !ts.IsZero() {
				archive["last_timestamp"] = ts.UTC().Format(time.RFC3339Nano)
			}
			resp["archive"] = archive
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAlertPath serves POST /api/alerts/{id}/acknowledge.
func (h *Handler) handleAlertPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "acknowledge" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	alertID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || alertID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	if h.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	var body struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.AcknowledgedBy == "" {
		body.AcknowledgedBy = "operator"
	}

	if err := h.registry.AcknowledgeAlert(r.Context(), alertID, body.AcknowledgedBy); err != nil {
		if errors.Is(err, model.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "alert_id": alertID})
}

// handleStatus reports buffer occupancy and connection counts.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	stats := h.buffers.AllStats()
	resp := map[string]interface{}{
		"status":       "running",
		"uptime":       time.Since(h.started).Round(time.Second).String(),
		"sensors":      stats,
		"sensor_count": len(stats),
		"subscribers":  h.hub.SubscriberCount(),
	}
	if h.tasks != nil {
		resp["analysis_tasks"] = h.tasks.Running()
		if lr, ok := h.tasks.(latencyReporter); ok {
			p50, p95, p99 := lr.LatencyPercentiles()
			resp["analysis_latency_ms"] = map[string]float64{
				"p50": p50, "p95": p95, "p99": p99,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWS upgrades /ws/{sensor_id} (or /ws for all sensors).
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	sensorID := hub.AllSensors
	if rest := strings.TrimPrefix(r.URL.Path, "/ws"); rest != "" && rest != "/" {
		id, err := strconv.Atoi(strings.Trim(rest, "/"))
		if err != nil || id < 0 {
			writeError(w, http.StatusBadRequest, "invalid sensor id")
			return
		}
		sensorID = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}
	hub.ServeWS(context.Background(), h.hub, conn, sensorID)
}

func (h *Handler) reject(w http.ResponseWriter, err error) {
	if h.metrics != nil {
		h.metrics.IngestRejected.Inc()
	}
	code := http.StatusInternalServerError
	if errors.Is(err, model.ErrBadRequest) {
		code = http.StatusBadRequest
	}
	writeError(w, code, err.Error())
}

// parseTimestamp accepts RFC 3339 with or without an explicit zone;
// zoneless timestamps are read as UTC.
func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
