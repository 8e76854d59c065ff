package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"vibrationd/internal/buffer"
	"vibrationd/internal/hub"
	"vibrationd/internal/model"
)

type fakeCache struct {
	mu       sync.Mutex
	appended map[int]int
	failAll  bool
	features map[int]*model.FeatureRecord
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		appended: make(map[int]int),
		features: make(map[int]*model.FeatureRecord),
	}
}

func (f *fakeCache) LatestFeatures(ctx context.Context, sensorID int) (*model.FeatureRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, model.ErrCacheUnavailable
	}
	return f.features[sensorID], nil
}

func (f *fakeCache) AppendSamples(ctx context.Context, sensorID int, samples []model.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return model.ErrCacheUnavailable
	}
	f.appended[sensorID] += len(samples)
	return nil
}

func (f *fakeCache) CacheFeatures(ctx context.Context, rec *model.FeatureRecord) error { return nil }
func (f *fakeCache) UpdateSensorStatus(ctx context.Context, sensorID int, streaming bool, connections int) error {
	return nil
}
func (f *fakeCache) AddConnection(ctx context.Context, id string) error              { return nil }
func (f *fakeCache) RemoveConnection(ctx context.Context, id string) error           { return nil }
func (f *fakeCache) PushAlert(ctx context.Context, a *model.Alert) error             { return nil }
func (f *fakeCache) Publish(ctx context.Context, ch string, payload []byte) error    { return nil }
func (f *fakeCache) Subscribe(ctx context.Context, chs ...string) (model.MessageStream, error) {
	return nil, model.ErrCacheUnavailable
}

type fakeRegistry struct {
	mu      sync.Mutex
	latest  map[int]*model.FeatureRecord
	sensors map[int]*model.SensorInfo
	acked   []int64
	raw     map[int]int
}

func (f *fakeRegistry) AcknowledgeAlert(ctx context.Context, alertID int64, by string) error {
	f.acked = append(f.acked, alertID)
	return nil
}

func (f *fakeRegistry) LatestFeatures(ctx context.Context, sensorID int) (*model.FeatureRecord, error) {
	return f.latest[sensorID], nil
}

func (f *fakeRegistry) GetSensorStatus(ctx context.Context, sensorID int) (*model.SensorInfo, error) {
	return f.sensors[sensorID], nil
}

func (f *fakeRegistry) InsertSensorData(ctx context.Context, sensorID int, samples []model.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw[sensorID] += len(samples)
	return nil
}

type fakeTasks struct {
	running       []int
	p50, p95, p99 float64
}

func (f *fakeTasks) Running() []int { return f.running }

func (f *fakeTasks) LatencyPercentiles() (p50, p95, p99 float64) {
	return f.p50, f.p95, f.p99
}

type fakeArchiveIdx struct {
	samples map[int]int64
	last    map[int]time.Time
}

func (f *fakeArchiveIdx) SampleCount(sensorID int) (int64, error) {
	return f.samples[sensorID], nil
}

func (f *fakeArchiveIdx) LastTimestamp(sensorID int) (time.Time, error) {
	return f.last[sensorID], nil
}

type env struct {
	buffers    *buffer.Manager
	cache      *fakeCache
	archive    chan model.SampleBatch
	archiveIdx *fakeArchiveIdx
	registry   *fakeRegistry
	tasks      *fakeTasks
	srv        *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		buffers: buffer.NewManager(25600),
		cache:   newFakeCache(),
		archive: make(chan model.SampleBatch, 8),
		archiveIdx: &fakeArchiveIdx{
			samples: make(map[int]int64),
			last:    make(map[int]time.Time),
		},
		registry: &fakeRegistry{
			latest:  make(map[int]*model.FeatureRecord),
			sensors: make(map[int]*model.SensorInfo),
			raw:     make(map[int]int),
		},
		tasks: &fakeTasks{},
	}
	h := hub.New(e.cache, nil)
	handler := NewHandler(e.buffers, e.cache, h, e.archive, e.archiveIdx, e.registry, e.tasks, nil, nil)
	e.srv = httptest.NewServer(handler.Router())
	t.Cleanup(e.srv.Close)
	return e
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHandleData_Accepted(t *testing.T) {
	e := newEnv(t)
	now := time.Now().UTC()

	payload := map[string]interface{}{
		"sensor_id": 1,
		"data": []map[string]interface{}{
			{"timestamp": now.Format(time.RFC3339Nano), "h_acc": 0.1, "v_acc": -0.1},
			{"timestamp": now.Add(time.Millisecond).Format(time.RFC3339Nano), "h_acc": 0.2, "v_acc": -0.2},
		},
	}
	resp := postJSON(t, e.srv.URL+"/api/sensor/data", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	var out struct {
		Status          string `json:"status"`
		SamplesReceived int    `json:"samples_received"`
	}
	decode(t, resp, &out)
	if out.Status != "success" || out.SamplesReceived != 2 {
		t.Errorf("response: %+v", out)
	}

	stats, ok := e.buffers.Stats(1)
	if !ok || stats.SampleCount != 2 {
		t.Errorf("buffer: ok=%v stats=%+v", ok, stats)
	}
	e.cache.mu.Lock()
	cached := e.cache.appended[1]
	e.cache.mu.Unlock()
	if cached != 2 {
		t.Errorf("cache append: got %d samples", cached)
	}

	select {
	case b := <-e.archive:
		if b.SensorID != 1 || len(b.Samples) != 2 {
			t.Errorf("archive batch: %+v", b)
		}
	default:
		t.Error("expected archive batch")
	}

	// The durable raw-data write is asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for {
		e.registry.mu.Lock()
		n := e.registry.raw[1]
		e.registry.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Errorf("raw data persist: got %d samples", n)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleData_EmptyBatchIsNoop(t *testing.T) {
	e := newEnv(t)
	resp := postJSON(t, e.srv.URL+"/api/sensor/data", map[string]interface{}{
		"sensor_id": 1,
		"data":      []map[string]interface{}{},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	resp.Body.Close()
	if _, ok := e.buffers.Stats(1); ok {
		t.Error("empty batch must not create a buffer")
	}
}

func TestHandleData_Rejections(t *testing.T) {
	e := newEnv(t)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	cases := []struct {
		name string
		body interface{}
	}{
		{"zero_sensor_id", map[string]interface{}{"sensor_id": 0, "data": []map[string]interface{}{{"timestamp": now}}}},
		{"negative_sensor_id", map[string]interface{}{"sensor_id": -3, "data": []map[string]interface{}{{"timestamp": now}}}},
		{"bad_timestamp", map[string]interface{}{"sensor_id": 1, "data": []map[string]interface{}{{"timestamp": "yesterday"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, e.srv.URL+"/api/sensor/data", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				resp.Body.Close()
				t.Fatalf("status: got %d, want 400", resp.StatusCode)
			}
			var out struct {
				Error string `json:"error"`
			}
			decode(t, resp, &out)
			if !strings.HasPrefix(out.Error, "bad request") {
				t.Errorf("error body: %q", out.Error)
			}
		})
	}

	resp, err := http.Post(e.srv.URL+"/api/sensor/data", "application/json", bytes.NewReader([]byte("{broken")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: got %d, want 400", resp.StatusCode)
	}

	if _, ok := e.buffers.Stats(1); ok {
		t.Error("rejected batches must not reach the buffer")
	}
}

func TestHandleStream_Expansion(t *testing.T) {
	e := newEnv(t)
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	resp := postJSON(t, e.srv.URL+"/api/sensor/data/stream", map[string]interface{}{
		"sensor_id":       2,
		"timestamp_start": start.Format(time.RFC3339Nano),
		"sampling_rate":   1000,
		"h_acc":           []float64{1, 2, 3, 4},
		"v_acc":           []float64{-1, -2, -3, -4},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var out struct {
		SamplesReceived int `json:"samples_received"`
	}
	decode(t, resp, &out)
	if out.SamplesReceived != 4 {
		t.Errorf("samples_received: %d", out.SamplesReceived)
	}

	w := e.buffers.GetWindow(2, time.Minute)
	if w == nil || w.N != 4 {
		t.Fatalf("window: %+v", w)
	}
	if w.HData[3] != 4 || w.VData[3] != -4 {
		t.Errorf("expanded values: h=%v v=%v", w.HData, w.VData)
	}
	// 1 kHz spacing: last sample 3 ms after start.
	if !w.WindowEnd.Equal(start.Add(3 * time.Millisecond)) {
		t.Errorf("window end: got %v", w.WindowEnd)
	}
}

func TestHandleStream_LengthMismatch(t *testing.T) {
	e := newEnv(t)
	resp := postJSON(t, e.srv.URL+"/api/sensor/data/stream", map[string]interface{}{
		"sensor_id":       2,
		"timestamp_start": time.Now().UTC().Format(time.RFC3339Nano),
		"sampling_rate":   1000,
		"h_acc":           []float64{1, 2},
		"v_acc":           []float64{1},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestHandleData_CacheOutageNonFatal(t *testing.T) {
	e := newEnv(t)
	e.cache.failAll = true
	now := time.Now().UTC()

	resp := postJSON(t, e.srv.URL+"/api/sensor/data", map[string]interface{}{
		"sensor_id": 1,
		"data": []map[string]interface{}{
			{"timestamp": now.Format(time.RFC3339Nano), "h_acc": 1.0, "v_acc": 1.0},
		},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cache outage must not fail ingest: status %d", resp.StatusCode)
	}
	if stats, ok := e.buffers.Stats(1); !ok || stats.SampleCount != 1 {
		t.Error("buffer write must survive cache outage")
	}
}

func TestHandleStatus(t *testing.T) {
	e := newEnv(t)
	now := time.Now().UTC()
	postJSON(t, e.srv.URL+"/api/sensor/data", map[string]interface{}{
		"sensor_id": 5,
		"data": []map[string]interface{}{
			{"timestamp": now.Format(time.RFC3339Nano), "h_acc": 1.0, "v_acc": 1.0},
		},
	}).Body.Close()

	resp, err := http.Get(e.srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Status      string              `json:"status"`
		SensorCount int                 `json:"sensor_count"`
		Sensors     []model.BufferStats `json:"sensors"`
	}
	decode(t, resp, &out)
	if out.Status != "running" || out.SensorCount != 1 {
		t.Errorf("status response: %+v", out)
	}
	if len(out.Sensors) != 1 || out.Sensors[0].SensorID != 5 {
		t.Errorf("sensors: %+v", out.Sensors)
	}
}

func TestHandleStatus_AnalysisLatency(t *testing.T) {
	e := newEnv(t)
	e.tasks.running = []int{7}
	e.tasks.p50, e.tasks.p95, e.tasks.p99 = 1.5, 4.0, 9.0

	resp, err := http.Get(e.srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		AnalysisTasks []int              `json:"analysis_tasks"`
		LatencyMs     map[string]float64 `json:"analysis_latency_ms"`
	}
	decode(t, resp, &out)
	if len(out.AnalysisTasks) != 1 || out.AnalysisTasks[0] != 7 {
		t.Errorf("analysis_tasks: %v", out.AnalysisTasks)
	}
	if out.LatencyMs["p50"] != 1.5 || out.LatencyMs["p95"] != 4.0 || out.LatencyMs["p99"] != 9.0 {
		t.Errorf("analysis_latency_ms: %v", out.LatencyMs)
	}
}

func TestLatestFeaturesEndpoint(t *testing.T) {
	e := newEnv(t)
	e.registry.latest[3] = &model.FeatureRecord{SensorID: 3, RMSH: 1.5, Timestamp: time.Now().UTC()}

	resp, err := http.Get(e.srv.URL + "/api/sensor/3/features/latest")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var rec model.FeatureRecord
	decode(t, resp, &rec)
	if rec.SensorID != 3 || rec.RMSH != 1.5 {
		t.Errorf("record: %+v", rec)
	}

	resp, err = http.Get(e.srv.URL + "/api/sensor/99/features/latest")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown sensor: got %d, want 404", resp.StatusCode)
	}
}

func TestLatestFeatures_CacheFirst(t *testing.T) {
	e := newEnv(t)
	e.cache.features[3] = &model.FeatureRecord{SensorID: 3, RMSH: 9.9}
	e.registry.latest[3] = &model.FeatureRecord{SensorID: 3, RMSH: 1.5}

	resp, err := http.Get(e.srv.URL + "/api/sensor/3/features/latest")
	if err != nil {
		t.Fatal(err)
	}
	var rec model.FeatureRecord
	decode(t, resp, &rec)
	if rec.RMSH != 9.9 {
		t.Errorf("expected cached record, got %+v", rec)
	}
}

func TestSensorStatusEndpoint(t *testing.T) {
	e := newEnv(t)
	e.registry.sensors[5] = &model.SensorInfo{SensorID: 5, Name: "sensor-5"}
	now := time.Now().UTC()
	postJSON(t, e.srv.URL+"/api/sensor/data", map[string]interface{}{
		"sensor_id": 5,
		"data": []map[string]interface{}{
			{"timestamp": now.Format(time.RFC3339Nano), "h_acc": 1.0, "v_acc": 1.0},
		},
	}).Body.Close()

	resp, err := http.Get(e.srv.URL + "/api/sensor/5/status")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var out struct {
		Sensor    model.SensorInfo  `json:"sensor"`
		Streaming bool              `json:"streaming"`
		Buffer    model.BufferStats `json:"buffer"`
	}
	decode(t, resp, &out)
	if out.Sensor.Name != "sensor-5" || !out.Streaming || out.Buffer.SampleCount != 1 {
		t.Errorf("status body: %+v", out)
	}

	resp, err = http.Get(e.srv.URL + "/api/sensor/99/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown sensor: got %d, want 404", resp.StatusCode)
	}
}

func TestSensorStatus_ArchiveCoverage(t *testing.T) {
	e := newEnv(t)
	e.registry.sensors[6] = &model.SensorInfo{SensorID: 6, Name: "sensor-6"}
	last := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	e.archiveIdx.samples[6] = 12800
	e.archiveIdx.last[6] = last

	resp, err := http.Get(e.srv.URL + "/api/sensor/6/status")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Archive *struct {
			Samples       int64  `json:"samples"`
			LastTimestamp string `json:"last_timestamp"`
		} `json:"archive"`
	}
	decode(t, resp, &out)
	if out.Archive == nil {
		t.Fatal("expected archive section")
	}
	if out.Archive.Samples != 12800 {
		t.Errorf("archive samples: got %d", out.Archive.Samples)
	}
	if got, err := time.Parse(time.RFC3339Nano, out.Archive.LastTimestamp); err != nil || !got.Equal(last) {
		t.Errorf("archive last_timestamp: %q err=%v", out.Archive.LastTimestamp, err)
	}

	// A sensor with no archived rows reports no archive section.
	e.registry.sensors[7] = &model.SensorInfo{SensorID: 7}
	resp, err = http.Get(e.srv.URL + "/api/sensor/7/status")
	if err != nil {
		t.Fatal(err)
	}
	var bare struct {
		Archive *json.RawMessage `json:"archive"`
	}
	decode(t, resp, &bare)
	if bare.Archive != nil {
		t.Errorf("unexpected archive section: %s", *bare.Archive)
	}
}

func TestAcknowledgeAlertEndpoint(t *testing.T) {
	e := newEnv(t)

	resp := postJSON(t, e.srv.URL+"/api/alerts/42/acknowledge", map[string]string{
		"acknowledged_by": "oncall",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if len(e.registry.acked) != 1 || e.registry.acked[0] != 42 {
		t.Errorf("acked: %v", e.registry.acked)
	}

	resp = postJSON(t, e.srv.URL+"/api/alerts/zero/acknowledge", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id: got %d, want 400", resp.StatusCode)
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2026-05-01T12:00:00Z", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"2026-05-01T12:00:00.250+02:00", time.Date(2026, 5, 1, 10, 0, 0, 250000000, time.UTC)},
		{"2026-05-01T12:00:00.5", time.Date(2026, 5, 1, 12, 0, 0, 500000000, time.UTC)},
	}
	for _, tc := range cases {
		got, err := parseTimestamp(tc.in)
		if err != nil {
			t.Errorf("parseTimestamp(%q): %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("parseTimestamp(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := parseTimestamp("not-a-time"); err == nil {
		t.Error("expected error for junk input")
	}
}
