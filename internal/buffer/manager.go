package buffer

import (
	"log/slog"
	"sync"
	"time"

	"vibrationd/internal/model"
)

// Manager owns the sensor_id → buffer map behind a single coarse mutex.
// Critical sections are brief: windowed reads snapshot the sequences
// under the lock and do any further work after release.
type Manager struct {
	mu       sync.Mutex
	buffers  map[int]*SensorBuffer
	capacity int

	// Strict disables the 50 % windowed-read fallback so get_window
	// returns only samples inside the requested interval.
	Strict bool

	// OnCreate is invoked (outside the lock) the first time a sensor is
	// seen. The supervisor uses it to start the sensor's analyzer task.
	OnCreate func(sensorID int)
}

// NewManager creates a Manager whose buffers hold capacity samples each.
func NewManager(capacity int) *Manager {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Manager{
		buffers:  make(map[int]*SensorBuffer),
		capacity: capacity,
	}
}

// Append adds a single sample, lazily creating the buffer.
func (m *Manager) Append(sensorID int, ts time.Time, h, v float64) {
	m.AppendBatch(sensorID, []model.Sample{{TS: ts, HAcc: h, VAcc: v}})
}

// AppendBatch appends samples contiguously, in order. A windowed read
// never observes a partially-appended batch.
func (m *Manager) AppendBatch(sensorID int, samples []model.Sample) {
	if len(samples) == 0 {
		return
	}

	m.mu.Lock()
	b, ok := m.buffers[sensorID]
	if !ok {
		b = newSensorBuffer(sensorID, m.capacity)
		m.buffers[sensorID] = b
		slog.Info("created sensor buffer", "sensor_id", sensorID, "capacity", m.capacity)
	}
	for _, s := range samples {
		b.append(s.TS, s.HAcc, s.VAcc)
	}
	m.mu.Unlock()

	if !ok && m.OnCreate != nil {
		m.OnCreate(sensorID)
	}
}

// GetWindow returns a snapshot of the samples in the most recent d
// interval, or nil when the sensor has no buffered data.
func (m *Manager) GetWindow(sensorID int, d time.Duration) *model.Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[sensorID]
	if !ok {
		return nil
	}
	return b.window(d, m.Strict)
}

// IsReady reports whether the sensor holds at least minSamples.
func (m *Manager) IsReady(sensorID, minSamples int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[sensorID]
	return ok && b.size >= minSamples
}

// Stats returns buffer statistics for one sensor. The bool is false when
// the sensor has never been seen.
func (m *Manager) Stats(sensorID int) (model.BufferStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[sensorID]
	if !ok {
		return model.BufferStats{}, false
	}
	return b.stats(), true
}

// AllStats returns statistics for every live buffer.
func (m *Manager) AllStats() []model.BufferStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.BufferStats, 0, len(m.buffers))
	for _, b := range m.buffers {
		out = append(out, b.stats())
	}
	return out
}

// Sensors returns the ids of every live buffer.
func (m *Manager) Sensors() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	return ids
}

// Clear empties a sensor's buffer but keeps it registered.
func (m *Manager) Clear(sensorID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buffers[sensorID]; ok {
		b.clear()
	}
}

// Drop removes a sensor's buffer entirely. Subsequent reads report empty
// until the next append recreates it.
func (m *Manager) Drop(sensorID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buffers[sensorID]; ok {
		delete(m.buffers, sensorID)
		slog.Info("dropped sensor buffer", "sensor_id", sensorID)
	}
}

// ReapIdle drops buffers whose latest-sample watermark is older than
// maxIdle and returns the dropped sensor ids so the supervisor can stop
// the matching analyzer tasks.
func (m *Manager) ReapIdle(maxIdle time.Duration) []int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()
	var reaped []int
	for id, b := range m.buffers {
		if !b.latest.IsZero() && b.latest.Before(cutoff) {
			delete(m.buffers, id)
			reaped = append(reaped, id)
		}
	}
	if len(reaped) > 0 {
		slog.Info("reaped idle sensor buffers", "sensors", reaped)
	}
	return reaped
}

// Len returns the number of live buffers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}
