// Package buffer provides bounded per-sensor ring buffers for
// high-frequency accelerometer samples and time-windowed reads over
// them. A buffer holds about one second of data at 25.6 kHz; the oldest
// samples are overwritten as new ones arrive.
package buffer

import (
	"time"

	"vibrationd/internal/model"
)

// DefaultCapacity is one second of samples at the default sampling rate.
const DefaultCapacity = 25600

// SensorBuffer is a bounded FIFO of (ts, h, v) samples for one sensor.
// The three sequences stay index-aligned. Not safe for concurrent use;
// the Manager serializes access.
type SensorBuffer struct {
	sensorID int
	capacity int

	ts   []time.Time
	h    []float64
	v    []float64
	head int // next write slot
	size int

	sampleCount uint64    // lifetime
	windowStart time.Time // first sample ever seen
	latest      time.Time // non-decreasing
}

// newSensorBuffer creates a buffer with the given capacity (minimum 1).
func newSensorBuffer(sensorID, capacity int) *SensorBuffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &SensorBuffer{
		sensorID: sensorID,
		capacity: capacity,
		ts:       make([]time.Time, capacity),
		h:        make([]float64, capacity),
		v:        make([]float64, capacity),
	}
}

// append adds one sample, overwriting the oldest when full. Out-of-order
// timestamps are stored as-is but never regress the latest watermark.
func (b *SensorBuffer) append(ts time.Time, h, v float64) {
	b.ts[b.head] = ts
	b.h[b.head] = h
	b.v[b.head] = v
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}

	b.sampleCount++
	if b.windowStart.IsZero() {
		b.windowStart = ts
	}
	if ts.After(b.latest) {
		b.latest = ts
	}
}

// oldestIndex returns the slot of the oldest sample.
func (b *SensorBuffer) oldestIndex() int {
	if b.size < b.capacity {
		return 0
	}
	return b.head
}

// window snapshots all samples with ts >= latest − d, preserving
// insertion order. When the strict selection covers less than half the
// buffer the entire buffer is returned instead (unless strict is set):
// sensors with irregular sample timestamps would otherwise starve the
// analyzer. Returns nil when the buffer is empty.
func (b *SensorBuffer) window(d time.Duration, strict bool) *model.Window {
	if b.size == 0 {
		return nil
	}

	cutoff := b.latest.Add(-d)
	start := b.oldestIndex()

	selTS := make([]time.Time, 0, b.size)
	selH := make([]float64, 0, b.size)
	selV := make([]float64, 0, b.size)
	for i := 0; i < b.size; i++ {
		idx := (start + i) % b.capacity
		if !b.ts[idx].Before(cutoff) {
			selTS = append(selTS, b.ts[idx])
			selH = append(selH, b.h[idx])
			selV = append(selV, b.v[idx])
		}
	}

	if !strict && len(selTS)*2 < b.size {
		// Irregular timestamps: hand back everything we hold.
		selTS = selTS[:0]
		selH = selH[:0]
		selV = selV[:0]
		for i := 0; i < b.size; i++ {
			idx := (start + i) % b.capacity
			selTS = append(selTS, b.ts[idx])
			selH = append(selH, b.h[idx])
			selV = append(selV, b.v[idx])
		}
	}

	if len(selTS) == 0 {
		return nil
	}

	return &model.Window{
		SensorID:    b.sensorID,
		WindowStart: selTS[0],
		WindowEnd:   b.latest,
		HData:       selH,
		VData:       selV,
		N:           len(selTS),
	}
}

// stats reports the buffer's current occupancy and watermarks.
func (b *SensorBuffer) stats() model.BufferStats {
	s := model.BufferStats{
		SensorID:    b.sensorID,
		BufferSize:  b.capacity,
		CurrentSize: b.size,
		SampleCount: b.sampleCount,
	}
	if !b.windowStart.IsZero() {
		ws := b.windowStart
		s.WindowStart = &ws
	}
	if b.size > 0 {
		lt := b.latest
		s.LatestTS = &lt
	}
	return s
}

// clear drops all samples and resets counters.
func (b *SensorBuffer) clear() {
	b.head = 0
	b.size = 0
	b.sampleCount = 0
	b.windowStart = time.Time{}
	b.latest = time.Time{}
}
