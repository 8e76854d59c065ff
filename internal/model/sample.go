// Package model defines the core domain types shared across the pipeline:
// raw samples, analysis windows, feature records, alerts, and the port
// interfaces that decouple business logic from concrete storage backends.
package model

import "time"

// DefaultSamplingRate is the accelerometer sampling rate in Hz.
const DefaultSamplingRate = 25600

// Sample is a single two-axis accelerometer reading.
// Immutable once produced.
type Sample struct {
	TS   time.Time `json:"timestamp"`
	HAcc float64   `json:"h_acc"`
	VAcc float64   `json:"v_acc"`
}

// SampleBatch is an ordered batch of samples for one sensor, as accepted
// by the ingest endpoint and handed to the archive writer.
type SampleBatch struct {
	SensorID int
	Samples  []Sample
}

// Window is a snapshot over the most recent interval of buffered samples
// for one sensor. HData and VData are fresh copies and always have
// identical length N. Produced on demand, never stored.
type Window struct {
	SensorID    int
	WindowStart time.Time
	WindowEnd   time.Time
	HData       []float64
	VData       []float64
	N           int
}

// SensorInfo is a sensor registry row.
type SensorInfo struct {
	SensorID     int       `json:"sensor_id"`
	Name         string    `json:"name"`
	Location     string    `json:"location,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// BufferStats describes the current state of one sensor buffer.
type BufferStats struct {
	SensorID    int        `json:"sensor_id"`
	BufferSize  int        `json:"buffer_size"`
	CurrentSize int        `json:"current_size"`
	SampleCount uint64     `json:"sample_count"`
	WindowStart *time.Time `json:"window_start,omitempty"`
	LatestTS    *time.Time `json:"latest_timestamp,omitempty"`
}
