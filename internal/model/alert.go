package model

import "time"

// AlertKindThreshold is the only alert kind emitted by the realtime
// pipeline: a feature crossed a configured threshold.
const AlertKindThreshold = "threshold"

// AlertConfiguration is one enabled threshold rule for a sensor feature.
// Read-only from the pipeline's perspective.
type AlertConfiguration struct {
	SensorID     int      `json:"sensor_id"`
	FeatureName  string   `json:"feature_name"`
	ThresholdMin *float64 `json:"threshold_min,omitempty"`
	ThresholdMax *float64 `json:"threshold_max,omitempty"`
	Severity     string   `json:"severity"`
	Enabled      bool     `json:"enabled"`
}

// Alert is a threshold-crossing event tied to one feature of one sensor.
// AlertID is assigned by the durable store on create; it is zero on
// alerts that could not be persisted (those are still broadcast).
type Alert struct {
	AlertID        int64      `json:"alert_id,omitempty"`
	SensorID       int        `json:"sensor_id"`
	Kind           string     `json:"alert_type"`
	Severity       string     `json:"severity"`
	Message        string     `json:"message"`
	FeatureName    string     `json:"feature_name"`
	CurrentValue   float64    `json:"current_value"`
	ThresholdValue float64    `json:"threshold_value"`
	CreatedAt      time.Time  `json:"created_at"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}
