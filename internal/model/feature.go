package model

import (
	"math"
	"time"
)

// Feature names accepted by alert configurations. These match the column
// names of the realtime_features table.
const (
	FeatureRMSH         = "rms_h"
	FeatureRMSV         = "rms_v"
	FeaturePeakH        = "peak_h"
	FeaturePeakV        = "peak_v"
	FeatureKurtosisH    = "kurtosis_h"
	FeatureKurtosisV    = "kurtosis_v"
	FeatureCrestH       = "crest_factor_h"
	FeatureCrestV       = "crest_factor_v"
	FeatureDominantFqH  = "dominant_freq_h"
	FeatureDominantFqV  = "dominant_freq_v"
)

// FeatureRecord is a fixed-schema bundle of scalars summarizing one
// analysis window. The timestamp fields serialize as RFC 3339 strings so
// the JSON form is always total; the durable store consumes the native
// time.Time values directly. Timestamp duplicates WindowEnd for clients
// that key on a single time field.
type FeatureRecord struct {
	SensorID    int       `json:"sensor_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Timestamp   time.Time `json:"timestamp"`

	RMSH          float64 `json:"rms_h"`
	RMSV          float64 `json:"rms_v"`
	PeakH         float64 `json:"peak_h"`
	PeakV         float64 `json:"peak_v"`
	KurtosisH     float64 `json:"kurtosis_h"`
	KurtosisV     float64 `json:"kurtosis_v"`
	CrestFactorH  float64 `json:"crest_factor_h"`
	CrestFactorV  float64 `json:"crest_factor_v"`
	DominantFreqH float64 `json:"dominant_freq_h"`
	DominantFreqV float64 `json:"dominant_freq_v"`
}

// Value returns the named feature scalar. The second return is false for
// unknown names, mirroring a missing-key lookup so alert checks can skip
// configurations that reference features this record does not carry.
func (f *FeatureRecord) Value(name string) (float64, bool) {
	switch name {
	case FeatureRMSH:
		return f.RMSH, true
	case FeatureRMSV:
		return f.RMSV, true
	case FeaturePeakH:
		return f.PeakH, true
	case FeaturePeakV:
		return f.PeakV, true
	case FeatureKurtosisH:
		return f.KurtosisH, true
	case FeatureKurtosisV:
		return f.KurtosisV, true
	case FeatureCrestH:
		return f.CrestFactorH, true
	case FeatureCrestV:
		return f.CrestFactorV, true
	case FeatureDominantFqH:
		return f.DominantFreqH, true
	case FeatureDominantFqV:
		return f.DominantFreqV, true
	}
	return 0, false
}

// Sanitize replaces NaN and ±Inf in every numeric field with 0 so the
// record is safe to persist and to serialize as JSON numbers.
func (f *FeatureRecord) Sanitize() {
	for _, p := range []*float64{
		&f.RMSH, &f.RMSV, &f.PeakH, &f.PeakV,
		&f.KurtosisH, &f.KurtosisV, &f.CrestFactorH, &f.CrestFactorV,
		&f.DominantFreqH, &f.DominantFreqV,
	} {
		if math.IsNaN(*p) || math.IsInf(*p, 0) {
			*p = 0
		}
	}
}
