package redis

import (
	"math"
	"strconv"
	"testing"
	"time"

	"vibrationd/internal/model"
)

func TestKeyFormats(t *testing.T) {
	cases := []struct {
		got  string
		want string
	}{
		{StreamKey(42), "stream:sensor:42"},
		{FeaturesKey(42), "features:sensor:42:latest"},
		{StatusKey(42), "status:sensor:42"},
		{FeatureChannel(42), "sensor:42:features"},
		{DataChannel(42), "sensor:42:data"},
		{ConnectionsKey, "connections:active"},
		{AlertQueueKey, "alerts:queue"},
		{AlertChannel, "alerts:all"},
		{BroadcastChannel, "broadcast:all"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("key format: got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestSampleValues(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	s := &model.Sample{TS: ts, HAcc: 0.125, VAcc: -3.5}

	vals := sampleValues(s)
	if vals["timestamp"] != "2026-03-14T09:26:53.589793Z" {
		t.Errorf("timestamp: got %q", vals["timestamp"])
	}
	if vals["h_acc"] != "0.125" {
		t.Errorf("h_acc: got %q", vals["h_acc"])
	}
	if vals["v_acc"] != "-3.5" {
		t.Errorf("v_acc: got %q", vals["v_acc"])
	}
}

func TestFeatureHash_RoundTrips(t *testing.T) {
	end := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &model.FeatureRecord{
		SensorID:      7,
		WindowStart:   end.Add(-time.Second),
		WindowEnd:     end,
		Timestamp:     end,
		RMSH:          1.4142135623730951,
		PeakH:         2,
		KurtosisH:     1.5,
		CrestFactorH:  math.Sqrt2,
		DominantFreqH: 160,
	}

	h := featureHash(rec)
	if h["sensor_id"] != "7" {
		t.Errorf("sensor_id: got %q", h["sensor_id"])
	}
	if h["window_end"] != "2026-01-02T03:04:05Z" {
		t.Errorf("window_end: got %q", h["window_end"])
	}

	// Float fields must survive a string round-trip exactly.
	got, err := strconv.ParseFloat(h["rms_h"].(string), 64)
	if err != nil || got != rec.RMSH {
		t.Errorf("rms_h round-trip: got %v err=%v", got, err)
	}
	if h["dominant_freq_h"] != "160" {
		t.Errorf("dominant_freq_h: got %q", h["dominant_freq_h"])
	}

	// Every feature column must be present.
	for _, field := range []string{
		"rms_h", "rms_v", "peak_h", "peak_v", "kurtosis_h", "kurtosis_v",
		"crest_factor_h", "crest_factor_v", "dominant_freq_h", "dominant_freq_v",
	} {
		if _, ok := h[field]; !ok {
			t.Errorf("missing field %q", field)
		}
	}

	// And the decode path must reconstruct the record exactly.
	asStrings := make(map[string]string, len(h))
	for k, v := range h {
		asStrings[k] = v.(string)
	}
	back, err := featureFromHash(asStrings)
	if err != nil {
		t.Fatalf("featureFromHash: %v", err)
	}
	if *back != *rec {
		t.Errorf("decoded record differs:\n got %+v\nwant %+v", back, rec)
	}
}

func TestFeatureFromHash_BadField(t *testing.T) {
	h := featureHash(&model.FeatureRecord{SensorID: 1, Timestamp: time.Now().UTC()})
	asStrings := make(map[string]string, len(h))
	for k, v := range h {
		asStrings[k] = v.(string)
	}
	asStrings["rms_h"] = "not-a-number"
	if _, err := featureFromHash(asStrings); err == nil {
		t.Error("expected decode error for junk float")
	}
}
