package postgres

import (
	"strings"
	"testing"
)

// The feature table keys every row on window bounds. Both statements
// must address window_start and window_end, never a timestamp column.
func TestFeatureStatements_WindowColumns(t *testing.T) {
	for name, q := range map[string]string{
		"insert": insertFeaturesSQL,
		"latest": latestFeaturesSQL,
	} {
		if !strings.Contains(q, "window_start") || !strings.Contains(q, "window_end") {
			t.Errorf("%s statement missing window columns:\n%s", name, q)
		}
		if strings.Contains(q, "timestamp") {
			t.Errorf("%s statement references a timestamp column:\n%s", name, q)
		}
	}
}

func TestLatestFeaturesOrdering(t *testing.T) {
	if !strings.Contains(latestFeaturesSQL, "ORDER BY window_end DESC") {
		t.Errorf("latest-features query must order by window_end:\n%s", latestFeaturesSQL)
	}
}
