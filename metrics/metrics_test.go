package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("Failed to read metrics: %v", err)
	}
	return string(body)
}

func TestCounters(t *testing.T) {
	m := New()
	m.Admission("convert", true)
	m.Admission("convert", false)
	m.Admission("convert", false)
	m.ConversionFinished("webp", "sync", "completed", 300*time.Millisecond)

	out := scrape(t, m)
	for _, want := range []string{
		`fileforge_admissions_total{bucket="convert",result="denied"} 2`,
		`fileforge_admissions_total{bucket="convert",result="allowed"} 1`,
		`fileforge_conversions_total{mode="sync",outcome="completed",tool="webp"} 1`,
		`fileforge_conversion_duration_seconds_count{tool="webp"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output", want)
		}
	}
}

func TestTrackGauge(t *testing.T) {
	m := New()
	m.TrackGauge("jobs_live", "Live jobs.", func() float64 { return 3 })

	if out := scrape(t, m); !strings.Contains(out, "fileforge_jobs_live 3") {
		t.Errorf("Expected gauge in output, got:\n%s", out)
	}
}
