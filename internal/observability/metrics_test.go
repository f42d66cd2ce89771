package observability

import (
	"strings"
	"testing"
)

func TestRegistryCountersAndGauges(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("jobs_queued_total", nil, 1)
	r.IncCounter("jobs_queued_total", nil, 2)
	r.IncCounter("walrus_upload_total", map[string]string{"kind": "sp1-proof", "outcome": "success"}, 1)
	r.SetGauge("queue_length", nil, 4)
	r.SetGauge("queue_length", nil, 2)

	s := r.Snapshot()
	if len(s.Counters) != 2 || len(s.Gauges) != 1 {
		t.Fatalf("snapshot %+v", s)
	}
	for _, p := range s.Counters {
		switch p.Name {
		case "jobs_queued_total":
			if p.Value != 3 {
				t.Fatalf("counter value %f", p.Value)
			}
		case "walrus_upload_total":
			if p.Labels["kind"] != "sp1-proof" {
				t.Fatalf("labels %v", p.Labels)
			}
		default:
			t.Fatalf("unexpected counter %s", p.Name)
		}
	}
	if s.Gauges[0].Value != 2 {
		t.Fatalf("gauge keeps last value, got %f", s.Gauges[0].Value)
	}
}

func TestRegistryLabelSeparation(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("uploads", map[string]string{"kind": "a"}, 1)
	r.IncCounter("uploads", map[string]string{"kind": "b"}, 1)
	if s := r.Snapshot(); len(s.Counters) != 2 {
		t.Fatalf("label sets must be distinct series: %+v", s.Counters)
	}
}

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("jobs_failed_total", map[string]string{"reason": "upload"}, 1)
	r.SetGauge("active_job", nil, 1)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `jobs_failed_total{reason="upload"} 1`) {
		t.Fatalf("prometheus output missing labelled counter:\n%s", out)
	}
	if !strings.Contains(out, "active_job 1") {
		t.Fatalf("prometheus output missing gauge:\n%s", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("output must end with newline")
	}
}

func TestSanitizeMetricName(t *testing.T) {
	if got := sanitizeMetricName("walrus upload/total"); got != "walrus_upload_total" {
		t.Fatalf("sanitized %q", got)
	}
	if got := sanitizeMetricName(""); got != "connectsphere_metric" {
		t.Fatalf("empty name %q", got)
	}
}
