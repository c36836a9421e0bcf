package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return out.GetCounter().GetValue()
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("create", "ok", 0.1)
	m.LockResult("busy")
	m.SlotAdjusted(3, "ok")
	m.CompensationFailed()
	m.EventPublished("ok")
}

func TestCountersAreRegisteredAndIncremented(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SlotAdjusted(2, "ok")
	m.SlotAdjusted(-2, "ok")
	m.SlotAdjusted(-2, "ok")
	m.CompensationFailed()
	m.LockResult("busy")

	if got := counterValue(t, m.SlotAdjustments.WithLabelValues("consume", "ok")); got != 1 {
		t.Fatalf("expected 1 consume, got %v", got)
	}
	if got := counterValue(t, m.SlotAdjustments.WithLabelValues("release", "ok")); got != 2 {
		t.Fatalf("expected 2 releases, got %v", got)
	}
	if got := counterValue(t, m.CompensationFailures); got != 1 {
		t.Fatalf("expected 1 compensation failure, got %v", got)
	}
	if got := counterValue(t, m.LockAcquisitions.WithLabelValues("busy")); got != 1 {
		t.Fatalf("expected 1 busy lock, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered metric families")
	}
}
