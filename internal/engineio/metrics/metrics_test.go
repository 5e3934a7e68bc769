package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}

	if r.WritesTotal == nil {
		t.Error("WritesTotal not initialized")
	}
	if r.MemTableSizeBytes == nil {
		t.Error("MemTableSizeBytes not initialized")
	}
	if r.SSTablesTotal == nil {
		t.Error("SSTablesTotal not initialized")
	}
	if r.CompactionsTotal == nil {
		t.Error("CompactionsTotal not initialized")
	}
	if r.GCRunsTotal == nil {
		t.Error("GCRunsTotal not initialized")
	}
	if r.TransactionsActive == nil {
		t.Error("TransactionsActive not initialized")
	}
	if r.registry == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestDefault(t *testing.T) {
	r1 := Default()
	r2 := Default()

	if r1 != r2 {
		t.Error("Default() should return the same instance across calls")
	}
}

func TestWritesCounterIncrements(t *testing.T) {
	r := NewRegistry()

	r.WritesTotal.Inc()
	r.WritesTotal.Inc()

	var metric dto.Metric
	if err := r.WritesTotal.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}

	if metric.Counter.GetValue() != 2 {
		t.Errorf("WritesTotal = %v, want 2", metric.Counter.GetValue())
	}
}

func TestCompactionsTotalLabeledByStrategy(t *testing.T) {
	r := NewRegistry()

	r.CompactionsTotal.WithLabelValues("leveled").Inc()
	r.CompactionsTotal.WithLabelValues("leveled").Inc()
	r.CompactionsTotal.WithLabelValues("tiered").Inc()

	leveled, err := r.CompactionsTotal.GetMetricWithLabelValues("leveled")
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	if err := leveled.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Errorf("leveled compactions = %v, want 2", metric.Counter.GetValue())
	}

	tiered, err := r.CompactionsTotal.GetMetricWithLabelValues("tiered")
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var tieredMetric dto.Metric
	if err := tiered.Write(&tieredMetric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if tieredMetric.Counter.GetValue() != 1 {
		t.Errorf("tiered compactions = %v, want 1", tieredMetric.Counter.GetValue())
	}
}

func TestSSTablesTotalLabeledByLevel(t *testing.T) {
	r := NewRegistry()

	r.SSTablesTotal.WithLabelValues("0").Set(3)
	r.SSTablesTotal.WithLabelValues("1").Set(10)

	l0, err := r.SSTablesTotal.GetMetricWithLabelValues("0")
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	if err := l0.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() != 3 {
		t.Errorf("level 0 sstables = %v, want 3", metric.Gauge.GetValue())
	}
}

func TestPrometheusRegistryNotNil(t *testing.T) {
	r := NewRegistry()
	if r.PrometheusRegistry() == nil {
		t.Error("PrometheusRegistry() returned nil")
	}
}
