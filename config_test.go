package quic

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewConfigHasNonNilTLS(t *testing.T) {
	cfg := NewConfig()
	if cfg.TLS == nil {
		t.Fatal("NewConfig() should return a Config with a non-nil TLS config")
	}
}

func TestBuildMetricsOnlyRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := NewConfig()
	cfg.Registerer = reg

	cfg.buildMetrics()
	first := cfg.Metrics
	if first == nil {
		t.Fatal("buildMetrics with a non-nil Registerer should install Metrics")
	}
	cfg.buildMetrics()
	if cfg.Metrics != first {
		t.Fatal("a second buildMetrics call should not replace already-installed Metrics")
	}
}

func TestBuildMetricsNilRegistererLeavesMetricsNil(t *testing.T) {
	cfg := NewConfig()
	cfg.buildMetrics()
	if cfg.Metrics != nil {
		t.Fatal("buildMetrics without a Registerer should leave Metrics nil")
	}
}
