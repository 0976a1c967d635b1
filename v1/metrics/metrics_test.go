package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterCoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)

	LockAttempts.WithLabelValues("acquired").Inc()
	RefreshTotal.WithLabelValues("extended").Inc()
	WatcherReconnects.Inc()
	WatcherUp.Set(1)
	ObserveWait(0)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 4 {
		t.Fatalf("expected at least 4 metric families, got %d", len(mfs))
	}
}
