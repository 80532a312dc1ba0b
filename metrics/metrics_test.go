package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	FramesCaptured.WithLabelValues("input").Inc()
	ArpRepliesObserved.Inc()
	SpoofCycles.Inc()
	TrafficRowsWritten.Inc()
	DNSCacheHits.Inc()
	DNSCacheMisses.Inc()
	ActiveSpoofEntries.Set(3)

	if got := testutil.ToFloat64(ArpRepliesObserved); got != 1 {
		t.Errorf("ArpRepliesObserved = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ActiveSpoofEntries); got != 3 {
		t.Errorf("ActiveSpoofEntries = %v, want 3", got)
	}
	if got := testutil.ToFloat64(SpoofCycles); got != 1 {
		t.Errorf("SpoofCycles = %v, want 1", got)
	}
}

func TestMetricsNamespace(t *testing.T) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), namespace+"_") {
			found = true
		}
	}
	if !found {
		t.Errorf("no metrics found with %s_ namespace", namespace)
	}
}
