// Package metrics defines all Prometheus metrics for tapline. All
// metrics use the "tapline_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tapline"

var (
	// FramesCaptured counts frames read off the wire, by interface role
	// ("input" or "output").
	FramesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_captured_total",
		Help:      "Total Ethernet frames captured, by interface role.",
	}, []string{"role"})

	// ArpRepliesObserved counts ARP replies that answered an active
	// Pipeline.DiscoverPeer query. Other ARP replies on the capture path,
	// legitimate or forged, are not counted.
	ArpRepliesObserved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "arp_replies_total",
		Help:      "Total ARP replies that answered an active peer discovery query.",
	})

	// SpoofCycles counts completed ArpSpoofDriver transmit cycles.
	SpoofCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spoof_cycles_total",
		Help:      "Total spoof driver transmit cycles completed.",
	})

	// TrafficRowsWritten counts rows inserted into a traffic_YYYYMMDD
	// table.
	TrafficRowsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "traffic_rows_total",
		Help:      "Total traffic log rows written.",
	})

	// DNSCacheHits counts reverse-DNS resolutions served from cache.
	DNSCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dns_cache_hits_total",
		Help:      "Total reverse DNS cache hits.",
	})

	// DNSCacheMisses counts reverse-DNS resolutions that required a live
	// lookup.
	DNSCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dns_cache_misses_total",
		Help:      "Total reverse DNS cache misses.",
	})

	// ActiveSpoofEntries is a gauge of the spoof driver's current entry
	// count.
	ActiveSpoofEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_spoof_entries",
		Help:      "Number of addresses currently being actively poisoned.",
	})
)
