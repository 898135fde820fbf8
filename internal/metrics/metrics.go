// Package metrics declares the Prometheus collectors shared by the pipeline and purchase components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orchestrator_items_total", Help: "Pipeline items by outcome"},
		[]string{"pipeline", "status"},
	)
	ItemErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orchestrator_item_errors_total", Help: "Skipped pipeline items by error kind"},
		[]string{"pipeline", "kind"},
	)
	ItemDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "orchestrator_item_duration_seconds", Help: "Per-item processing latency", Buckets: prometheus.DefBuckets},
		[]string{"pipeline"},
	)
	RepeatedMints = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "orchestrator_repeated_mints", Help: "Mint events dropped because the asset was already stored (process lifetime)"},
	)
	DiscoveryCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orchestrator_discovery_cycles_total", Help: "Discovery cycles per collection"},
		[]string{"collection", "status"},
	)
	DiscoveredMovements = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orchestrator_discovered_movements_total", Help: "Mint movements emitted by discovery"},
		[]string{"collection"},
	)
	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orchestrator_publish_total", Help: "Downstream publish attempts"},
		[]string{"origin", "status"},
	)
	PurchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "offset_purchases_total", Help: "Offset purchases by outcome"},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(ItemsTotal, ItemErrors, ItemDuration, RepeatedMints, DiscoveryCycles, DiscoveredMovements, PublishTotal, PurchasesTotal)
}

// Status maps an error to the ok/error label used across collectors.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
