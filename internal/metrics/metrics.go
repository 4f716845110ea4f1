// Package metrics exposes the gateway's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/otcheredev/mado-gateway/internal/cache"
)

var (
	AssociationsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mado_gateway_associations_accepted_total",
		Help: "Inbound DIMSE associations accepted.",
	})

	AssociationsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mado_gateway_associations_rejected_total",
		Help: "Inbound DIMSE associations rejected at negotiation.",
	})

	DimseRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mado_gateway_dimse_requests_total",
		Help: "DIMSE requests handled, by operation.",
	}, []string{"operation"})

	StoreSuboperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mado_gateway_store_suboperations_total",
		Help: "C-STORE sub-operations issued during C-MOVE, by outcome.",
	}, []string{"outcome"})

	InstanceDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mado_gateway_instance_downloads_total",
		Help: "WADO-RS instance downloads, by outcome.",
	}, []string{"outcome"})
)

// RegisterInstanceCache exports the instance cache counters as collectors
// backed directly by the cache's own statistics.
func RegisterInstanceCache(c *cache.InstanceCache) {
	promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "mado_gateway_instance_cache_hits_total",
		Help: "Instance cache hits.",
	}, func() float64 { return float64(c.Stats().Hits) })

	promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "mado_gateway_instance_cache_misses_total",
		Help: "Instance cache misses.",
	}, func() float64 { return float64(c.Stats().Misses) })

	promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "mado_gateway_instance_cache_evictions_total",
		Help: "Instance cache LRU evictions.",
	}, func() float64 { return float64(c.Stats().Evictions) })

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mado_gateway_instance_cache_bytes",
		Help: "Bytes currently held by the instance cache.",
	}, func() float64 { return float64(c.Stats().CurrentBytes) })

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mado_gateway_instance_cache_entries",
		Help: "Entries currently held by the instance cache.",
	}, func() float64 { return float64(c.Stats().Entries) })
}
