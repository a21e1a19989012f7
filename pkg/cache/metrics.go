package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "request_cache_lookups_total",
		Help: "Total number of request cache lookups.",
	}, []string{"cache", "status" /* hit | shared | miss */})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "request_cache_evictions_total",
		Help: "Total number of entries removed by capacity eviction or the expiry sweep.",
	}, []string{"cache", "reason" /* capacity | expired */})
	cacheProducerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "request_cache_producer_failures_total",
		Help: "Total number of producer invocations that returned an error or panicked.",
	}, []string{"cache"})
)
