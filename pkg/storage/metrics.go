package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storageLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_lookups_total",
		Help: "Total number of durable store reads.",
	}, []string{"scope", "status" /* mirror_hit | medium_hit | miss | expired | corrupt */})
	storageQuotaEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_quota_evictions_total",
		Help: "Total number of entries evicted to make room in a full medium.",
	}, []string{"scope"})
	storageWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_write_failures_total",
		Help: "Total number of writes rejected by a medium after the eviction retry.",
	}, []string{"scope"})
	storageSweptEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_swept_entries_total",
		Help: "Total number of medium entries removed by the sweep.",
	}, []string{"scope", "reason" /* expired | corrupt */})
)
