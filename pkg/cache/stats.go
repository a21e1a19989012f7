package cache

import (
	"cmp"
	"slices"
	"time"
)

// EntryStats describes a single cache entry.
type EntryStats struct {
	Key         string
	Age         time.Duration
	AccessCount int64
	Pending     bool // The producer of this entry hasn't finished yet.
}

// Stats is a point-in-time snapshot of a RequestCache.
type Stats struct {
	Count              int
	TotalEstimatedSize int64 // Sum of estimated entry sizes in bytes; pending entries count as zero.
	Entries            []EntryStats
}

// Stats returns a snapshot of the cache, with entries sorted by key.
func (c *RequestCache) Stats() Stats {
	c.mux.Lock()
	defer c.mux.Unlock()

	now := c.config.Clock.Now()
	stats := Stats{Count: len(c.entries), Entries: make([]EntryStats, 0, len(c.entries))}
	for key, e := range c.entries {
		stats.TotalEstimatedSize += e.size
		stats.Entries = append(stats.Entries, EntryStats{
			Key:         key,
			Age:         now.Sub(e.createdAt),
			AccessCount: e.accessCount,
			Pending:     e.pending != nil,
		})
	}
	slices.SortFunc(stats.Entries, func(a, b EntryStats) int { return cmp.Compare(a.Key, b.Key) })
	return stats
}
