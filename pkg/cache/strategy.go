package cache

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/nobletooth/tiercache/pkg/utils"
)

// Strategy picks which entries go first when the cache holds more than MaxSize entries.
type Strategy string

const (
	// LRU evicts the entries that were read or written longest ago.
	LRU Strategy = "LRU"
	// LFU evicts the entries with the fewest reads; older entries go first among equals.
	LFU Strategy = "LFU"
	// FIFO evicts the entries that were inserted first, regardless of reads.
	FIFO Strategy = "FIFO"
)

// ParseStrategy parses a strategy name case-insensitively.
func ParseStrategy(name string) (Strategy, error) {
	switch strategy := Strategy(strings.ToUpper(strings.TrimSpace(name))); strategy {
	case LRU, LFU, FIFO:
		return strategy, nil
	default:
		return "", fmt.Errorf("unknown eviction strategy %q; expected one of LRU, LFU, FIFO", name)
	}
}

// compare orders entries so that the first ones are evicted first.
// Ties are broken by insertion sequence, which keeps eviction deterministic when timestamps collide.
func (s Strategy) compare(a, b *entry) int {
	var order int
	switch s {
	case LRU:
		order = a.accessedAt.Compare(b.accessedAt)
	case LFU:
		order = cmp.Or(cmp.Compare(a.accessCount, b.accessCount), a.createdAt.Compare(b.createdAt))
	case FIFO:
		order = a.createdAt.Compare(b.createdAt)
	default:
		utils.RaiseInvariant("cache", "unknown_strategy", "Comparing entries under an unknown strategy.",
			"strategy", s)
		order = a.accessedAt.Compare(b.accessedAt)
	}
	return cmp.Or(order, cmp.Compare(a.seq, b.seq))
}
