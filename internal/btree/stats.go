package btree

import "sync/atomic"

// Stats counts eviction activity on a connection's cache.
type Stats struct {
	// Pages evicted: internal pages, and clean vs. modified totals.
	CacheEvictInternal   atomic.Uint64
	CacheEvictModified   atomic.Uint64
	CacheEvictUnmodified atomic.Uint64

	// Eviction attempts abandoned because a reader held the page.
	CacheEvictHazard atomic.Uint64
	// Hazard snapshot lookups that found the target page in use.
	RecHazard atomic.Uint64
}
