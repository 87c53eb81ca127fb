package btree

import (
	"runtime"
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// hazardSlot is one cell of the connection-wide hazard matrix. A
// non-nil page means some reader is dereferencing it.
type hazardSlot struct {
	session int
	page    atomic.Pointer[Page]
}

// Hazard is one compacted snapshot entry.
type Hazard struct {
	Session int
	Page    *Page
}

// pageAddr orders pages by their raw address for snapshot sort and
// binary search.
func pageAddr(p *Page) uintptr { return uintptr(unsafe.Pointer(p)) }

// HazardSet publishes a hazard reference on ref's page.
//
// The store-load handshake with the evictor: publish the hazard, then
// reload the ref state. The evictor stores RefLocked, then reads the
// snapshot. At least one side observes the other, so a reader never
// keeps a page the evictor believes unreferenced.
func (s *Session) HazardSet(ref *Ref) (*Page, error) {
	page := ref.Page()
	if page == nil {
		return nil, nil
	}

	for i := range s.slots {
		slot := &s.slots[i]
		if slot.page.Load() != nil {
			continue
		}
		slot.page.Store(page)

		if ref.State() != RefMem || ref.Page() != page {
			slot.page.Store(nil)
			return nil, nil
		}
		return page, nil
	}
	return nil, ErrNoHazardSlot
}

// HazardClear withdraws this session's hazard reference on page.
func (s *Session) HazardClear(page *Page) {
	for i := range s.slots {
		slot := &s.slots[i]
		if slot.page.Load() == page {
			slot.page.Store(nil)
			return
		}
	}
}

// hazardCopy rebuilds the cache's snapshot of the hazard matrix,
// compacting empty slots and sorting by page address so the lookup in
// hazardExclusive can binary-search. Hazard references are transient,
// the snapshot is rebuilt on every retry.
func (s *Session) hazardCopy() {
	cache := s.conn.cache

	snap := cache.hazard[:0]
	for i := range s.conn.hazard {
		slot := &s.conn.hazard[i]
		page := slot.page.Load()
		if page == nil {
			continue
		}
		snap = append(snap, Hazard{Session: slot.session, Page: page})
	}

	sort.Slice(snap, func(i, j int) bool {
		return pageAddr(snap[i].Page) < pageAddr(snap[j].Page)
	})
	cache.hazard = snap
}

// hazardSearch reports whether page appears in the current snapshot.
func (s *Session) hazardSearch(page *Page) bool {
	snap := s.conn.cache.hazard
	target := pageAddr(page)
	i := sort.Search(len(snap), func(i int) bool {
		return pageAddr(snap[i].Page) >= target
	})
	return i < len(snap) && snap[i].Page == page
}

// hazardExclusive requests exclusive access to the page behind ref.
//
// The ref must be resident; the caller may already hold the lock from
// an enclosing walk. With force set, spin-yield until every reader has
// withdrawn; otherwise restore RefMem and report contention.
func (s *Session) hazardExclusive(ref *Ref, force bool) error {
	if st := ref.State(); st != RefMem && st != RefLocked {
		panic("btree: hazard exclusive on non-resident ref: " + st.String())
	}

	// Hazard references are acquired down the tree, so ordering the
	// lock acquisition the same way cannot deadlock.
	ref.SetState(RefLocked)

	stats := s.conn.cache.Stats()
	for {
		// Get a fresh copy of the hazard reference array.
		s.hazardCopy()

		// No reader holds the page: we own it.
		if !s.hazardSearch(ref.Page()) {
			return nil
		}
		stats.RecHazard.Add(1)

		if !force {
			break
		}
		runtime.Gosched()
	}

	stats.CacheEvictHazard.Add(1)
	s.conn.log.WithFields(logrus.Fields{
		"session": s.id,
		"page":    pageAddr(ref.Page()),
	}).Debug("eviction blocked by hazard reference")

	// Return the page to use.
	ref.SetState(RefMem)
	return ErrContention
}
