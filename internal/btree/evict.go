package btree

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// EvictFlag adjusts Evict's locking behavior.
type EvictFlag uint32

const (
	// EvictSingle: the caller holds the tree locked down (sync or
	// close); skip hazard coordination and unlock-on-failure.
	EvictSingle EvictFlag = 1 << iota
	// EvictWait: when hazard readers block exclusivity, spin-yield
	// until they withdraw instead of abandoning the attempt.
	EvictWait
)

func (f EvictFlag) has(flag EvictFlag) bool { return f&flag != 0 }

// rootSplitLimit bounds the root-split cascade: a replacement must
// surface within this many levels.
const rootSplitLimit = 100

// Evict writes page if it is dirty, then evicts it, splicing its
// parent edge to reflect the reconciliation outcome. Returns nil,
// ErrContention or ErrNotMergeable (retry later with state fully
// rolled back), or a propagated reconciliation or block-manager error.
func (t *Tree) Evict(s *Session, page *Page, flags EvictFlag) error {
	t.log.WithFields(logrus.Fields{
		"tree": t.name,
		"page": fmt.Sprintf("%p", page),
		"type": page.typ.String(),
	}).Debug("evict page")

	// Merge-split pages are evicted only as a side effect of evicting
	// their parents; written separately they would lose the merge flag
	// and permanently deepen the tree. Bump the read generation so the
	// page isn't selected again soon and return it to use.
	if page.RecFlags()&RecSplitMerge != 0 {
		page.readGen.Store(t.conn.cache.ReadGen())
		page.ref.SetState(RefMem)
		return nil
	}

	// Get exclusive access to the page and review its subtree for
	// conditions that block eviction. Clean pages need the check too:
	// an internal page can be chosen while it still has resident
	// children. Review cleans up its own locks on failure.
	if err := t.review(s, page, flags); err != nil {
		return err
	}

	// If the page is dirty, write it.
	if page.Modified() {
		if err := t.rec.Reconcile(s, page); err != nil {
			return t.evictFail(page, flags, err)
		}
	}

	stats := t.conn.cache.Stats()
	if !flags.has(EvictSingle) && page.isInternal() {
		stats.CacheEvictInternal.Add(1)
	}

	// Update the parent and discard the page.
	var err error
	if page.RecFlags() == 0 {
		stats.CacheEvictUnmodified.Add(1)
		if page.isRoot() {
			err = t.rootCleanUpdate(s, page)
		} else {
			err = t.cleanUpdate(s, page)
		}
	} else {
		stats.CacheEvictModified.Add(1)
		if page.isRoot() {
			err = t.rootDirtyUpdate(s, page)
		} else {
			err = t.dirtyUpdate(s, page, flags)
		}
	}
	if err != nil {
		return t.evictFail(page, flags, err)
	}
	return nil
}

// evictFail releases the subtree locks review acquired, then
// propagates err.
func (t *Tree) evictFail(page *Page, flags EvictFlag, err error) error {
	if !flags.has(EvictSingle) {
		t.exclClear(page, nil)
	}
	return err
}

// review gets exclusive access to page and walks its subtree for
// conditions that would block eviction.
//
// An evicted page may reference deleted or split pages that will be
// merged into it. A resident child with no merge chance ends the
// attempt: such children must be evicted first. A split page is locked
// and merged. A deleted page is locked and re-checked: another thread
// may have inserted new material, in which case the merge fails.
//
// If the walk fails, every page locked so far is released. The walk
// records the last page it locked and the unlock traversal runs in the
// same order, stopping at that page.
func (t *Tree) review(s *Session, page *Page, flags EvictFlag) error {
	var last *Page

	// Get exclusive access to the page itself unless our caller has
	// the tree locked down.
	if !flags.has(EvictSingle) {
		if err := s.hazardExclusive(page.ref, flags.has(EvictWait)); err != nil {
			return err
		}
		last = page
	}

	// Only internal pages can reference resident descendants that need
	// merge-locking; leaves are self-contained.
	if !page.isInternal() {
		return nil
	}

	var err error
	last, err = t.excl(s, page, last, flags)
	if err != nil && !flags.has(EvictSingle) && last != nil {
		t.exclClear(page, last)
	}
	return err
}

// excl walks parent's child edges in index order, acquiring exclusive
// access as necessary and checking that each resident child can be
// merged into the eviction.
//
// Pages are locked in a fixed order and unlocked in the same order,
// otherwise tracking the last locked page would be meaningless: walk
// depth-first and take each page's lock before reviewing the children
// it references. The returned page is the furthest one locked.
func (t *Tree) excl(s *Session, parent *Page, last *Page, flags EvictFlag) (*Page, error) {
	for _, ref := range parent.refs {
		switch ref.State() {
		case RefDisk:
			// Nothing resident to block the merge.
			continue
		case RefLocked, RefReading:
			// Claimed by another evictor, or arriving mid-read.
			return last, ErrContention
		case RefMem:
		}

		child := ref.Page()
		if err := t.exclPage(s, ref, child, flags); err != nil {
			return last, err
		}
		last = child

		if child.isInternal() {
			var err error
			if last, err = t.excl(s, child, last, flags); err != nil {
				return last, err
			}
		}
	}
	return last, nil
}

// exclPage acquires exclusive access to one child as necessary and
// checks whether it can be merged into the eviction.
func (t *Tree) exclPage(s *Session, ref *Ref, page *Page, flags EvictFlag) error {
	// Cheap test first: without at least a chance of a merge the
	// candidate page cannot be evicted. Not a problem, it just means a
	// bad victim was selected.
	if page.RecFlags()&(RecEmpty|RecSplit|RecSplitMerge) == 0 {
		return ErrNotMergeable
	}

	// If our caller doesn't have the tree locked down, get exclusive
	// access and test again.
	locked := false
	if !flags.has(EvictSingle) {
		if err := s.hazardExclusive(ref, flags.has(EvictWait)); err != nil {
			return err
		}
		locked = true
	}

	// The careful test, holding the lock: merge-split pages can always
	// be absorbed, clean or dirty. Clean split or empty pages can too.
	// Dirty split or empty pages must be written first so the parent
	// knows what they will look like.
	fl := page.RecFlags()
	if fl&RecSplitMerge != 0 {
		return nil
	}
	if fl&(RecSplit|RecEmpty) != 0 && !page.Modified() {
		return nil
	}

	// The lock was taken here and the unwind walk will never reach
	// this page, so roll it back before aborting.
	if locked {
		ref.SetState(RefMem)
	}
	return ErrNotMergeable
}

// exclClear returns a subtree to availability, releasing locks in the
// same depth-first order they were acquired and stopping once upto has
// been released. A nil upto releases the entire locked subtree.
func (t *Tree) exclClear(page, upto *Page) bool {
	page.ref.SetState(RefMem)
	if page == upto {
		return true
	}
	if !page.isInternal() {
		return false
	}

	for _, ref := range page.refs {
		switch ref.State() {
		case RefDisk:
			continue
		case RefLocked:
		default:
			// The acquisition walk locked every resident child it
			// passed and stopped at anything being read; another state
			// here means the two walks disagree on order.
			panic("btree: unlock walk found child in state " + ref.State().String())
		}
		if t.exclClear(ref.Page(), upto) {
			return true
		}
	}
	return false
}

// cleanUpdate splices the parent edge for an evicted clean page: the
// edge already carries the correct disk address.
func (t *Tree) cleanUpdate(s *Session, page *Page) error {
	ref := page.ref
	ref.SetPage(nil)

	// Publish: the page store above is sequenced before the state
	// change that returns the edge to readers.
	ref.SetState(RefDisk)

	return t.discardPage(s, page)
}

// rootCleanUpdate clears the tree's root for an evicted clean root.
func (t *Tree) rootCleanUpdate(s *Session, page *Page) error {
	t.root.SetPage(nil)
	return t.discardPage(s, page)
}

// dirtyUpdate splices the parent edge for an evicted dirty page,
// according to the reconciliation outcome.
func (t *Tree) dirtyUpdate(s *Session, page *Page, flags EvictFlag) error {
	mod := page.modify
	parentRef := page.ref

	switch page.RecFlags() {
	case RecEmpty:
		// Not evicting this page after all: it stays resident until a
		// future eviction of its parent merges it away. Release our
		// exclusive reference and any pages locked below it.
		if !flags.has(EvictSingle) {
			t.exclClear(page, nil)
		}
		return nil

	case RecReplace:
		// 1-for-1 page swap.
		if old := parentRef.Addr(); old != nil {
			if err := t.bm.Free(old.Addr, old.Size); err != nil {
				return fmt.Errorf("btree: free replaced address: %w", err)
			}
		}
		parentRef.SetAddr(&Addr{Addr: mod.replace.Addr, Size: mod.replace.Size})
		parentRef.SetPage(nil)

		// Publish: the addr and page stores above are sequenced before
		// the state change that makes the edge visible to readers.
		parentRef.SetState(RefDisk)

	case RecSplit:
		// The parent edge now references the new internal page.
		next := mod.split
		next.parent = page.parent
		next.ref = parentRef
		parentRef.SetPage(next)

		// Publish, as above.
		parentRef.SetState(RefMem)

	default:
		panic("btree: dirty update with outcome " + fmt.Sprint(page.RecFlags()))
	}

	// Discard pages merged into this page during reconciliation, then
	// the page itself.
	return t.discard(s, page)
}

// rootAddrUpdate replaces the tree's root address, freeing any
// previously created one.
func (t *Tree) rootAddrUpdate(addr *Addr) error {
	if old := t.root.Addr(); old != nil {
		if err := t.bm.Free(old.Addr, old.Size); err != nil {
			return fmt.Errorf("btree: free root address: %w", err)
		}
	}
	t.rootUpdate = true
	t.root.SetAddr(addr)
	return nil
}

// rootDirtyUpdate commits an evicted dirty root page.
//
// A newly split root cannot be merged into a parent later, it has
// none: the new page must be written now. Mark it modified with its
// outcome cleared, reconcile it and commit again; eventually the
// reconciliation is a simple replacement and the cascade ends. More
// than one split level only shows up when evicting the index page of a
// huge bulk load.
func (t *Tree) rootDirtyUpdate(s *Session, page *Page) error {
	for depth := 0; ; depth++ {
		if depth > rootSplitLimit {
			return ErrSplitCascade
		}

		mod := page.modify
		var next *Page
		switch page.RecFlags() {
		case RecEmpty:
			t.log.WithField("tree", t.name).Debug("root page empty")
			if err := t.rootAddrUpdate(nil); err != nil {
				return err
			}
			t.root.SetPage(nil)

		case RecReplace:
			t.log.WithField("tree", t.name).Debug("root page replaced")
			if err := t.rootAddrUpdate(&Addr{Addr: mod.replace.Addr, Size: mod.replace.Size}); err != nil {
				return err
			}
			t.root.SetPage(nil)

		case RecSplit:
			t.log.WithField("tree", t.name).Debug("root page split")
			next = mod.split

		default:
			panic("btree: root dirty update with outcome " + fmt.Sprint(page.RecFlags()))
		}

		// Discard pages merged into this page during reconciliation,
		// then the page itself.
		if err := t.discard(s, page); err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		next.parent = nil
		next.ref = &t.root
		next.SetModified()
		next.ClearRecFlags()
		if err := t.rec.Reconcile(s, next); err != nil {
			return err
		}
		page = next
	}
}

// discard frees any pages merged into an evicted page, then the page
// itself. Merged children are by construction resident and locked, so
// the recursion terminates.
func (t *Tree) discard(s *Session, page *Page) error {
	if page.isInternal() {
		for _, ref := range page.refs {
			if ref.State() != RefDisk {
				if err := t.discard(s, ref.Page()); err != nil {
					return err
				}
			}
		}
	}
	return t.discardPage(s, page)
}

// discardPage resolves the page's tracked objects and releases it.
func (t *Tree) discardPage(s *Session, page *Page) error {
	if page.modify != nil {
		if err := t.rec.TrackWrapup(s, page); err != nil {
			return err
		}
	}
	t.pageOut(page)
	return nil
}

// pageOut releases the page's storage, breaking the parent/edge cycle
// so the page is collectable.
func (t *Tree) pageOut(page *Page) {
	page.freed = true
	page.parent = nil
	page.ref = nil
	page.refs = nil
	page.entries = nil
	page.modify = nil
}
