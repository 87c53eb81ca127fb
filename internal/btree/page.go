package btree

import "sync/atomic"

// PageType identifies the role of a page in the tree.
type PageType uint8

const (
	PageColLeaf PageType = iota + 1
	PageRowLeaf
	PageColInt
	PageRowInt
)

func (t PageType) String() string {
	switch t {
	case PageColLeaf:
		return "col-leaf"
	case PageRowLeaf:
		return "row-leaf"
	case PageColInt:
		return "col-int"
	case PageRowInt:
		return "row-int"
	}
	return "unknown"
}

// RefState is the atomic state of a parent edge. Transitions are the
// serialization point between lock-free readers and the evictor.
type RefState int32

const (
	// RefDisk: the page is not resident; addr identifies the disk image.
	RefDisk RefState = iota
	// RefMem: the page is resident and available to readers.
	RefMem
	// RefLocked: the page is resident but reserved by an evictor.
	RefLocked
	// RefReading: the page is being loaded from disk by a reader.
	RefReading
)

func (s RefState) String() string {
	switch s {
	case RefDisk:
		return "disk"
	case RefMem:
		return "mem"
	case RefLocked:
		return "locked"
	case RefReading:
		return "reading"
	}
	return "unknown"
}

// Addr is an opaque persistent address owned by the block manager.
type Addr struct {
	Addr []byte
	Size uint32
}

// Ref is an edge from an internal page (or the tree head) to one child.
//
// All three fields are read by lock-free readers. The page and addr
// stores are sequenced before the state store that publishes them, so a
// reader that observes RefMem or RefDisk sees the matching page/addr.
type Ref struct {
	state atomic.Int32
	page  atomic.Pointer[Page]
	addr  atomic.Pointer[Addr]
}

func (r *Ref) State() RefState     { return RefState(r.state.Load()) }
func (r *Ref) SetState(s RefState) { r.state.Store(int32(s)) }
func (r *Ref) Page() *Page         { return r.page.Load() }
func (r *Ref) SetPage(p *Page)     { r.page.Store(p) }
func (r *Ref) Addr() *Addr         { return r.addr.Load() }
func (r *Ref) SetAddr(a *Addr)     { r.addr.Store(a) }

// Reconciliation-outcome flags. At most one is set on a page.
const (
	RecEmpty uint32 = 1 << iota // no live content, merge away
	RecReplace                  // single new on-disk image, 1-for-1 swap
	RecSplit                    // new internal page replaces this one
	RecSplitMerge               // transient split page, absorbed by its parent

	recMask = RecEmpty | RecReplace | RecSplit | RecSplitMerge
)

// Page is a node of the tree. The parent and ref fields are non-owning
// back-references for navigation; the edge owns the page.
type Page struct {
	typ    PageType
	parent *Page
	ref    *Ref

	readGen atomic.Uint64
	flags   atomic.Uint32
	modify  *Modify

	// Child edges, internal pages only, in index order.
	refs []*Ref

	// Leaf payload.
	entries []Entry

	freed bool
}

// Entry is one key/value pair stored in a leaf page.
type Entry struct {
	Key   []byte
	Value []byte
}

func (p *Page) Type() PageType   { return p.typ }
func (p *Page) Parent() *Page    { return p.parent }
func (p *Page) Ref() *Ref        { return p.ref }
func (p *Page) Refs() []*Ref     { return p.refs }
func (p *Page) Entries() []Entry { return p.entries }

func (p *Page) isInternal() bool {
	return p.typ == PageColInt || p.typ == PageRowInt
}

func (p *Page) isRoot() bool { return p.parent == nil }

// RecFlags returns the reconciliation-outcome bits currently set.
func (p *Page) RecFlags() uint32 { return p.flags.Load() & recMask }

// SetRecFlag replaces the outcome bits with flag; outcomes are
// mutually exclusive.
func (p *Page) SetRecFlag(flag uint32) {
	for {
		old := p.flags.Load()
		if p.flags.CompareAndSwap(old, (old&^recMask)|flag) {
			return
		}
	}
}

// ClearRecFlags drops all reconciliation-outcome bits.
func (p *Page) ClearRecFlags() { p.SetRecFlag(0) }

// ReadGen returns the page's read generation.
func (p *Page) ReadGen() uint64 { return p.readGen.Load() }

// Modify carries reconciliation output for a page. Dirty means the
// write generation has moved past the last reconciled generation.
type Modify struct {
	writeGen atomic.Uint32
	diskGen  atomic.Uint32

	// Outcome payload, at most one populated.
	replace Addr
	split   *Page

	// Staged block allocations, resolved when the page is discarded.
	tracked []Addr
}

func (m *Modify) Replace() Addr { return m.replace }
func (m *Modify) Split() *Page  { return m.split }

// SetReplace records a 1-for-1 replacement image address.
func (m *Modify) SetReplace(a Addr) { m.replace = a }

// SetSplit records the new internal page produced by a split.
func (m *Modify) SetSplit(p *Page) { m.split = p }

// Track stages an allocation to be resolved at discard.
func (m *Modify) Track(a Addr) { m.tracked = append(m.tracked, a) }

// ModifyInit lazily creates the page's modify record. The caller holds
// the page exclusively or is the only writer.
func (p *Page) ModifyInit() *Modify {
	if p.modify == nil {
		p.modify = &Modify{}
	}
	return p.modify
}

func (p *Page) Modify() *Modify { return p.modify }

// SetModified marks the page dirty.
func (p *Page) SetModified() {
	p.ModifyInit().writeGen.Add(1)
}

// SetClean records that the current write generation has been
// reconciled.
func (p *Page) SetClean() {
	if p.modify != nil {
		p.modify.diskGen.Store(p.modify.writeGen.Load())
	}
}

// Modified reports whether the page has changes not yet reconciled.
func (p *Page) Modified() bool {
	m := p.modify
	return m != nil && m.writeGen.Load() != m.diskGen.Load()
}

// NewLeaf builds a resident leaf page under parent at ref.
func NewLeaf(typ PageType, parent *Page, ref *Ref, entries []Entry) *Page {
	p := &Page{typ: typ, parent: parent, ref: ref, entries: entries}
	if ref != nil {
		ref.SetPage(p)
		ref.SetState(RefMem)
	}
	return p
}

// NewInternal builds a resident internal page under parent at ref with
// the given child edges.
func NewInternal(typ PageType, parent *Page, ref *Ref, refs []*Ref) *Page {
	p := &Page{typ: typ, parent: parent, ref: ref, refs: refs}
	if ref != nil {
		ref.SetPage(p)
		ref.SetState(RefMem)
	}
	return p
}
