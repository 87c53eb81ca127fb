package btree

import "github.com/sirupsen/logrus"

// Tree is one B-tree's cache head: the root edge it owns, plus the
// reconciliation and block-manager collaborators eviction commits
// through.
type Tree struct {
	name string
	conn *Connection

	// root is the edge held by the tree itself: root.page is the
	// resident root page, root.addr the root's disk address.
	root       Ref
	rootUpdate bool

	bm  BlockManager
	rec Reconciler
	log *logrus.Logger
}

// NewTree builds a tree head on conn committing through bm and rec.
func NewTree(name string, conn *Connection, bm BlockManager, rec Reconciler) *Tree {
	return &Tree{
		name: name,
		conn: conn,
		bm:   bm,
		rec:  rec,
		log:  conn.log,
	}
}

func (t *Tree) Name() string { return t.name }

// RootRef returns the edge the tree holds on its root page.
func (t *Tree) RootRef() *Ref { return &t.root }

// Root returns the resident root page, if any.
func (t *Tree) Root() *Page { return t.root.Page() }

// RootAddr returns the root page's disk address, if any.
func (t *Tree) RootAddr() *Addr { return t.root.Addr() }

// RootUpdate reports whether eviction has produced a new root address
// that a checkpoint must record.
func (t *Tree) RootUpdate() bool { return t.rootUpdate }

// SetRoot installs page as the tree's resident root.
func (t *Tree) SetRoot(page *Page) {
	page.parent = nil
	page.ref = &t.root
	t.root.SetPage(page)
	t.root.SetState(RefMem)
}
