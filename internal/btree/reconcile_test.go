package btree

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/sequoia/internal/blockmgr"
)

func newBlockStore(t *testing.T) *blockmgr.Manager {
	t.Helper()

	bm, err := blockmgr.Open(filepath.Join(t.TempDir(), "test.blocks"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm.Close() })
	return bm
}

func testEntries() []Entry {
	return []Entry{
		{Key: []byte("alpha"), Value: []byte("1")},
		{Key: []byte("beta"), Value: []byte("two")},
		{Key: []byte("gamma"), Value: []byte{}},
	}
}

func TestLeafImage_RoundTrip(t *testing.T) {
	entries := testEntries()

	img := EncodeLeafImage(entries)
	got, err := DecodeLeafImage(img)
	require.NoError(t, err)
	require.Equal(t, len(entries), len(got))
	for i := range entries {
		require.Equal(t, entries[i].Key, got[i].Key)
	}
}

func TestLeafImage_RejectsCorruption(t *testing.T) {
	img := EncodeLeafImage(testEntries())

	_, err := DecodeLeafImage(img[:8])
	require.ErrorIs(t, err, ErrBadLeafImage)

	// Flip a payload byte: the checksum catches it.
	img[len(img)-1] ^= 0xFF
	_, err = DecodeLeafImage(img)
	require.ErrorIs(t, err, ErrLeafChecksum)

	img[0] ^= 0xFF
	_, err = DecodeLeafImage(img)
	require.ErrorIs(t, err, ErrBadLeafImage)
}

func TestBlockReconciler_EmptyLeaf(t *testing.T) {
	rec := NewBlockReconciler(newBlockStore(t))

	page := NewLeaf(PageRowLeaf, nil, &Ref{}, nil)
	page.SetModified()

	require.NoError(t, rec.Reconcile(nil, page))
	require.Equal(t, RecEmpty, page.RecFlags())
	require.False(t, page.Modified())
}

func TestBlockReconciler_Replace(t *testing.T) {
	bm := newBlockStore(t)
	rec := NewBlockReconciler(bm)

	page := NewLeaf(PageRowLeaf, nil, &Ref{}, testEntries())
	page.SetModified()

	require.NoError(t, rec.Reconcile(nil, page))
	require.Equal(t, RecReplace, page.RecFlags())
	require.False(t, page.Modified())

	// The staged image decodes back to the page's entries.
	replace := page.Modify().Replace()
	data, err := bm.Read(replace.Addr, replace.Size)
	require.NoError(t, err)

	got, err := DecodeLeafImage(data)
	require.NoError(t, err)
	require.Equal(t, page.Entries(), got)
}

func TestBlockReconciler_SupersededImageIsTracked(t *testing.T) {
	bm := newBlockStore(t)
	rec := NewBlockReconciler(bm)

	page := NewLeaf(PageRowLeaf, nil, &Ref{}, testEntries())
	page.SetModified()
	require.NoError(t, rec.Reconcile(nil, page))
	first := page.Modify().Replace()

	// A second reconcile stages a new image; the first one is resolved
	// at wrapup.
	page.SetModified()
	require.NoError(t, rec.Reconcile(nil, page))
	require.NotEqual(t, first.Addr, page.Modify().Replace().Addr)

	require.NoError(t, rec.TrackWrapup(nil, page))
	require.Equal(t, 1, bm.FreeCount())
}

func TestBlockReconciler_RefusesInternal(t *testing.T) {
	rec := NewBlockReconciler(newBlockStore(t))

	page := NewInternal(PageRowInt, nil, &Ref{}, nil)
	require.ErrorIs(t, rec.Reconcile(nil, page), ErrReconcileType)
}

// Reconcile, evict, then reload from disk: the image the parent edge
// names decodes back to the pre-reconcile content.
func TestReconcileEvictReload(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	conn := NewConnection(4, 4, log)

	bm := newBlockStore(t)
	tree := NewTree("roundtrip", conn, bm, NewBlockReconciler(bm))

	s, err := conn.OpenSession()
	require.NoError(t, err)

	ref := &Ref{}
	root := NewInternal(PageRowInt, nil, nil, []*Ref{ref})
	tree.SetRoot(root)

	entries := testEntries()
	leaf := NewLeaf(PageRowLeaf, root, ref, entries)
	leaf.SetModified()

	require.NoError(t, tree.Evict(s, leaf, 0))
	require.Equal(t, RefDisk, ref.State())
	require.Nil(t, ref.Page())

	addr := ref.Addr()
	require.NotNil(t, addr)

	data, err := bm.Read(addr.Addr, addr.Size)
	require.NoError(t, err)

	got, err := DecodeLeafImage(data)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}
