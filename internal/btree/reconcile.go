package btree

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/tuannm99/sequoia/pkg/bx"
)

var (
	ErrBadLeafImage  = errors.New("btree: bad leaf image")
	ErrLeafChecksum  = errors.New("btree: leaf image checksum mismatch")
	ErrReconcileType = errors.New("btree: block reconciler handles leaf pages only")
)

// Reconciler serializes dirty pages into their next durable form.
//
// Reconcile sets exactly one reconciliation-outcome flag on the page,
// populates the matching modify payload and marks the page clean.
// TrackWrapup resolves allocations staged on the page's modify record;
// eviction calls it while discarding the page.
type Reconciler interface {
	Reconcile(s *Session, page *Page) error
	TrackWrapup(s *Session, page *Page) error
}

// BlockManager owns the persistent address space. Addresses are opaque
// blobs; only the block manager may release them.
type BlockManager interface {
	Free(addr []byte, size uint32) error
}

// BlockStore is the block-manager surface the leaf reconciler writes
// images through.
type BlockStore interface {
	BlockManager
	Write(data []byte) (addr []byte, size uint32, err error)
	Read(addr []byte, size uint32) ([]byte, error)
}

// BlockReconciler reconciles leaf pages into single block images: a
// contentless leaf becomes an empty outcome, anything else a 1-for-1
// replacement. Split outcomes are produced upstream of this layer.
type BlockReconciler struct {
	store BlockStore
}

func NewBlockReconciler(store BlockStore) *BlockReconciler {
	return &BlockReconciler{store: store}
}

func (r *BlockReconciler) Reconcile(s *Session, page *Page) error {
	if page.isInternal() {
		return ErrReconcileType
	}
	mod := page.ModifyInit()

	if len(page.entries) == 0 {
		page.SetRecFlag(RecEmpty)
		page.SetClean()
		return nil
	}

	img := EncodeLeafImage(page.entries)
	addr, size, err := r.store.Write(img)
	if err != nil {
		return fmt.Errorf("btree: reconcile leaf: %w", err)
	}

	// A staged image from an earlier reconcile that never committed is
	// superseded now; resolve it when the page is discarded.
	if mod.replace.Addr != nil {
		mod.Track(mod.replace)
	}
	mod.SetReplace(Addr{Addr: addr, Size: size})
	page.SetRecFlag(RecReplace)
	page.SetClean()
	return nil
}

// TrackWrapup releases the staged allocations on page's modify record.
func (r *BlockReconciler) TrackWrapup(s *Session, page *Page) error {
	mod := page.modify
	if mod == nil {
		return nil
	}
	for _, a := range mod.tracked {
		if err := r.store.Free(a.Addr, a.Size); err != nil {
			return fmt.Errorf("btree: track wrapup: %w", err)
		}
	}
	mod.tracked = nil
	return nil
}

const (
	leafMagic   uint32 = 0x464C5153 // "SQLF"
	leafVersion uint32 = 1

	// magic(4) version(4) count(4) crc(4)
	leafHeaderSize = 16
)

// EncodeLeafImage serializes leaf entries into a block image.
func EncodeLeafImage(entries []Entry) []byte {
	total := leafHeaderSize
	for _, e := range entries {
		total += 8 + len(e.Key) + len(e.Value)
	}

	buf := make([]byte, total)
	bx.PutU32At(buf, 0, leafMagic)
	bx.PutU32At(buf, 4, leafVersion)
	bx.PutU32At(buf, 8, uint32(len(entries)))

	off := leafHeaderSize
	for _, e := range entries {
		bx.PutU32At(buf, off, uint32(len(e.Key)))
		bx.PutU32At(buf, off+4, uint32(len(e.Value)))
		off += 8
		copy(buf[off:], e.Key)
		off += len(e.Key)
		copy(buf[off:], e.Value)
		off += len(e.Value)
	}

	bx.PutU32At(buf, 12, crc32.ChecksumIEEE(buf[leafHeaderSize:]))
	return buf
}

// DecodeLeafImage rebuilds leaf entries from a stored block image.
func DecodeLeafImage(data []byte) ([]Entry, error) {
	if len(data) < leafHeaderSize {
		return nil, ErrBadLeafImage
	}
	if bx.U32At(data, 0) != leafMagic || bx.U32At(data, 4) != leafVersion {
		return nil, ErrBadLeafImage
	}
	if bx.U32At(data, 12) != crc32.ChecksumIEEE(data[leafHeaderSize:]) {
		return nil, ErrLeafChecksum
	}

	count := int(bx.U32At(data, 8))
	entries := make([]Entry, 0, count)

	off := leafHeaderSize
	for i := 0; i < count; i++ {
		if off+8 > len(data) {
			return nil, ErrBadLeafImage
		}
		klen := int(bx.U32At(data, off))
		vlen := int(bx.U32At(data, off+4))
		off += 8
		if off+klen+vlen > len(data) {
			return nil, ErrBadLeafImage
		}

		key := make([]byte, klen)
		copy(key, data[off:off+klen])
		off += klen
		value := make([]byte, vlen)
		copy(value, data[off:off+vlen])
		off += vlen

		entries = append(entries, Entry{Key: key, Value: value})
	}
	return entries, nil
}
