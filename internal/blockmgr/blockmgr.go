package blockmgr

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/tuannm99/sequoia/pkg/bx"
)

var (
	ErrBadAddr    = errors.New("blockmgr: bad address blob")
	ErrBadCRC     = errors.New("blockmgr: block checksum mismatch")
	ErrNotAlloced = errors.New("blockmgr: address was never allocated")
	ErrDoubleFree = errors.New("blockmgr: address already freed")
)

// Address blob layout: offset(8) crc(4). The blob is opaque to
// callers; only this package interprets it.
const addrSize = 12

// Manager is a file-backed block store. Blocks are appended as raw
// extents and named by opaque address blobs that carry each extent's
// checksum; freed extents go on a freelist.
type Manager struct {
	mu   sync.Mutex
	file *os.File
	size int64

	allocated map[uint64]uint32
	freelist  map[uint64]uint32
}

// Open opens or creates the block file.
func Open(filename string) (*Manager, error) {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open block file: %w", err)
	}

	fileInfo, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("get block file info: %w", err)
	}

	return &Manager{
		file:      file,
		size:      fileInfo.Size(),
		allocated: make(map[uint64]uint32),
		freelist:  make(map[uint64]uint32),
	}, nil
}

// Write appends data as a new extent and returns its address blob and
// size.
func (m *Manager) Write(data []byte) (addr []byte, size uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	off := uint64(m.size)
	if _, err := m.file.Seek(m.size, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek to extent: %w", err)
	}
	if _, err := m.file.Write(data); err != nil {
		return nil, 0, fmt.Errorf("write extent: %w", err)
	}
	m.size += int64(len(data))

	size = uint32(len(data))
	m.allocated[off] = size

	addr = make([]byte, addrSize)
	bx.PutU64At(addr, 0, off)
	bx.PutU32At(addr, 8, crc32.ChecksumIEEE(data))
	return addr, size, nil
}

// Read returns the extent named by addr, validating its checksum.
func (m *Manager) Read(addr []byte, size uint32) ([]byte, error) {
	off, wantCRC, err := decodeAddr(addr)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data := make([]byte, size)
	if _, err := m.file.Seek(int64(off), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to extent: %w", err)
	}
	if _, err := io.ReadFull(m.file, data); err != nil {
		return nil, fmt.Errorf("read extent: %w", err)
	}

	if crc32.ChecksumIEEE(data) != wantCRC {
		return nil, ErrBadCRC
	}
	return data, nil
}

// Free releases the extent named by addr onto the freelist. Freeing an
// unknown or already-freed address is an error.
func (m *Manager) Free(addr []byte, size uint32) error {
	off, _, err := decodeAddr(addr)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.allocated[off]; !ok {
		if _, ok := m.freelist[off]; ok {
			return ErrDoubleFree
		}
		return ErrNotAlloced
	}
	delete(m.allocated, off)
	m.freelist[off] = size
	return nil
}

// FreeCount returns the number of extents on the freelist.
func (m *Manager) FreeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.freelist)
}

// Close closes the block file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Close()
}

func decodeAddr(addr []byte) (off uint64, crc uint32, err error) {
	if len(addr) != addrSize {
		return 0, 0, ErrBadAddr
	}
	return bx.U64At(addr, 0), bx.U32At(addr, 8), nil
}
