package btree

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	ErrNoSession    = errors.New("btree: no session slot available")
	ErrNoHazardSlot = errors.New("btree: session hazard slots exhausted")
)

const (
	DefaultSessions        = 16
	DefaultSlotsPerSession = 8
)

// Connection owns the session array and the connection-wide hazard
// slot matrix (sessions x slots-per-session). Readers publish hazard
// references into their session's slots; the evictor snapshots the
// whole matrix.
type Connection struct {
	mu       sync.Mutex
	sessions []*Session
	inUse    []bool

	slotsPerSession int
	hazard          []hazardSlot

	cache *Cache
	log   *logrus.Logger
}

// Cache is the per-connection eviction state: the snapshot scratch
// buffer (owned by the single evicting session) and counters.
type Cache struct {
	// Snapshot scratch, reused across retries.
	hazard []Hazard

	readGen atomic.Uint64
	stats   Stats
}

// ReadGen returns the next read generation for victim aging.
func (c *Cache) ReadGen() uint64 { return c.readGen.Add(1) }

func (c *Cache) Stats() *Stats { return &c.stats }

// NewConnection builds a connection with the given session and
// per-session hazard slot counts.
func NewConnection(sessions, slotsPerSession int, log *logrus.Logger) *Connection {
	if sessions <= 0 {
		sessions = DefaultSessions
	}
	if slotsPerSession <= 0 {
		slotsPerSession = DefaultSlotsPerSession
	}
	if log == nil {
		log = logrus.New()
	}

	conn := &Connection{
		sessions:        make([]*Session, sessions),
		inUse:           make([]bool, sessions),
		slotsPerSession: slotsPerSession,
		hazard:          make([]hazardSlot, sessions*slotsPerSession),
		cache: &Cache{
			hazard: make([]Hazard, 0, sessions*slotsPerSession),
		},
		log: log,
	}
	for i := range conn.hazard {
		conn.hazard[i].session = i / slotsPerSession
	}
	for i := range conn.sessions {
		conn.sessions[i] = &Session{
			id:    i,
			conn:  conn,
			slots: conn.hazard[i*slotsPerSession : (i+1)*slotsPerSession],
		}
	}
	return conn
}

func (c *Connection) Cache() *Cache       { return c.cache }
func (c *Connection) Log() *logrus.Logger { return c.log }

// OpenSession claims a free session slot.
func (c *Connection) OpenSession() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, used := range c.inUse {
		if !used {
			c.inUse[i] = true
			return c.sessions[i], nil
		}
	}
	return nil, ErrNoSession
}

// CloseSession returns a session slot, withdrawing any hazard
// references it still holds.
func (c *Connection) CloseSession(s *Session) {
	for i := range s.slots {
		s.slots[i].page.Store(nil)
	}

	c.mu.Lock()
	c.inUse[s.id] = false
	c.mu.Unlock()
}

// Session is one actor's handle on the connection: its hazard slots
// plus, for the evicting session, use of the cache scratch buffer.
type Session struct {
	id    int
	conn  *Connection
	slots []hazardSlot
}

func (s *Session) ID() int { return s.id }
