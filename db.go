package sequoia

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tuannm99/sequoia/internal"
	"github.com/tuannm99/sequoia/internal/blockmgr"
	"github.com/tuannm99/sequoia/internal/btree"
)

// DB assembles the cache engine: configuration, the block manager, the
// connection with its hazard matrix, and the trees hosted on it.
type DB struct {
	cfg  *internal.EngineConfig
	log  *logrus.Logger
	conn *btree.Connection
	bm   *blockmgr.Manager

	mu    sync.Mutex
	trees map[string]*btree.Tree
}

// Open loads the yaml config at path and assembles the engine.
func Open(path string) (*DB, error) {
	cfg, err := internal.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// New assembles the engine from an already-loaded config.
func New(cfg *internal.EngineConfig) (*DB, error) {
	log := logrus.New()
	if cfg.Engine.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := os.MkdirAll(cfg.Storage.Workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	name := cfg.AppName
	if name == "" {
		name = "sequoia"
	}
	bm, err := blockmgr.Open(filepath.Join(cfg.Storage.Workdir, name+".blocks"))
	if err != nil {
		return nil, err
	}

	return &DB{
		cfg:   cfg,
		log:   log,
		conn:  btree.NewConnection(cfg.Cache.Sessions, cfg.Cache.HazardSlots, log),
		bm:    bm,
		trees: make(map[string]*btree.Tree),
	}, nil
}

// Conn returns the engine's connection.
func (db *DB) Conn() *btree.Connection { return db.conn }

// BlockManager returns the engine's block store.
func (db *DB) BlockManager() *blockmgr.Manager { return db.bm }

// OpenTree returns the named tree, creating its cache head on first
// use. Trees share the engine's block manager; each gets its own leaf
// reconciler.
func (db *DB) OpenTree(name string) *btree.Tree {
	db.mu.Lock()
	defer db.mu.Unlock()

	if t, ok := db.trees[name]; ok {
		return t
	}
	t := btree.NewTree(name, db.conn, db.bm, btree.NewBlockReconciler(db.bm))
	db.trees[name] = t
	return t
}

// OpenSession claims a session slot on the connection.
func (db *DB) OpenSession() (*btree.Session, error) {
	return db.conn.OpenSession()
}

// CloseSession returns a session slot.
func (db *DB) CloseSession(s *btree.Session) {
	db.conn.CloseSession(s)
}

// Close releases the engine's block store.
func (db *DB) Close() error {
	return db.bm.Close()
}
