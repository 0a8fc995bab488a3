// Package store implements C1 (the persistent SQLite-backed store), C5 (the
// message-map), and the name cache and plugin-data tables (§3, §4.1, §4.5).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrPoolExhausted is returned by Acquire when every pooled connection is in
// use and the configured acquire timeout elapses first (§4.1, §7 "Pool
// exhaustion").
var ErrPoolExhausted = errors.New("store: pool exhausted")

// PoolConfig mirrors config.PoolConfig; kept separate so this package does
// not import internal/config (the store is usable standalone/in tests).
type PoolConfig struct {
	Enabled       bool
	MaxConnection int
	MaxIdleTime   time.Duration
	Timeout       time.Duration
}

// DefaultPoolConfig matches §4.1's defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Enabled:       true,
		MaxConnection: 10,
		MaxIdleTime:   300 * time.Second,
		Timeout:       30 * time.Second,
	}
}

// Store wraps a pooled *sql.DB with the fixed pragma set from §4.1 applied
// to every physical connection via a ConnectHook-registered driver, and
// exposes C5/name-cache/plugin-data operations built on top of it.
//
// Resolves open question #1 (§9): there is exactly one pool model here,
// backed by database/sql's own pool; there is no separate synchronous vs.
// asynchronous pool, since goroutines make that split unnecessary in Go.
type Store struct {
	db   *sql.DB
	pool PoolConfig
}

var pragmaStatements = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA cache_size=-2000", // ~2 MiB, negative = KiB
	"PRAGMA temp_store=MEMORY",
	"PRAGMA mmap_size=268435456", // 256 MiB
	"PRAGMA wal_autocheckpoint=1000",
	"PRAGMA busy_timeout=30000",
}

// sqliteDriverName is registered once, wrapping mattn/go-sqlite3's driver
// with a ConnectHook so the fixed pragma set (§4.1: "all connections apply a
// fixed pragma set on open") lands on every physical connection the pool
// opens, not just one taken at startup — database/sql opens additional
// connections lazily under concurrent load, and a pragma applied to a single
// borrowed connection would never reach those.
const sqliteDriverName = "sqlite3_mmrelay"

var registerDriverOnce sync.Once

func registerDriver() {
	registerDriverOnce.Do(func() {
		sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				for _, stmt := range pragmaStatements {
					if _, err := conn.Exec(stmt, nil); err != nil {
						return fmt.Errorf("apply pragma %q: %w", stmt, err)
					}
				}
				return nil
			},
		})
	})
}

// Open opens (creating if absent) the SQLite file at path through the
// pragma-applying driver and creates the schema idempotently.
//
// When pool.Enabled is false, every acquired connection is opened fresh and
// closed on release (§4.1: "each call opens a fresh connection with the same
// pragmas and closes it on release"); this is modeled by capping the pool at
// exactly one open connection with zero idle retention.
func Open(path string, pool PoolConfig) (*Store, error) {
	registerDriver()

	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if pool.Enabled {
		db.SetMaxOpenConns(pool.MaxConnection)
		db.SetMaxIdleConns(pool.MaxConnection)
		db.SetConnMaxIdleTime(pool.MaxIdleTime)
	} else {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(0)
		db.SetConnMaxIdleTime(0)
	}

	s := &Store{db: db, pool: pool}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite db: preflight connection failed: %w", err)
	}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS message_map (
	matrix_event_id TEXT PRIMARY KEY,
	mesh_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	text TEXT,
	origin_meshnet TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_map_mesh_id ON message_map(mesh_id, created_at);
CREATE INDEX IF NOT EXISTS idx_message_map_created_at ON message_map(created_at);

CREATE TABLE IF NOT EXISTS node_names (
	node_id TEXT PRIMARY KEY,
	long_name TEXT,
	short_name TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS plugin_data (
	plugin_name TEXT NOT NULL,
	node_id TEXT NOT NULL,
	data BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (plugin_name, node_id)
);
CREATE INDEX IF NOT EXISTS idx_plugin_data_name ON plugin_data(plugin_name);
`)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// Acquire returns a scoped connection binding: the caller must invoke
// release exactly once on every exit path (§4.1, §9 "Scoped resources").
// Pool exhaustion surfaces as ErrPoolExhausted once the configured timeout
// elapses (§7 "Pool exhaustion").
func (s *Store) Acquire(ctx context.Context) (conn *sql.Conn, release func(), err error) {
	acquireCtx := ctx
	var cancel context.CancelFunc
	if s.pool.Timeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, s.pool.Timeout)
		defer cancel()
	}

	conn, err = s.db.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, ErrPoolExhausted
		}
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}

	return conn, func() { _ = conn.Close() }, nil
}

// DB exposes the underlying *sql.DB for the C5/name-cache/plugin-data
// operations defined in messagemap.go, names.go, and plugindata.go, which
// use database/sql's ordinary query methods directly (they already pool and
// serialize access at the driver level; a second application-level mutex
// would only add contention without changing correctness).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
