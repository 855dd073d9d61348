package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"geoledger/internal/domain"
	"geoledger/internal/hashroute"
	"geoledger/internal/storage"

	_ "modernc.org/sqlite"
)

const (
	catalogSchema = `
CREATE TABLE IF NOT EXISTS spaces (
	id TEXT PRIMARY KEY,
	doc TEXT NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
	space TEXT NOT NULL,
	id TEXT NOT NULL,
	node INTEGER NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (space, id)
);

CREATE TABLE IF NOT EXISTS tags (
	space TEXT NOT NULL,
	id TEXT NOT NULL,
	node INTEGER NOT NULL,
	version INTEGER NOT NULL,
	system INTEGER NOT NULL DEFAULT 0,
	doc TEXT NOT NULL,
	PRIMARY KEY (space, id)
);

CREATE TABLE IF NOT EXISTS node_seq (
	space TEXT PRIMARY KEY,
	next INTEGER NOT NULL
);
`
	ledgerSchema = `
CREATE TABLE IF NOT EXISTS lineage_head (
	space TEXT NOT NULL,
	node INTEGER NOT NULL,
	head INTEGER NOT NULL,
	min_version INTEGER NOT NULL,
	PRIMARY KEY (space, node)
);

CREATE TABLE IF NOT EXISTS versions (
	space TEXT NOT NULL,
	node INTEGER NOT NULL,
	version INTEGER NOT NULL,
	author TEXT NOT NULL,
	created_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (space, node, version)
);

CREATE TABLE IF NOT EXISTS feature_states (
	space TEXT NOT NULL,
	node INTEGER NOT NULL,
	version INTEGER NOT NULL,
	feature_id TEXT NOT NULL,
	op TEXT NOT NULL,
	uuid TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	geometry BLOB,
	min_x REAL,
	min_y REAL,
	max_x REAL,
	max_y REAL,
	ns_json TEXT NOT NULL,
	properties_json TEXT NOT NULL,
	PRIMARY KEY (space, node, feature_id, version)
);

CREATE INDEX IF NOT EXISTS idx_states_lineage_version ON feature_states(space, node, version);
CREATE INDEX IF NOT EXISTS idx_states_lineage_uuid ON feature_states(space, node, uuid);

CREATE TABLE IF NOT EXISTS purge_guard (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	open INTEGER NOT NULL
);
INSERT OR IGNORE INTO purge_guard(id, open) VALUES (1, 0);

CREATE TRIGGER IF NOT EXISTS trg_states_no_update
BEFORE UPDATE ON feature_states
BEGIN
	SELECT RAISE(ABORT, 'feature states are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_states_guarded_delete
BEFORE DELETE ON feature_states
WHEN (SELECT open FROM purge_guard WHERE id = 1) = 0
BEGIN
	SELECT RAISE(ABORT, 'feature states are append-only: DELETE outside retention');
END;

CREATE TRIGGER IF NOT EXISTS trg_versions_no_update
BEFORE UPDATE ON versions
BEGIN
	SELECT RAISE(ABORT, 'versions are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_versions_guarded_delete
BEFORE DELETE ON versions
WHEN (SELECT open FROM purge_guard WHERE id = 1) = 0
BEGIN
	SELECT RAISE(ABORT, 'versions are append-only: DELETE outside retention');
END;
`
)

func init() {
	storage.Register("sqlite", func(cfg storage.DriverConfig) (storage.Backend, error) {
		return NewStore(cfg.OptionString("dir", "data"))
	})
}

// Store keeps pointer metadata in one catalog database and feature history in ledger
// databases partitioned by space.
type Store struct {
	baseDir string
	catalog *sql.DB

	mu      sync.Mutex
	ledgers map[int]*sql.DB
}

var _ storage.Backend = (*Store)(nil)

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	catalog, err := openSQLite(filepath.Join(baseDir, "catalog.db"))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if _, err := catalog.Exec(catalogSchema); err != nil {
		_ = catalog.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}
	return &Store{baseDir: baseDir, catalog: catalog, ledgers: make(map[int]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, db := range s.ledgers {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.ledgers = make(map[int]*sql.DB)
	if err := s.catalog.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Store) ledgerDB(key domain.LineageKey) (*sql.DB, error) {
	partition := hashroute.PartitionForLineage(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.ledgers[partition]; ok {
		return db, nil
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("ledger-p%02d.db", partition))
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ledgers[partition] = db
	return db, nil
}

// openSQLite opens path with immediate transactions, so concurrent writers wait on
// busy_timeout at BEGIN. Pragmas in the DSN apply to every pooled connection.
func openSQLite(path string) (*sql.DB, error) {
	dsn := path + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
