// Package store persists the coordinator's relational state in SQLite.
//
// The store holds:
// - The IXP topology: owners, ISDs, ASes, VLANs, peering clients, interfaces
// - Links materialised between interfaces
// - Peering policies and the derived AcceptedPeer relation
//
// All mutations run inside a single transaction obtained from WriteTx.
// SQLite runs in WAL mode for concurrent readers; the pure Go driver
// (modernc.org/sqlite) keeps the daemon free of CGO.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/peerd/internal/logging"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when an insert violates a uniqueness
	// constraint.
	ErrAlreadyExists = errors.New("already exists")
)

// Store is a SQLite-backed database handle.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// Options configures the store.
type Options struct {
	Path    string // Database file path (":memory:" for in-memory)
	WALMode bool   // Enable WAL mode for better concurrency
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:    path,
		WALMode: true,
	}
}

// New opens (creating if necessary) the database at opts.Path.
func New(opts Options) (*Store, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// The modernc driver opens one connection per call; the schema and
	// foreign_keys pragma must see the same connection as later queries.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma %q: %w", p, err)
		}
	}

	s := &Store{
		db:  db,
		log: logging.WithComponent("store"),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the database tables.
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS owners (
			name TEXT PRIMARY KEY,
			long_name TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS isds (
			isd INTEGER PRIMARY KEY,
			label TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS ases (
			asn INTEGER PRIMARY KEY,
			isd INTEGER NOT NULL REFERENCES isds(isd) ON DELETE CASCADE,
			owner TEXT NOT NULL REFERENCES owners(name) ON DELETE CASCADE,
			is_core INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS vlans (
			name TEXT PRIMARY KEY,
			long_name TEXT NOT NULL DEFAULT '',
			subnet TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS peering_clients (
			asn INTEGER NOT NULL REFERENCES ases(asn) ON DELETE CASCADE,
			name TEXT NOT NULL,
			secret_token TEXT NOT NULL,
			PRIMARY KEY (asn, name)
		);

		CREATE TABLE IF NOT EXISTS interfaces (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			asn INTEGER NOT NULL,
			client TEXT NOT NULL,
			vlan TEXT NOT NULL REFERENCES vlans(name) ON DELETE CASCADE,
			public_ip TEXT NOT NULL,
			first_port INTEGER NOT NULL,
			last_port INTEGER NOT NULL,
			UNIQUE (vlan, public_ip),
			FOREIGN KEY (asn, client)
				REFERENCES peering_clients(asn, name) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS links (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			link_type TEXT NOT NULL,
			interface_a INTEGER NOT NULL REFERENCES interfaces(id) ON DELETE CASCADE,
			interface_b INTEGER NOT NULL REFERENCES interfaces(id) ON DELETE CASCADE,
			port_a INTEGER NOT NULL,
			port_b INTEGER NOT NULL,
			UNIQUE (interface_a, interface_b)
		);

		CREATE TABLE IF NOT EXISTS accepted_peers (
			vlan TEXT NOT NULL REFERENCES vlans(name) ON DELETE CASCADE,
			asn INTEGER NOT NULL REFERENCES ases(asn) ON DELETE CASCADE,
			peer INTEGER NOT NULL REFERENCES ases(asn) ON DELETE CASCADE,
			PRIMARY KEY (vlan, asn, peer)
		);

		CREATE TABLE IF NOT EXISTS default_policies (
			vlan TEXT NOT NULL REFERENCES vlans(name) ON DELETE CASCADE,
			asn INTEGER NOT NULL REFERENCES ases(asn) ON DELETE CASCADE,
			accept INTEGER NOT NULL,
			PRIMARY KEY (vlan, asn)
		);

		CREATE TABLE IF NOT EXISTS as_peer_policies (
			vlan TEXT NOT NULL REFERENCES vlans(name) ON DELETE CASCADE,
			asn INTEGER NOT NULL REFERENCES ases(asn) ON DELETE CASCADE,
			peer_asn INTEGER NOT NULL,
			accept INTEGER NOT NULL,
			PRIMARY KEY (vlan, asn, peer_asn)
		);

		CREATE TABLE IF NOT EXISTS owner_peer_policies (
			vlan TEXT NOT NULL REFERENCES vlans(name) ON DELETE CASCADE,
			asn INTEGER NOT NULL REFERENCES ases(asn) ON DELETE CASCADE,
			peer_owner TEXT NOT NULL,
			accept INTEGER NOT NULL,
			PRIMARY KEY (vlan, asn, peer_owner)
		);

		CREATE TABLE IF NOT EXISTS isd_peer_policies (
			vlan TEXT NOT NULL REFERENCES vlans(name) ON DELETE CASCADE,
			asn INTEGER NOT NULL REFERENCES ases(asn) ON DELETE CASCADE,
			peer_isd INTEGER NOT NULL,
			accept INTEGER NOT NULL,
			PRIMARY KEY (vlan, asn, peer_isd)
		);

		CREATE INDEX IF NOT EXISTS idx_interfaces_asn ON interfaces(asn);
		CREATE INDEX IF NOT EXISTS idx_links_iface_a ON links(interface_a);
		CREATE INDEX IF NOT EXISTS idx_links_iface_b ON links(interface_b);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Tx is one transaction against the store. All query methods hang off
// Tx so that every caller is explicit about its transaction scope.
type Tx struct {
	tx           *sql.Tx
	ctx          context.Context
	rollbackOnly bool
}

// SetRollbackOnly marks the transaction for rollback at commit time.
// WriteTx still returns nil; the callback's results remain valid.
func (t *Tx) SetRollbackOnly() {
	t.rollbackOnly = true
}

// WriteTx runs fn inside a read-write transaction. The transaction is
// committed if fn returns nil and did not call SetRollbackOnly, and
// rolled back otherwise.
func (s *Store) WriteTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	t := &Tx{tx: tx, ctx: ctx}
	if err := fn(t); err != nil {
		tx.Rollback()
		return err
	}
	if t.rollbackOnly {
		return tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReadTx runs fn inside a read-only transaction.
func (s *Store) ReadTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	return fn(&Tx{tx: tx, ctx: ctx})
}
