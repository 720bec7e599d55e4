// Package ledger records the last conversion of every notebook in SQLite so
// that sync can skip unchanged notebooks and prune outputs that a notebook
// no longer produces.
package ledger

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/nbfolio/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS conversions (
	source          TEXT NOT NULL,
	kind            TEXT NOT NULL,
	source_checksum TEXT NOT NULL DEFAULT '',
	options_checksum TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	run_id          TEXT NOT NULL DEFAULT '',
	updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (source, kind)
);

CREATE TABLE IF NOT EXISTS outputs (
	source   TEXT NOT NULL,
	kind     TEXT NOT NULL,
	path     TEXT NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL DEFAULT 0,
	title    TEXT NOT NULL DEFAULT '',
	UNIQUE(kind, path)
);

CREATE INDEX IF NOT EXISTS idx_outputs_source ON outputs(source, kind);
`

// columnMigrations adds columns introduced after a ledger was first created.
var columnMigrations = []struct {
	table, column, ddl string
}{
	{"conversions", "options_checksum", `ALTER TABLE conversions ADD COLUMN options_checksum TEXT NOT NULL DEFAULT ''`},
}

// Ledger is the interface consumers depend on instead of *DB.
type Ledger interface {
	Record(c Conversion, outputs []models.OutputFile) error
	Get(source, kind string) (*Conversion, error)
	Outputs(source, kind string) ([]models.OutputFile, error)
	List() ([]Conversion, error)
	Sources() (map[string]struct{}, error)
	Checksums(kind string) (map[string]Stamp, error)
	Owners(kind string) (map[string]string, error)
	Forget(source string) error
	Close() error
}

// Verify *DB satisfies Ledger at compile time.
var _ Ledger = (*DB)(nil)

// DB wraps a sql.DB with ledger operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ledger: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{conn: conn}, nil
}

func migrate(conn *sql.DB) error {
	for _, m := range columnMigrations {
		var n int
		err := conn.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&n)
		if err != nil {
			return fmt.Errorf("ledger: inspect %s: %w", m.table, err)
		}
		if n > 0 {
			continue
		}
		if _, err := conn.Exec(m.ddl); err != nil {
			return fmt.Errorf("ledger: add %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
