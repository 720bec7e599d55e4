package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/nbfolio/internal/apperr"
	"github.com/starford/nbfolio/internal/models"
)

// Conversion is one row of the conversions table.
// OptionsChecksum fingerprints the options the outputs were produced with.
type Conversion struct {
	Source          string    `json:"source"`
	Kind            string    `json:"kind"`
	SourceChecksum  string    `json:"source_checksum"`
	OptionsChecksum string    `json:"options_checksum,omitempty"`
	Title           string    `json:"title,omitempty"`
	RunID           string    `json:"run_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Stamp is what a recorded conversion was produced from.
type Stamp struct {
	Source  string
	Options string
}

// Record stores a conversion and replaces its output set within a transaction.
func (db *DB) Record(c Conversion, outputs []models.OutputFile) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO conversions (source, kind, source_checksum, options_checksum, title, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, kind) DO UPDATE SET
			source_checksum  = excluded.source_checksum,
			options_checksum = excluded.options_checksum,
			title            = excluded.title,
			run_id           = excluded.run_id,
			updated_at       = excluded.updated_at
	`, c.Source, c.Kind, c.SourceChecksum, c.OptionsChecksum, c.Title, c.RunID, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ledger: upsert conversion: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM outputs WHERE source = ? AND kind = ?`, c.Source, c.Kind); err != nil {
		return fmt.Errorf("ledger: clear outputs: %w", err)
	}
	if len(outputs) > 0 {
		// An output path belongs to whichever source wrote it last.
		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO outputs (source, kind, path, checksum, position, title) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("ledger: prepare output insert: %w", err)
		}
		defer stmt.Close()
		for _, o := range outputs {
			if _, err := stmt.Exec(c.Source, c.Kind, o.Path, o.Checksum, o.Position, o.Title); err != nil {
				return fmt.Errorf("ledger: insert output: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Get returns the conversion of source for kind, or apperr.ErrNotFound.
func (db *DB) Get(source, kind string) (*Conversion, error) {
	c := Conversion{Source: source, Kind: kind}
	err := db.conn.QueryRow(`
		SELECT source_checksum, options_checksum, title, run_id, updated_at
		FROM conversions WHERE source = ? AND kind = ?
	`, source, kind).Scan(&c.SourceChecksum, &c.OptionsChecksum, &c.Title, &c.RunID, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get: %w", err)
	}
	return &c, nil
}

// Outputs returns the recorded outputs of source for kind, ordered by position then path.
func (db *DB) Outputs(source, kind string) ([]models.OutputFile, error) {
	rows, err := db.conn.Query(`
		SELECT path, checksum, position, title FROM outputs
		WHERE source = ? AND kind = ?
		ORDER BY position, path
	`, source, kind)
	if err != nil {
		return nil, fmt.Errorf("ledger: outputs: %w", err)
	}
	defer rows.Close()

	var out []models.OutputFile
	for rows.Next() {
		var o models.OutputFile
		if err := rows.Scan(&o.Path, &o.Checksum, &o.Position, &o.Title); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// List returns every conversion ordered by source and kind.
func (db *DB) List() ([]Conversion, error) {
	rows, err := db.conn.Query(`
		SELECT source, kind, source_checksum, options_checksum, title, run_id, updated_at
		FROM conversions ORDER BY source, kind
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var out []Conversion
	for rows.Next() {
		var c Conversion
		if err := rows.Scan(&c.Source, &c.Kind, &c.SourceChecksum, &c.OptionsChecksum, &c.Title, &c.RunID, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Sources returns every source with at least one recorded conversion.
func (db *DB) Sources() (map[string]struct{}, error) {
	rows, err := db.conn.Query(`SELECT DISTINCT source FROM conversions`)
	if err != nil {
		return nil, fmt.Errorf("ledger: sources: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out[s] = struct{}{}
	}
	return out, rows.Err()
}

// Checksums returns source → stamp for one kind.
func (db *DB) Checksums(kind string) (map[string]Stamp, error) {
	rows, err := db.conn.Query(`SELECT source, source_checksum, options_checksum FROM conversions WHERE kind = ?`, kind)
	if err != nil {
		return nil, fmt.Errorf("ledger: checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[string]Stamp)
	for rows.Next() {
		var s string
		var st Stamp
		if err := rows.Scan(&s, &st.Source, &st.Options); err != nil {
			return nil, err
		}
		out[s] = st
	}
	return out, rows.Err()
}

// Owners returns output path → source for one kind.
func (db *DB) Owners(kind string) (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT path, source FROM outputs WHERE kind = ?`, kind)
	if err != nil {
		return nil, fmt.Errorf("ledger: owners: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var p, s string
		if err := rows.Scan(&p, &s); err != nil {
			return nil, err
		}
		out[p] = s
	}
	return out, rows.Err()
}

// Forget removes every conversion and output row of source.
func (db *DB) Forget(source string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM outputs WHERE source = ?`, source); err != nil {
		return fmt.Errorf("ledger: forget outputs: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversions WHERE source = ?`, source); err != nil {
		return fmt.Errorf("ledger: forget conversions: %w", err)
	}
	return tx.Commit()
}
