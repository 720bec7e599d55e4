// Package models defines the domain types shared by nbfolio packages.
package models

import "time"

// Conversion kinds recorded in the ledger.
const (
	KindStrip  = "strip"
	KindCharts = "charts"
	KindRender = "render"
)

// NotebookMetadata is a lightweight representation returned by list operations.
type NotebookMetadata struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OutputFile is one file written by a conversion.
type OutputFile struct {
	// Path is relative to the output directory of its kind.
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	// Position is the 1-based chart position for chart files, 0 otherwise.
	Position int    `json:"position,omitempty"`
	Title    string `json:"title,omitempty"`
}
