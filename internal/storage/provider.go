// Package storage defines the file-system abstraction used for notebook
// sources and conversion outputs.
package storage

import "github.com/starford/nbfolio/internal/models"

// Provider is the interface for file operations under one root directory.
type Provider interface {
	// Root returns the absolute directory the provider is bound to.
	Root() string
	// List returns metadata for every file with suffix ext under dir (relative to root).
	List(dir, ext string) ([]models.NotebookMetadata, error)
	// Read returns the raw bytes of the file at path (relative to root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to root).
	Write(path string, content []byte) error
	// Delete removes the file at path (relative to root).
	Delete(path string) error
}
