package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/starford/nbfolio/internal/checksum"
	"github.com/starford/nbfolio/internal/models"
)

const tmpPrefix = ".nbfolio-tmp-"

// FS implements Provider on top of a billy filesystem chrooted at root.
type FS struct {
	root string // absolute path
	fs   billy.Filesystem
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs, fs: osfs.New(abs)}, nil
}

// Open creates root if needed and returns a provider for it.
func Open(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return NewFS(root)
}

// Root implements Provider.
func (f *FS) Root() string { return f.root }

// safePath cleans a relative path and rejects anything that would leave the
// root (absolute paths, leading "..").
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return ".", nil
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s", rel)
	}
	cleaned := path.Clean(filepath.ToSlash(rel))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("storage: path escapes root: %s", rel)
	}
	return cleaned, nil
}

// List walks dir and returns metadata for every file ending in ext.
// Hidden directories (including .ipynb_checkpoints) are skipped.
func (f *FS) List(dir, ext string) ([]models.NotebookMetadata, error) {
	base, err := f.safePath(dir)
	if err != nil {
		return nil, err
	}
	var out []models.NotebookMetadata
	if err := f.walk(base, ext, &out); err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return out, nil
}

func (f *FS) walk(dir, ext string, out *[]models.NotebookMetadata) error {
	entries, err := f.fs.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, info := range entries {
		name := info.Name()
		rel := path.Join(dir, name)
		if info.IsDir() {
			if strings.HasPrefix(name, ".") {
				continue
			}
			if err := f.walk(rel, ext, out); err != nil {
				return err
			}
			continue
		}
		if !strings.HasSuffix(name, ext) || strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		data, err := util.ReadFile(f.fs, rel)
		if err != nil {
			return err
		}
		*out = append(*out, models.NotebookMetadata{
			Path:      rel,
			Checksum:  checksum.Sum(data),
			Size:      info.Size(),
			UpdatedAt: info.ModTime(),
		})
	}
	return nil
}

// Read returns the raw bytes of a file.
func (f *FS) Read(p string) ([]byte, error) {
	rel, err := f.safePath(p)
	if err != nil {
		return nil, err
	}
	data, err := util.ReadFile(f.fs, rel)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", p, err)
	}
	return data, nil
}

// Write atomically writes content: tmp file → fsync → rename.
func (f *FS) Write(p string, content []byte) error {
	rel, err := f.safePath(p)
	if err != nil {
		return err
	}
	if rel == "." {
		return fmt.Errorf("storage: empty path")
	}
	dir := path.Dir(rel)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := f.fs.TempFile(dir, tmpPrefix)
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = f.fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if s, ok := tmp.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("storage: fsync: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := f.fs.Rename(tmpName, rel); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// Delete removes a file. Deleting a file that does not exist is not an error.
func (f *FS) Delete(p string) error {
	rel, err := f.safePath(p)
	if err != nil {
		return err
	}
	if err := f.fs.Remove(rel); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", p, err)
	}
	return nil
}
