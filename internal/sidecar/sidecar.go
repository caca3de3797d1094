// Package sidecar stores chunk text on disk, one file per rid.
//
// The sidecar is the authoritative text source when the vector backend
// returns a hit without payload. Writes happen under the collection
// lock during ingest; reads are lock-free.
package sidecar

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// Store is a filesystem-backed rid → text map.
type Store struct {
	dir string
}

// Open creates the sidecar directory if needed and returns the store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sidecar directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// path maps a rid to its file. Rids embed caller-supplied docids, so the
// filename is percent-encoded to stay filesystem-safe.
func (s *Store) path(rid string) string {
	return filepath.Join(s.dir, url.PathEscape(rid)+".txt")
}

// Write stores the chunk text for rid, atomically replacing any
// previous content.
func (s *Store) Write(rid, text string) error {
	target := s.path(rid)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("writing sidecar %s: %w", rid, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalising sidecar %s: %w", rid, err)
	}
	return nil
}

// Read returns the chunk text for rid.
func (s *Store) Read(rid string) (string, error) {
	data, err := os.ReadFile(s.path(rid))
	if err != nil {
		return "", fmt.Errorf("reading sidecar %s: %w", rid, err)
	}
	return string(data), nil
}

// Has reports whether a sidecar entry exists for rid.
func (s *Store) Has(rid string) bool {
	_, err := os.Stat(s.path(rid))
	return err == nil
}

// Delete removes the sidecar files for the given rids. Missing files
// are ignored: deletion is idempotent.
func (s *Store) Delete(rids []string) error {
	for _, rid := range rids {
		if err := os.Remove(s.path(rid)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting sidecar %s: %w", rid, err)
		}
	}
	return nil
}
