// Package credstore keeps each session's credential material in its own
// directory: credentials/auth_<id>/. The adapter owns the contents; the
// store only knows how to locate, snapshot and purge them.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

const blobName = "creds.json"

// Material is the credential state handed to the adapter at connect time.
type Material struct {
	SessionID string
	Dir       string // adapter-private directory, created on load
	Blob      []byte // last saved snapshot, nil for a fresh session
}

// Fresh reports whether the session has never been paired.
func (m *Material) Fresh() bool {
	return len(m.Blob) == 0
}

type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

// Dir is the credential directory for id.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, "auth_"+id)
}

// Load creates the session directory if needed and reads the last snapshot.
func (s *Store) Load(_ context.Context, id string) (*Material, error) {
	dir := s.Dir(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}
	blob, err := os.ReadFile(filepath.Join(dir, blobName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return &Material{SessionID: id, Dir: dir, Blob: blob}, nil
}

// Save atomically replaces the snapshot for id.
func (s *Store) Save(id string, blob []byte) error {
	dir := s.Dir(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, blobName), blob, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Purge removes everything stored for id. Missing directories are fine.
func (s *Store) Purge(id string) error {
	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	return nil
}

// Exists reports whether any credential material is on disk for id.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(filepath.Join(s.Dir(id), blobName))
	return err == nil
}
