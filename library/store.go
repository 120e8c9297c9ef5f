package library

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists whole-library snapshots to a single encrypted file.
type Store struct {
	path string
	key  Key
}

// NewStore returns a Store writing to path under key. The parent directory is
// created if needed so first-run succeeds.
func NewStore(path string, key Key) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: create data dir: %w", ErrIOFailure, err)
		}
	}
	return &Store{path: path, key: key}, nil
}

// Path returns the data file location.
func (s *Store) Path() string { return s.path }

// Save encodes, encrypts and atomically replaces the data file. On any error
// the previous file is left untouched.
func (s *Store) Save(snap *Snapshot) error {
	doc, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrMalformedData, err)
	}
	token, err := Encrypt(s.key, doc)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, token); err != nil {
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return nil
}

// Load reads the data file. found is false when no file exists yet.
func (s *Store) Load() (snap *Snapshot, found bool, err error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: read %s: %w", ErrIOFailure, s.path, err)
	}

	doc, err := Decrypt(s.key, bytes.TrimSpace(raw))
	if err != nil {
		return nil, true, err
	}
	snap, err = decodeSnapshot(doc)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %w", ErrMalformedData, err)
	}
	return snap, true, nil
}

// writeFileAtomic writes data to a temp file beside path, syncs it and renames
// it over path.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err = tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	// Persist the rename itself. Not every platform can fsync a directory.
	if d, derr := os.Open(dir); derr == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
