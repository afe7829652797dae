// Package filestore owns the managed directory recordings live in: unique
// path allocation, sizing, content hashing and deletion.
package filestore

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

// DefaultExtension is the container extension captures are written with.
const DefaultExtension = ".m4a"

// Store wraps the managed recordings directory.
type Store struct {
	fs   afero.Fs
	root string
}

// New creates a store rooted at dir, creating it if needed.
func New(fs afero.Fs, dir string) (*Store, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	return &Store{fs: fs, root: dir}, nil
}

// Root returns the managed directory.
func (s *Store) Root() string { return s.root }

// Allocate returns a unique path for a new recording. The file name embeds
// the capture timestamp so it doubles as a human-readable default label.
func (s *Store) Allocate(at time.Time) (path, fileName string) {
	fileName = fmt.Sprintf("rec-%s-%s%s", at.Format("20060102-150405"), uuid.New().String()[:8], DefaultExtension)
	return filepath.Join(s.root, fileName), fileName
}

// SizeOf returns the byte size of a stored file.
func (s *Store) SizeOf(path string) (int64, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	return info.Size(), nil
}

// Exists reports whether the file is present on disk.
func (s *Store) Exists(path string) bool {
	_, err := s.fs.Stat(path)
	return err == nil
}

// Hash computes the hex-encoded BLAKE2b-256 digest of the file's bytes. The
// digest is the content address the backend confirms uploads against.
func (s *Store) Hash(path string) (string, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Open opens a stored file for reading.
func (s *Store) Open(path string) (afero.File, error) {
	return s.fs.Open(path)
}

// Remove deletes a stored file. A missing file is reported via an error that
// satisfies os.IsNotExist so best-effort cleanup sites can swallow it.
func (s *Store) Remove(path string) error {
	err := s.fs.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return err
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Ingest moves an externally produced file (e.g. the bridge inbox) into the
// managed directory under fileName, returning the new path. The inbox
// location may be purged by the OS, so the copy happens before anything is
// recorded in the ledger.
func (s *Store) Ingest(srcPath, fileName string) (string, error) {
	dst := filepath.Join(s.root, filepath.Base(fileName))
	if err := s.copyFile(srcPath, dst); err != nil {
		return "", err
	}
	_ = s.fs.Remove(srcPath)
	return dst, nil
}

// IngestBytes writes raw received bytes into the managed directory.
func (s *Store) IngestBytes(fileName string, data []byte) (string, error) {
	dst := filepath.Join(s.root, filepath.Base(fileName))
	if err := afero.WriteFile(s.fs, dst, data, 0o640); err != nil {
		return "", fmt.Errorf("write %s: %w", fileName, err)
	}
	return dst, nil
}

func (s *Store) copyFile(src, dst string) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()
	out, err := s.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", filepath.Base(dst), err)
	}
	return out.Close()
}

// Extension returns the extension of fileName without the leading dot.
func Extension(fileName string) string {
	return strings.TrimPrefix(filepath.Ext(fileName), ".")
}
