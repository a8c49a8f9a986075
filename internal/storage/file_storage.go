package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

const (
	partSuffix    = ".part"
	corruptSuffix = ".corrupt"
)

// PartFile is the write handle for a partial artifact.
type PartFile interface {
	io.WriteCloser
	Sync() error
}

// FileStorage manages artifacts under a single download directory.
// Bytes are written to "<dest>.part" and renamed into place on commit.
type FileStorage struct {
	dir string
}

// NewFileStorage creates a new FileStorage rooted at dir.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{dir: filepath.Clean(dir)}
}

// Dir returns the download directory.
func (s *FileStorage) Dir() string {
	return s.dir
}

// Resolve maps a caller-supplied destination to a path inside the download
// directory. Absolute paths and ".." components cannot escape it.
func (s *FileStorage) Resolve(dest string) (string, error) {
	path, err := securejoin.SecureJoin(s.dir, dest)
	if err != nil {
		return "", fmt.Errorf("resolve destination %q: %w", dest, err)
	}
	if path == s.dir {
		return "", fmt.Errorf("resolve destination %q: refers to the download directory", dest)
	}
	return path, nil
}

// PartPath returns the partial artifact path for dest.
func (s *FileStorage) PartPath(dest string) string {
	return dest + partSuffix
}

// CorruptPath returns where a corrupt partial artifact for dest is kept.
func (s *FileStorage) CorruptPath(dest string) string {
	return dest + corruptSuffix
}

// PartSize returns the number of bytes in the partial artifact, or 0 if
// there is none.
func (s *FileStorage) PartSize(dest string) (int64, error) {
	info, err := os.Stat(s.PartPath(dest))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// OpenPart opens the partial artifact for writing at offset. Anything past
// offset is truncated away.
func (s *FileStorage) OpenPart(dest string, offset int64) (PartFile, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}

	f, err := os.OpenFile(s.PartPath(dest), os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open partial artifact: %w", err)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate partial artifact: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek partial artifact: %w", err)
	}
	return f, nil
}

// Commit moves the verified partial artifact into place.
func (s *FileStorage) Commit(dest string) error {
	if err := os.Rename(s.PartPath(dest), dest); err != nil {
		return fmt.Errorf("commit artifact: %w", err)
	}
	return nil
}

// Discard removes the partial artifact. A missing file is not an error.
func (s *FileStorage) Discard(dest string) error {
	if err := os.Remove(s.PartPath(dest)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("discard partial artifact: %w", err)
	}
	return nil
}

// Quarantine keeps a corrupt partial artifact as "<dest>.corrupt" for
// inspection and returns its new path.
func (s *FileStorage) Quarantine(dest string) (string, error) {
	target := s.CorruptPath(dest)
	if err := os.Rename(s.PartPath(dest), target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("quarantine artifact: %w", err)
	}
	return target, nil
}
