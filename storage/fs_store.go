package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FileStore keeps artifacts as files in a single directory
type FileStore struct {
	dir    string
	uid    int // -1 leaves ownership unchanged
	gid    int
	logger *zap.Logger
}

// NewFileStore creates a new file store rooted at dir, creating it if needed
func NewFileStore(dir string, uid, gid int, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifacts dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &FileStore{dir: abs, uid: uid, gid: gid, logger: logger}, nil
}

// Dir returns the artifact directory
func (s *FileStore) Dir() string {
	return s.dir
}

// LocalPath returns the on-disk path of key
func (s *FileStore) LocalPath(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key), nil
}

// Store moves srcPath into the store under a fresh key
func (s *FileStore) Store(_ context.Context, srcPath, jobID, displayName string) (string, error) {
	key := NewKey(jobID, displayName)
	dst := filepath.Join(s.dir, key)

	if err := os.Rename(srcPath, dst); err != nil {
		// Cross-device moves need a copy
		if err := s.copyFile(srcPath, dst); err != nil {
			return "", err
		}
		_ = os.Remove(srcPath)
	}

	if err := os.Chmod(dst, 0o644); err != nil {
		s.logger.Warn("Failed to set artifact permissions", zap.String("key", key), zap.Error(err))
	}
	if s.uid >= 0 || s.gid >= 0 {
		if err := os.Chown(dst, s.uid, s.gid); err != nil {
			s.logger.Warn("Failed to change artifact owner",
				zap.String("key", key),
				zap.Int("uid", s.uid),
				zap.Int("gid", s.gid),
				zap.Error(err))
		}
	}

	return key, nil
}

func (s *FileStore) copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(s.dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// Open opens an artifact for reading. The returned reader also implements io.Seeker.
func (s *FileStore) Open(_ context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	path, err := s.LocalPath(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, &ObjectInfo{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Stat returns artifact metadata
func (s *FileStore) Stat(_ context.Context, key string) (*ObjectInfo, error) {
	path, err := s.LocalPath(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, ErrNotFound
	}
	return &ObjectInfo{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// List returns every stored artifact, skipping hidden in-progress files
func (s *FileStore) List(_ context.Context) ([]ObjectInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	var out []ObjectInfo
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info
			continue
		}
		out = append(out, ObjectInfo{Key: entry.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	return out, nil
}

// Delete removes an artifact
func (s *FileStore) Delete(_ context.Context, key string) error {
	path, err := s.LocalPath(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// Ping checks the directory is still accessible
func (s *FileStore) Ping(context.Context) error {
	fi, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}
