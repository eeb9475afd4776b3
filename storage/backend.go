package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an artifact key does not exist
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidKey is returned for keys that could escape the artifact store
	ErrInvalidKey = errors.New("invalid artifact key")
)

// ObjectInfo describes a stored artifact
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend stores finished artifacts under flat, collision-resistant keys
type Backend interface {
	// Store moves the local file at srcPath into the store and returns its key
	Store(ctx context.Context, srcPath, jobID, displayName string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	List(ctx context.Context) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// LocalPather is implemented by backends whose artifacts live on the local filesystem
type LocalPather interface {
	LocalPath(key string) (string, error)
}

// NewKey builds the store key for an artifact: {job id}_{random hex}_{display name}
func NewKey(jobID, displayName string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%s_%s_%s", jobID, id, SafeName(displayName))
}

// SafeName strips directories and separators from a display name
func SafeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" {
		return "file"
	}
	return name
}

// ValidateKey rejects keys that are empty, hidden, or contain path separators
func ValidateKey(key string) error {
	switch {
	case key == "",
		strings.HasPrefix(key, "."),
		strings.ContainsAny(key, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
