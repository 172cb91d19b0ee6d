package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Layer is a storage stage of the pipeline
type Layer string

const (
	// LayerRaw holds payloads exactly as fetched from the source
	LayerRaw Layer = "raw"
	// LayerProcessed holds cleaned and enriched payloads
	LayerProcessed Layer = "processed"
)

// Valid reports whether l is a known layer.
func (l Layer) Valid() bool {
	return l == LayerRaw || l == LayerProcessed
}

// ObjectStore stores artifacts by layer and key. Writing an existing key
// overwrites it.
type ObjectStore interface {
	Put(ctx context.Context, layer Layer, key string, data []byte) error
	Get(ctx context.Context, layer Layer, key string) ([]byte, error)
}

// objectName joins layer and key into the name used by the backends.
func objectName(layer Layer, key string) (string, error) {
	if !layer.Valid() {
		return "", fmt.Errorf("unknown layer %q", layer)
	}
	key = strings.TrimPrefix(filepath.ToSlash(key), "/")
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return string(layer) + "/" + key, nil
}

// FileObjectStore implements ObjectStore on the local filesystem
type FileObjectStore struct {
	logger *zap.Logger
	root   string
}

// NewFileObjectStore creates a store rooted at dir
func NewFileObjectStore(logger *zap.Logger, dir string) (*FileObjectStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object store directory: %w", err)
	}
	return &FileObjectStore{
		logger: logger.Named("file-object-store"),
		root:   dir,
	}, nil
}

// Put writes data to a temp file and renames it into place
func (s *FileObjectStore) Put(ctx context.Context, layer Layer, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name, err := objectName(layer, key)
	if err != nil {
		return err
	}
	path := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}

	s.logger.Debug("Object stored",
		zap.String("object", name),
		zap.Int("size", len(data)))
	return nil
}

// Get reads a stored object
func (s *FileObjectStore) Get(ctx context.Context, layer Layer, key string) ([]byte, error) {
	name, err := objectName(layer, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}
