package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/andresmejia3/facecam/internal/types"
	"github.com/google/renameio"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// RegistryFile is the combined names+encodings document inside the data directory.
	RegistryFile = "registry.msgpack"
	// StillFile is the transient enrollment photo inside the data directory.
	StillFile = "test.jpg"
)

// registryDoc is the on-disk layout. Names and encodings travel in the same document.
type registryDoc struct {
	Version   int         `msgpack:"version"`
	Dim       int         `msgpack:"dim"`
	Names     []string    `msgpack:"names"`
	Encodings [][]float64 `msgpack:"encodings"`
}

// FileStore keeps the registry in a single file under dir.
type FileStore struct {
	dir   string
	path  string
	still stillFile
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}
	return &FileStore{
		dir:   dir,
		path:  filepath.Join(dir, RegistryFile),
		still: stillFile(filepath.Join(dir, StillFile)),
	}, nil
}

// Path returns the registry file location.
func (s *FileStore) Path() string { return s.path }

// StillPath returns where the enrollment photo is kept.
func (s *FileStore) StillPath() string { return string(s.still) }

// Load reads the registry. A missing file is an empty registry; anything present but
// undecodable is a *DeserializationError.
func (s *FileStore) Load(ctx context.Context) (*types.Registry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.NewRegistry(), nil
	}
	if err != nil {
		return nil, &DeserializationError{Source: s.path, Err: err}
	}
	reg, err := decodeRegistry(data)
	if err != nil {
		return nil, &DeserializationError{Source: s.path, Err: err}
	}
	return reg, nil
}

// Save writes the registry to a temp file in the same directory, fsyncs it and renames
// it over the previous version.
func (s *FileStore) Save(ctx context.Context, r *types.Registry) error {
	data, err := encodeRegistry(r)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry %s: %w", s.path, err)
	}
	slog.Debug("store: registry saved", "path", s.path, "entries", r.Len())
	return nil
}

// Reset persists an empty registry and removes the enrollment still.
// It returns ErrNothingToReset when there was neither a non-empty registry nor a still.
func (s *FileStore) Reset(ctx context.Context) error {
	hadRegistry := s.hasEntries()

	if err := s.Save(ctx, types.NewRegistry()); err != nil {
		return err
	}
	hadStill, err := s.still.remove()
	if err != nil {
		return err
	}
	if !hadRegistry && !hadStill {
		return ErrNothingToReset
	}
	return nil
}

// hasEntries reports whether the current file holds something worth resetting.
// A corrupt file counts, since Reset is how the operator recovers from it.
func (s *FileStore) hasEntries() bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false
	}
	reg, err := decodeRegistry(data)
	if err != nil {
		return true
	}
	return reg.Len() > 0
}

// WriteStill atomically replaces the enrollment photo.
func (s *FileStore) WriteStill(data []byte) (string, error) {
	return s.still.write(data)
}

// Close is a no-op for the file backend.
func (s *FileStore) Close(ctx context.Context) {}

func encodeRegistry(r *types.Registry) ([]byte, error) {
	if r == nil {
		r = types.NewRegistry()
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to save invalid registry: %w", err)
	}
	doc := registryDoc{
		Version:   SchemaVersion,
		Dim:       r.Dim(),
		Names:     r.Names,
		Encodings: make([][]float64, r.Len()),
	}
	for i, e := range r.Encodings {
		doc.Encodings[i] = e
	}
	data, err := msgpack.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode registry: %w", err)
	}
	return data, nil
}

func decodeRegistry(data []byte) (*types.Registry, error) {
	var doc registryDoc
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Version != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d", doc.Version)
	}
	if len(doc.Names) != len(doc.Encodings) {
		return nil, fmt.Errorf("%d names but %d encodings", len(doc.Names), len(doc.Encodings))
	}

	reg := &types.Registry{
		Encodings: make([]types.Encoding, len(doc.Encodings)),
		Names:     make([]string, len(doc.Names)),
	}
	copy(reg.Names, doc.Names)
	for i, e := range doc.Encodings {
		reg.Encodings[i] = types.Encoding(e)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	if reg.Len() > 0 && reg.Dim() != doc.Dim {
		return nil, fmt.Errorf("header dimension %d does not match encodings (%d)", doc.Dim, reg.Dim())
	}
	return reg, nil
}
