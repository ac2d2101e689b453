// Package store persists the identity registry.
//
// Two backends are provided. FileStore keeps the registry in one versioned msgpack file
// that is replaced atomically on every save; PGStore keeps it in PostgreSQL (pgvector)
// and rewrites it inside a single transaction. Either way both parallel sequences are
// committed together, so a crash can never leave names and encodings out of step.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/andresmejia3/facecam/internal/types"
	"github.com/google/renameio"
)

// SchemaVersion is written with every persisted registry.
const SchemaVersion = 1

// Store is the registry persistence contract shared by the enrollment controller and the CLI.
type Store interface {
	// Load returns the persisted registry, or an empty one if nothing was saved yet.
	Load(ctx context.Context) (*types.Registry, error)
	// Save atomically replaces the persisted registry.
	Save(ctx context.Context, r *types.Registry) error
	// Reset persists an empty registry and discards the enrollment still.
	Reset(ctx context.Context) error
	// WriteStill stores the transient enrollment photo and returns its path.
	WriteStill(data []byte) (string, error)
	Close(ctx context.Context)
}

var (
	// ErrDeserialization matches any *DeserializationError via errors.Is.
	ErrDeserialization = errors.New("registry deserialization failed")
	// ErrNothingToReset reports that Reset found no previous recognition to remove.
	// The empty registry has still been persisted when it is returned.
	ErrNothingToReset = errors.New("no previous recognition")
)

// DeserializationError is returned when persisted state exists but cannot be decoded.
type DeserializationError struct {
	Source string
	Err    error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("cannot decode registry from %s: %v", e.Source, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

func (e *DeserializationError) Is(target error) bool { return target == ErrDeserialization }

// stillFile is the transient enrollment photo (function_cam/test.jpg).
type stillFile string

func (p stillFile) write(data []byte) (string, error) {
	if err := renameio.WriteFile(string(p), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write still %s: %w", p, err)
	}
	return string(p), nil
}

// remove deletes the still and reports whether there was one.
func (p stillFile) remove() (bool, error) {
	err := os.Remove(string(p))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to remove still %s: %w", p, err)
	}
	return true, nil
}
