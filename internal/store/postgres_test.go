package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/facecam/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPGStoreIntegration runs the registry lifecycle against a real Postgres container.
// It requires Docker and is skipped in short mode.
func TestPGStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	// The official pgvector image ships the extension.
	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("facecam_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Skipf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := NewPG(ctx, connStr, filepath.Join(t.TempDir(), StillFile))
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// Fresh database -> empty registry
	reg, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load on empty database failed: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", reg.Len())
	}

	// Values are float32-representable, matching what the embedder produces
	want := types.NewRegistry().
		Append(encoding(1.0), "Alice").
		Append(encoding(0, 1.0), "Bob").
		Append(encoding(0.5, 0.25, -0.125), "Carol")
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("Round trip mismatch: got %v, want %v", got.Names, want.Names)
	}

	// Saving a shorter registry must not leave stale rows behind
	if err := s.Save(ctx, types.NewRegistry().Append(encoding(0.5), "Dave")); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Load(ctx)
	if got.Len() != 1 || got.Names[0] != "Dave" {
		t.Errorf("Expected only Dave after overwrite, got %v", got.Names)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	got, _ = s.Load(ctx)
	if got.Len() != 0 {
		t.Errorf("Expected empty registry after reset, got %v", got.Names)
	}
	if err := s.Reset(ctx); !errors.Is(err, ErrNothingToReset) {
		t.Errorf("Expected ErrNothingToReset on second reset, got %v", err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
