package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andresmejia3/facecam/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// PGStore keeps the registry in PostgreSQL with the pgvector extension.
// Vectors are stored as float32, which is the embedder's native precision.
type PGStore struct {
	conn  *pgx.Conn
	still stillFile
}

// NewPG establishes a connection to the database and ensures the schema is initialized.
// stillPath is where the transient enrollment photo lives on the local disk.
func NewPG(ctx context.Context, connString, stillPath string) (*PGStore, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &PGStore{conn: conn, still: stillFile(stillPath)}, nil
}

// initSchema creates the registry tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS registry_meta (
			id INT PRIMARY KEY CHECK (id = 1),
			version INT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS face_registry (
			position INT PRIMARY KEY,
			name TEXT NOT NULL,
			encoding VECTOR NOT NULL
		);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *PGStore) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// Load reads every row ordered by position.
func (s *PGStore) Load(ctx context.Context) (*types.Registry, error) {
	var version int
	err := s.conn.QueryRow(ctx, "SELECT version FROM registry_meta WHERE id = 1").Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.NewRegistry(), nil
	}
	if err != nil {
		return nil, err
	}
	if version != SchemaVersion {
		return nil, &DeserializationError{Source: "face_registry", Err: fmt.Errorf("unsupported schema version %d", version)}
	}

	rows, err := s.conn.Query(ctx, "SELECT name, encoding::text FROM face_registry ORDER BY position ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reg := types.NewRegistry()
	for rows.Next() {
		var name, text string
		if err := rows.Scan(&name, &text); err != nil {
			return nil, err
		}
		var vec pgvector.Vector
		if err := vec.Scan(text); err != nil {
			return nil, &DeserializationError{Source: "face_registry", Err: err}
		}
		reg.Names = append(reg.Names, name)
		reg.Encodings = append(reg.Encodings, fromFloat32(vec.Slice()))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, &DeserializationError{Source: "face_registry", Err: err}
	}
	return reg, nil
}

// Save replaces the whole registry inside one transaction.
func (s *PGStore) Save(ctx context.Context, r *types.Registry) error {
	if r == nil {
		r = types.NewRegistry()
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid registry: %w", err)
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM face_registry"); err != nil {
		return err
	}
	for i := 0; i < r.Len(); i++ {
		vec := pgvector.NewVector(toFloat32(r.Encodings[i]))
		_, err := tx.Exec(ctx, `
			INSERT INTO face_registry (position, name, encoding)
			VALUES ($1, $2, $3::vector)
		`, i, r.Names[i], vec.String())
		if err != nil {
			return fmt.Errorf("failed to insert entry %d: %w", i, err)
		}
	}
	if err := upsertVersion(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	slog.Debug("store: registry saved", "backend", "postgres", "entries", r.Len())
	return nil
}

// Reset clears the table in one transaction and removes the enrollment still.
func (s *PGStore) Reset(ctx context.Context) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM face_registry")
	if err != nil {
		return err
	}
	if err := upsertVersion(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	hadStill, err := s.still.remove()
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 && !hadStill {
		return ErrNothingToReset
	}
	return nil
}

// WriteStill stores the enrollment photo on the local disk.
func (s *PGStore) WriteStill(data []byte) (string, error) {
	return s.still.write(data)
}

func upsertVersion(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO registry_meta (id, version, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, updated_at = NOW()
	`, SchemaVersion)
	return err
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func fromFloat32(v []float32) types.Encoding {
	out := make(types.Encoding, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
