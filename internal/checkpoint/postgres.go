package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgTable            = "chatmigrate_checkpoint"
	pgOperationTimeout = 5 * time.Second
)

// PostgresStore keeps the checkpoint as a single snapshot row keyed by the
// migration's state key (one row per room migration). Save is an upsert of
// the full snapshot, matching the whole-file-replacement semantics of the
// file backend.
type PostgresStore struct {
	pool     *pgxpool.Pool
	stateKey string

	initOnce sync.Once
	initErr  error
}

func NewPostgresStore(pool *pgxpool.Pool, stateKey string) *PostgresStore {
	if stateKey == "" {
		stateKey = "default"
	}
	return &PostgresStore{pool: pool, stateKey: stateKey}
}

func (s *PostgresStore) ensureTable() error {
	s.initOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), pgOperationTimeout)
		defer cancel()
		_, s.initErr = s.pool.Exec(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key  TEXT PRIMARY KEY,
				snapshot   JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)
		`, pgTable))
	})
	return s.initErr
}

func (s *PostgresStore) Load() (*Checkpoint, error) {
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("checkpoint table: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), pgOperationTimeout)
	defer cancel()

	var payload []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key=$1", pgTable), s.stateKey,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint row: %w", err)
	}
	return &cp, nil
}

func (s *PostgresStore) Save(cp *Checkpoint) error {
	if err := s.ensureTable(); err != nil {
		return fmt.Errorf("checkpoint table: %w", err)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), pgOperationTimeout)
	defer cancel()

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (state_key) DO UPDATE SET snapshot=EXCLUDED.snapshot, updated_at=now()
	`, pgTable), s.stateKey, data)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
