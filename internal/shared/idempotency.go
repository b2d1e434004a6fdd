package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIdempotencyConflict indicates the key was already claimed.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// IdempotencyStore records client-supplied request keys per cold storage so a
// retried delivery is applied once.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

// Claim stores key under (coldStorageID, scope). A second claim of the same
// key returns ErrIdempotencyConflict.
func (s *IdempotencyStore) Claim(ctx context.Context, coldStorageID uuid.UUID, scope, key string) error {
	if s == nil || s.pool == nil {
		return errors.New("shared: idempotency store not initialised")
	}
	key = strings.TrimSpace(key)
	if key == "" || scope == "" {
		return errors.New("shared: idempotency scope and key required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (cold_storage_id, scope, key, created_at)
		VALUES ($1, $2, $3, $4)`, coldStorageID, scope, key, s.now().UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrIdempotencyConflict
	}
	if err != nil {
		return fmt.Errorf("shared: claim idempotency key: %w", err)
	}
	return nil
}

// Release forgets a claimed key after the guarded work failed, so the client
// may retry with it.
func (s *IdempotencyStore) Release(ctx context.Context, coldStorageID uuid.UUID, scope, key string) error {
	if s == nil || s.pool == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE cold_storage_id = $1 AND scope = $2 AND key = $3`, coldStorageID, scope, strings.TrimSpace(key))
	return err
}

// Purge deletes keys claimed before the retention window and reports how many
// were removed.
func (s *IdempotencyStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("shared: purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
