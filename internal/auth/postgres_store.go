package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the key store needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const keysSchema = `
	CREATE TABLE IF NOT EXISTS enhance_api_keys (
		id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tenant_id  TEXT NOT NULL,
		key_hash   TEXT NOT NULL UNIQUE,
		rate_limit BIGINT NOT NULL DEFAULT 60,
		active     BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

type keyStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &keyStore{db: db}
}

func (s *keyStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, keysSchema); err != nil {
		return fmt.Errorf("create enhance_api_keys: %w", err)
	}
	return nil
}

func (s *keyStore) GetByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	err := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, key_hash, rate_limit, active, created_at
		FROM enhance_api_keys
		WHERE key_hash = $1 AND active
	`, keyHash).Scan(&k.ID, &k.TenantID, &k.KeyHash, &k.RateLimit, &k.Active, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	return &k, nil
}

// Upsert stores k by hash. An existing row is reactivated with k's rate
// limit; created reports whether a new row was inserted.
func (s *keyStore) Upsert(ctx context.Context, k *APIKey) (created bool, err error) {
	if k.KeyHash == "" || k.TenantID == "" {
		return false, errors.New("api key needs tenant_id and key_hash")
	}
	err = s.db.QueryRow(ctx, `
		INSERT INTO enhance_api_keys (tenant_id, key_hash, rate_limit, active)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (key_hash) DO UPDATE
			SET rate_limit = EXCLUDED.rate_limit, active = true
		RETURNING id, created_at, (xmax = 0)
	`, k.TenantID, k.KeyHash, k.RateLimit).Scan(&k.ID, &k.CreatedAt, &created)
	if err != nil {
		return false, fmt.Errorf("upsert api key: %w", err)
	}
	k.Active = true
	return created, nil
}
