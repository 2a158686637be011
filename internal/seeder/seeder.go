package seeder

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/enhance-gateway/internal/auth"
)

const (
	TestAPIKey   = "test-enhance-key-12345"
	TestTenantID = "00000000-0000-0000-0000-000000000001"
)

// SeedTestAPIKey makes the development key usable at rpm, reactivating it if
// it was disabled.
func SeedTestAPIKey(ctx context.Context, store auth.Store, rpm int64, logger zerolog.Logger) {
	apiKey := &auth.APIKey{
		TenantID:  TestTenantID,
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: rpm,
	}

	created, err := store.Upsert(ctx, apiKey)
	if err != nil {
		logger.Error().Err(err).Msg("seeder: failed to store test api key")
		return
	}
	logger.Info().
		Str("id", apiKey.ID).
		Str("key", TestAPIKey).
		Str("tenant_id", TestTenantID).
		Int64("rate_limit", rpm).
		Bool("created", created).
		Msg("seeder: test api key ready")
}
