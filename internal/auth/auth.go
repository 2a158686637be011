package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrKeyNotFound = errors.New("api key not found")

// APIKey identifies a tenant allowed to submit enhancement jobs.
type APIKey struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	KeyHash   string    `json:"key_hash"`
	RateLimit int64     `json:"rate_limit"` // max job submissions per minute
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

// Store keeps tenant keys by hash only. Raw keys never reach it.
type Store interface {
	GetByHash(ctx context.Context, keyHash string) (*APIKey, error)
	Upsert(ctx context.Context, k *APIKey) (created bool, err error)
	EnsureSchema(ctx context.Context) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	tenantIDKey  contextKey = "tenant_id"
	apiKeyIDKey  contextKey = "api_key_id"
	requestIDKey contextKey = "request_id"
	rateLimitKey contextKey = "rate_limit"
)

const cacheTTL = 5 * time.Minute

// HashKey is the stored and cached form of a raw API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewMiddleware authenticates "Authorization: Bearer <key>" against store.
// cache may be nil, in which case every request hits the store.
func NewMiddleware(store Store, cache *redis.Client, logger zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := chimiddleware.GetReqID(ctx)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
				return
			}
			keyHash := HashKey(strings.TrimPrefix(authHeader, "Bearer "))
			redisKey := fmt.Sprintf("auth:%s", keyHash)

			if cache != nil {
				var apiKey APIKey
				err := cache.Get(ctx, redisKey).Scan(&apiKey)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(withKey(ctx, &apiKey)))
					return
				} else if !errors.Is(err, redis.Nil) {
					logger.Warn().Err(err).Msg("auth: redis lookup failed")
				}
			}

			apiK, err := store.GetByHash(ctx, keyHash)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					writeError(w, http.StatusUnauthorized, "invalid API key")
					return
				}
				logger.Error().Err(err).Msg("auth: store lookup failed")
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			if cache != nil {
				_ = cache.Set(ctx, redisKey, apiK, cacheTTL).Err()
			}
			next.ServeHTTP(w, r.WithContext(withKey(ctx, apiK)))
		})
	}
}

func withKey(ctx context.Context, k *APIKey) context.Context {
	ctx = context.WithValue(ctx, tenantIDKey, k.TenantID)
	ctx = context.WithValue(ctx, apiKeyIDKey, k.ID)
	return context.WithValue(ctx, rateLimitKey, k.RateLimit)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Helpers to extract from context
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return chimiddleware.GetReqID(ctx)
}

// GetRateLimit returns the tenant's per-minute submission limit, 0 if unset.
func GetRateLimit(ctx context.Context) int64 {
	if n, ok := ctx.Value(rateLimitKey).(int64); ok {
		return n
	}
	return 0
}

// Helpers for testing
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithAPIKeyID(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, apiKeyID)
}
