package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore holds keys by raw value and answers lookups by hash.
type mockStore struct {
	keys  map[string]*APIKey
	err   error
	calls int
}

func (m *mockStore) GetByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	for raw, k := range m.keys {
		if HashKey(raw) == keyHash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (m *mockStore) Upsert(ctx context.Context, k *APIKey) (bool, error) { return true, nil }
func (m *mockStore) EnsureSchema(ctx context.Context) error              { return nil }

func setupMiddleware(t *testing.T, store Store) (Middleware, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewMiddleware(store, rdb, zerolog.Nop()), mr
}

func tenantEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(GetTenantID(r.Context())))
	})
}

func TestMiddleware_MissingHeader(t *testing.T) {
	mw, _ := setupMiddleware(t, &mockStore{})
	w := httptest.NewRecorder()
	mw(tenantEcho()).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/upscale", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMiddleware_InvalidKey(t *testing.T) {
	mw, _ := setupMiddleware(t, &mockStore{})
	req := httptest.NewRequest(http.MethodPost, "/v1/upscale", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w := httptest.NewRecorder()
	mw(tenantEcho()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid API key")
}

func TestMiddleware_StoreFailure(t *testing.T) {
	mw, _ := setupMiddleware(t, &mockStore{err: errors.New("db down")})
	req := httptest.NewRequest(http.MethodPost, "/v1/upscale", nil)
	req.Header.Set("Authorization", "Bearer k")
	w := httptest.NewRecorder()
	mw(tenantEcho()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}

func TestMiddleware_CachesKey(t *testing.T) {
	store := &mockStore{keys: map[string]*APIKey{
		"good": {ID: "key-1", TenantID: "tenant-1", RateLimit: 30, Active: true},
	}}
	mw, mr := setupMiddleware(t, store)
	h := mw(tenantEcho())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/upscale", nil)
		req.Header.Set("Authorization", "Bearer good")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "tenant-1", w.Body.String())
	}

	assert.Equal(t, 1, store.calls, "later requests should be served from redis")
	assert.True(t, mr.Exists("auth:"+HashKey("good")))
	assert.Equal(t, cacheTTL, mr.TTL("auth:"+HashKey("good")))
}

func TestMiddleware_NilCache(t *testing.T) {
	store := &mockStore{keys: map[string]*APIKey{"good": {TenantID: "t"}}}
	h := NewMiddleware(store, nil, zerolog.Nop())(tenantEcho())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t", w.Body.String())
}

func TestContextHelpers(t *testing.T) {
	ctx := WithTenantID(context.Background(), "t")
	ctx = WithAPIKeyID(ctx, "k")
	ctx = WithRequestID(ctx, "r")
	assert.Equal(t, "t", GetTenantID(ctx))
	assert.Equal(t, "k", GetAPIKeyID(ctx))
	assert.Equal(t, "r", GetRequestID(ctx))
	assert.Zero(t, GetRateLimit(ctx))
}

// fakeRow/fakeDB stand in for pgxpool in store tests.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int64:
			*p = r.values[i].(int64)
		case *bool:
			*p = r.values[i].(bool)
		case *time.Time:
			*p = r.values[i].(time.Time)
		}
	}
	return nil
}

type fakeDB struct {
	row     fakeRow
	execErr error
	lastSQL string
	args    []any
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL, f.args = sql, args
	return f.row
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.args = sql, args
	return pgconn.NewCommandTag("CREATE TABLE"), f.execErr
}

func TestPostgresStore_GetByHash(t *testing.T) {
	now := time.Now()
	db := &fakeDB{row: fakeRow{values: []any{"id-1", "tenant-1", HashKey("raw"), int64(60), true, now}}}
	store := NewPostgresStore(db)

	k, err := store.GetByHash(context.Background(), HashKey("raw"))
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", k.TenantID)
	assert.Equal(t, int64(60), k.RateLimit)
	assert.Equal(t, []any{HashKey("raw")}, db.args)
}

func TestPostgresStore_NotFound(t *testing.T) {
	store := NewPostgresStore(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}})
	_, err := store.GetByHash(context.Background(), HashKey("raw"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPostgresStore_Upsert(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		inserted bool
	}{
		{"new key", true},
		{"existing key refreshed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{row: fakeRow{values: []any{"id-9", now, tt.inserted}}}
			k := &APIKey{TenantID: "tenant-1", KeyHash: HashKey("raw"), RateLimit: 90}

			created, err := NewPostgresStore(db).Upsert(context.Background(), k)
			require.NoError(t, err)
			assert.Equal(t, tt.inserted, created)
			assert.Equal(t, "id-9", k.ID)
			assert.Equal(t, now, k.CreatedAt)
			assert.True(t, k.Active)
			assert.Contains(t, db.lastSQL, "ON CONFLICT (key_hash)")
			assert.Equal(t, []any{"tenant-1", HashKey("raw"), int64(90)}, db.args)
		})
	}
}

func TestPostgresStore_UpsertValidates(t *testing.T) {
	db := &fakeDB{}
	_, err := NewPostgresStore(db).Upsert(context.Background(), &APIKey{TenantID: "t"})
	assert.Error(t, err)
	assert.Empty(t, db.lastSQL, "invalid keys must not reach the database")
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, NewPostgresStore(db).EnsureSchema(context.Background()))
	assert.Contains(t, db.lastSQL, "CREATE TABLE IF NOT EXISTS enhance_api_keys")
	assert.Contains(t, db.lastSQL, "key_hash   TEXT NOT NULL UNIQUE")

	db = &fakeDB{execErr: errors.New("permission denied")}
	err := NewPostgresStore(db).EnsureSchema(context.Background())
	assert.ErrorContains(t, err, "permission denied")
}
