package tenancy

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrKeyNotFound = errors.New("tenancy: api key not found or inactive")

// Store persists tenants and api keys in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InitSchema creates the tenant/api-key tables if they do not already exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS api_keys (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
  hash TEXT UNIQUE NOT NULL,
  active BOOLEAN NOT NULL DEFAULT true,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_used_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS api_keys_tenant_id_idx ON api_keys (tenant_id);
`)
	return err
}

// CreateTenant inserts a new tenant row.
func (s *Store) CreateTenant(ctx context.Context, name string) (Tenant, error) {
	t := Tenant{ID: uuid.New().String(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx, `INSERT INTO tenants(id, name, created_at) VALUES ($1,$2,$3)`, t.ID, t.Name, t.CreatedAt)
	if err != nil {
		return Tenant{}, fmt.Errorf("create tenant: %w", err)
	}
	return t, nil
}

// IssueKey mints a new opaque secret for tenantID, persists only its hash,
// and returns the plaintext secret once.
func (s *Store) IssueKey(ctx context.Context, tenantID string) (plaintext string, key ApiKey, err error) {
	secret, err := randomSecret(32)
	if err != nil {
		return "", ApiKey{}, err
	}
	key = ApiKey{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Hash:      hashSecret(secret),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO api_keys(id, tenant_id, hash, active, created_at) VALUES ($1,$2,$3,$4,$5)
`, key.ID, key.TenantID, key.Hash, key.Active, key.CreatedAt)
	if err != nil {
		return "", ApiKey{}, fmt.Errorf("issue api key: %w", err)
	}
	return secret, key, nil
}

// Verify resolves an opaque bearer secret to its owning tenant. Only active
// keys validate. The caller is responsible for best-effort-updating
// last_used_at via TouchKey; Verify itself does not write.
func (s *Store) Verify(ctx context.Context, secret string) (ApiKey, error) {
	hash := hashSecret(secret)
	var key ApiKey
	var lastUsed *time.Time
	err := s.pool.QueryRow(ctx, `
SELECT id, tenant_id, hash, active, created_at, last_used_at
FROM api_keys WHERE hash=$1 AND active=true
`, hash).Scan(&key.ID, &key.TenantID, &key.Hash, &key.Active, &key.CreatedAt, &lastUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ApiKey{}, ErrKeyNotFound
	}
	if err != nil {
		return ApiKey{}, fmt.Errorf("verify api key: %w", err)
	}
	key.LastUsedAt = lastUsed
	return key, nil
}

// TouchKey best-effort records key usage. Callers should not let a failure
// here affect request handling.
func (s *Store) TouchKey(ctx context.Context, keyID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at=now() WHERE id=$1`, keyID)
	return err
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sk-" + base64.RawURLEncoding.EncodeToString(b), nil
}
