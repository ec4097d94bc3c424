// Package session issues and validates the short-lived tokens that bind a
// request to a tenant. Tokens are HS256 JWTs; the durable session row is
// keyed by the token's SHA-256 hash and Redis holds a cache-aside copy so
// the hot validate path usually skips Postgres.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/store"
)

const cachePrefix = "session:"

// Manager issues, validates, and expires sessions.
type Manager struct {
	store  store.SessionStore
	cache  *redis.Client // nil disables the cache
	secret []byte
	ttl    time.Duration
	log    *zap.Logger
}

// NewManager constructs a Manager. cache may be nil.
func NewManager(st store.SessionStore, cache *redis.Client, secret []byte, ttl time.Duration, log *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{store: st, cache: cache, secret: secret, ttl: ttl, log: log}
}

// HashToken returns the storage key for a raw token. The raw token is never
// persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Init creates a session for the tenant and returns the signed token.
func (m *Manager) Init(ctx context.Context, tenant model.TenantID, clientFingerprint string) (string, time.Time, error) {
	now := time.Now().UTC()
	expires := now.Add(m.ttl)
	claims := jwtlib.MapClaims{
		"sub": string(tenant),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": expires.Unix(),
		"jti": uuid.NewString(),
	}
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	sess := &model.Session{
		TokenHash:         HashToken(signed),
		TenantID:          tenant,
		ClientFingerprint: clientFingerprint,
		IssuedAt:          now,
		LastAccessed:      now,
		ExpiresAt:         expires,
		Active:            true,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return "", time.Time{}, fmt.Errorf("create session: %w", err)
	}
	m.cacheSet(ctx, sess)
	return signed, expires, nil
}

// Validate checks the token signature and the session row and returns the
// bound tenant. Every failure mode maps to ErrAuth; callers learn nothing
// about which check failed.
func (m *Manager) Validate(ctx context.Context, token string) (model.TenantID, error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (any, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", model.ErrAuth
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", model.ErrAuth
	}

	hash := HashToken(token)
	now := time.Now().UTC()
	if tenant, ok := m.cacheGet(ctx, hash); ok {
		if tenant != model.TenantID(sub) {
			return "", model.ErrAuth
		}
		return tenant, nil
	}

	sess, err := m.store.GetSession(ctx, hash)
	if err != nil {
		return "", model.ErrAuth
	}
	if !sess.Active || sess.ExpiresAt.Before(now) || sess.TenantID != model.TenantID(sub) {
		return "", model.ErrAuth
	}
	if err := m.store.TouchSession(ctx, hash, now); err != nil {
		m.log.Warn("touch session", zap.Error(err))
	}
	sess.LastAccessed = now
	m.cacheSet(ctx, sess)
	return sess.TenantID, nil
}

// Invalidate marks the session inactive and drops it from the cache.
func (m *Manager) Invalidate(ctx context.Context, token string) error {
	hash := HashToken(token)
	m.cacheDel(ctx, hash)
	return m.store.InvalidateSession(ctx, hash)
}

// InvalidateAll deactivates every live session of one tenant and evicts each
// from the cache, so a revoked token fails on its very next use instead of
// riding out the cached copy.
func (m *Manager) InvalidateAll(ctx context.Context, tenant model.TenantID) (int, error) {
	hashes, err := m.store.InvalidateTenantSessions(ctx, tenant)
	if err != nil {
		return 0, err
	}
	for _, hash := range hashes {
		m.cacheDel(ctx, hash)
	}
	return len(hashes), nil
}

// PurgeExpired removes expired and inactive rows. Run periodically from the
// worker, decoupled from request handling.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	return m.store.PurgeExpiredSessions(ctx, time.Now().UTC())
}

func (m *Manager) cacheSet(ctx context.Context, sess *model.Session) {
	if m.cache == nil {
		return
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := m.cache.Set(ctx, cachePrefix+sess.TokenHash, string(sess.TenantID), ttl).Err(); err != nil {
		m.log.Warn("cache session", zap.Error(err))
	}
}

func (m *Manager) cacheGet(ctx context.Context, hash string) (model.TenantID, bool) {
	if m.cache == nil {
		return "", false
	}
	val, err := m.cache.Get(ctx, cachePrefix+hash).Result()
	if err != nil {
		return "", false
	}
	return model.TenantID(val), true
}

func (m *Manager) cacheDel(ctx context.Context, hash string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Del(ctx, cachePrefix+hash).Err(); err != nil {
		m.log.Warn("evict session", zap.Error(err))
	}
}
