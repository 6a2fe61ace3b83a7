// Package auth resolves API keys to user identities. Keys live either in
// the app store (api_keys table, SHA-256 hashed) or, as a fallback for
// deployments without persistence, in the API_KEY setting, which maps to
// the default user.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/config"
)

// DefaultUserID is the identity behind the configured fallback key.
const DefaultUserID = "default"

// Service validates and mints API keys.
type Service struct {
	db     *sqlx.DB // optional; nil means env-key only
	cfg    config.AuthConfig
	logger *zap.Logger
}

// NewService builds the key service. db may be nil when the deployment
// has no app store; only the configured fallback key works then.
func NewService(db *sqlx.DB, cfg config.AuthConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, cfg: cfg, logger: logger}
}

// ValidateAPIKey resolves a presented key to a user. Stored keys are
// checked first; the configured fallback key matches when no row does.
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) (*UserContext, error) {
	if len(apiKey) < 8 {
		return nil, apperr.New(apperr.Authentication, "invalid API key format")
	}

	if s.db != nil {
		if userCtx, err := s.lookupStoredKey(ctx, apiKey); err != nil {
			return nil, err
		} else if userCtx != nil {
			return userCtx, nil
		}
	}

	if s.cfg.APIKey != "" &&
		subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.cfg.APIKey)) == 1 {
		return &UserContext{UserID: DefaultUserID, Name: "default", IsAPIKey: true}, nil
	}

	return nil, apperr.New(apperr.Authentication, "invalid API key")
}

// lookupStoredKey returns the matching key's user context, or nil when no
// row matches. Only query errors are returned as errors.
func (s *Service) lookupStoredKey(ctx context.Context, apiKey string) (*UserContext, error) {
	keyPrefix := apiKey[:8]
	keyHash := hashKey(apiKey)

	var keys []APIKey
	err := s.db.SelectContext(ctx, &keys, `
        SELECT id, key_hash, key_prefix, user_id, name, is_active, last_used, created_at
        FROM api_keys
        WHERE key_prefix = $1 AND is_active = true
    `, keyPrefix)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to query API keys")
	}

	var key *APIKey
	for i := range keys {
		if compareHash(keys[i].KeyHash, keyHash) {
			key = &keys[i]
			break
		}
	}
	if key == nil {
		return nil, nil
	}

	// Update last used off the request path.
	go func() {
		_, err := s.db.Exec("UPDATE api_keys SET last_used = NOW() WHERE id = $1", key.ID)
		if err != nil {
			s.logger.Warn("failed to update API key last used", zap.Error(err))
		}
	}()

	return &UserContext{
		UserID:   key.UserID,
		Name:     key.Name,
		IsAPIKey: true,
		APIKeyID: key.ID,
	}, nil
}

// CreateAPIKey mints a key for a user and stores its hash. The plaintext
// key is only available in the return value.
func (s *Service) CreateAPIKey(ctx context.Context, userID, name string) (string, *APIKey, error) {
	if s.db == nil {
		return "", nil, apperr.New(apperr.Configuration, "API key storage requires DATABASE_URL")
	}
	if userID == "" {
		return "", nil, apperr.New(apperr.Validation, "user_id must not be empty")
	}

	plaintext, hash, prefix, err := generateAPIKey()
	if err != nil {
		return "", nil, err
	}

	key := &APIKey{
		ID:        uuid.New().String(),
		KeyHash:   hash,
		KeyPrefix: prefix,
		UserID:    userID,
		Name:      name,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO api_keys (id, key_hash, key_prefix, user_id, name, is_active, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, key.ID, key.KeyHash, key.KeyPrefix, key.UserID, key.Name, key.IsActive, key.CreatedAt)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.Internal, err, "failed to store API key")
	}

	s.logger.Info("API key created",
		zap.String("user_id", userID),
		zap.String("key_prefix", prefix),
		zap.String("name", name))
	return plaintext, key, nil
}

func generateAPIKey() (key, hash, prefix string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", apperr.Wrap(apperr.Internal, err, "failed to generate random bytes")
	}
	key = "ik_" + hex.EncodeToString(b)
	hash = hashKey(key)
	prefix = key[:8]
	return key, hash, prefix, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func compareHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
