package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"tutorgo/internal/redis"
)

const redisTokenPrefix = "auth:token:"

// Service issues, validates, and revokes user authentication tokens. User
// ids are the string identifiers minted by the auth provider. Tokens live
// in the user_tokens table; a redis cache fronts lookups when available.
type Service struct {
	db       *sql.DB
	cache    *redis.Client
	tokenTTL time.Duration
}

// NewService constructs an auth service with the supplied token lifetime.
// cache may be nil, in which case every validation hits the database.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:       db,
		cache:    cache,
		tokenTTL: ttl,
	}
}

// IssueToken mints a new random token for the user and persists it.
func (s *Service) IssueToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("invalid user id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, userID, now, expiresAt,
		)
		if err == nil {
			if s.cache != nil {
				_ = s.cache.Set(ctx, redisTokenPrefix+token, userID, s.tokenTTL)
			}
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

// ValidateToken verifies the token exists and has not expired, returning
// the user id.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (string, error) {
	if authToken == "" {
		return "", errors.New("token required")
	}
	if s.cache != nil {
		if userID, err := s.cache.Get(ctx, redisTokenPrefix+authToken); err == nil && userID != "" {
			return userID, nil
		}
	}
	var userID string
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM user_tokens WHERE token = ?`, authToken,
	).Scan(&userID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errors.New("invalid token")
		}
		return "", fmt.Errorf("lookup token: %w", err)
	}
	if time.Now().UTC().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken)
		return "", errors.New("token expired")
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, redisTokenPrefix+authToken, userID, time.Until(expires))
	}
	return userID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, redisTokenPrefix+authToken)
	}
	return nil
}

// RevokeUserTokens removes all tokens belonging to the user.
func (s *Service) RevokeUserTokens(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM user_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("list user tokens: %w", err)
	}
	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			rows.Close()
			return fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tokens: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	if s.cache != nil {
		keys := make([]string, 0, len(tokens))
		for _, token := range tokens {
			keys = append(keys, redisTokenPrefix+token)
		}
		_ = s.cache.Del(ctx, keys...)
	}
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
