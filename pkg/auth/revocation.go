package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	revokedTokenPrefix = "auth:revoked:"
	revokedUserPrefix  = "auth:revoked:user:"
)

// Revocations tracks revoked tokens in Redis
type Revocations struct {
	redis *redis.Client
}

// NewRevocations creates a revocation store
func NewRevocations(client *redis.Client) *Revocations {
	return &Revocations{redis: client}
}

// Revoke blocks one token until it would have expired anyway
func (r *Revocations) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return r.redis.Set(ctx, revokedTokenPrefix+hashToken(token), "1", ttl).Err()
}

// RevokeUser blocks every token of the user issued before now
func (r *Revocations) RevokeUser(ctx context.Context, userID uuid.UUID, ttl time.Duration) error {
	return r.redis.Set(ctx, revokedUserPrefix+userID.String(), time.Now().Unix(), ttl).Err()
}

// IsRevoked reports whether the token or all of its user's tokens were revoked
func (r *Revocations) IsRevoked(ctx context.Context, token string, claims *Claims) (bool, error) {
	n, err := r.redis.Exists(ctx, revokedTokenPrefix+hashToken(token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	cutoff, err := r.redis.Get(ctx, revokedUserPrefix+claims.UserID.String()).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check user revocation: %w", err)
	}
	if claims.IssuedAt == nil {
		return true, nil
	}
	return claims.IssuedAt.Unix() < cutoff, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
