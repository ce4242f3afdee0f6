package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/FilipeAphrody/auth-service/internal/domain"
)

const blacklistPrefix = "blacklist:"

// RedisTokenRepo implements domain.EphemeralStore and domain.AccessRevoker using Redis.
type RedisTokenRepo struct {
	client redis.UniversalClient
}

// NewRedisTokenRepo creates a new repository instance.
func NewRedisTokenRepo(client redis.UniversalClient) *RedisTokenRepo {
	return &RedisTokenRepo{client: client}
}

// Set saves value under key with a specific Time-To-Live (TTL).
func (r *RedisTokenRepo) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token in redis: %w", err)
	}
	return nil
}

func (r *RedisTokenRepo) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("redis error: %w", err)
	}
	return value, nil
}

// Take reads and removes key with GETDEL, so a token can be redeemed once.
func (r *RedisTokenRepo) Take(ctx context.Context, key string) (string, error) {
	value, err := r.client.GetDel(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("redis error: %w", err)
	}
	return value, nil
}

func (r *RedisTokenRepo) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

// RevokeAccessTokens stores a per-user watermark: every access token issued
// before at, at millisecond resolution, is rejected until ttl elapses. Tokens
// minted in the same millisecond as the revocation stay valid.
func (r *RedisTokenRepo) RevokeAccessTokens(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	key := blacklistPrefix + userID
	if err := r.client.Set(ctx, key, strconv.FormatInt(at.UnixMilli(), 10), ttl).Err(); err != nil {
		return fmt.Errorf("failed to store revocation in redis: %w", err)
	}
	return nil
}

func (r *RedisTokenRepo) IsAccessTokenRevoked(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	watermark, err := r.client.Get(ctx, blacklistPrefix+userID).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis error: %w", err)
	}
	return issuedAt.UnixMilli() < watermark, nil
}

// Ping reports cache reachability for health checks.
func (r *RedisTokenRepo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
