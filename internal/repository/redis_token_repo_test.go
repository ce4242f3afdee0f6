package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FilipeAphrody/auth-service/internal/domain"
)

type tokenStore interface {
	domain.EphemeralStore
	domain.AccessRevoker
}

func newRedisRepo(t *testing.T) (*RedisTokenRepo, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewRedisTokenRepo(rdb), mr
}

func TestTokenStoreContract(t *testing.T) {
	stores := map[string]func(t *testing.T) tokenStore{
		"redis": func(t *testing.T) tokenStore {
			r, _ := newRedisRepo(t)
			return r
		},
		"memory": func(t *testing.T) tokenStore {
			r := NewMemoryTokenRepo(time.Minute)
			t.Cleanup(r.Close)
			return r
		},
	}

	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			require.NoError(t, s.Set(ctx, "password_reset:abc", "u1", time.Hour))
			v, err := s.Get(ctx, "password_reset:abc")
			require.NoError(t, err)
			assert.Equal(t, "u1", v)

			var wg sync.WaitGroup
			var winners atomic.Int32
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if v, err := s.Take(ctx, "password_reset:abc"); err == nil {
						assert.Equal(t, "u1", v)
						winners.Add(1)
					} else {
						assert.ErrorIs(t, err, domain.ErrNotFound)
					}
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 1, winners.Load())

			_, err = s.Get(ctx, "password_reset:abc")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			require.NoError(t, s.Set(ctx, "k", "v", time.Hour))
			require.NoError(t, s.Delete(ctx, "k"))
			_, err = s.Get(ctx, "k")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			logout := time.Now()
			revoked, err := s.IsAccessTokenRevoked(ctx, "u1", logout.Add(-time.Minute))
			require.NoError(t, err)
			assert.False(t, revoked)

			require.NoError(t, s.RevokeAccessTokens(ctx, "u1", logout, 15*time.Minute))

			revoked, err = s.IsAccessTokenRevoked(ctx, "u1", logout.Add(-time.Minute))
			require.NoError(t, err)
			assert.True(t, revoked, "token issued before logout")

			revoked, err = s.IsAccessTokenRevoked(ctx, "u1", logout)
			require.NoError(t, err)
			assert.False(t, revoked, "token issued in the revocation millisecond")

			revoked, err = s.IsAccessTokenRevoked(ctx, "u1", logout.Add(time.Second))
			require.NoError(t, err)
			assert.False(t, revoked, "token issued after logout")

			revoked, err = s.IsAccessTokenRevoked(ctx, "u2", logout.Add(-time.Minute))
			require.NoError(t, err)
			assert.False(t, revoked, "other user")
		})
	}
}

func TestRedisTokenRepo_TTL(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisRepo(t)

	require.NoError(t, r.Set(ctx, "otp:u1", "123456", 5*time.Minute))
	assert.Equal(t, 5*time.Minute, mr.TTL("otp:u1"))

	mr.FastForward(5*time.Minute + time.Second)
	_, err := r.Get(ctx, "otp:u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, r.RevokeAccessTokens(ctx, "u1", time.Now(), 15*time.Minute))
	assert.Equal(t, 15*time.Minute, mr.TTL("blacklist:u1"))
}

func TestMemoryTokenRepo_Expiry(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryTokenRepo(time.Hour)
	defer r.Close()

	now := time.Now()
	r.now = func() time.Time { return now }

	require.NoError(t, r.Set(ctx, "email_verification:x", "u1", 24*time.Hour))
	now = now.Add(24*time.Hour - time.Second)
	_, err := r.Get(ctx, "email_verification:x")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = r.Take(ctx, "email_verification:x")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, r.Set(ctx, "a", "1", time.Minute))
	now = now.Add(2 * time.Minute)
	r.sweep()
	r.mu.Lock()
	assert.Empty(t, r.items)
	r.mu.Unlock()
}
