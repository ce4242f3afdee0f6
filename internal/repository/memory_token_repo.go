package repository

import (
	"context"
	"sync"
	"time"

	"github.com/FilipeAphrody/auth-service/internal/domain"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryTokenRepo is an in-process domain.EphemeralStore and domain.AccessRevoker.
// Expired entries are dropped lazily on access and by a periodic sweep.
type MemoryTokenRepo struct {
	mu       sync.Mutex
	items    map[string]memoryEntry
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryTokenRepo starts a sweeper running every gcInterval (default 1m).
func NewMemoryTokenRepo(gcInterval time.Duration) *MemoryTokenRepo {
	if gcInterval <= 0 {
		gcInterval = time.Minute
	}
	r := &MemoryTokenRepo{
		items: make(map[string]memoryEntry),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go r.gcLoop(gcInterval)
	return r
}

func (r *MemoryTokenRepo) gcLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *MemoryTokenRepo) sweep() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.items {
		if !now.Before(e.expiresAt) {
			delete(r.items, k)
		}
	}
}

// Close stops the sweeper.
func (r *MemoryTokenRepo) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *MemoryTokenRepo) Set(_ context.Context, key, value string, ttl time.Duration) error {
	r.mu.Lock()
	r.items[key] = memoryEntry{value: value, expiresAt: r.now().Add(ttl)}
	r.mu.Unlock()
	return nil
}

// lookup must be called with r.mu held.
func (r *MemoryTokenRepo) lookup(key string) (string, bool) {
	e, ok := r.items[key]
	if !ok {
		return "", false
	}
	if !r.now().Before(e.expiresAt) {
		delete(r.items, key)
		return "", false
	}
	return e.value, true
}

func (r *MemoryTokenRepo) Get(_ context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.lookup(key)
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (r *MemoryTokenRepo) Take(_ context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.lookup(key)
	if !ok {
		return "", domain.ErrNotFound
	}
	delete(r.items, key)
	return v, nil
}

func (r *MemoryTokenRepo) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	delete(r.items, key)
	r.mu.Unlock()
	return nil
}

func (r *MemoryTokenRepo) RevokeAccessTokens(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	r.mu.Lock()
	r.items[blacklistPrefix+userID] = memoryEntry{
		value:     at.Format(time.RFC3339Nano),
		expiresAt: r.now().Add(ttl),
	}
	r.mu.Unlock()
	return nil
}

func (r *MemoryTokenRepo) IsAccessTokenRevoked(_ context.Context, userID string, issuedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.lookup(blacklistPrefix + userID)
	if !ok {
		return false, nil
	}
	watermark, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return false, err
	}
	return issuedAt.UnixMilli() < watermark.UnixMilli(), nil
}

func (r *MemoryTokenRepo) Ping(context.Context) error { return nil }
