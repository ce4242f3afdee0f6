package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/FilipeAphrody/auth-service/internal/domain"
)

// MemoryUserRepo is an in-process credential store implementing both
// domain.UserRepository and domain.RefreshTokenRepository. Rows are copied on
// the way in and out so callers never share state with the store.
type MemoryUserRepo struct {
	mu      sync.RWMutex
	users   map[string]*domain.User
	byEmail map[string]string
	tokens  map[string]*domain.RefreshToken
}

func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{
		users:   make(map[string]*domain.User),
		byEmail: make(map[string]string),
		tokens:  make(map[string]*domain.RefreshToken),
	}
}

func cloneUser(u *domain.User) *domain.User {
	c := *u
	c.DeviceFingerprints = slices.Clone(u.DeviceFingerprints)
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		c.LockedUntil = &t
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

func (r *MemoryUserRepo) Create(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byEmail[user.Email]; exists {
		return domain.ErrDuplicateEmail
	}
	r.users[user.ID] = cloneUser(user)
	r.byEmail[user.Email] = user.ID
	return nil
}

func (r *MemoryUserRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[email]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneUser(r.users[id]), nil
}

func (r *MemoryUserRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneUser(u), nil
}

// update applies fn to the stored row under the write lock.
func (r *MemoryUserRepo) update(id string, fn func(u *domain.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryUserRepo) IncrementFailedAttempts(_ context.Context, id string) (int, error) {
	var n int
	err := r.update(id, func(u *domain.User) {
		u.FailedLoginAttempts++
		n = u.FailedLoginAttempts
	})
	return n, err
}

func (r *MemoryUserRepo) LockUntil(_ context.Context, id string, until time.Time) error {
	return r.update(id, func(u *domain.User) { u.LockedUntil = &until })
}

func (r *MemoryUserRepo) ResetFailedAttempts(_ context.Context, id string) error {
	return r.update(id, func(u *domain.User) {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
	})
}

func (r *MemoryUserRepo) RecordLogin(_ context.Context, id string, at time.Time, ip string) error {
	return r.update(id, func(u *domain.User) {
		u.LastLoginAt = &at
		u.LastLoginIP = ip
	})
}

func (r *MemoryUserRepo) AddDeviceFingerprint(_ context.Context, id, fingerprint string) error {
	return r.update(id, func(u *domain.User) {
		if !slices.Contains(u.DeviceFingerprints, fingerprint) {
			u.DeviceFingerprints = append(u.DeviceFingerprints, fingerprint)
		}
	})
}

func (r *MemoryUserRepo) UpdatePassword(_ context.Context, id, passwordHash string) error {
	return r.update(id, func(u *domain.User) { u.PasswordHash = passwordHash })
}

func (r *MemoryUserRepo) MarkEmailVerified(_ context.Context, id string) error {
	return r.update(id, func(u *domain.User) {
		u.EmailVerified = true
		u.Status = domain.StatusActive
	})
}

func (r *MemoryUserRepo) SetMFA(_ context.Context, id string, enabled bool, secret string) error {
	return r.update(id, func(u *domain.User) {
		u.MFAEnabled = enabled
		u.MFASecret = secret
	})
}

// SetStatus is used by administrative tooling and tests.
func (r *MemoryUserRepo) SetStatus(_ context.Context, id string, status domain.Status) error {
	return r.update(id, func(u *domain.User) { u.Status = status })
}

func (r *MemoryUserRepo) CreateRefreshToken(_ context.Context, t *domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[t.UserID]; !ok {
		return domain.ErrNotFound
	}
	c := *t
	r.tokens[t.Token] = &c
	return nil
}

func (r *MemoryUserRepo) GetRefreshToken(_ context.Context, token string) (*domain.RefreshToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (r *MemoryUserRepo) RevokeRefreshToken(_ context.Context, token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token]
	if !ok || t.Revoked {
		return false, nil
	}
	t.Revoked = true
	return true, nil
}

func (r *MemoryUserRepo) RevokeAllForUser(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tokens {
		if t.UserID == userID && !t.Revoked {
			t.Revoked = true
			n++
		}
	}
	return n, nil
}

func (r *MemoryUserRepo) Ping(context.Context) error { return nil }

// MemoryLedger is an in-process domain.SecurityLedger.
type MemoryLedger struct {
	mu     sync.RWMutex
	events []domain.SecurityEvent
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Append(_ context.Context, e *domain.SecurityEvent) error {
	l.mu.Lock()
	l.events = append(l.events, *e)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) ListByUser(_ context.Context, userID string, limit int) ([]domain.SecurityEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []domain.SecurityEvent{}
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].UserID == userID {
			out = append(out, l.events[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) CountByIP(_ context.Context, eventType domain.EventType, ip string, since time.Time) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.events {
		if e.Type == eventType && e.IPAddress == ip && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// All returns a snapshot of every event in append order.
func (l *MemoryLedger) All() []domain.SecurityEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.events)
}
