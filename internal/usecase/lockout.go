package usecase

import (
	"time"

	"github.com/FilipeAphrody/auth-service/internal/domain"
)

// LockState is the position of an account in the lockout state machine.
type LockState int

const (
	// Unlocked accounts may attempt login; the failure counter may be non-zero.
	Unlocked LockState = iota
	// Locked accounts are refused until LockedUntil passes.
	Locked
	// LockExpired accounts have a stale lock that must be cleared back to Unlocked(0).
	LockExpired
)

// LockoutPolicy counts consecutive failures per account and locks the account
// once the threshold is reached. Expiry is evaluated lazily, never by a sweep.
type LockoutPolicy struct {
	MaxFailedAttempts int
	Duration          time.Duration
}

// State reports where u sits in the state machine at now.
func (p LockoutPolicy) State(u *domain.User, now time.Time) LockState {
	switch {
	case u.IsLocked(now):
		return Locked
	case u.LockedUntil != nil:
		return LockExpired
	default:
		return Unlocked
	}
}

// ShouldLock reports whether a post-increment failure count trips the lock.
func (p LockoutPolicy) ShouldLock(failures int) bool {
	return failures >= p.MaxFailedAttempts
}

// LockedUntil returns the end of a lock starting at now.
func (p LockoutPolicy) LockedUntil(now time.Time) time.Time {
	return now.Add(p.Duration)
}
