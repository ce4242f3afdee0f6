package domain

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Role is the authorization tier embedded in issued access tokens.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// Status is the account lifecycle state.
type Status string

const (
	StatusPendingVerification Status = "pending_verification"
	StatusActive              Status = "active"
	StatusInactive            Status = "inactive"
	StatusSuspended           Status = "suspended"
)

// User represents the central identity entity of the system.
type User struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"-"` // Never expose the password hash in JSON
	FirstName           string     `json:"firstName,omitempty"`
	LastName            string     `json:"lastName,omitempty"`
	Role                Role       `json:"role"`
	Status              Status     `json:"status"`
	EmailVerified       bool       `json:"emailVerified"`
	MFAEnabled          bool       `json:"mfaEnabled"`
	MFASecret           string     `json:"-"` // TOTP secret key
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	DeviceFingerprints  []string   `json:"-"`
	LastLoginAt         *time.Time `json:"-"`
	LastLoginIP         string     `json:"-"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// IsLocked reports whether the lockout window is still open at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// CanAttemptLogin reports whether credentials may be checked for this account.
// Suspended and inactive accounts are refused; pending verification is allowed.
func (u *User) CanAttemptLogin(now time.Time) bool {
	if u.IsLocked(now) {
		return false
	}
	return u.Status == StatusActive || u.Status == StatusPendingVerification
}

// KnowsDevice reports whether fp was seen at a previous successful login.
func (u *User) KnowsDevice(fp string) bool {
	return slices.Contains(u.DeviceFingerprints, fp)
}

// Profile returns the public view of the user.
func (u *User) Profile() UserProfile {
	return UserProfile{
		ID:            u.ID,
		Email:         u.Email,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		Role:          u.Role,
		Status:        u.Status,
		EmailVerified: u.EmailVerified,
		MFAEnabled:    u.MFAEnabled,
	}
}

// NormalizeEmail trims and lower-cases an address so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// UserProfile is the user shape returned to clients.
type UserProfile struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	FirstName     string `json:"firstName,omitempty"`
	LastName      string `json:"lastName,omitempty"`
	Role          Role   `json:"role"`
	Status        Status `json:"status"`
	EmailVerified bool   `json:"emailVerified"`
	MFAEnabled    bool   `json:"mfaEnabled"`
}

// AuthResponse defines the payload returned after register, login and refresh.
type AuthResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	RequiresMFA  bool        `json:"requiresMfa"`
	OTPSent      bool        `json:"otpSent"`
	User         UserProfile `json:"user"`
	ExpiresIn    int64       `json:"expiresIn"`
}

// RefreshToken is a persisted, revocable, single-use refresh credential.
type RefreshToken struct {
	ID                string    `json:"id"`
	Token             string    `json:"-"`
	UserID            string    `json:"userId"`
	ExpiresAt         time.Time `json:"expiresAt"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
	IPAddress         string    `json:"ipAddress,omitempty"`
	UserAgent         string    `json:"userAgent,omitempty"`
	Revoked           bool      `json:"revoked"`
	CreatedAt         time.Time `json:"createdAt"`
}

// IsValid reports whether the token is neither revoked nor expired at now.
func (t *RefreshToken) IsValid(now time.Time) bool {
	return !t.Revoked && !now.After(t.ExpiresAt)
}

// UserRepository defines the contract for user data persistence.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)

	// IncrementFailedAttempts atomically bumps the counter and returns the new value.
	IncrementFailedAttempts(ctx context.Context, id string) (int, error)
	LockUntil(ctx context.Context, id string, until time.Time) error
	ResetFailedAttempts(ctx context.Context, id string) error

	RecordLogin(ctx context.Context, id string, at time.Time, ip string) error
	AddDeviceFingerprint(ctx context.Context, id, fingerprint string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	MarkEmailVerified(ctx context.Context, id string) error
	SetMFA(ctx context.Context, id string, enabled bool, secret string) error
}

// RefreshTokenRepository persists refresh token rows.
type RefreshTokenRepository interface {
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeRefreshToken flips revoked from false to true and reports whether
	// this call performed the flip.
	RevokeRefreshToken(ctx context.Context, token string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string) (int, error)
}

// EphemeralStore holds short-lived single-use values (verification, reset, OTP).
type EphemeralStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)
	// Take atomically reads and deletes key. Concurrent callers see at most one value.
	Take(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// AccessRevoker tracks out-of-band revocation of stateless access tokens.
type AccessRevoker interface {
	RevokeAccessTokens(ctx context.Context, userID string, at time.Time, ttl time.Duration) error
	IsAccessTokenRevoked(ctx context.Context, userID string, issuedAt time.Time) (bool, error)
}
