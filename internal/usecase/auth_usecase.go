package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/FilipeAphrody/auth-service/internal/domain"
	"github.com/FilipeAphrody/auth-service/internal/events"
	"github.com/FilipeAphrody/auth-service/pkg/security"
)

const (
	msgInvalidCredentials  = "Invalid credentials"
	msgAccountLocked       = "Account is temporarily locked due to too many failed attempts"
	msgAccountInactive     = "Account is not active"
	msgInvalidRefreshToken = "Invalid refresh token"
	msgAccountInaccessible = "User account is not accessible"
)

// Cache key namespaces.
const (
	keyEmailVerification = "email_verification:"
	keyPasswordReset     = "password_reset:"
	keyOTP               = "otp:"
	keyMFASetup          = "mfa_setup:"
)

// Config holds the fixed lifetimes and thresholds of the engine.
type Config struct {
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	PasswordResetTTL  time.Duration
	VerificationTTL   time.Duration
	OTPTTL            time.Duration
	MFASetupTTL       time.Duration
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	// SuspiciousInterval is the gap under which a login from a new IP is flagged.
	SuspiciousInterval time.Duration
	TOTPIssuer         string
}

// DefaultConfig returns the production lifetimes.
func DefaultConfig() Config {
	return Config{
		AccessTTL:          15 * time.Minute,
		RefreshTTL:         7 * 24 * time.Hour,
		PasswordResetTTL:   time.Hour,
		VerificationTTL:    24 * time.Hour,
		OTPTTL:             5 * time.Minute,
		MFASetupTTL:        10 * time.Minute,
		MaxFailedAttempts:  10,
		LockoutDuration:    30 * time.Minute,
		SuspiciousInterval: time.Minute,
		TOTPIssuer:         "AuthService",
	}
}

// PasswordHasher is a one-way salted hash.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(password, encodedHash string) (bool, error)
}

// AccessTokenIssuer signs and validates stateless access tokens.
type AccessTokenIssuer interface {
	GenerateAccessToken(sub security.TokenSubject) (string, error)
	ValidateToken(token string) (*security.Claims, error)
}

// Deps are the collaborators injected at startup.
type Deps struct {
	Users     domain.UserRepository
	Tokens    domain.RefreshTokenRepository
	Cache     domain.EphemeralStore
	Revoker   domain.AccessRevoker
	Ledger    domain.SecurityLedger
	Publisher events.Publisher
	Hasher    PasswordHasher
	Issuer    AccessTokenIssuer
	Logger    *slog.Logger
	Now       func() time.Time
}

// AuthUsecase orchestrates registration, login, session and recovery flows.
type AuthUsecase struct {
	users     domain.UserRepository
	tokens    domain.RefreshTokenRepository
	cache     domain.EphemeralStore
	revoker   domain.AccessRevoker
	ledger    domain.SecurityLedger
	publisher events.Publisher
	hasher    PasswordHasher
	issuer    AccessTokenIssuer
	logger    *slog.Logger
	clock     func() time.Time

	cfg     Config
	lockout LockoutPolicy
	anomaly AnomalyDetector
}

func NewAuthUsecase(d Deps, cfg Config) *AuthUsecase {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &AuthUsecase{
		users:     d.Users,
		tokens:    d.Tokens,
		cache:     d.Cache,
		revoker:   d.Revoker,
		ledger:    d.Ledger,
		publisher: d.Publisher,
		hasher:    d.Hasher,
		issuer:    d.Issuer,
		logger:    d.Logger.With("component", "auth"),
		clock:     d.Now,
		cfg:       cfg,
		lockout:   LockoutPolicy{MaxFailedAttempts: cfg.MaxFailedAttempts, Duration: cfg.LockoutDuration},
		anomaly:   AnomalyDetector{MinInterval: cfg.SuspiciousInterval},
	}
}

func (u *AuthUsecase) now() time.Time {
	return u.clock().UTC()
}

// RegisterInput carries the registration form.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Register creates a pending account, issues an email verification token and
// signs the user in immediately.
func (u *AuthUsecase) Register(ctx context.Context, in RegisterInput, meta domain.RequestMeta) (*domain.AuthResponse, error) {
	const op = "register"
	email := domain.NormalizeEmail(in.Email)
	if email == "" {
		return nil, domain.BadRequest(op, "Email is required")
	}

	if _, err := u.users.GetByEmail(ctx, email); err == nil {
		return nil, domain.Conflict(op, "User with this email already exists")
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Internal(op, err)
	}

	if err := validatePassword(op, in.Password); err != nil {
		return nil, err
	}

	hash, err := u.hasher.Hash(in.Password)
	if err != nil {
		return nil, domain.Internal(op, err)
	}

	now := u.now()
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Role:         domain.RoleUser,
		Status:       domain.StatusPendingVerification,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if meta.DeviceFingerprint != "" {
		user.DeviceFingerprints = []string{meta.DeviceFingerprint}
	}
	if err := u.users.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrDuplicateEmail) {
			return nil, domain.Conflict(op, "User with this email already exists")
		}
		return nil, domain.Internal(op, err)
	}

	verificationToken, err := u.issueEphemeral(ctx, keyEmailVerification, user.ID, u.cfg.VerificationTTL)
	if err != nil {
		return nil, domain.Internal(op, err)
	}

	if err := u.audit(ctx, domain.EventUserRegistered, user.ID, meta, "User registered successfully", nil); err != nil {
		return nil, err
	}

	u.publisher.Publish(ctx, events.TopicUserRegistered, map[string]any{
		"userId":            user.ID,
		"email":             user.Email,
		"verificationToken": verificationToken,
	})

	resp, err := u.issueCredentials(ctx, user, meta)
	if err != nil {
		return nil, err
	}
	u.logger.InfoContext(ctx, "user registered", "user_id", user.ID)
	return resp, nil
}

// Login verifies credentials. It never reveals whether the email exists.
func (u *AuthUsecase) Login(ctx context.Context, email, password string, meta domain.RequestMeta) (*domain.AuthResponse, error) {
	const op = "login"
	email = domain.NormalizeEmail(email)

	user, err := u.users.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		if err := u.handleFailedLogin(ctx, email, meta, "User not found", ""); err != nil {
			return nil, err
		}
		return nil, domain.Unauthorized(op, msgInvalidCredentials)
	}
	if err != nil {
		return nil, domain.Internal(op, err)
	}

	now := u.now()
	switch u.lockout.State(user, now) {
	case Locked:
		// A locked account does not extend its own lock.
		if err := u.audit(ctx, domain.EventLoginFailed, user.ID, meta, "Login attempted on locked account", nil); err != nil {
			return nil, err
		}
		return nil, domain.Unauthorized(op, msgAccountLocked)
	case LockExpired:
		if err := u.users.ResetFailedAttempts(ctx, user.ID); err != nil {
			return nil, domain.Internal(op, err)
		}
		user.FailedLoginAttempts = 0
		user.LockedUntil = nil
		if err := u.audit(ctx, domain.EventAccountUnlocked, user.ID, meta, "Account lock expired", nil); err != nil {
			return nil, err
		}
	}

	if !user.CanAttemptLogin(now) {
		if err := u.handleFailedLogin(ctx, email, meta, "Account status prevents login", user.ID); err != nil {
			return nil, err
		}
		return nil, domain.Unauthorized(op, msgAccountInactive)
	}

	ok, err := u.hasher.Compare(password, user.PasswordHash)
	if err != nil {
		return nil, domain.Internal(op, err)
	}
	if !ok {
		if err := u.handleFailedLogin(ctx, email, meta, "Invalid password", user.ID); err != nil {
			return nil, err
		}
		return nil, domain.Unauthorized(op, msgInvalidCredentials)
	}

	if signals := u.anomaly.Evaluate(user, meta, now); signals.Suspicious() {
		if err := u.handleSuspiciousLogin(ctx, user, meta, signals); err != nil {
			return nil, err
		}
	}

	if user.FailedLoginAttempts > 0 {
		if err := u.users.ResetFailedAttempts(ctx, user.ID); err != nil {
			return nil, domain.Internal(op, err)
		}
	}
	if err := u.users.RecordLogin(ctx, user.ID, now, meta.IP); err != nil {
		return nil, domain.Internal(op, err)
	}
	if meta.DeviceFingerprint != "" && !user.KnowsDevice(meta.DeviceFingerprint) {
		if err := u.users.AddDeviceFingerprint(ctx, user.ID, meta.DeviceFingerprint); err != nil {
			return nil, domain.Internal(op, err)
		}
	}

	if err := u.audit(ctx, domain.EventLoginSuccess, user.ID, meta, "User logged in successfully", nil); err != nil {
		return nil, err
	}

	if user.MFAEnabled {
		if err := u.sendOTP(ctx, user); err != nil {
			return nil, domain.Internal(op, err)
		}
		return &domain.AuthResponse{
			RequiresMFA: true,
			OTPSent:     true,
			User:        user.Profile(),
		}, nil
	}

	resp, err := u.issueCredentials(ctx, user, meta)
	if err != nil {
		return nil, err
	}
	u.publishLogin(ctx, user, meta, now)
	return resp, nil
}

// handleFailedLogin bumps the counter of a known account, locks it at the
// threshold, and always records a generic failure.
func (u *AuthUsecase) handleFailedLogin(ctx context.Context, email string, meta domain.RequestMeta, reason, userID string) error {
	const op = "login.failed"
	if userID != "" {
		count, err := u.users.IncrementFailedAttempts(ctx, userID)
		if err != nil {
			return domain.Internal(op, err)
		}

		if u.lockout.ShouldLock(count) {
			until := u.lockout.LockedUntil(u.now())
			if err := u.users.LockUntil(ctx, userID, until); err != nil {
				return domain.Internal(op, err)
			}
			desc := fmt.Sprintf("Account locked after %d failed attempts", u.cfg.MaxFailedAttempts)
			if err := u.audit(ctx, domain.EventAccountLocked, userID, meta, desc, nil); err != nil {
				return err
			}
			u.publisher.Publish(ctx, events.TopicAccountLocked, map[string]any{
				"userId":      userID,
				"email":       email,
				"lockedUntil": until,
				"reason":      "Too many failed attempts",
			})
			u.logger.WarnContext(ctx, "account locked", "user_id", userID, "until", until)
		}
	}

	return u.audit(ctx, domain.EventLoginFailed, userID, meta, reason, map[string]any{"email": email})
}

func (u *AuthUsecase) handleSuspiciousLogin(ctx context.Context, user *domain.User, meta domain.RequestMeta, s LoginSignals) error {
	err := u.audit(ctx, domain.EventSuspiciousLogin, user.ID, meta,
		"Suspicious login detected - new device or location",
		map[string]any{"newDevice": s.NewDevice, "newLocation": s.NewLocation, "tooQuick": s.TooQuick})
	if err != nil {
		return err
	}
	u.publisher.Publish(ctx, events.TopicSuspiciousLogin, map[string]any{
		"userId":            user.ID,
		"email":             user.Email,
		"ipAddress":         meta.IP,
		"deviceFingerprint": meta.DeviceFingerprint,
		"loginTime":         u.now(),
	})
	u.logger.WarnContext(ctx, "suspicious login", "user_id", user.ID, "ip", meta.IP)
	return nil
}

// sendOTP stores a 6-digit code for the second login leg and hands it to the
// notification bus for delivery.
func (u *AuthUsecase) sendOTP(ctx context.Context, user *domain.User) error {
	code, err := security.GenerateNumericOTP()
	if err != nil {
		return err
	}
	if err := u.cache.Set(ctx, keyOTP+user.ID, code, u.cfg.OTPTTL); err != nil {
		return err
	}
	u.publisher.Publish(ctx, events.TopicMFARequired, map[string]any{
		"userId":  user.ID,
		"email":   user.Email,
		"otpCode": code,
	})
	return nil
}

func (u *AuthUsecase) publishLogin(ctx context.Context, user *domain.User, meta domain.RequestMeta, at time.Time) {
	u.publisher.Publish(ctx, events.TopicUserLogin, map[string]any{
		"userId":            user.ID,
		"email":             user.Email,
		"ipAddress":         meta.IP,
		"deviceFingerprint": meta.DeviceFingerprint,
		"loginTime":         at,
	})
}

// Logout revokes the presented refresh token (when it belongs to userID) and
// every access token issued to userID so far.
func (u *AuthUsecase) Logout(ctx context.Context, userID, refreshToken string, meta domain.RequestMeta) error {
	const op = "logout"
	if refreshToken != "" {
		rt, err := u.tokens.GetRefreshToken(ctx, refreshToken)
		switch {
		case err == nil && rt.UserID == userID:
			if _, err := u.tokens.RevokeRefreshToken(ctx, refreshToken); err != nil {
				return domain.Internal(op, err)
			}
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return domain.Internal(op, err)
		}
	}

	if err := u.revoker.RevokeAccessTokens(ctx, userID, u.now(), u.cfg.AccessTTL); err != nil {
		return domain.Internal(op, err)
	}

	if err := u.audit(ctx, domain.EventLogout, userID, meta, "User logged out", nil); err != nil {
		return err
	}
	u.publisher.Publish(ctx, events.TopicUserLogout, map[string]any{
		"userId":     userID,
		"logoutTime": u.now(),
	})
	return nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued. Of two concurrent redemptions only one succeeds.
func (u *AuthUsecase) Refresh(ctx context.Context, token string, meta domain.RequestMeta) (*domain.AuthResponse, error) {
	const op = "refresh"
	if token == "" {
		return nil, domain.Unauthorized(op, msgInvalidRefreshToken)
	}

	rt, err := u.tokens.GetRefreshToken(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Unauthorized(op, msgInvalidRefreshToken)
	}
	if err != nil {
		return nil, domain.Internal(op, err)
	}
	now := u.now()
	if !rt.IsValid(now) {
		return nil, domain.Unauthorized(op, msgInvalidRefreshToken)
	}

	user, err := u.users.GetByID(ctx, rt.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Unauthorized(op, msgAccountInaccessible)
	}
	if err != nil {
		return nil, domain.Internal(op, err)
	}
	if !user.CanAttemptLogin(now) {
		return nil, domain.Unauthorized(op, msgAccountInaccessible)
	}

	won, err := u.tokens.RevokeRefreshToken(ctx, token)
	if err != nil {
		return nil, domain.Internal(op, err)
	}
	if !won {
		return nil, domain.Unauthorized(op, msgInvalidRefreshToken)
	}

	resp, err := u.issueCredentials(ctx, user, meta)
	if err != nil {
		return nil, err
	}
	if err := u.audit(ctx, domain.EventTokenRefreshed, user.ID, meta, "Access token refreshed", nil); err != nil {
		return nil, err
	}
	return resp, nil
}

// Authenticate validates a bearer token, including out-of-band revocation.
func (u *AuthUsecase) Authenticate(ctx context.Context, accessToken string) (*security.Claims, error) {
	const op = "authenticate"
	claims, err := u.issuer.ValidateToken(accessToken)
	if err != nil {
		return nil, domain.Unauthorized(op, "Invalid or expired token")
	}
	revoked, err := u.revoker.IsAccessTokenRevoked(ctx, claims.UserID(), claims.IssuedAtTime())
	if err != nil {
		return nil, domain.Internal(op, err)
	}
	if revoked {
		return nil, domain.Unauthorized(op, "Token has been revoked")
	}
	return claims, nil
}

// Me returns the caller's profile.
func (u *AuthUsecase) Me(ctx context.Context, userID string) (*domain.UserProfile, error) {
	user, err := u.loadUser(ctx, "me", userID, "User not found")
	if err != nil {
		return nil, err
	}
	p := user.Profile()
	return &p, nil
}

// issueCredentials mints an access token and persists a new refresh token row.
func (u *AuthUsecase) issueCredentials(ctx context.Context, user *domain.User, meta domain.RequestMeta) (*domain.AuthResponse, error) {
	const op = "issue_credentials"
	access, err := u.issuer.GenerateAccessToken(security.TokenSubject{
		UserID: user.ID,
		Email:  user.Email,
		Role:   string(user.Role),
		Status: string(user.Status),
	})
	if err != nil {
		return nil, domain.Internal(op, err)
	}

	value, err := security.GenerateSecureToken()
	if err != nil {
		return nil, domain.Internal(op, err)
	}
	now := u.now()
	rt := &domain.RefreshToken{
		ID:                uuid.NewString(),
		Token:             value,
		UserID:            user.ID,
		ExpiresAt:         now.Add(u.cfg.RefreshTTL),
		DeviceFingerprint: meta.DeviceFingerprint,
		IPAddress:         meta.IP,
		UserAgent:         meta.UserAgent,
		CreatedAt:         now,
	}
	if err := u.tokens.CreateRefreshToken(ctx, rt); err != nil {
		return nil, domain.Internal(op, err)
	}

	return &domain.AuthResponse{
		AccessToken:  access,
		RefreshToken: value,
		User:         user.Profile(),
		ExpiresIn:    int64(u.cfg.AccessTTL / time.Second),
	}, nil
}

// issueEphemeral stores a fresh random token under prefix and returns it.
func (u *AuthUsecase) issueEphemeral(ctx context.Context, prefix, value string, ttl time.Duration) (string, error) {
	token, err := security.GenerateSecureToken()
	if err != nil {
		return "", err
	}
	if err := u.cache.Set(ctx, prefix+token, value, ttl); err != nil {
		return "", err
	}
	return token, nil
}

// audit appends to the ledger. A failed write aborts the calling use case.
func (u *AuthUsecase) audit(ctx context.Context, t domain.EventType, userID string, meta domain.RequestMeta, desc string, metadata map[string]any) error {
	err := u.ledger.Append(ctx, &domain.SecurityEvent{
		ID:                uuid.NewString(),
		Type:              t,
		UserID:            userID,
		IPAddress:         meta.IP,
		UserAgent:         meta.UserAgent,
		DeviceFingerprint: meta.DeviceFingerprint,
		Metadata:          metadata,
		Description:       desc,
		CreatedAt:         u.now(),
	})
	if err != nil {
		u.logger.ErrorContext(ctx, "security ledger write failed", "event", t, "user_id", userID, "error", err)
		return domain.Internal("audit", err)
	}
	return nil
}

// loadUser maps a missing account to Unauthorized so existence is not leaked.
func (u *AuthUsecase) loadUser(ctx context.Context, op, userID, msg string) (*domain.User, error) {
	user, err := u.users.GetByID(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Unauthorized(op, msg)
	}
	if err != nil {
		return nil, domain.Internal(op, err)
	}
	return user, nil
}

func validatePassword(op, password string) error {
	if violations := security.PasswordViolations(password); len(violations) > 0 {
		e := domain.BadRequest(op, violations[0])
		e.Details = violations
		return e
	}
	return nil
}
