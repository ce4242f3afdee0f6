package usecase

import (
	"context"
	"errors"

	"github.com/FilipeAphrody/auth-service/internal/domain"
	"github.com/FilipeAphrody/auth-service/pkg/security"
)

const msgInvalidMFACode = "Invalid verification code"

// VerifyMFA completes the second leg of an MFA login. The code is either the
// one-time code sent at login or a current code from an enrolled authenticator.
func (u *AuthUsecase) VerifyMFA(ctx context.Context, email, code string, meta domain.RequestMeta) (*domain.AuthResponse, error) {
	const op = "verify_mfa"
	email = domain.NormalizeEmail(email)
	user, err := u.users.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Unauthorized(op, msgInvalidMFACode)
	}
	if err != nil {
		return nil, domain.Internal(op, err)
	}

	now := u.now()
	if u.lockout.State(user, now) == Locked {
		return nil, domain.Unauthorized(op, msgAccountLocked)
	}
	if !user.MFAEnabled || !user.CanAttemptLogin(now) {
		return nil, domain.Unauthorized(op, msgInvalidMFACode)
	}

	ok, err := u.checkSecondFactor(ctx, user, code)
	if err != nil {
		return nil, domain.Internal(op, err)
	}
	if !ok {
		if err := u.audit(ctx, domain.EventMFAFailed, user.ID, meta, "Invalid MFA code", nil); err != nil {
			return nil, err
		}
		if err := u.handleFailedLogin(ctx, email, meta, "Invalid MFA code", user.ID); err != nil {
			return nil, err
		}
		return nil, domain.Unauthorized(op, msgInvalidMFACode)
	}

	if user.FailedLoginAttempts > 0 {
		if err := u.users.ResetFailedAttempts(ctx, user.ID); err != nil {
			return nil, domain.Internal(op, err)
		}
	}
	resp, err := u.issueCredentials(ctx, user, meta)
	if err != nil {
		return nil, err
	}
	u.publishLogin(ctx, user, meta, now)
	return resp, nil
}

// checkSecondFactor consumes the pending login code on a match, so a code is
// accepted at most once.
func (u *AuthUsecase) checkSecondFactor(ctx context.Context, user *domain.User, code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	pending, err := u.cache.Get(ctx, keyOTP+user.ID)
	switch {
	case err == nil && security.EqualCodes(pending, code):
		taken, err := u.cache.Take(ctx, keyOTP+user.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return security.EqualCodes(taken, code), nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return false, err
	}
	return security.VerifyTOTPCode(code, user.MFASecret, u.now()), nil
}

// SetupMFA generates an authenticator secret and parks it until EnableMFA
// confirms the user can produce codes from it.
func (u *AuthUsecase) SetupMFA(ctx context.Context, userID string) (*security.TOTPKey, error) {
	const op = "setup_mfa"
	user, err := u.loadUser(ctx, op, userID, "User not found")
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, domain.Conflict(op, "MFA is already enabled")
	}

	key, err := security.GenerateTOTPKey(u.cfg.TOTPIssuer, user.Email)
	if err != nil {
		return nil, domain.Internal(op, err)
	}
	if err := u.cache.Set(ctx, keyMFASetup+user.ID, key.Secret, u.cfg.MFASetupTTL); err != nil {
		return nil, domain.Internal(op, err)
	}
	return key, nil
}

// EnableMFA persists the pending secret once code proves possession of it.
func (u *AuthUsecase) EnableMFA(ctx context.Context, userID, code string, meta domain.RequestMeta) error {
	const op = "enable_mfa"
	user, err := u.loadUser(ctx, op, userID, "User not found")
	if err != nil {
		return err
	}

	secret, err := u.cache.Get(ctx, keyMFASetup+user.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.BadRequest(op, "No pending MFA setup")
	}
	if err != nil {
		return domain.Internal(op, err)
	}
	if !security.VerifyTOTPCode(code, secret, u.now()) {
		return domain.BadRequest(op, msgInvalidMFACode)
	}
	if err := u.cache.Delete(ctx, keyMFASetup+user.ID); err != nil {
		return domain.Internal(op, err)
	}

	if err := u.users.SetMFA(ctx, user.ID, true, secret); err != nil {
		return domain.Internal(op, err)
	}
	return u.audit(ctx, domain.EventMFAEnabled, user.ID, meta, "MFA enabled", nil)
}

// DisableMFA removes the second factor after re-checking the password.
func (u *AuthUsecase) DisableMFA(ctx context.Context, userID, password string, meta domain.RequestMeta) error {
	const op = "disable_mfa"
	user, err := u.loadUser(ctx, op, userID, "User not found")
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return domain.BadRequest(op, "MFA is not enabled")
	}

	ok, err := u.hasher.Compare(password, user.PasswordHash)
	if err != nil {
		return domain.Internal(op, err)
	}
	if !ok {
		return domain.Unauthorized(op, "Invalid password")
	}

	if err := u.users.SetMFA(ctx, user.ID, false, ""); err != nil {
		return domain.Internal(op, err)
	}
	if err := u.cache.Delete(ctx, keyOTP+user.ID); err != nil {
		return domain.Internal(op, err)
	}
	return u.audit(ctx, domain.EventMFADisabled, user.ID, meta, "MFA disabled", nil)
}
