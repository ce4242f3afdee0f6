package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/FilipeAphrody/auth-service/internal/domain"
	"github.com/FilipeAphrody/auth-service/internal/events"
)

const (
	msgInvalidResetToken        = "Invalid or expired reset token"
	msgInvalidVerificationToken = "Invalid or expired verification token"

	defaultEventLimit = 50
	maxEventLimit     = 200
)

// ChangePassword replaces the password of an authenticated user and signs
// every other session out.
func (u *AuthUsecase) ChangePassword(ctx context.Context, userID, current, next string, meta domain.RequestMeta) error {
	const op = "change_password"
	user, err := u.loadUser(ctx, op, userID, "User not found")
	if err != nil {
		return err
	}

	ok, err := u.hasher.Compare(current, user.PasswordHash)
	if err != nil {
		return domain.Internal(op, err)
	}
	if !ok {
		return domain.Unauthorized(op, "Current password is incorrect")
	}

	if err := validatePassword(op, next); err != nil {
		return err
	}

	same, err := u.hasher.Compare(next, user.PasswordHash)
	if err != nil {
		return domain.Internal(op, err)
	}
	if same {
		return domain.BadRequest(op, "New password must be different from current password")
	}

	if err := u.replacePassword(ctx, op, user.ID, next); err != nil {
		return err
	}

	if err := u.audit(ctx, domain.EventPasswordChanged, user.ID, meta, "Password changed successfully", nil); err != nil {
		return err
	}
	u.publisher.Publish(ctx, events.TopicPasswordChanged, map[string]any{
		"userId":    user.ID,
		"email":     user.Email,
		"changedAt": u.now(),
	})
	return nil
}

// ForgotPassword issues a reset token when the email is known. Unknown emails
// succeed silently.
func (u *AuthUsecase) ForgotPassword(ctx context.Context, email string, meta domain.RequestMeta) error {
	const op = "forgot_password"
	user, err := u.users.GetByEmail(ctx, domain.NormalizeEmail(email))
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return domain.Internal(op, err)
	}

	if _, err := u.issueEphemeral(ctx, keyPasswordReset, user.ID, u.cfg.PasswordResetTTL); err != nil {
		return domain.Internal(op, err)
	}

	if err := u.audit(ctx, domain.EventPasswordResetRequested, user.ID, meta, "Password reset requested", nil); err != nil {
		return err
	}
	u.publisher.Publish(ctx, events.TopicPasswordResetRequested, map[string]any{
		"userId":  user.ID,
		"email":   user.Email,
		"resetAt": u.now(),
	})
	return nil
}

// ResetPassword redeems a single-use reset token.
func (u *AuthUsecase) ResetPassword(ctx context.Context, token, next string, meta domain.RequestMeta) error {
	const op = "reset_password"
	userID, err := u.peekToken(ctx, op, keyPasswordReset+token, msgInvalidResetToken)
	if err != nil {
		return err
	}
	user, err := u.loadUser(ctx, op, userID, msgInvalidResetToken)
	if err != nil {
		return err
	}
	if err := validatePassword(op, next); err != nil {
		return err
	}

	// Only the caller that removes the key may apply the reset.
	if _, err := u.redeemToken(ctx, op, keyPasswordReset+token, msgInvalidResetToken); err != nil {
		return err
	}
	if err := u.replacePassword(ctx, op, user.ID, next); err != nil {
		return err
	}

	if err := u.audit(ctx, domain.EventPasswordResetCompleted, user.ID, meta, "Password reset completed", nil); err != nil {
		return err
	}
	u.publisher.Publish(ctx, events.TopicPasswordResetCompleted, map[string]any{
		"userId":  user.ID,
		"email":   user.Email,
		"resetAt": u.now(),
	})
	return nil
}

// VerifyEmail redeems a verification token and activates the account.
func (u *AuthUsecase) VerifyEmail(ctx context.Context, token string, meta domain.RequestMeta) error {
	const op = "verify_email"
	userID, err := u.peekToken(ctx, op, keyEmailVerification+token, msgInvalidVerificationToken)
	if err != nil {
		return err
	}
	user, err := u.loadUser(ctx, op, userID, msgInvalidVerificationToken)
	if err != nil {
		return err
	}
	if _, err := u.redeemToken(ctx, op, keyEmailVerification+token, msgInvalidVerificationToken); err != nil {
		return err
	}

	if err := u.users.MarkEmailVerified(ctx, user.ID); err != nil {
		return domain.Internal(op, err)
	}

	if err := u.audit(ctx, domain.EventEmailVerified, user.ID, meta, "Email verified successfully", nil); err != nil {
		return err
	}
	u.publisher.Publish(ctx, events.TopicEmailVerified, map[string]any{
		"userId":     user.ID,
		"email":      user.Email,
		"verifiedAt": u.now(),
	})
	return nil
}

// ResendVerification issues a fresh verification token for an unverified
// account. It never reveals whether the email exists.
func (u *AuthUsecase) ResendVerification(ctx context.Context, email string) error {
	const op = "resend_verification"
	user, err := u.users.GetByEmail(ctx, domain.NormalizeEmail(email))
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return domain.Internal(op, err)
	}
	if user.EmailVerified {
		return nil
	}

	token, err := u.issueEphemeral(ctx, keyEmailVerification, user.ID, u.cfg.VerificationTTL)
	if err != nil {
		return domain.Internal(op, err)
	}
	u.publisher.Publish(ctx, events.TopicEmailVerificationRequested, map[string]any{
		"userId":            user.ID,
		"email":             user.Email,
		"verificationToken": token,
	})
	return nil
}

// SecurityEvents returns the ledger for userID, newest first. A non-positive
// limit selects the default page; larger values are capped.
func (u *AuthUsecase) SecurityEvents(ctx context.Context, userID string, limit int) ([]domain.SecurityEvent, error) {
	switch {
	case limit <= 0:
		limit = defaultEventLimit
	case limit > maxEventLimit:
		limit = maxEventLimit
	}
	list, err := u.ledger.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, domain.Internal("security_events", err)
	}
	return list, nil
}

// replacePassword hashes and stores next, then revokes every refresh token of
// the account.
func (u *AuthUsecase) replacePassword(ctx context.Context, op, userID, next string) error {
	hash, err := u.hasher.Hash(next)
	if err != nil {
		return domain.Internal(op, err)
	}
	if err := u.users.UpdatePassword(ctx, userID, hash); err != nil {
		return domain.Internal(op, err)
	}
	n, err := u.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return domain.Internal(op, err)
	}
	u.logger.InfoContext(ctx, "password replaced", "user_id", userID, "revoked_sessions", n)
	return nil
}

func (u *AuthUsecase) peekToken(ctx context.Context, op, key, msg string) (string, error) {
	v, err := u.cache.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.Unauthorized(op, msg)
	}
	if err != nil {
		return "", domain.Internal(op, err)
	}
	return v, nil
}

func (u *AuthUsecase) redeemToken(ctx context.Context, op, key, msg string) (string, error) {
	v, err := u.cache.Take(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.Unauthorized(op, msg)
	}
	if err != nil {
		return "", domain.Internal(op, err)
	}
	return v, nil
}

// RecentFailedLogins counts failed logins from ip within window, for operators
// investigating credential stuffing.
func (u *AuthUsecase) RecentFailedLogins(ctx context.Context, ip string, window time.Duration) (int, error) {
	n, err := u.ledger.CountByIP(ctx, domain.EventLoginFailed, ip, u.now().Add(-window))
	if err != nil {
		return 0, domain.Internal("recent_failed_logins", err)
	}
	return n, nil
}
