package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/FilipeAphrody/auth-service/internal/domain"
)

// PostgresTokenRepo implements domain.RefreshTokenRepository.
type PostgresTokenRepo struct {
	db *sql.DB
}

func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

func (r *PostgresTokenRepo) CreateRefreshToken(ctx context.Context, t *domain.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, token, user_id, expires_at, device_fingerprint, ip_address, user_agent, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Token, t.UserID, t.ExpiresAt, t.DeviceFingerprint, t.IPAddress, t.UserAgent, t.Revoked, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) GetRefreshToken(ctx context.Context, token string) (*domain.RefreshToken, error) {
	query := `
		SELECT id, token, user_id, expires_at, device_fingerprint, ip_address, user_agent, revoked, created_at
		FROM refresh_tokens WHERE token = $1
	`
	t := &domain.RefreshToken{}
	err := r.db.QueryRowContext(ctx, query, token).Scan(
		&t.ID, &t.Token, &t.UserID, &t.ExpiresAt, &t.DeviceFingerprint, &t.IPAddress, &t.UserAgent, &t.Revoked, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return t, nil
}

// RevokeRefreshToken is a conditional update, so only one concurrent caller
// observes an affected row.
func (r *PostgresTokenRepo) RevokeRefreshToken(ctx context.Context, token string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1 AND revoked = FALSE`, token)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	return rows == 1, nil
}

func (r *PostgresTokenRepo) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1 AND revoked = FALSE`, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return int(rows), nil
}
