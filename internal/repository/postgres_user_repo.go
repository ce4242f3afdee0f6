package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/FilipeAphrody/auth-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const pqUniqueViolation = "23505"

// OpenPostgres opens a connection pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate applies the idempotent schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresUserRepo implements domain.UserRepository using PostgreSQL.
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo creates a new repository instance.
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const userColumns = `id, email, password_hash, first_name, last_name, role, status, email_verified,
	mfa_enabled, COALESCE(mfa_secret, ''), failed_login_attempts, locked_until, device_fingerprints,
	last_login_at, last_login_ip, created_at, updated_at`

func scanUser(row *sql.Row) (*domain.User, error) {
	user := &domain.User{}
	var lockedUntil, lastLoginAt sql.NullTime
	var fingerprints pq.StringArray

	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.FirstName,
		&user.LastName,
		&user.Role,
		&user.Status,
		&user.EmailVerified,
		&user.MFAEnabled,
		&user.MFASecret,
		&user.FailedLoginAttempts,
		&lockedUntil,
		&fingerprints,
		&lastLoginAt,
		&user.LastLoginIP,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if lockedUntil.Valid {
		user.LockedUntil = &lockedUntil.Time
	}
	if lastLoginAt.Valid {
		user.LastLoginAt = &lastLoginAt.Time
	}
	user.DeviceFingerprints = []string(fingerprints)
	return user, nil
}

// GetByEmail retrieves a user by their email address.
func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

// GetByID retrieves a user by their UUID.
func (r *PostgresUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

// Create inserts a new user. The unique index on email makes concurrent
// registrations of one address fail with domain.ErrDuplicateEmail.
func (r *PostgresUserRepo) Create(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (id, email, password_hash, first_name, last_name, role, status,
			email_verified, mfa_enabled, mfa_secret, device_fingerprints, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	var mfaSecret sql.NullString
	if user.MFASecret != "" {
		mfaSecret.String = user.MFASecret
		mfaSecret.Valid = true
	}
	fingerprints := user.DeviceFingerprints
	if fingerprints == nil {
		fingerprints = []string{}
	}

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.FirstName,
		user.LastName,
		user.Role,
		user.Status,
		user.EmailVerified,
		user.MFAEnabled,
		mfaSecret,
		pq.Array(fingerprints),
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return domain.ErrDuplicateEmail
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// IncrementFailedAttempts bumps the counter in a single statement.
func (r *PostgresUserRepo) IncrementFailedAttempts(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING failed_login_attempts
	`
	var count int
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("increment failed attempts: %w", err)
	}
	return count, nil
}

func (r *PostgresUserRepo) LockUntil(ctx context.Context, id string, until time.Time) error {
	return r.exec(ctx, `UPDATE users SET locked_until = $2, updated_at = NOW() WHERE id = $1`, id, until)
}

func (r *PostgresUserRepo) ResetFailedAttempts(ctx context.Context, id string) error {
	return r.exec(ctx, `
		UPDATE users SET failed_login_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE id = $1`, id)
}

func (r *PostgresUserRepo) RecordLogin(ctx context.Context, id string, at time.Time, ip string) error {
	return r.exec(ctx, `
		UPDATE users SET last_login_at = $2, last_login_ip = $3, updated_at = NOW()
		WHERE id = $1`, id, at, ip)
}

// AddDeviceFingerprint appends fingerprint unless it is already known.
func (r *PostgresUserRepo) AddDeviceFingerprint(ctx context.Context, id, fingerprint string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET device_fingerprints = array_append(device_fingerprints, $2), updated_at = NOW()
		WHERE id = $1 AND NOT ($2 = ANY(device_fingerprints))`, id, fingerprint)
	if err != nil {
		return fmt.Errorf("add device fingerprint: %w", err)
	}
	return nil
}

func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return r.exec(ctx, `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, passwordHash)
}

func (r *PostgresUserRepo) MarkEmailVerified(ctx context.Context, id string) error {
	return r.exec(ctx, `
		UPDATE users SET email_verified = TRUE, status = $2, updated_at = NOW()
		WHERE id = $1`, id, domain.StatusActive)
}

// SetMFA updates the user's MFA status and secret.
func (r *PostgresUserRepo) SetMFA(ctx context.Context, id string, enabled bool, secret string) error {
	var mfaSecret sql.NullString
	if secret != "" {
		mfaSecret.String = secret
		mfaSecret.Valid = true
	}
	return r.exec(ctx, `
		UPDATE users SET mfa_enabled = $2, mfa_secret = $3, updated_at = NOW()
		WHERE id = $1`, id, enabled, mfaSecret)
}

// exec runs a single-row update and maps zero affected rows to domain.ErrNotFound.
func (r *PostgresUserRepo) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}
