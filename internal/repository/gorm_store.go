package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/FilipeAphrody/auth-service/internal/domain"
)

type userModel struct {
	ID                  string `gorm:"primaryKey;size:36"`
	Email               string `gorm:"uniqueIndex;not null"`
	PasswordHash        string `gorm:"not null"`
	FirstName           string
	LastName            string
	Role                string `gorm:"not null;default:user"`
	Status              string `gorm:"not null;default:pending_verification"`
	EmailVerified       bool
	MFAEnabled          bool
	MFASecret           string
	FailedLoginAttempts int `gorm:"not null;default:0"`
	LockedUntil         *time.Time
	DeviceFingerprints  []string `gorm:"serializer:json"`
	LastLoginAt         *time.Time
	LastLoginIP         string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (userModel) TableName() string { return "users" }

type refreshTokenModel struct {
	ID                string    `gorm:"primaryKey;size:36"`
	Token             string    `gorm:"uniqueIndex;not null"`
	UserID            string    `gorm:"index;not null;size:36"`
	ExpiresAt         time.Time `gorm:"not null"`
	DeviceFingerprint string
	IPAddress         string
	UserAgent         string
	Revoked           bool `gorm:"not null;default:false"`
	CreatedAt         time.Time
}

func (refreshTokenModel) TableName() string { return "refresh_tokens" }

type securityEventModel struct {
	ID                string `gorm:"primaryKey;size:36"`
	EventType         string `gorm:"index:idx_events_ip,priority:1;not null"`
	UserID            string `gorm:"index;size:36"`
	IPAddress         string `gorm:"index:idx_events_ip,priority:2"`
	UserAgent         string
	DeviceFingerprint string
	Metadata          map[string]any `gorm:"serializer:json"`
	Description       string
	CreatedAt         time.Time `gorm:"index"`
}

func (securityEventModel) TableName() string { return "security_events" }

// GormStore is the embedded SQL credential store and ledger. It implements
// domain.UserRepository, domain.RefreshTokenRepository and domain.SecurityLedger.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) a SQLite database at dsn.
func OpenSQLite(dsn string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection also keeps :memory: databases shared.
	sqlDB.SetMaxOpenConns(1)

	return NewGormStore(db)
}

// NewGormStore migrates the schema on db and returns a store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&userModel{}, &refreshTokenModel{}, &securityEventModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func toUserModel(u *domain.User) *userModel {
	return &userModel{
		ID:                  u.ID,
		Email:               u.Email,
		PasswordHash:        u.PasswordHash,
		FirstName:           u.FirstName,
		LastName:            u.LastName,
		Role:                string(u.Role),
		Status:              string(u.Status),
		EmailVerified:       u.EmailVerified,
		MFAEnabled:          u.MFAEnabled,
		MFASecret:           u.MFASecret,
		FailedLoginAttempts: u.FailedLoginAttempts,
		LockedUntil:         u.LockedUntil,
		DeviceFingerprints:  slices.Clone(u.DeviceFingerprints),
		LastLoginAt:         u.LastLoginAt,
		LastLoginIP:         u.LastLoginIP,
		CreatedAt:           u.CreatedAt,
		UpdatedAt:           u.UpdatedAt,
	}
}

func (m *userModel) toDomain() *domain.User {
	return &domain.User{
		ID:                  m.ID,
		Email:               m.Email,
		PasswordHash:        m.PasswordHash,
		FirstName:           m.FirstName,
		LastName:            m.LastName,
		Role:                domain.Role(m.Role),
		Status:              domain.Status(m.Status),
		EmailVerified:       m.EmailVerified,
		MFAEnabled:          m.MFAEnabled,
		MFASecret:           m.MFASecret,
		FailedLoginAttempts: m.FailedLoginAttempts,
		LockedUntil:         m.LockedUntil,
		DeviceFingerprints:  m.DeviceFingerprints,
		LastLoginAt:         m.LastLoginAt,
		LastLoginIP:         m.LastLoginIP,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *GormStore) Create(ctx context.Context, user *domain.User) error {
	if err := s.db.WithContext(ctx).Create(toUserModel(user)).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateEmail
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *GormStore) findUser(ctx context.Context, query string, arg any) (*domain.User, error) {
	var m userModel
	if err := s.db.WithContext(ctx).Where(query, arg).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return m.toDomain(), nil
}

func (s *GormStore) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.findUser(ctx, "email = ?", email)
}

func (s *GormStore) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return s.findUser(ctx, "id = ?", id)
}

// updateUser applies a column map to one row, mapping no match to domain.ErrNotFound.
func (s *GormStore) updateUser(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now()
	res := s.db.WithContext(ctx).Model(&userModel{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("database error: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *GormStore) IncrementFailedAttempts(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&userModel{}).Where("id = ?", id).
			UpdateColumn("failed_login_attempts", gorm.Expr("failed_login_attempts + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return tx.Model(&userModel{}).Where("id = ?", id).Select("failed_login_attempts").Scan(&count).Error
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("increment failed attempts: %w", err)
	}
	return count, nil
}

func (s *GormStore) LockUntil(ctx context.Context, id string, until time.Time) error {
	return s.updateUser(ctx, id, map[string]any{"locked_until": until})
}

func (s *GormStore) ResetFailedAttempts(ctx context.Context, id string) error {
	return s.updateUser(ctx, id, map[string]any{"failed_login_attempts": 0, "locked_until": nil})
}

func (s *GormStore) RecordLogin(ctx context.Context, id string, at time.Time, ip string) error {
	return s.updateUser(ctx, id, map[string]any{"last_login_at": at, "last_login_ip": ip})
}

func (s *GormStore) AddDeviceFingerprint(ctx context.Context, id, fingerprint string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m userModel
		if err := tx.Where("id = ?", id).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		if slices.Contains(m.DeviceFingerprints, fingerprint) {
			return nil
		}
		m.DeviceFingerprints = append(m.DeviceFingerprints, fingerprint)
		return tx.Model(&m).Select("DeviceFingerprints", "UpdatedAt").Updates(&m).Error
	})
}

func (s *GormStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.updateUser(ctx, id, map[string]any{"password_hash": passwordHash})
}

func (s *GormStore) MarkEmailVerified(ctx context.Context, id string) error {
	return s.updateUser(ctx, id, map[string]any{"email_verified": true, "status": string(domain.StatusActive)})
}

func (s *GormStore) SetMFA(ctx context.Context, id string, enabled bool, secret string) error {
	return s.updateUser(ctx, id, map[string]any{"mfa_enabled": enabled, "mfa_secret": secret})
}

func (s *GormStore) CreateRefreshToken(ctx context.Context, t *domain.RefreshToken) error {
	m := refreshTokenModel{
		ID:                t.ID,
		Token:             t.Token,
		UserID:            t.UserID,
		ExpiresAt:         t.ExpiresAt,
		DeviceFingerprint: t.DeviceFingerprint,
		IPAddress:         t.IPAddress,
		UserAgent:         t.UserAgent,
		Revoked:           t.Revoked,
		CreatedAt:         t.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func (s *GormStore) GetRefreshToken(ctx context.Context, token string) (*domain.RefreshToken, error) {
	var m refreshTokenModel
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &domain.RefreshToken{
		ID:                m.ID,
		Token:             m.Token,
		UserID:            m.UserID,
		ExpiresAt:         m.ExpiresAt,
		DeviceFingerprint: m.DeviceFingerprint,
		IPAddress:         m.IPAddress,
		UserAgent:         m.UserAgent,
		Revoked:           m.Revoked,
		CreatedAt:         m.CreatedAt,
	}, nil
}

func (s *GormStore) RevokeRefreshToken(ctx context.Context, token string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&refreshTokenModel{}).
		Where("token = ? AND revoked = ?", token, false).
		Update("revoked", true)
	if res.Error != nil {
		return false, fmt.Errorf("revoke refresh token: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	res := s.db.WithContext(ctx).Model(&refreshTokenModel{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Update("revoked", true)
	if res.Error != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Append(ctx context.Context, e *domain.SecurityEvent) error {
	m := securityEventModel{
		ID:                e.ID,
		EventType:         string(e.Type),
		UserID:            e.UserID,
		IPAddress:         e.IPAddress,
		UserAgent:         e.UserAgent,
		DeviceFingerprint: e.DeviceFingerprint,
		Metadata:          e.Metadata,
		Description:       e.Description,
		CreatedAt:         e.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("append security event: %w", err)
	}
	return nil
}

func (s *GormStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.SecurityEvent, error) {
	var models []securityEventModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Order("rowid DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}

	out := make([]domain.SecurityEvent, len(models))
	for i, m := range models {
		out[i] = domain.SecurityEvent{
			ID:                m.ID,
			Type:              domain.EventType(m.EventType),
			UserID:            m.UserID,
			IPAddress:         m.IPAddress,
			UserAgent:         m.UserAgent,
			DeviceFingerprint: m.DeviceFingerprint,
			Metadata:          m.Metadata,
			Description:       m.Description,
			CreatedAt:         m.CreatedAt,
		}
	}
	return out, nil
}

func (s *GormStore) CountByIP(ctx context.Context, eventType domain.EventType, ip string, since time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&securityEventModel{}).
		Where("event_type = ? AND ip_address = ? AND created_at >= ?", string(eventType), ip, since).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count security events: %w", err)
	}
	return int(n), nil
}
