package domain

import (
	"context"
	"time"
)

// EventType names an entry in the security ledger.
type EventType string

const (
	EventUserRegistered         EventType = "user_registered"
	EventLoginSuccess           EventType = "login_success"
	EventLoginFailed            EventType = "login_failed"
	EventLogout                 EventType = "logout"
	EventPasswordChanged        EventType = "password_changed"
	EventPasswordResetRequested EventType = "password_reset_requested"
	EventPasswordResetCompleted EventType = "password_reset_completed"
	EventEmailVerified          EventType = "email_verified"
	EventMFAEnabled             EventType = "mfa_enabled"
	EventMFADisabled            EventType = "mfa_disabled"
	EventMFAFailed              EventType = "mfa_failed"
	EventAccountLocked          EventType = "account_locked"
	EventAccountUnlocked        EventType = "account_unlocked"
	EventSuspiciousLogin        EventType = "suspicious_login"
	EventTokenRefreshed         EventType = "token_refreshed"
)

// SecurityEvent is an immutable audit record.
type SecurityEvent struct {
	ID                string         `json:"id"`
	Type              EventType      `json:"eventType"`
	UserID            string         `json:"userId,omitempty"`
	IPAddress         string         `json:"ipAddress,omitempty"`
	UserAgent         string         `json:"userAgent,omitempty"`
	DeviceFingerprint string         `json:"deviceFingerprint,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Description       string         `json:"description"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// SecurityLedger is the append-only audit log.
type SecurityLedger interface {
	Append(ctx context.Context, event *SecurityEvent) error
	// ListByUser returns the newest events first.
	ListByUser(ctx context.Context, userID string, limit int) ([]SecurityEvent, error)
	CountByIP(ctx context.Context, eventType EventType, ip string, since time.Time) (int, error)
}

// RequestMeta is the heuristic request context captured at the transport boundary.
type RequestMeta struct {
	IP                string
	UserAgent         string
	DeviceFingerprint string
}
