// Package events publishes fire-and-forget notifications about account state
// changes to downstream services.
package events

import (
	"context"
	"time"
)

// ServiceName is stamped on every envelope.
const ServiceName = "auth-service"

const (
	TopicUserRegistered             = "user.registered"
	TopicUserLogin                  = "user.login"
	TopicUserLogout                 = "user.logout"
	TopicPasswordChanged            = "user.password.changed"
	TopicPasswordResetRequested     = "user.password.reset.requested"
	TopicPasswordResetCompleted     = "user.password.reset.completed"
	TopicEmailVerified              = "user.email.verified"
	TopicEmailVerificationRequested = "user.email.verification.requested"
	TopicAccountLocked              = "user.account.locked"
	TopicSuspiciousLogin            = "security.suspicious.login"
	TopicMFARequired                = "user.mfa.required"
)

// Envelope is the wire shape of a published event.
type Envelope struct {
	Topic     string         `json:"topic"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service"`
}

// Publisher is the core's view of the notification bus. Publish never reports
// delivery failures; they are logged by the implementation.
type Publisher interface {
	Publish(ctx context.Context, topic string, data map[string]any)
}

// Sink delivers one envelope to a transport.
type Sink interface {
	Deliver(ctx context.Context, env Envelope) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Deliver(context.Context, Envelope) error { return nil }
