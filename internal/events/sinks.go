package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	evbus "github.com/asaskevich/EventBus"
	"github.com/redis/go-redis/v9"
)

// RedisSink publishes JSON envelopes on Redis pub/sub channels named prefix+topic.
type RedisSink struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSink(client redis.UniversalClient, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Deliver(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.Publish(ctx, s.prefix+env.Topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", env.Topic, err)
	}
	return nil
}

// BusSink hands envelopes to in-process subscribers of an EventBus.
type BusSink struct {
	bus evbus.Bus
}

func NewBusSink(bus evbus.Bus) *BusSink {
	if bus == nil {
		bus = evbus.New()
	}
	return &BusSink{bus: bus}
}

// Bus exposes the underlying bus for subscribers.
func (s *BusSink) Bus() evbus.Bus {
	return s.bus
}

// Subscribe registers fn for topic. fn must be func(Envelope).
func (s *BusSink) Subscribe(topic string, fn func(Envelope)) error {
	return s.bus.Subscribe(topic, fn)
}

func (s *BusSink) Deliver(_ context.Context, env Envelope) error {
	if !s.bus.HasCallback(env.Topic) {
		return nil
	}
	s.bus.Publish(env.Topic, env)
	return nil
}

// LogNotifier subscribes to every topic on a BusSink and logs deliveries. It
// stands in for the mail/notification service in single-process deployments.
// Secrets in the payload (OTP codes, verification tokens) are not logged.
func LogNotifier(sink *BusSink, logger *slog.Logger) error {
	topics := []string{
		TopicUserRegistered, TopicUserLogin, TopicUserLogout, TopicPasswordChanged,
		TopicPasswordResetRequested, TopicPasswordResetCompleted, TopicEmailVerified,
		TopicEmailVerificationRequested, TopicAccountLocked, TopicSuspiciousLogin, TopicMFARequired,
	}
	for _, topic := range topics {
		if err := sink.Subscribe(topic, func(env Envelope) {
			logger.Info("notification", "topic", env.Topic, "user_id", env.Data["userId"])
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}
