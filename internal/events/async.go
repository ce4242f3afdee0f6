package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPublisherClosed is returned by Close when called twice.
var ErrPublisherClosed = errors.New("publisher closed")

// AsyncConfig tunes the worker pool.
type AsyncConfig struct {
	Workers        int
	Buffer         int
	DeliverTimeout time.Duration
}

// AsyncPublisher queues envelopes and delivers them from a fixed worker pool.
// A full queue drops the event instead of blocking the caller.
type AsyncPublisher struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	queue  chan Envelope
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewAsyncPublisher starts cfg.Workers workers delivering to sink.
func NewAsyncPublisher(sink Sink, cfg AsyncConfig, logger *slog.Logger) *AsyncPublisher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1000
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &AsyncPublisher{
		sink:    sink,
		logger:  logger.With("component", "events"),
		timeout: cfg.DeliverTimeout,
		now:     time.Now,
		queue:   make(chan Envelope, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Publish enqueues an event. It never blocks and never fails the caller.
func (p *AsyncPublisher) Publish(_ context.Context, topic string, data map[string]any) {
	env := Envelope{Topic: topic, Data: data, Timestamp: p.now().UTC(), Service: ServiceName}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("event dropped: publisher closed", "topic", topic)
		return
	}
	select {
	case p.queue <- env:
	default:
		p.logger.Warn("event dropped: queue full", "topic", topic)
	}
}

func (p *AsyncPublisher) worker() {
	defer p.wg.Done()
	for env := range p.queue {
		p.deliver(env)
	}
}

func (p *AsyncPublisher) deliver(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event sink panicked", "topic", env.Topic, "panic", fmt.Sprint(r))
		}
	}()

	if err := p.sink.Deliver(ctx, env); err != nil {
		p.logger.Error("event delivery failed", "topic", env.Topic, "error", err)
	}
}

// Close stops accepting events and waits for queued ones to drain or ctx to expire.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPublisherClosed
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
