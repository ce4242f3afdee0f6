package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	got    []Envelope
	err    error
	block  chan struct{}
	panics bool
}

func (s *recordingSink) Deliver(_ context.Context, env Envelope) error {
	if s.block != nil {
		<-s.block
	}
	if s.panics {
		panic("boom")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, env)
	return s.err
}

func (s *recordingSink) envelopes() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.got...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAsyncPublisher_DeliversEnvelope(t *testing.T) {
	sink := &recordingSink{}
	p := NewAsyncPublisher(sink, AsyncConfig{Workers: 2, Buffer: 10}, quietLogger())

	p.Publish(context.Background(), TopicUserLogin, map[string]any{"userId": "u1"})
	require.NoError(t, p.Close(context.Background()))

	got := sink.envelopes()
	require.Len(t, got, 1)
	assert.Equal(t, TopicUserLogin, got[0].Topic)
	assert.Equal(t, ServiceName, got[0].Service)
	assert.Equal(t, "u1", got[0].Data["userId"])
	assert.WithinDuration(t, time.Now(), got[0].Timestamp, 5*time.Second)
}

func TestAsyncPublisher_SinkFailuresAreSwallowed(t *testing.T) {
	sink := &recordingSink{err: errors.New("bus down")}
	p := NewAsyncPublisher(sink, AsyncConfig{Workers: 1, Buffer: 10}, quietLogger())

	p.Publish(context.Background(), TopicUserLogout, nil)
	p.Publish(context.Background(), TopicUserLogout, nil)
	require.NoError(t, p.Close(context.Background()))
	assert.Len(t, sink.envelopes(), 2)
}

func TestAsyncPublisher_RecoversFromPanickingSink(t *testing.T) {
	sink := &recordingSink{panics: true}
	p := NewAsyncPublisher(sink, AsyncConfig{Workers: 1, Buffer: 10}, quietLogger())

	p.Publish(context.Background(), TopicUserLogout, nil)
	p.Publish(context.Background(), TopicUserLogout, nil)
	require.NoError(t, p.Close(context.Background()))
}

func TestAsyncPublisher_DropsWhenQueueFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	p := NewAsyncPublisher(sink, AsyncConfig{Workers: 1, Buffer: 1}, quietLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			p.Publish(context.Background(), TopicUserLogin, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	close(sink.block)
	require.NoError(t, p.Close(context.Background()))
	assert.LessOrEqual(t, len(sink.envelopes()), 2)
}

func TestAsyncPublisher_PublishAfterClose(t *testing.T) {
	sink := &recordingSink{}
	p := NewAsyncPublisher(sink, AsyncConfig{}, quietLogger())
	require.NoError(t, p.Close(context.Background()))

	p.Publish(context.Background(), TopicUserLogin, nil)
	assert.Empty(t, sink.envelopes())
	assert.ErrorIs(t, p.Close(context.Background()), ErrPublisherClosed)
}

func TestRedisSink_PublishesJSON(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "auth."+TopicAccountLocked)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(rdb, "auth.")
	require.NoError(t, sink.Deliver(ctx, Envelope{
		Topic:   TopicAccountLocked,
		Data:    map[string]any{"userId": "u1"},
		Service: ServiceName,
	}))

	select {
	case msg := <-sub.Channel():
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, TopicAccountLocked, env.Topic)
		assert.Equal(t, "u1", env.Data["userId"])
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestBusSink_DeliversToSubscribers(t *testing.T) {
	sink := NewBusSink(nil)

	var got []Envelope
	require.NoError(t, sink.Subscribe(TopicEmailVerified, func(env Envelope) {
		got = append(got, env)
	}))

	require.NoError(t, sink.Deliver(context.Background(), Envelope{Topic: TopicEmailVerified}))
	require.NoError(t, sink.Deliver(context.Background(), Envelope{Topic: TopicUserLogin}))

	require.Len(t, got, 1)
	assert.Equal(t, TopicEmailVerified, got[0].Topic)
}

func TestLogNotifier_Subscribes(t *testing.T) {
	sink := NewBusSink(nil)
	require.NoError(t, LogNotifier(sink, quietLogger()))
	assert.True(t, sink.Bus().HasCallback(TopicMFARequired))
	assert.True(t, sink.Bus().HasCallback(TopicUserRegistered))
}
