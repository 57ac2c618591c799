package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/ditrouter/internal/codec"
)

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func fastConfig() PublisherConfig {
	return PublisherConfig{
		TimeoutMs:        200,
		MaxRetries:       1,
		ReconnectBackoff: 20 * time.Millisecond,
		PingInterval:     time.Minute,
	}
}

func TestAskRoundTrip(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	echo := func(ctx context.Context, req codec.Request) (string, error) {
		return "echo:" + req.Payload, nil
	}
	sub := NewSubscriber(client, "echo", echo, SubscriberConfig{MaxInflight: 4, PresenceTTL: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)
	defer sub.Stop()

	time.Sleep(50 * time.Millisecond) // let the heartbeat register presence

	pub := NewPublisher(client, fastConfig())
	defer pub.Close()

	resp, err := pub.Ask(context.Background(), "echo", "hello", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != codec.StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", resp.Status)
	}
	if resp.Payload != "echo:hello" {
		t.Errorf("expected echo:hello, got %q", resp.Payload)
	}
}

func TestAskNoResponders(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	pub := NewPublisher(client, fastConfig())
	defer pub.Close()

	_, err := pub.Ask(context.Background(), "nobody-home", "x", "")
	var nrErr *NoRespondersError
	if !errors.As(err, &nrErr) {
		t.Fatalf("expected NoRespondersError, got %v", err)
	}
}

func TestAskHandlerErrorBecomesErrorResponse(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	failing := func(ctx context.Context, req codec.Request) (string, error) {
		return "", errors.New("boom")
	}
	sub := NewSubscriber(client, "failer", failing, SubscriberConfig{MaxInflight: 4, PresenceTTL: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)
	defer sub.Stop()
	time.Sleep(50 * time.Millisecond)

	pub := NewPublisher(client, fastConfig())
	defer pub.Close()

	resp, err := pub.Ask(context.Background(), "failer", "x", "")
	if err != nil {
		t.Fatalf("handler error should surface as an ERROR response, not a publisher error: %v", err)
	}
	if resp.Status != codec.StatusError {
		t.Errorf("expected ERROR status, got %s", resp.Status)
	}
	if resp.ErrorMessage != "boom" {
		t.Errorf("expected error message 'boom', got %q", resp.ErrorMessage)
	}
}

func TestAskHandlerPanicBecomesErrorResponse(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	panicky := func(ctx context.Context, req codec.Request) (string, error) {
		panic("kaboom")
	}
	sub := NewSubscriber(client, "panicker", panicky, SubscriberConfig{MaxInflight: 4, PresenceTTL: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)
	defer sub.Stop()
	time.Sleep(50 * time.Millisecond)

	pub := NewPublisher(client, fastConfig())
	defer pub.Close()

	resp, err := pub.Ask(context.Background(), "panicker", "x", "")
	if err != nil {
		t.Fatalf("handler panic should surface as an ERROR response: %v", err)
	}
	if resp.Status != codec.StatusError {
		t.Errorf("expected ERROR status after panic, got %s", resp.Status)
	}
}

func TestAskConcurrentRequestsEachGetTheirOwnReply(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	echo := func(ctx context.Context, req codec.Request) (string, error) {
		return req.Payload, nil
	}
	sub := NewSubscriber(client, "echo2", echo, SubscriberConfig{MaxInflight: 16, PresenceTTL: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)
	defer sub.Stop()
	time.Sleep(50 * time.Millisecond)

	pub := NewPublisher(client, fastConfig())
	defer pub.Close()

	const n = 20
	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := string(rune('a' + i%26))
			resp, err := pub.Ask(context.Background(), "echo2", payload, "")
			if err != nil || resp.Payload != payload {
				atomic.AddInt32(&failures, 1)
			}
		}(i)
	}
	wg.Wait()
	if failures > 0 {
		t.Errorf("%d/%d concurrent asks did not get their own matching reply", failures, n)
	}
}

func TestAskCircuitOpensAfterRepeatedNoResponders(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	pub := NewPublisher(client, fastConfig())
	defer pub.Close()

	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = pub.Ask(context.Background(), "ghost", "x", "")
	}
	var openErr *CircuitOpenError
	if !errors.As(lastErr, &openErr) {
		t.Fatalf("expected circuit to open after repeated no-responders, got %v", lastErr)
	}
}

func TestPublisherCloseUnblocksPendingAsk(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	// An expert that only replies once its context is canceled exercises
	// the close-drains path without leaking a goroutine forever.
	never := func(ctx context.Context, req codec.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	sub := NewSubscriber(client, "stuck", never, SubscriberConfig{MaxInflight: 4, PresenceTTL: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)
	defer sub.Stop()
	time.Sleep(50 * time.Millisecond)

	pub := NewPublisher(client, PublisherConfig{TimeoutMs: 5000, MaxRetries: 0, ReconnectBackoff: 20 * time.Millisecond, PingInterval: time.Minute})

	done := make(chan struct{})
	go func() {
		pub.Ask(context.Background(), "stuck", "x", "")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	pub.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Ask did not return after publisher Close")
	}
}
