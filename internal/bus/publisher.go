// Package bus realizes the pub/sub request-reply transport (C5 publisher,
// C6 subscriber) over Redis: work subjects are Redis lists consumed with
// blocking pops (work-queue semantics without a dedicated broker), and
// replies are delivered over a single shared Pub/Sub channel multiplexed
// by request_id.
package bus

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/ditrouter/internal/circuitbreaker"
	"github.com/jordanhubbard/ditrouter/internal/codec"
	"github.com/jordanhubbard/ditrouter/internal/idempotency"
)

const (
	defaultTimeout          = 3000 * time.Millisecond
	defaultMaxRetries       = 2
	defaultReconnectBackoff = 500 * time.Millisecond
	defaultPingInterval     = 10 * time.Second
	defaultReplyCacheTTL    = 30 * time.Second
	defaultReplyCacheSize   = 10000

	replyChannel   = "ditrouter:replies"
	workListPrefix = "models."
	presencePrefix = "ditrouter:workers:"
)

// PublisherConfig configures a Publisher's retry and reconnect behavior.
type PublisherConfig struct {
	TimeoutMs        int
	MaxRetries       int
	ReconnectBackoff time.Duration
	PingInterval     time.Duration
}

// DefaultPublisherConfig returns the spec's documented defaults
// (timeout_ms=3000, max_retries=2, 500ms reconnect backoff, 10s ping).
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		TimeoutMs:        3000,
		MaxRetries:       defaultMaxRetries,
		ReconnectBackoff: defaultReconnectBackoff,
		PingInterval:     defaultPingInterval,
	}
}

func (c PublisherConfig) timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return defaultTimeout
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Publisher holds one long-lived bus connection and one dedicated
// scheduler goroutine that owns the shared reply subscription. Every
// caller goroutine registers a waiter and publishes concurrently — the
// client's connection pool is safe for concurrent LPush — but exactly one
// goroutine ever reads the shared reply channel and demultiplexes
// incoming replies by request_id. This is the fix for the original
// failure mode the design is built around: concurrent callers each
// running their own receive loop on a shared subscription race each
// other, so only the first ever gets its reply and the rest time out.
type Publisher struct {
	client *redis.Client
	cfg    PublisherConfig
	logger *slog.Logger

	replyCache *idempotency.Cache

	breakersMu sync.Mutex
	breakers   map[string]*circuitbreaker.Breaker

	waitersMu sync.Mutex
	waiters   map[string]chan codec.Response

	onBreakerChange func(expertID string, from, to circuitbreaker.State)

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// PublisherOption configures optional Publisher behavior.
type PublisherOption func(*Publisher)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

// WithBreakerChangeFunc registers a callback fired on every per-subject
// breaker state transition, so callers can mirror it into events/metrics.
func WithBreakerChangeFunc(fn func(expertID string, from, to circuitbreaker.State)) PublisherOption {
	return func(p *Publisher) { p.onBreakerChange = fn }
}

// NewPublisher creates a Publisher against an already-constructed Redis
// client (so callers control pool sizing, TLS, auth) and starts its
// scheduler goroutine.
func NewPublisher(client *redis.Client, cfg PublisherConfig, opts ...PublisherOption) *Publisher {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	p := &Publisher{
		client:     client,
		cfg:        cfg,
		logger:     slog.Default(),
		replyCache: idempotency.New(defaultReplyCacheTTL, defaultReplyCacheSize),
		breakers:   make(map[string]*circuitbreaker.Breaker),
		waiters:    make(map[string]chan codec.Response),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(1)
	go p.scheduler()
	return p
}

func (p *Publisher) breaker(expertID string) *circuitbreaker.Breaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()
	b, ok := p.breakers[expertID]
	if !ok {
		subject := expertID
		b = circuitbreaker.New(circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
			if p.onBreakerChange != nil {
				p.onBreakerChange(subject, from, to)
			}
		}))
		p.breakers[expertID] = b
	}
	return b
}

// Ask publishes a request on models.<expert_id> and awaits exactly one
// reply, retrying on timeout with exponential backoff + jitter up to
// max_retries additional attempts. If requestID is empty, a fresh UUID is
// assigned. See §4.5.
func (p *Publisher) Ask(ctx context.Context, expertID, payload, requestID string) (codec.Response, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if cached, ok := p.cachedReply(requestID); ok {
		return cached, nil
	}

	breaker := p.breaker(expertID)
	if !breaker.Allow() {
		return codec.NewErrorResponse(requestID, expertID, "circuit open", 0),
			&CircuitOpenError{ExpertID: expertID}
	}

	present, err := p.hasResponders(ctx, expertID)
	if err != nil {
		p.logger.Warn("bus: presence check failed", slog.String("expert_id", expertID), slog.String("error", err.Error()))
	} else if !present {
		breaker.RecordFailure()
		return codec.NewErrorResponse(requestID, expertID, "no responders", 0),
			&NoRespondersError{ExpertID: expertID}
	}

	timeout := p.cfg.timeout()
	maxRetries := p.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := p.attempt(ctx, expertID, payload, requestID, timeout)
		if err == nil {
			breaker.RecordSuccess()
			p.cacheReply(requestID, resp)
			return resp, nil
		}
		if ctx.Err() != nil {
			return codec.NewErrorResponse(requestID, expertID, ctx.Err().Error(), 0), ctx.Err()
		}
		if err == ErrClosed {
			return codec.NewErrorResponse(requestID, expertID, err.Error(), 0), err
		}

		if cached, ok := p.cachedReply(requestID); ok {
			// A prior attempt's reply landed late (after our timeout
			// fired) — serve it instead of retrying (§4.11 scenario 8).
			breaker.RecordSuccess()
			return cached, nil
		}

		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return codec.NewErrorResponse(requestID, expertID, ctx.Err().Error(), 0), ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}

	breaker.RecordFailure()
	return codec.NewErrorResponse(requestID, expertID, "timeout after "+strconv.Itoa(maxRetries+1)+" tries", 0),
		&TimeoutError{ExpertID: expertID, Attempts: maxRetries + 1}
}

// attempt runs one publish-and-wait cycle.
func (p *Publisher) attempt(ctx context.Context, expertID, payload, requestID string, timeout time.Duration) (codec.Response, error) {
	waiter := make(chan codec.Response, 1)
	p.waitersMu.Lock()
	p.waiters[requestID] = waiter
	p.waitersMu.Unlock()
	defer func() {
		p.waitersMu.Lock()
		delete(p.waiters, requestID)
		p.waitersMu.Unlock()
	}()

	req := codec.Request{RequestID: requestID, ExpertID: expertID, Payload: payload}
	data, err := codec.EncodeRequest(req)
	if err != nil {
		return codec.Response{}, err
	}

	if err := p.client.LPush(ctx, workListPrefix+expertID, data).Err(); err != nil {
		return codec.Response{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		return resp, nil
	case <-timer.C:
		return codec.Response{}, &TimeoutError{ExpertID: expertID, Attempts: 1}
	case <-ctx.Done():
		return codec.Response{}, ctx.Err()
	case <-p.closed:
		return codec.Response{}, ErrClosed
	}
}

func (p *Publisher) cachedReply(requestID string) (codec.Response, bool) {
	e, ok := p.replyCache.Get(requestID)
	if !ok {
		return codec.Response{}, false
	}
	resp, err := codec.DecodeResponse(e.Response)
	if err != nil {
		return codec.Response{}, false
	}
	return resp, true
}

func (p *Publisher) cacheReply(requestID string, resp codec.Response) {
	data, err := codec.EncodeResponse(resp)
	if err != nil {
		return
	}
	p.replyCache.Set(requestID, data, 0, nil)
}

// hasResponders checks whether any subscriber has a live presence key for
// expertID, standing in for the bus-native "no responders" signal NATS
// provides natively; Redis lists have no such signal of their own.
func (p *Publisher) hasResponders(ctx context.Context, expertID string) (bool, error) {
	n, err := p.client.Exists(ctx, presencePrefix+expertID).Result()
	if err != nil {
		return true, err // fail open: don't block asks on a transient presence-check error
	}
	return n > 0, nil
}

// scheduler is the publisher's single dedicated goroutine: it owns the
// shared reply subscription and is the only goroutine that ever reads
// from it, demultiplexing each incoming reply to its waiter by
// request_id. It reconnects with the configured backoff on subscription
// failure, matching the publisher's own bus connection reconnect policy.
func (p *Publisher) scheduler() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		default:
		}

		if err := p.runSubscription(); err != nil {
			p.logger.Warn("bus: reply subscription error, reconnecting", slog.String("error", err.Error()))
		}

		select {
		case <-p.closed:
			return
		case <-time.After(p.cfg.ReconnectBackoff):
		}
	}
}

func (p *Publisher) runSubscription() error {
	ctx := context.Background()
	sub := p.client.Subscribe(ctx, replyChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	ping := time.NewTicker(p.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-p.closed:
			return nil
		case <-ping.C:
			if err := p.client.Ping(ctx).Err(); err != nil {
				return err
			}
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			p.dispatchReply(msg.Payload)
		}
	}
}

func (p *Publisher) dispatchReply(payload string) {
	resp, err := codec.DecodeResponse([]byte(payload))
	if err != nil {
		p.logger.Warn("bus: malformed reply", slog.String("error", err.Error()))
		return
	}
	p.waitersMu.Lock()
	waiter, ok := p.waiters[resp.RequestID]
	p.waitersMu.Unlock()
	if !ok {
		// Reply arrived after the waiter gave up (timed out); the reply
		// cache still records it for a late-arriving idempotent retry.
		p.cacheReply(resp.RequestID, resp)
		return
	}
	select {
	case waiter <- resp:
	default:
		// At-most-one reply is ever sent on this channel; a full buffer
		// means the waiter already received one, which cannot happen.
	}
}

// Close stops the scheduler and drains outstanding submissions; pending
// Ask calls return ErrClosed.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()
}

func backoff(attempt int) time.Duration {
	const base = 0.15
	max := base * math.Pow(2, float64(attempt))
	jitter := base + rand.Float64()*(max-base)
	return time.Duration(jitter * float64(time.Second))
}
