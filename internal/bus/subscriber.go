package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/ditrouter/internal/codec"
)

const (
	defaultMaxInflight    = 64
	defaultPresenceTTL    = 5 * time.Second
	presenceRefreshMargin = 2 // presence key refreshed this many times per TTL window
)

// SubscriberConfig configures a Subscriber's concurrency and presence
// heartbeat.
type SubscriberConfig struct {
	MaxInflight int
	PresenceTTL time.Duration
}

// DefaultSubscriberConfig returns the spec's documented default
// (max_inflight=64).
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{MaxInflight: defaultMaxInflight, PresenceTTL: defaultPresenceTTL}
}

// Handler invokes an expert for one decoded request and returns its reply
// payload. It must never panic; the subscriber recovers anyway but a
// handler that panics loses the chance to report a useful error message.
type Handler func(ctx context.Context, req codec.Request) (payload string, err error)

// Subscriber consumes one expert's work list (models.<expert_id>) with
// blocking pops, invokes Handler for each request up to MaxInflight
// concurrently, and always publishes exactly one reply — including on
// decode failure, handler error, or recovered panic — per §4.6's "always
// respond" guarantee.
type Subscriber struct {
	client   *redis.Client
	expertID string
	handler  Handler
	cfg      SubscriberConfig
	logger   *slog.Logger

	sem chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// SubscriberOption configures optional Subscriber behavior.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger attaches a structured logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = logger }
}

// NewSubscriber creates a Subscriber bound to one expert's work list.
func NewSubscriber(client *redis.Client, expertID string, handler Handler, cfg SubscriberConfig, opts ...SubscriberOption) *Subscriber {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = defaultMaxInflight
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = defaultPresenceTTL
	}
	s := &Subscriber{
		client:   client,
		expertID: expertID,
		handler:  handler,
		cfg:      cfg,
		logger:   slog.Default(),
		sem:      make(chan struct{}, cfg.MaxInflight),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, consuming requests until ctx is canceled or Stop is called.
// It starts the presence heartbeat and the blocking-pop consume loop and
// waits for in-flight handlers to finish before returning.
func (s *Subscriber) Run(ctx context.Context) error {
	s.wg.Add(1)
	go s.heartbeat(ctx)

	key := workListPrefix + s.expertID
	for {
		select {
		case <-s.stop:
			s.wg.Wait()
			return nil
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		default:
		}

		result, err := s.client.BRPop(ctx, time.Second, key).Result()
		if err == redis.Nil {
			continue // poll timeout, no work available
		}
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return ctx.Err()
			}
			s.logger.Warn("bus: BRPop error", slog.String("expert_id", s.expertID), slog.String("error", err.Error()))
			time.Sleep(defaultReconnectBackoff)
			continue
		}

		// result is [key, value]; BRPop on a single key always returns 2 elements.
		payload := result[1]

		select {
		case s.sem <- struct{}{}:
		case <-s.stop:
			s.wg.Wait()
			return nil
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		}

		s.wg.Add(1)
		go func(raw string) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.process(ctx, raw)
		}(payload)
	}
}

// process decodes one request, invokes the handler, and always publishes
// a reply — recovering from a handler panic into a synthetic ERROR
// response rather than letting it take down the subscriber.
func (s *Subscriber) process(ctx context.Context, raw string) {
	start := time.Now()

	req, err := codec.DecodeRequest([]byte(raw))
	if err != nil {
		s.reply(ctx, codec.NewErrorResponse("", s.expertID, err.Error(), 0))
		return
	}

	resp := s.invoke(ctx, req, start)
	s.reply(ctx, resp)
}

func (s *Subscriber) invoke(ctx context.Context, req codec.Request, start time.Time) (resp codec.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = codec.NewErrorResponse(req.RequestID, req.ExpertID, panicMessage(r), latencyMs(start))
		}
	}()

	payload, err := s.handler(ctx, req)
	if err != nil {
		return codec.NewErrorResponse(req.RequestID, req.ExpertID, err.Error(), latencyMs(start))
	}
	return codec.Response{
		RequestID: req.RequestID,
		ExpertID:  req.ExpertID,
		Payload:   payload,
		Status:    codec.StatusSuccess,
		LatencyMs: latencyMs(start),
	}
}

func (s *Subscriber) reply(ctx context.Context, resp codec.Response) {
	data, err := codec.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("bus: failed to encode reply", slog.String("error", err.Error()))
		return
	}
	if err := s.client.Publish(ctx, replyChannel, data).Err(); err != nil {
		s.logger.Warn("bus: failed to publish reply", slog.String("expert_id", s.expertID), slog.String("error", err.Error()))
	}
}

// heartbeat refreshes the presence key so the publisher's no-responders
// check sees this expert as having a live subscriber. It runs until Stop
// or ctx cancellation and best-effort deletes the key on exit.
func (s *Subscriber) heartbeat(ctx context.Context) {
	defer s.wg.Done()
	key := presencePrefix + s.expertID
	interval := s.cfg.PresenceTTL / presenceRefreshMargin
	if interval <= 0 {
		interval = time.Second
	}

	refresh := func() {
		if err := s.client.Set(ctx, key, "1", s.cfg.PresenceTTL).Err(); err != nil {
			s.logger.Warn("bus: presence refresh failed", slog.String("expert_id", s.expertID), slog.String("error", err.Error()))
		}
	}
	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			refresh()
		case <-s.stop:
			s.client.Del(context.Background(), key)
			return
		case <-ctx.Done():
			s.client.Del(context.Background(), key)
			return
		}
	}
}

// Stop signals the consume loop to halt and returns immediately; Run
// waits for in-flight handlers to drain before it returns.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

func latencyMs(start time.Time) int32 {
	return int32(time.Since(start).Milliseconds())
}

func panicMessage(r interface{}) string {
	if err, ok := r.(error); ok {
		return "panic: " + err.Error()
	}
	return "panic in expert handler"
}
