package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/ditrouter/internal/apikey"
	"github.com/jordanhubbard/ditrouter/internal/bus"
	"github.com/jordanhubbard/ditrouter/internal/circuitbreaker"
	"github.com/jordanhubbard/ditrouter/internal/config"
	"github.com/jordanhubbard/ditrouter/internal/dispatcher"
	"github.com/jordanhubbard/ditrouter/internal/events"
	"github.com/jordanhubbard/ditrouter/internal/expert"
	"github.com/jordanhubbard/ditrouter/internal/health"
	"github.com/jordanhubbard/ditrouter/internal/httpapi"
	"github.com/jordanhubbard/ditrouter/internal/httpexpert"
	"github.com/jordanhubbard/ditrouter/internal/idempotency"
	"github.com/jordanhubbard/ditrouter/internal/logging"
	"github.com/jordanhubbard/ditrouter/internal/metrics"
	"github.com/jordanhubbard/ditrouter/internal/ratelimit"
	"github.com/jordanhubbard/ditrouter/internal/router"
	"github.com/jordanhubbard/ditrouter/internal/stats"
	"github.com/jordanhubbard/ditrouter/internal/store"
	"github.com/jordanhubbard/ditrouter/internal/tracked"
	"github.com/jordanhubbard/ditrouter/internal/tracing"
	"github.com/jordanhubbard/ditrouter/internal/tsdb"
	"github.com/jordanhubbard/ditrouter/internal/vault"
)

// Server owns every subsystem a running ditrouter daemon needs and the chi
// router that ties them together behind internal/httpapi. NewServer wires
// them from Config (ops bootstrap) and the internal/config JSON file
// (bus/router/experts); Close drains and releases them in reverse order.
type Server struct {
	cfg Config

	r *chi.Mux

	logger *slog.Logger

	vault      *vault.Vault
	store      store.Store
	redis      *redis.Client
	publisher  *bus.Publisher
	table      *expert.Table
	dispatcher *dispatcher.Dispatcher
	statsTrack *stats.Tracker

	health *health.Tracker
	prober *health.Prober // nil when no probeable adapters registered

	eventBus *events.Bus
	stats    *stats.Collector
	tsdb     *tsdb.Store // nil when TSDB failed to init

	apiKeyMgr  *apikey.Manager
	adminToken *httpapi.AdminTokenHolder

	rateLimiter      *ratelimit.Limiter
	idempotencyCache *idempotency.Cache

	otelShutdown func(context.Context) error // nil when OTel disabled

	stopTSDBPrune chan struct{}
	stopLogPrune  chan struct{}
	stopRotation  chan struct{}

	httpServer *http.Server // set via SetHTTPServer; used by Close() to drain in-flight requests
}

// NewServer wires every subsystem described in Config and the bus/router/
// experts file it names, then mounts the HTTP API on the returned Server's
// router.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	otelShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	if cfg.OTelEnabled {
		logger.Info("opentelemetry tracing enabled",
			slog.String("endpoint", cfg.OTelEndpoint),
			slog.String("service", cfg.OTelServiceName),
		)
	}

	domainCfg, err := config.Load(cfg.ConfigFile)
	if err != nil {
		logger.Warn("config file unavailable, falling back to schema defaults",
			slog.String("path", cfg.ConfigFile), slog.String("error", err.Error()))
		domainCfg = config.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}
	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	m := metrics.New()

	rl := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitedTotal))

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	// Restore vault salt/blob from the store (persisted across restarts).
	if salt, data, err := db.LoadVaultBlob(context.Background()); err == nil && salt != nil {
		v.SetSalt(salt)
		logger.Info("restored vault salt from database")
		if data != nil {
			_ = v.Import(data)
			logger.Info("restored vault credentials", slog.Int("keys", len(data)))
		}
	}

	// Auto-unlock the vault from the environment for headless deployments.
	if cfg.VaultPassword != "" && cfg.VaultEnabled {
		logger.Warn("DITROUTER_VAULT_PASSWORD is set: vault password is visible in the process environment")
		if err := v.Unlock([]byte(cfg.VaultPassword)); err != nil {
			logger.Error("failed to auto-unlock vault from DITROUTER_VAULT_PASSWORD", slog.String("error", err.Error()))
		} else {
			logger.Info("vault auto-unlocked from DITROUTER_VAULT_PASSWORD")
			if salt := v.Salt(); salt != nil {
				data := v.Export()
				if err := db.SaveVaultBlob(context.Background(), salt, data); err != nil {
					logger.Warn("failed to persist vault blob after auto-unlock", slog.String("error", err.Error()))
				}
			}
		}
	}

	eventBus := events.NewBus()

	ht := health.NewTracker(health.DefaultConfig(),
		health.WithEventBus(eventBus),
		health.WithOnUpdate(func(expertID string, state health.State) {
			logger.Info("expert health state changed", slog.String("expert_id", expertID), slog.String("state", string(state)))
		}),
	)

	redisClient := redis.NewClient(&redis.Options{Addr: domainCfg.Bus.Addr})

	pub := bus.NewPublisher(redisClient, bus.PublisherConfig{
		TimeoutMs:        domainCfg.Bus.TimeoutMs,
		MaxRetries:       domainCfg.Bus.MaxRetries,
		ReconnectBackoff: 500 * time.Millisecond,
		PingInterval:     10 * time.Second,
	},
		bus.WithLogger(logger),
		bus.WithBreakerChangeFunc(func(expertID string, from, to circuitbreaker.State) {
			logger.Warn("bus circuit breaker state change",
				slog.String("expert_id", expertID),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			m.BreakerState.WithLabelValues(expertID).Set(float64(to))
			m.BreakerTrips.WithLabelValues(expertID).Inc()
		}),
	)
	m.BusConnected.Set(1)

	table := expert.NewTable()
	descriptors := httpapi.NewDescriptorRegistry()

	// Gather every expert id declared in the config file or persisted in
	// the store up front, so the stats tracker (which needs the full set
	// at construction) exists before any bus-backed expert makes its
	// first call through it.
	expertIDs, expertKinds, expertRaw, expertDescWords := collectExpertDecls(domainCfg, db, logger)
	statsTrack := stats.NewTracker(expertIDs)

	probeTargets, err := bindExperts(expertIDs, expertKinds, expertRaw, expertDescWords, table, descriptors, pub, statsTrack)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bind experts: %w", err)
	}
	if len(expertIDs) == 0 {
		logger.Warn("NO EXPERTS REGISTERED — configure experts in the config file, or via POST /v1/experts")
	} else {
		logger.Info("startup ready", slog.Int("experts", len(expertIDs)))
	}

	// Build the initial router from persisted routing config, falling back
	// to the config file's strategy, falling back to round_robin. The
	// embedding encoder is left nil (out of scope per spec §1): requesting
	// "embedding" without one wired in first surfaces a Build error to the
	// operator rather than routing silently on a nil encoder.
	routingCfg, err := db.LoadRoutingConfig(context.Background())
	if err != nil || routingCfg.Strategy == "" {
		routingCfg = store.RoutingConfig{Strategy: domainCfg.Router.Strategy, BaseStrategy: domainCfg.Router.BaseStrategy}
	}
	initialRouter, err := router.Build(routingCfg.Strategy, routingCfg.BaseStrategy, expertIDs, descriptors.Snapshot(), nil, statsTrack)
	if err != nil {
		logger.Warn("failed to build configured router, falling back to round_robin", slog.String("error", err.Error()))
		initialRouter, _ = router.Build(router.StrategyRoundRobin, "", expertIDs, nil, nil, statsTrack)
	}
	disp := dispatcher.New(table, initialRouter)

	var prober *health.Prober
	if len(probeTargets) > 0 {
		prober = health.NewProber(health.DefaultProberConfig(), ht, probeTargets, logger)
		prober.Start()
		logger.Info("health prober started", slog.Int("targets", len(probeTargets)))
	}

	sc := stats.NewCollector()
	seedStatsFromDB(sc, db, logger)

	ts, err := tsdb.New(db.DB())
	if err != nil {
		logger.Warn("failed to initialize TSDB", slog.String("error", err.Error()))
	}

	idemCache := idempotency.New(5*time.Minute, 10000)
	logger.Info("idempotency cache initialized", slog.Duration("ttl", 5*time.Minute), slog.Int("max_entries", 10000))

	keyMgr := apikey.NewManager(db)

	adminToken, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, cfg.DBDSN, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("admin token: %w", err)
	}
	if _, err := adminToken.ProvisionHostAPIKey(context.Background(), keyMgr, logger); err != nil {
		logger.Warn("failed to provision host API key", slog.String("error", err.Error()))
	}
	if len(cfg.CORSOrigins) == 0 {
		logger.Warn("DITROUTER_CORS_ORIGINS not set — CORS allows all origins")
	}

	s := &Server{
		cfg:              cfg,
		r:                r,
		logger:           logger,
		vault:            v,
		store:            db,
		redis:            redisClient,
		publisher:        pub,
		table:            table,
		dispatcher:       disp,
		statsTrack:       statsTrack,
		health:           ht,
		prober:           prober,
		eventBus:         eventBus,
		stats:            sc,
		tsdb:             ts,
		apiKeyMgr:        keyMgr,
		adminToken:       adminToken,
		rateLimiter:      rl,
		idempotencyCache: idemCache,
		otelShutdown:     otelShutdown,
		stopTSDBPrune:    make(chan struct{}),
		stopLogPrune:     make(chan struct{}),
		stopRotation:     make(chan struct{}),
	}

	if ts != nil {
		go s.tsdbPruneLoop(ts)
	}
	go s.logPruneLoop()
	go s.rotationEnforceLoop()

	deps := httpapi.Dependencies{
		Dispatcher:       disp,
		Table:            table,
		Publisher:        pub,
		StatsTracker:     statsTrack,
		Encoder:          nil,
		Descriptors:      descriptors,
		Vault:            v,
		Metrics:          m,
		Store:            db,
		Health:           ht,
		Prober:           prober,
		EventBus:         eventBus,
		Stats:            sc,
		TSDB:             ts,
		APIKeyMgr:        keyMgr,
		AdminToken:       adminToken,
		IdempotencyCache: idemCache,
		RateLimiter:      rl,
	}
	httpapi.MountRoutes(r, deps)

	return s, nil
}

// collectExpertDecls gathers every expert id declared in the config file
// (skipping "inline", which is code-only) or persisted in the store,
// config-file declarations taking precedence on id collision.
func collectExpertDecls(domainCfg *config.File, db store.Store, logger *slog.Logger) (ids []string, kinds map[string]string, raw map[string][]byte, descWords map[string][]string) {
	kinds = make(map[string]string)
	raw = make(map[string][]byte)
	descWords = make(map[string][]string)

	for _, ec := range domainCfg.Experts {
		if ec.Kind == "inline" {
			logger.Warn("skipping inline expert in config file: inline experts are code-only", slog.String("expert_id", ec.ExpertID))
			continue
		}
		ids = append(ids, ec.ExpertID)
		kinds[ec.ExpertID] = ec.Kind
		raw[ec.ExpertID] = ec.Config
		descWords[ec.ExpertID] = ec.Descriptors
	}

	records, err := db.ListExperts(context.Background())
	if err != nil {
		logger.Warn("failed to list persisted experts", slog.String("error", err.Error()))
	}
	for _, rec := range records {
		if !rec.Enabled || rec.Kind == "inline" {
			continue
		}
		if _, ok := kinds[rec.ExpertID]; ok {
			continue // config file wins over a persisted record for the same id
		}
		ids = append(ids, rec.ExpertID)
		kinds[rec.ExpertID] = rec.Kind
		raw[rec.ExpertID] = []byte(rec.Config)
	}

	return ids, kinds, raw, descWords
}

// bindExperts constructs and registers one expert.Expert per id into table,
// returning the subset of adapters that support health probing.
func bindExperts(ids []string, kinds map[string]string, raw map[string][]byte, descWords map[string][]string, table *expert.Table, descriptors *httpapi.DescriptorRegistry, pub *bus.Publisher, statsTrack *stats.Tracker) ([]health.Probeable, error) {
	var probeTargets []health.Probeable

	for _, id := range ids {
		kind := kinds[id]
		e := expert.New(id)

		switch kind {
		case "bus":
			callable := tracked.New(pub, statsTrack, id)
			e.Load(busExpertCallable(callable))

		case "http":
			var hc struct {
				Endpoint       string   `json:"endpoint"`
				Endpoints      []string `json:"endpoints,omitempty"`
				HealthEndpoint string   `json:"health_endpoint,omitempty"`
			}
			if len(raw[id]) > 0 {
				if err := json.Unmarshal(raw[id], &hc); err != nil {
					return nil, fmt.Errorf("expert %s: bad config: %w", id, err)
				}
			}
			if hc.Endpoint == "" {
				return nil, fmt.Errorf("expert %s: config.endpoint required for http experts", id)
			}
			opts := []httpexpert.Option{httpexpert.WithEndpoints(hc.Endpoints...)}
			if hc.HealthEndpoint != "" {
				opts = append(opts, httpexpert.WithHealthEndpoint(hc.HealthEndpoint))
			}
			adapter := httpexpert.New(id, hc.Endpoint, opts...)
			e.Load(adapter.Call)
			if hc.HealthEndpoint != "" {
				probeTargets = append(probeTargets, adapter)
			}

		default:
			return nil, fmt.Errorf("expert %s: kind %q not constructible from declarative config", id, kind)
		}

		table.Register(e)
		if words := descWords[id]; len(words) > 0 {
			descriptors.Set(id, words)
		}
	}

	return probeTargets, nil
}

func (s *Server) Router() http.Handler { return s.r }

// SetHTTPServer registers the HTTP server so Close() can drain in-flight
// requests via http.Server.Shutdown before releasing other resources.
func (s *Server) SetHTTPServer(srv *http.Server) {
	s.httpServer = srv
}

// Reload applies hot-reloadable configuration at runtime: rate limits and
// log level. Bus/router/expert changes go through POST /v1/router and
// POST /v1/experts instead, since they need coordinated state updates.
func (s *Server) Reload(cfg Config) {
	s.rateLimiter.UpdateLimits(cfg.RateLimitRPS, cfg.RateLimitBurst)
	logging.SetLevel(cfg.LogLevel)
	s.cfg = cfg
	s.logger.Info("configuration reloaded",
		slog.Int("rate_limit_rps", cfg.RateLimitRPS),
		slog.Int("rate_limit_burst", cfg.RateLimitBurst),
		slog.String("log_level", cfg.LogLevel),
	)
}

func (s *Server) Close() error {
	if s.httpServer != nil {
		drainSecs := s.cfg.ShutdownDrainSecs
		if drainSecs <= 0 {
			drainSecs = 30
		}
		drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(drainSecs)*time.Second)
		defer drainCancel()
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			s.logger.Warn("HTTP drain error", slog.String("error", err.Error()))
		}
	}

	close(s.stopTSDBPrune)
	close(s.stopLogPrune)
	close(s.stopRotation)
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.idempotencyCache != nil {
		s.idempotencyCache.Stop()
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otelShutdown(ctx); err != nil {
			s.logger.Warn("otel shutdown error", slog.String("error", err.Error()))
		}
	}
	if s.tsdb != nil {
		s.tsdb.Flush()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Server) tsdbPruneLoop(ts *tsdb.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			deleted, err := ts.Prune(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("TSDB prune failed", slog.String("error", err.Error()))
			} else if deleted > 0 {
				s.logger.Info("TSDB pruned", slog.Int64("deleted", deleted))
			}
		case <-s.stopTSDBPrune:
			return
		}
	}
}

// logPruneLoop periodically deletes old rows from request_logs and
// audit_logs. Runs every 6 hours with a 90-day retention window.
func (s *Server) logPruneLoop() {
	const retention = 90 * 24 * time.Hour
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			deleted, err := s.store.PruneOldLogs(ctx, retention)
			cancel()
			if err != nil {
				s.logger.Warn("log prune failed", slog.String("error", err.Error()))
			} else if deleted > 0 {
				s.logger.Info("old logs pruned", slog.Int64("deleted", deleted))
			}
		case <-s.stopLogPrune:
			return
		}
	}
}

// rotationEnforceLoop periodically disables API keys that have exceeded
// their rotation period.
func (s *Server) rotationEnforceLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			count, err := s.apiKeyMgr.EnforceRotation(ctx, s.eventBus, s.logger)
			cancel()
			if err != nil {
				s.logger.Warn("key rotation enforcement failed", slog.String("error", err.Error()))
			} else if count > 0 {
				s.logger.Info("key rotation enforcement completed", slog.Int("disabled", count))
			}
		case <-s.stopRotation:
			return
		}
	}
}

// seedStatsFromDB loads recent request logs to pre-populate the in-memory
// stats collector so GET /v1/stats/history isn't empty after a restart.
func seedStatsFromDB(sc *stats.Collector, db store.Store, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logs, err := db.ListRequestLogs(ctx, 5000, 0)
	if err != nil {
		logger.Warn("failed to seed stats from DB", slog.String("error", err.Error()))
		return
	}
	if len(logs) == 0 {
		return
	}
	points := make([]stats.HistogramPoint, 0, len(logs))
	for _, l := range logs {
		points = append(points, stats.HistogramPoint{
			Timestamp: l.Timestamp,
			ExpertID:  l.ExpertID,
			LatencyMs: float64(l.LatencyMs),
			Success:   l.Status == "SUCCESS",
		})
	}
	sc.Seed(points)
	logger.Info("seeded stats collector from database", slog.Int("points", len(points)))
}

// busExpertCallable adapts a tracked.Callable into an expert.Callable,
// generating a fresh request id per call, mirroring the same adaptation
// internal/httpapi applies for experts registered after startup via
// POST /v1/experts.
func busExpertCallable(c *tracked.Callable) expert.Callable {
	return func(query string) (string, error) {
		return c.Call(context.Background(), query, uuid.NewString())
	}
}
