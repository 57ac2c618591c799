package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/jordanhubbard/ditrouter/internal/config"
	"github.com/jordanhubbard/ditrouter/internal/expert"
	"github.com/jordanhubbard/ditrouter/internal/httpapi"
	"github.com/jordanhubbard/ditrouter/internal/stats"
	"github.com/jordanhubbard/ditrouter/internal/store"
)

// discardLogger returns a logger that discards all output, suitable for tests.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadConfigDefaults(t *testing.T) {
	envVars := []string{
		"DITROUTER_LISTEN_ADDR",
		"DITROUTER_LOG_LEVEL",
		"DITROUTER_CONFIG_FILE",
		"DITROUTER_DB_DSN",
		"DITROUTER_VAULT_ENABLED",
		"DITROUTER_VAULT_PASSWORD",
		"DITROUTER_ADMIN_TOKEN",
		"DITROUTER_CORS_ORIGINS",
		"DITROUTER_RATE_LIMIT_RPS",
		"DITROUTER_RATE_LIMIT_BURST",
		"DITROUTER_OTEL_ENABLED",
		"DITROUTER_OTEL_ENDPOINT",
		"DITROUTER_OTEL_SERVICE_NAME",
		"DITROUTER_SHUTDOWN_DRAIN_SECS",
	}
	for _, key := range envVars {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.ConfigFile != "/data/ditrouter.json" {
		t.Errorf("ConfigFile = %q, want %q", cfg.ConfigFile, "/data/ditrouter.json")
	}
	if cfg.DBDSN != "file:/data/ditrouter.sqlite" {
		t.Errorf("DBDSN = %q, want %q", cfg.DBDSN, "file:/data/ditrouter.sqlite")
	}
	if cfg.VaultEnabled != true {
		t.Errorf("VaultEnabled = %v, want true", cfg.VaultEnabled)
	}
	if cfg.RateLimitRPS != 60 {
		t.Errorf("RateLimitRPS = %d, want 60", cfg.RateLimitRPS)
	}
	if cfg.RateLimitBurst != 120 {
		t.Errorf("RateLimitBurst = %d, want 120", cfg.RateLimitBurst)
	}
	if cfg.OTelEnabled != false {
		t.Errorf("OTelEnabled = %v, want false", cfg.OTelEnabled)
	}
	if cfg.ShutdownDrainSecs != 30 {
		t.Errorf("ShutdownDrainSecs = %d, want 30", cfg.ShutdownDrainSecs)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DITROUTER_LISTEN_ADDR", ":9090")
	t.Setenv("DITROUTER_LOG_LEVEL", "debug")
	t.Setenv("DITROUTER_DB_DSN", "file::memory:")
	t.Setenv("DITROUTER_VAULT_ENABLED", "false")
	t.Setenv("DITROUTER_RATE_LIMIT_RPS", "100")
	t.Setenv("DITROUTER_RATE_LIMIT_BURST", "200")
	t.Setenv("DITROUTER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DITROUTER_OTEL_ENABLED", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.DBDSN != "file::memory:" {
		t.Errorf("DBDSN = %q, want %q", cfg.DBDSN, "file::memory:")
	}
	if cfg.VaultEnabled != false {
		t.Errorf("VaultEnabled = %v, want false", cfg.VaultEnabled)
	}
	if cfg.RateLimitRPS != 100 {
		t.Errorf("RateLimitRPS = %d, want 100", cfg.RateLimitRPS)
	}
	if cfg.RateLimitBurst != 200 {
		t.Errorf("RateLimitBurst = %d, want 200", cfg.RateLimitBurst)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://a.example" || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v, want [https://a.example https://b.example]", cfg.CORSOrigins)
	}
	if cfg.OTelEnabled != true {
		t.Errorf("OTelEnabled = %v, want true", cfg.OTelEnabled)
	}
}

func TestLoadConfigInvalidEnvFallsBackToDefaults(t *testing.T) {
	t.Setenv("DITROUTER_VAULT_ENABLED", "notabool")
	t.Setenv("DITROUTER_RATE_LIMIT_RPS", "notanint")
	t.Setenv("DITROUTER_RATE_LIMIT_BURST", "notanint")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.VaultEnabled != true {
		t.Errorf("VaultEnabled = %v, want true (default on invalid input)", cfg.VaultEnabled)
	}
	if cfg.RateLimitRPS != 60 {
		t.Errorf("RateLimitRPS = %d, want 60 (default on invalid input)", cfg.RateLimitRPS)
	}
	if cfg.RateLimitBurst != 120 {
		t.Errorf("RateLimitBurst = %d, want 120 (default on invalid input)", cfg.RateLimitBurst)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	t.Setenv("DITROUTER_RATE_LIMIT_RPS", "0")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for zero DITROUTER_RATE_LIMIT_RPS")
	}
}

// newTestConfig returns a Config that wires NewServer against an in-memory
// SQLite database, a config file that does not exist (so NewServer falls
// back to config.Default()), and small rate limits suitable for tests. The
// bus address is left at the schema default: redis.NewClient connects
// lazily, so NewServer succeeds without a live broker, and none of these
// tests make a call that would reach it.
func newTestConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		ListenAddr:        ":0",
		LogLevel:          "error",
		ConfigFile:        t.TempDir() + "/missing-ditrouter.json",
		DBDSN:             ":memory:",
		VaultEnabled:      false,
		RateLimitRPS:      60,
		RateLimitBurst:    120,
		ShutdownDrainSecs: 1,
	}
}

func TestNewServer(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv == nil {
		t.Fatal("expected non-nil server")
	}
}

func TestNewServerHasRouter(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv.Router() == nil {
		t.Fatal("expected non-nil Router()")
	}
}

func TestNewServerNoExpertsConfigured(t *testing.T) {
	// With no config file and no persisted experts, NewServer should still
	// succeed: dispatcher and router are wired against an empty table, and
	// the server logs a warning rather than failing startup.
	cfg := newTestConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv.table.Len() != 0 {
		t.Errorf("table.Len() = %d, want 0", srv.table.Len())
	}
	if srv.dispatcher == nil {
		t.Fatal("expected non-nil dispatcher even with no experts")
	}
}

func TestServerClose(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestServerReload(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv.cfg.RateLimitRPS != 60 {
		t.Fatalf("initial RateLimitRPS = %d, want 60", srv.cfg.RateLimitRPS)
	}

	newCfg := cfg
	newCfg.RateLimitRPS = 100
	newCfg.RateLimitBurst = 200
	newCfg.LogLevel = "debug"

	srv.Reload(newCfg)

	if srv.cfg.RateLimitRPS != 100 {
		t.Errorf("after Reload RateLimitRPS = %d, want 100", srv.cfg.RateLimitRPS)
	}
	if srv.cfg.RateLimitBurst != 200 {
		t.Errorf("after Reload RateLimitBurst = %d, want 200", srv.cfg.RateLimitBurst)
	}
	if srv.cfg.LogLevel != "debug" {
		t.Errorf("after Reload LogLevel = %q, want %q", srv.cfg.LogLevel, "debug")
	}
}

func TestCollectExpertDeclsSkipsInlineAndPrefersConfigFile(t *testing.T) {
	db, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	// A persisted record for "worker-a" that the config file also declares;
	// the config file's kind/descriptors must win.
	if err := db.UpsertExpert(context.Background(), store.ExpertRecord{
		ExpertID: "worker-a", Kind: "http", Config: `{"endpoint":"http://persisted"}`, Enabled: true,
	}); err != nil {
		t.Fatalf("UpsertExpert() error: %v", err)
	}
	// A persisted record for a second expert, not named in the config file.
	if err := db.UpsertExpert(context.Background(), store.ExpertRecord{
		ExpertID: "worker-b", Kind: "bus", Config: `{}`, Enabled: true,
	}); err != nil {
		t.Fatalf("UpsertExpert() error: %v", err)
	}
	// A disabled record must be skipped entirely.
	if err := db.UpsertExpert(context.Background(), store.ExpertRecord{
		ExpertID: "worker-c", Kind: "bus", Config: `{}`, Enabled: false,
	}); err != nil {
		t.Fatalf("UpsertExpert() error: %v", err)
	}

	domainCfg := &config.File{
		Experts: []config.ExpertConfig{
			{ExpertID: "worker-a", Kind: "bus", Descriptors: []string{"alpha"}},
			{ExpertID: "worker-inline", Kind: "inline"},
		},
	}

	ids, kinds, _, descWords := collectExpertDecls(domainCfg, db, discardLogger())

	got := map[string]bool{}
	for _, id := range ids {
		got[id] = true
	}
	if !got["worker-a"] || !got["worker-b"] {
		t.Fatalf("ids = %v, want worker-a and worker-b present", ids)
	}
	if got["worker-inline"] {
		t.Error("inline expert must not appear in collected ids")
	}
	if got["worker-c"] {
		t.Error("disabled persisted expert must not appear in collected ids")
	}
	if kinds["worker-a"] != "bus" {
		t.Errorf("worker-a kind = %q, want %q (config file must win over persisted record)", kinds["worker-a"], "bus")
	}
	if kinds["worker-b"] != "bus" {
		t.Errorf("worker-b kind = %q, want %q", kinds["worker-b"], "bus")
	}
	if len(descWords["worker-a"]) != 1 || descWords["worker-a"][0] != "alpha" {
		t.Errorf("worker-a descriptors = %v, want [alpha]", descWords["worker-a"])
	}
}

func TestBindExpertsRejectsUnconstructibleKind(t *testing.T) {
	table := expert.NewTable()
	descriptors := httpapi.NewDescriptorRegistry()
	_, err := bindExperts([]string{"x"}, map[string]string{"x": "inline"}, nil, nil, table, descriptors, nil, stats.NewTracker([]string{"x"}))
	if err == nil {
		t.Fatal("expected error binding an inline expert from declarative config")
	}
}

func TestBindExpertsHTTPRequiresEndpoint(t *testing.T) {
	table := expert.NewTable()
	descriptors := httpapi.NewDescriptorRegistry()
	_, err := bindExperts([]string{"x"}, map[string]string{"x": "http"}, map[string][]byte{"x": []byte(`{}`)}, nil, table, descriptors, nil, stats.NewTracker([]string{"x"}))
	if err == nil {
		t.Fatal("expected error binding an http expert with no endpoint configured")
	}
}

func TestBindExpertsHTTPRegistersProbeTarget(t *testing.T) {
	table := expert.NewTable()
	descriptors := httpapi.NewDescriptorRegistry()
	raw := map[string][]byte{"x": []byte(`{"endpoint":"http://example.invalid","health_endpoint":"http://example.invalid/health"}`)}
	probeTargets, err := bindExperts([]string{"x"}, map[string]string{"x": "http"}, raw, nil, table, descriptors, nil, stats.NewTracker([]string{"x"}))
	if err != nil {
		t.Fatalf("bindExperts() error: %v", err)
	}
	if len(probeTargets) != 1 {
		t.Fatalf("probeTargets = %d, want 1", len(probeTargets))
	}
	if table.Len() != 1 {
		t.Errorf("table.Len() = %d, want 1", table.Len())
	}
}
