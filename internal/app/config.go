package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the ops-level bootstrap config, resolved from the process
// environment: where to listen, how to log, how to secure admin access.
// Domain config (bus address, routing strategy, statically-known
// experts) lives in the separate JSON file loaded by internal/config.
type Config struct {
	ListenAddr string
	LogLevel   string

	ConfigFile string // path to the internal/config JSON file

	DBDSN string

	VaultEnabled  bool
	VaultPassword string // auto-unlock vault at startup if set

	// Security & hardening.
	AdminToken     string   // DITROUTER_ADMIN_TOKEN; auto-generated and persisted if unset
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string

	ShutdownDrainSecs int
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("DITROUTER_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("DITROUTER_LOG_LEVEL", "info"),
		ConfigFile: getEnv("DITROUTER_CONFIG_FILE", "/data/ditrouter.json"),
		DBDSN:      getEnv("DITROUTER_DB_DSN", "file:/data/ditrouter.sqlite"),

		VaultEnabled:  getEnvBool("DITROUTER_VAULT_ENABLED", true),
		VaultPassword: getEnv("DITROUTER_VAULT_PASSWORD", ""),

		AdminToken:     getEnv("DITROUTER_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("DITROUTER_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("DITROUTER_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("DITROUTER_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("DITROUTER_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("DITROUTER_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("DITROUTER_OTEL_SERVICE_NAME", "ditrouter"),

		ShutdownDrainSecs: getEnvInt("DITROUTER_SHUTDOWN_DRAIN_SECS", 30),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("DITROUTER_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("DITROUTER_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ConfigFile == "" {
		return fmt.Errorf("DITROUTER_CONFIG_FILE must not be empty")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
