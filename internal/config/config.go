// Package config loads the declarative JSON configuration file that
// describes a ditrouter instance's bus transport, routing strategy, and
// statically-known experts (§6). It is distinct from internal/app's
// environment-variable bootstrap config: this file describes the
// domain (bus address, routing policy, experts), while internal/app
// covers ops concerns (listen address, log level, vault).
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// File is the top-level shape of the JSON config file.
type File struct {
	Server           ServerConfig   `json:"server"`
	Bus              BusConfig      `json:"bus"`
	Router           RouterConfig   `json:"router"`
	Experts          []ExpertConfig `json:"experts"`
	EncryptionKeyEnv string         `json:"encryption_key_env"`
}

// ServerConfig is the HTTP listener's bind address.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns host:port for use with http.Server.Addr / net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BusConfig configures the Redis-backed pub/sub transport (C5/C6).
type BusConfig struct {
	Addr        string `json:"addr"`
	TimeoutMs   int    `json:"timeout_ms"`
	MaxRetries  int    `json:"max_retries"`
	MaxInflight int    `json:"max_inflight"`
}

// RouterConfig names the initial routing strategy (C3), mirroring the
// body accepted by POST /v1/router.
type RouterConfig struct {
	Strategy     string `json:"strategy"`
	BaseStrategy string `json:"base_strategy,omitempty"`
}

// ExpertConfig declares one expert to register at startup. Descriptors
// feeds the domain/domain_simplified routers; Config carries kind-specific
// detail (e.g. HTTP endpoints) as a raw JSON blob, same shape POST
// /v1/experts accepts.
type ExpertConfig struct {
	ExpertID    string          `json:"expert_id"`
	Kind        string          `json:"kind"` // "bus", "http", or "inline"
	Descriptors []string        `json:"descriptors,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

const (
	defaultHost             = "0.0.0.0"
	defaultPort             = 8080
	defaultBusAddr          = "localhost:6379"
	defaultBusTimeoutMs     = 3000
	defaultBusMaxRetries    = 2
	defaultBusMaxInflight   = 64
	defaultRouterStrategy   = "round_robin"
	defaultEncryptionKeyEnv = "DITROUTER_ENCRYPTION_KEY"
)

// Load reads and parses the config file at path, applying defaults for
// any field left zero-valued, and validates the result.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &f, nil
}

// Default returns a File populated entirely with schema defaults, for
// callers that need to run without a config file present (e.g. first-run
// or headless deployments before one has been written).
func Default() *File {
	f := &File{}
	f.applyDefaults()
	return f
}

func (f *File) applyDefaults() {
	if f.Server.Host == "" {
		f.Server.Host = defaultHost
	}
	if f.Server.Port == 0 {
		f.Server.Port = defaultPort
	}
	if f.Bus.Addr == "" {
		f.Bus.Addr = defaultBusAddr
	}
	if f.Bus.TimeoutMs == 0 {
		f.Bus.TimeoutMs = defaultBusTimeoutMs
	}
	if f.Bus.MaxRetries == 0 {
		f.Bus.MaxRetries = defaultBusMaxRetries
	}
	if f.Bus.MaxInflight == 0 {
		f.Bus.MaxInflight = defaultBusMaxInflight
	}
	if f.Router.Strategy == "" {
		f.Router.Strategy = defaultRouterStrategy
	}
	if f.EncryptionKeyEnv == "" {
		f.EncryptionKeyEnv = defaultEncryptionKeyEnv
	}
}

// Validate checks for obviously invalid or contradictory settings that
// applyDefaults cannot paper over.
func (f *File) Validate() error {
	if f.Server.Port <= 0 || f.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", f.Server.Port)
	}
	if f.Bus.MaxRetries < 0 {
		return fmt.Errorf("bus.max_retries must be >= 0, got %d", f.Bus.MaxRetries)
	}
	if f.Bus.MaxInflight <= 0 {
		return fmt.Errorf("bus.max_inflight must be > 0, got %d", f.Bus.MaxInflight)
	}
	seen := make(map[string]bool, len(f.Experts))
	for _, e := range f.Experts {
		if e.ExpertID == "" {
			return fmt.Errorf("experts: expert_id is required")
		}
		if seen[e.ExpertID] {
			return fmt.Errorf("experts: duplicate expert_id %q", e.ExpertID)
		}
		seen[e.ExpertID] = true
		switch e.Kind {
		case "bus", "http", "inline":
		default:
			return fmt.Errorf("experts[%s]: kind must be one of bus, http, inline, got %q", e.ExpertID, e.Kind)
		}
	}
	if f.Router.Strategy == "load_aware" && f.Router.BaseStrategy == "" {
		return fmt.Errorf("router.base_strategy is required when router.strategy is load_aware")
	}
	return nil
}
