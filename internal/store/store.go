package store

import (
	"context"
	"time"
)

// APIKeyRecord is the persisted form of a client API key.
type APIKeyRecord struct {
	ID           string     `json:"id"`
	KeyHash      string     `json:"-"`          // bcrypt hash, never serialized
	KeyPrefix    string     `json:"key_prefix"` // "ditrouter_" plus the first 8 random chars, for identification
	Name         string     `json:"name"`
	Scopes       string     `json:"scopes"` // JSON array stored as text
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RotationDays int        `json:"rotation_days"` // 0 = manual rotation only
	Enabled      bool       `json:"enabled"`
}

// Store defines the persistence interface for ditrouter: the expert
// table's declared shape, routing policy defaults, vault-encrypted
// secrets, API keys, and audit/request history.
type Store interface {
	// Experts
	ListExperts(ctx context.Context) ([]ExpertRecord, error)
	GetExpert(ctx context.Context, expertID string) (*ExpertRecord, error)
	UpsertExpert(ctx context.Context, e ExpertRecord) error
	DeleteExpert(ctx context.Context, expertID string) error

	// Request log (for audit and dashboard)
	LogRequest(ctx context.Context, entry RequestLog) error
	ListRequestLogs(ctx context.Context, limit int, offset int) ([]RequestLog, error)

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Routing config persistence
	SaveRoutingConfig(ctx context.Context, cfg RoutingConfig) error
	LoadRoutingConfig(ctx context.Context) (RoutingConfig, error)

	// Audit logging
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error)

	// API key management
	CreateAPIKey(ctx context.Context, key APIKeyRecord) error
	GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error)
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error)
	ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	ListExpiredRotationKeys(ctx context.Context) ([]APIKeyRecord, error)
	UpdateAPIKey(ctx context.Context, key APIKeyRecord) error
	DeleteAPIKey(ctx context.Context, id string) error

	// Log retention
	PruneOldLogs(ctx context.Context, retention time.Duration) (int64, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ExpertRecord is the persisted form of an expert registration: its kind
// determines how the dispatcher binds it (bus subject, HTTP endpoint, or
// an in-process inline callable) and config carries the kind-specific
// details (descriptors, HTTP endpoints, ...) as a JSON blob.
type ExpertRecord struct {
	ExpertID string `json:"expert_id"`
	Kind     string `json:"kind"` // "bus", "http", or "inline"
	Config   string `json:"config"`
	Enabled  bool   `json:"enabled"`
}

// RoutingConfig holds persisted routing policy defaults.
type RoutingConfig struct {
	Strategy     string `json:"strategy"`               // round_robin, domain, domain_simplified, embedding, load_aware
	BaseStrategy string `json:"base_strategy,omitempty"` // wrapped strategy when Strategy == load_aware
}

// AuditEntry captures an admin mutation for audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`              // e.g. "expert.upsert", "router.swap", "vault.unlock"
	Resource  string    `json:"resource"`             // e.g. expert id, router strategy name
	Detail    string    `json:"detail,omitempty"`     // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"` // correlates to HTTP request ID
}

// RequestLog captures a single dispatched query for audit/dashboard.
type RequestLog struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	ExpertID   string    `json:"expert_id"`
	Status     string    `json:"status"` // SUCCESS or ERROR, mirrors codec.Status
	LatencyMs  int64     `json:"latency_ms"`
	ErrorClass string    `json:"error_class,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	APIKeyID   string    `json:"api_key_id,omitempty"`
}
