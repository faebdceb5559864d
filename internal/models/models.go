package models

import (
	"time"
)

// DispatchStatus enumerates lifecycle states persisted in Postgres.
const (
	DispatchQueued  = "queued"
	DispatchSending = "sending"
	DispatchRetry   = "retry"
	DispatchFailed  = "failed"
	DispatchSent    = "sent"
	DispatchDead    = "dead"
)

// Tenant is a company whose fiscal documents we synchronize.
type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TaxID       string    `json:"tax_id"`
	Timezone    string    `json:"timezone"`
	Active      bool      `json:"active"`
	DailyCap    *int      `json:"daily_cap,omitempty"` // nil = default, negative = disabled
	CreatedAt   time.Time `json:"created_at"`
}

// Certificate is a tenant's client certificate bundle, encrypted at rest.
type Certificate struct {
	TenantID   string
	Bundle     []byte // AES-GCM sealed PKCS#12
	Password   []byte // AES-GCM sealed
	Active     bool
	ExpiresAt  time.Time
}

// Channel is an active notification destination for a tenant.
type Channel struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Instance string `json:"instance"` // delivery-provider instance, empty = default
	Contact  string `json:"contact"`
	Active   bool   `json:"active"`
}

// CursorState is the per-tenant synchronization watermark.
// LastCursor is monotonically non-decreasing except on first run.
type CursorState struct {
	TenantID      string     `json:"tenant_id"`
	LastCursor    string     `json:"last_cursor"` // 15 digits, left-padded
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	StatusTag     string     `json:"status_tag"`
}

// DispatchRecord is a durable unit of outbound message work.
// Terminal states (sent, dead) are immutable afterward.
type DispatchRecord struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Target        string     `json:"target"`
	Instance      string     `json:"instance,omitempty"`
	OriginLogID   *string    `json:"origin_log_id,omitempty"`
	Text          string     `json:"text"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	ErrorCode     *string    `json:"error_code,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Rate-limit scopes, broadest first.
const (
	ScopeGlobal   = "global"
	ScopeInstance = "instance"
	ScopeTenant   = "tenant"
	ScopeContact  = "contact"
)

// RateLimitPolicy is one scope's throughput policy. Rows may be pinned
// to a tenant or instance via ScopeRef; absent rows fall back to defaults.
type RateLimitPolicy struct {
	Scope        string `json:"scope"`
	ScopeRef     string `json:"scope_ref,omitempty"`
	MaxPerMinute int    `json:"max_per_minute"`
	MinDelayMs   int    `json:"min_delay_ms"`
	MaxDelayMs   int    `json:"max_delay_ms"`
}

// ImportedDoc is one ledger row recording a document handed to the importer.
type ImportedDoc struct {
	TenantID   string    `json:"tenant_id"`
	Cursor     string    `json:"cursor"`
	Schema     string    `json:"schema"`
	ArchiveKey string    `json:"archive_key,omitempty"`
	ImportedAt time.Time `json:"imported_at"`
}
