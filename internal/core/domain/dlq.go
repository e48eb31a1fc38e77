package domain

import "time"

// DLQStatus is the lifecycle state of a dead-letter entry.
type DLQStatus string

const (
	DLQPending   DLQStatus = "pending"
	DLQRetrying  DLQStatus = "retrying"
	DLQResolved  DLQStatus = "resolved"
	DLQExpired   DLQStatus = "expired"
	DLQDiscarded DLQStatus = "discarded"
)

// DLQRetention is how long an entry stays replayable.
const DLQRetention = 7 * 24 * time.Hour

// DLQEntry captures an abandoned operation with enough lineage to replay it.
type DLQEntry struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	Provider        string           `json:"provider"`
	Engine          string           `json:"engine,omitempty"`
	Operation       string           `json:"operation"`
	Resource        string           `json:"resource,omitempty"`
	Payload         []byte           `json:"payload,omitempty"`
	PayloadChecksum string           `json:"payload_checksum,omitempty"`
	Error           *NormalizedError `json:"error"`
	RetryContext    *RetryContext    `json:"retry_context,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	Status          DLQStatus        `json:"status"`
}

// DLQStats summarizes a tenant's queue for the management surface.
type DLQStats struct {
	TenantID   string            `json:"tenant_id"`
	Total      int               `json:"total"`
	ByStatus   map[DLQStatus]int `json:"by_status"`
	ByProvider map[string]int    `json:"by_provider"`
	OldestAt   time.Time         `json:"oldest_at,omitempty"`
}
