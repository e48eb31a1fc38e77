package domain

// Category classifies a failure into a fixed taxonomy.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryAuth           Category = "auth"
	CategoryPermission     Category = "permission"
	CategoryValidation     Category = "validation"
	CategoryNotFound       Category = "not_found"
	CategoryConflict       Category = "conflict"
	CategoryRateLimit      Category = "rate_limit"
	CategoryThrottling     Category = "throttling"
	CategoryServer         Category = "server"
	CategoryDataIntegrity  Category = "data_integrity"
	CategoryOfflineSync    Category = "offline_sync"
	CategoryGovernance     Category = "governance"
	CategoryEncryption     Category = "encryption"
	CategorySchemaMismatch Category = "schema_mismatch"
	CategoryUnknown        Category = "unknown"
)

// Severity grades how serious a failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// NormalizedError is the classified form of an arbitrary provider failure.
type NormalizedError struct {
	Code         string   `json:"code"`
	Message      string   `json:"message"`
	Category     Category `json:"category"`
	Retryable    bool     `json:"retryable"`
	RetryAfterMs int64    `json:"retry_after_ms,omitempty"`
	Severity     Severity `json:"severity"`
	Provider     string   `json:"provider,omitempty"`
	TenantID     string   `json:"tenant_id,omitempty"`
	Engine       string   `json:"engine,omitempty"`
	Operation    string   `json:"operation,omitempty"`
	Resource     string   `json:"resource,omitempty"`
	Fingerprint  string   `json:"fingerprint"`
}

// Error implements the error interface.
func (e *NormalizedError) Error() string {
	if e.Code != "" {
		return string(e.Category) + " [" + e.Code + "]: " + e.Message
	}
	return string(e.Category) + ": " + e.Message
}

// IsCritical reports whether the error must never be retried.
func (e *NormalizedError) IsCritical() bool {
	if e.Severity == SeverityCritical {
		return true
	}
	switch e.Category {
	case CategoryGovernance, CategoryEncryption, CategoryDataIntegrity:
		return true
	}
	return false
}

// IndicatesDegradation reports whether the error feeds the degradation trend.
func (e *NormalizedError) IndicatesDegradation() bool {
	switch e.Category {
	case CategoryServer, CategoryTimeout, CategoryRateLimit, CategoryThrottling:
		return true
	}
	return false
}
