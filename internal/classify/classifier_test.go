package classify

import (
	"errors"
	"fmt"
	"testing"

	"github.com/vietddude/bastion/internal/core/domain"
)

var testCtx = Context{
	Provider:  "airtable",
	TenantID:  "tenant-1",
	Operation: "list_records",
}

func TestClassifyCategories(t *testing.T) {
	c := New()

	cases := []struct {
		msg       string
		category  domain.Category
		retryable bool
		severity  domain.Severity
	}{
		{"connection refused", domain.CategoryNetwork, true, domain.SeverityMedium},
		{"operation timed out after 30s", domain.CategoryTimeout, true, domain.SeverityMedium},
		{"401 invalid credentials", domain.CategoryAuth, false, domain.SeverityHigh},
		{"403 access denied for table", domain.CategoryPermission, false, domain.SeverityHigh},
		{"429 rate limit exceeded", domain.CategoryRateLimit, true, domain.SeverityMedium},
		{"request throttled, slow down", domain.CategoryThrottling, true, domain.SeverityMedium},
		{"internal server error", domain.CategoryServer, true, domain.SeverityHigh},
		{"409 version mismatch on record", domain.CategoryConflict, true, domain.SeverityMedium},
		{"record not found", domain.CategoryNotFound, false, domain.SeverityLow},
		{"offline, sync pending", domain.CategoryOfflineSync, true, domain.SeverityMedium},
		{"governance policy violation", domain.CategoryGovernance, false, domain.SeverityCritical},
		{"failed to decrypt field", domain.CategoryEncryption, false, domain.SeverityCritical},
		{"checksum mismatch on payload", domain.CategoryDataIntegrity, false, domain.SeverityCritical},
		{"schema mismatch: unknown column", domain.CategorySchemaMismatch, false, domain.SeverityHigh},
		{"400 bad request: missing field", domain.CategoryValidation, false, domain.SeverityLow},
	}

	for _, tc := range cases {
		nerr := c.Classify(errors.New(tc.msg), testCtx)
		if nerr.Category != tc.category {
			t.Errorf("Classify(%q): expected category %s, got %s", tc.msg, tc.category, nerr.Category)
		}
		if nerr.Retryable != tc.retryable {
			t.Errorf("Classify(%q): expected retryable=%v, got %v", tc.msg, tc.retryable, nerr.Retryable)
		}
		if nerr.Severity != tc.severity {
			t.Errorf("Classify(%q): expected severity %s, got %s", tc.msg, tc.severity, nerr.Severity)
		}
	}
}

func TestClassifyPrecedence(t *testing.T) {
	c := New()

	// "invalid" alone is validation, but the governance pattern must win
	// when both appear.
	nerr := c.Classify(errors.New("invalid operation: contract violation detected"), testCtx)
	if nerr.Category != domain.CategoryGovernance {
		t.Errorf("Expected governance, got %s", nerr.Category)
	}

	// Rate limit over generic server wording.
	nerr = c.Classify(errors.New("quota exceeded on upstream"), testCtx)
	if nerr.Category != domain.CategoryRateLimit {
		t.Errorf("Expected rate_limit, got %s", nerr.Category)
	}
	if nerr.RetryAfterMs != 1000 {
		t.Errorf("Expected RetryAfterMs 1000, got %d", nerr.RetryAfterMs)
	}
}

func TestClassifyUnknownFallback(t *testing.T) {
	c := New()
	nerr := c.Classify(errors.New("something completely unrecognizable"), testCtx)

	if nerr.Category != domain.CategoryUnknown {
		t.Errorf("Expected unknown category, got %s", nerr.Category)
	}
	if nerr.Retryable {
		t.Error("Unknown errors must not be retryable")
	}
	if nerr.Severity != domain.SeverityMedium {
		t.Errorf("Expected medium severity, got %s", nerr.Severity)
	}
	if nerr.Fingerprint == "" {
		t.Error("Expected a fingerprint even for unknown errors")
	}
}

func TestClassifyNilError(t *testing.T) {
	c := New()
	nerr := c.Classify(nil, testCtx)
	if nerr == nil {
		t.Fatal("Expected a normalized error for nil input")
	}
	if nerr.Category != domain.CategoryUnknown {
		t.Errorf("Expected unknown category, got %s", nerr.Category)
	}
}

func TestClassifyStampsContext(t *testing.T) {
	c := New()
	nerr := c.Classify(errors.New("connection reset"), Context{
		Provider:  "notion",
		TenantID:  "tenant-2",
		Engine:    "v2",
		Operation: "query_database",
		Resource:  "db-1",
	})
	if nerr.Provider != "notion" || nerr.TenantID != "tenant-2" || nerr.Engine != "v2" {
		t.Errorf("Context not stamped: %+v", nerr)
	}
	if nerr.Operation != "query_database" || nerr.Resource != "db-1" {
		t.Errorf("Operation/resource not stamped: %+v", nerr)
	}
}

type statusErr struct {
	status int
	msg    string
}

func (e *statusErr) Error() string   { return e.msg }
func (e *statusErr) StatusCode() int { return e.status }

func TestClassifyStatusCodeInterface(t *testing.T) {
	c := New()
	nerr := c.Classify(&statusErr{status: 503, msg: "service unavailable"}, testCtx)
	if nerr.Code != "503" {
		t.Errorf("Expected code 503, got %q", nerr.Code)
	}
	if nerr.Category != domain.CategoryServer {
		t.Errorf("Expected server category, got %s", nerr.Category)
	}
}

func TestClassifyJSONBody(t *testing.T) {
	c := New()
	raw := errors.New(`{"status": 429, "error": {"message": "Rate limit exceeded, retry later"}}`)
	nerr := c.Classify(raw, testCtx)

	if nerr.Code != "429" {
		t.Errorf("Expected code 429 from body, got %q", nerr.Code)
	}
	if nerr.Message != "Rate limit exceeded, retry later" {
		t.Errorf("Expected extracted message, got %q", nerr.Message)
	}
	if nerr.Category != domain.CategoryRateLimit {
		t.Errorf("Expected rate_limit, got %s", nerr.Category)
	}
}

func TestClassifyAlreadyNormalized(t *testing.T) {
	c := New()
	orig := &domain.NormalizedError{
		Code:     "custom_code",
		Message:  "already classified",
		Category: domain.CategoryGovernance,
		Severity: domain.SeverityCritical,
	}
	nerr := c.Classify(fmt.Errorf("wrapped: %w", orig), testCtx)

	if nerr.Category != domain.CategoryGovernance {
		t.Errorf("Expected preserved category, got %s", nerr.Category)
	}
	if nerr.Provider != testCtx.Provider {
		t.Errorf("Expected re-stamped provider, got %q", nerr.Provider)
	}
}

func TestFingerprintStability(t *testing.T) {
	c := New()

	// Same failure shape with different dynamic parts must collapse to one
	// fingerprint.
	a := c.Classify(errors.New("record 123e4567-e89b-12d3-a456-426614174000 not found"), testCtx)
	b := c.Classify(errors.New("record 00000000-0000-0000-0000-000000000000 not found"), testCtx)
	if a.Fingerprint != b.Fingerprint {
		t.Errorf("UUIDs should not change the fingerprint: %s vs %s", a.Fingerprint, b.Fingerprint)
	}

	a = c.Classify(errors.New("row 1234567 rejected"), testCtx)
	b = c.Classify(errors.New("row 7654321 rejected"), testCtx)
	if a.Fingerprint != b.Fingerprint {
		t.Errorf("Numeric IDs should not change the fingerprint: %s vs %s", a.Fingerprint, b.Fingerprint)
	}

	// Different providers must not collide.
	other := c.Classify(errors.New("row 1234567 rejected"), Context{Provider: "notion", Operation: testCtx.Operation})
	if a.Fingerprint == other.Fingerprint {
		t.Error("Different providers must yield different fingerprints")
	}

	if len(a.Fingerprint) != 16 {
		t.Errorf("Expected 16-char fingerprint, got %d chars", len(a.Fingerprint))
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize(`failed "my table" with id 99881 at attempt 3`)
	want := "failed <STR> with id <ID> at attempt <NUM>"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
