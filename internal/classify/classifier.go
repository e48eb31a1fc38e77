// Package classify turns arbitrary provider errors into normalized,
// fingerprinted failures with a fixed category taxonomy.
package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/vietddude/bastion/internal/core/domain"
)

// Context carries the call dimensions stamped onto the normalized error.
type Context struct {
	Provider  string
	TenantID  string
	Engine    string
	Operation string
	Resource  string
}

type rule struct {
	pattern      *regexp.Regexp
	category     domain.Category
	retryable    bool
	severity     domain.Severity
	retryAfterMs int64
}

// Rules are matched in order against "code message"; first match wins, so
// specific patterns (governance, encryption) sit above generic ones
// (validation's "invalid").
var rules = []rule{
	{regexp.MustCompile(`(?i)governance|contract violation|policy violation|compliance`), domain.CategoryGovernance, false, domain.SeverityCritical, 0},
	{regexp.MustCompile(`(?i)encrypt|decrypt|cipher|key rotation|kms`), domain.CategoryEncryption, false, domain.SeverityCritical, 0},
	{regexp.MustCompile(`(?i)integrity|corrupt|checksum mismatch|tamper`), domain.CategoryDataIntegrity, false, domain.SeverityCritical, 0},
	{regexp.MustCompile(`(?i)schema mismatch|schema version|unknown column|migration required`), domain.CategorySchemaMismatch, false, domain.SeverityHigh, 0},
	{regexp.MustCompile(`(?i)\b429\b|rate.?limit|quota exceeded|daily request count`), domain.CategoryRateLimit, true, domain.SeverityMedium, 1000},
	{regexp.MustCompile(`(?i)throttl|too many requests|slow down`), domain.CategoryThrottling, true, domain.SeverityMedium, 500},
	{regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded`), domain.CategoryTimeout, true, domain.SeverityMedium, 0},
	{regexp.MustCompile(`(?i)\b403\b|forbidden|permission denied|access denied`), domain.CategoryPermission, false, domain.SeverityHigh, 0},
	{regexp.MustCompile(`(?i)\b401\b|unauthenticated|unauthori[sz]ed|invalid credentials|token expired|authentication failed`), domain.CategoryAuth, false, domain.SeverityHigh, 0},
	{regexp.MustCompile(`(?i)\b409\b|conflict|version mismatch|already exists|optimistic lock`), domain.CategoryConflict, true, domain.SeverityMedium, 0},
	{regexp.MustCompile(`(?i)\b404\b|not found|no such (file|key|bucket|object|record)`), domain.CategoryNotFound, false, domain.SeverityLow, 0},
	{regexp.MustCompile(`(?i)offline|sync pending|pending sync|not synced`), domain.CategoryOfflineSync, true, domain.SeverityMedium, 0},
	{regexp.MustCompile(`(?i)connection (refused|reset|closed)|no such host|network|dns|broken pipe|unexpected eof|econn`), domain.CategoryNetwork, true, domain.SeverityMedium, 0},
	{regexp.MustCompile(`(?i)\b5\d\d\b|internal server|server error|service unavailable|bad gateway|overloaded|upstream`), domain.CategoryServer, true, domain.SeverityHigh, 0},
	{regexp.MustCompile(`(?i)\b400\b|\b422\b|invalid|validation|malformed|bad request|missing (field|parameter)`), domain.CategoryValidation, false, domain.SeverityLow, 0},
}

// Classifier normalizes raw errors. It is stateless and safe for concurrent use.
type Classifier struct{}

// New returns a Classifier.
func New() *Classifier {
	return &Classifier{}
}

// Classify never fails: errors with no matching rule come back as category
// unknown, not retryable, medium severity.
func (c *Classifier) Classify(raw error, cctx Context) *domain.NormalizedError {
	if raw == nil {
		raw = errors.New("unknown error")
	}

	// Already-normalized errors keep their classification; only the call
	// dimensions are re-stamped.
	var ne *domain.NormalizedError
	if errors.As(raw, &ne) {
		out := *ne
		stamp(&out, cctx)
		out.Fingerprint = fingerprint(out.Code, out.Message, cctx)
		return &out
	}

	code, message := extract(raw)

	haystack := code + " " + message
	out := &domain.NormalizedError{
		Code:      code,
		Message:   message,
		Category:  domain.CategoryUnknown,
		Retryable: false,
		Severity:  domain.SeverityMedium,
	}
	for _, r := range rules {
		if r.pattern.MatchString(haystack) {
			out.Category = r.category
			out.Retryable = r.retryable
			out.Severity = r.severity
			out.RetryAfterMs = r.retryAfterMs
			break
		}
	}

	stamp(out, cctx)
	out.Fingerprint = fingerprint(code, message, cctx)
	return out
}

func stamp(e *domain.NormalizedError, cctx Context) {
	e.Provider = cctx.Provider
	e.TenantID = cctx.TenantID
	e.Engine = cctx.Engine
	e.Operation = cctx.Operation
	e.Resource = cctx.Resource
}

// extract pulls a best-effort code and message out of heterogeneous error
// shapes: plain errors, coded errors, and JSON error bodies.
func extract(raw error) (code, message string) {
	message = raw.Error()

	type statusCoder interface{ StatusCode() int }
	type coder interface{ Code() string }

	var sc statusCoder
	if errors.As(raw, &sc) {
		code = strconv.Itoa(sc.StatusCode())
	}
	var cd coder
	if code == "" && errors.As(raw, &cd) {
		code = cd.Code()
	}

	// Providers frequently surface raw JSON bodies as error strings.
	if strings.HasPrefix(strings.TrimSpace(message), "{") {
		var body struct {
			Code       string `json:"code"`
			Status     int    `json:"status"`
			StatusCode int    `json:"statusCode"`
			Message    string `json:"message"`
			Error      struct {
				Message string `json:"message"`
			} `json:"error"`
			Body struct {
				Message string `json:"message"`
			} `json:"body"`
		}
		if err := json.Unmarshal([]byte(message), &body); err == nil {
			switch {
			case body.Message != "":
				message = body.Message
			case body.Error.Message != "":
				message = body.Error.Message
			case body.Body.Message != "":
				message = body.Body.Message
			}
			switch {
			case body.Code != "":
				code = body.Code
			case body.Status != 0:
				code = strconv.Itoa(body.Status)
			case body.StatusCode != 0:
				code = strconv.Itoa(body.StatusCode)
			}
		}
	}

	return code, message
}

var (
	uuidRe   = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	longIDRe = regexp.MustCompile(`\d{5,}`)
	numRe    = regexp.MustCompile(`\d+`)
	strRe    = regexp.MustCompile(`"[^"]*"|'[^']*'`)
)

// Normalize strips dynamic substrings so repeated occurrences of the same
// failure collapse to one fingerprint.
func Normalize(message string) string {
	s := uuidRe.ReplaceAllString(message, "<UUID>")
	s = strRe.ReplaceAllString(s, "<STR>")
	s = longIDRe.ReplaceAllString(s, "<ID>")
	s = numRe.ReplaceAllString(s, "<NUM>")
	return s
}

func fingerprint(code, message string, cctx Context) string {
	h := sha256.Sum256([]byte(code + "|" + Normalize(message) + "|" + cctx.Provider + "|" + cctx.Operation))
	return hex.EncodeToString(h[:])[:16]
}
