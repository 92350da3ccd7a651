// Package abuse scores public form submissions and records blocked requests
package abuse

import (
	"context"
	"time"
)

// Rule names reported in Verdict.Reasons
const (
	ReasonWhitelist          = "whitelist"
	ReasonHoneypot           = "honeypot"
	ReasonTimingTooFast      = "timing_too_fast"
	ReasonTimingMissing      = "timing_missing"
	ReasonTimingInvalid      = "timing_invalid"
	ReasonEmptyUserAgent     = "empty_user_agent"
	ReasonBotUserAgent       = "bot_user_agent"
	ReasonDisposableEmail    = "disposable_email"
	ReasonContentURLs        = "content_urls"
	ReasonContentKeywords    = "content_keywords"
	ReasonContentShouting    = "content_shouting"
	ReasonContentPunctuation = "content_punctuation"
	ReasonIPReputation       = "ip_reputation"
	ReasonRateLimit          = "rate_limit"
)

// MaxScore is the score of a submission that tripped the honeypot
const MaxScore = 100

// DefaultWeights returns the score contributed by each accumulating rule.
// Content rules are weighted per marker.
func DefaultWeights() map[string]int {
	return map[string]int{
		ReasonTimingTooFast:      8,
		ReasonTimingMissing:      3,
		ReasonTimingInvalid:      5,
		ReasonEmptyUserAgent:     10,
		ReasonBotUserAgent:       10,
		ReasonDisposableEmail:    5,
		ReasonContentURLs:        3,
		ReasonContentKeywords:    4,
		ReasonContentShouting:    3,
		ReasonContentPunctuation: 2,
		ReasonIPReputation:       6,
	}
}

// Submission is a single form post as seen by the filter
type Submission struct {
	Form    string
	Name    string
	Email   string
	Message string

	// Remaining form fields, scanned for keywords and kept in the audit excerpt
	Fields map[string]string

	Honeypot string

	// Page load time reported by the form: unix seconds, unix milliseconds or RFC 3339.
	// Empty when the form did not send one.
	ClientTimestamp string

	RemoteIP  string
	UserAgent string

	// Verified signed-in identity, empty when anonymous
	Identity string

	ReceivedAt time.Time
}

// Verdict is the filter decision for a submission
type Verdict struct {
	Allowed bool     `json:"allowed"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`

	// limiter key whose window recorded this submission
	rateKey string
}

// Has reports whether reason fired
func (v *Verdict) Has(reason string) bool {
	for _, r := range v.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// BlockedRequest is the write-once audit record of a blocked submission
type BlockedRequest struct {
	ID        string    `json:"id" db:"id"`
	Form      string    `json:"form" db:"form"`
	IP        string    `json:"ip" db:"ip"`
	UserAgent string    `json:"user_agent" db:"user_agent"`
	Score     int       `json:"score" db:"score"`
	Reasons   []string  `json:"reasons" db:"-"`
	Payload   string    `json:"payload" db:"payload"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// BlockedFilter represents filter options for listing blocked requests
type BlockedFilter struct {
	Form   string
	IP     string
	Limit  int
	Offset int
}

// AuditStore persists blocked requests
type AuditStore interface {
	// Record inserts a blocked request. Existing records are never overwritten.
	Record(ctx context.Context, req *BlockedRequest) error

	// List returns blocked requests newest first
	List(ctx context.Context, filter BlockedFilter) ([]*BlockedRequest, error)
}

// AuditOutcome is the result of a background audit write
type AuditOutcome struct {
	ID       string
	Form     string
	Err      error
	Duration time.Duration
}
