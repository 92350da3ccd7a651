package abuse

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/foxzi/mailgate/internal/ipfilter"
	"github.com/foxzi/mailgate/internal/metrics"
	"github.com/foxzi/mailgate/internal/ratelimit"
)

// maxPayloadBytes bounds the submission excerpt stored with a blocked request
const maxPayloadBytes = 2048

// Config contains filter settings
type Config struct {
	Threshold          int
	MinSubmitTime      time.Duration
	MaxClockSkew       time.Duration
	MaxURLs            int
	TrustAuthenticated bool

	// Per rule weight overrides, merged over DefaultWeights
	Weights map[string]int

	// Allow submissions when the rate limiter backend fails
	FailOpen bool

	AuditTimeout time.Duration
}

// Filter decides whether a form submission is allowed
type Filter struct {
	cfg       Config
	weights   map[string]int
	lists     *Lists
	whitelist *ipfilter.Filter
	limiter   ratelimit.Limiter
	limit     int
	rep       *Reputation
	audit     AuditStore
	logger    *slog.Logger
	now       func() time.Time

	auditWG sync.WaitGroup
}

// NewFilter creates a new abuse filter. A nil lists uses the built-in lists.
func NewFilter(cfg Config, lists *Lists, logger *slog.Logger) *Filter {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.MinSubmitTime <= 0 {
		cfg.MinSubmitTime = 2 * time.Second
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = time.Minute
	}
	if cfg.MaxURLs < 0 {
		cfg.MaxURLs = 0
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = 5 * time.Second
	}
	if lists == nil {
		lists = DefaultLists()
	}

	weights := DefaultWeights()
	for rule, w := range cfg.Weights {
		weights[rule] = w
	}

	return &Filter{
		cfg:     cfg,
		weights: weights,
		lists:   lists,
		logger:  logger.With("component", "abuse"),
		now:     time.Now,
	}
}

// SetWhitelist sets the IPs that bypass every rule
func (f *Filter) SetWhitelist(w *ipfilter.Filter) {
	f.whitelist = w
}

// SetLimiter sets the per form and IP rate limiter and its window limit
func (f *Filter) SetLimiter(l ratelimit.Limiter, limit int) {
	f.limiter = l
	f.limit = limit
}

// SetReputation enables DNSBL scoring
func (f *Filter) SetReputation(r *Reputation) {
	f.rep = r
}

// SetAuditStore sets where blocked requests are recorded
func (f *Filter) SetAuditStore(s AuditStore) {
	f.audit = s
}

// Evaluate scores a submission. Blocked submissions are recorded in the
// background; the verdict never depends on the audit write.
func (f *Filter) Evaluate(ctx context.Context, sub *Submission) *Verdict {
	v := f.evaluate(ctx, sub)

	metrics.IncFormSubmission(sub.Form, v.Allowed)
	metrics.IncRuleHits(v.Reasons)

	logger := f.logger.With("form", sub.Form, "ip", sub.RemoteIP)
	switch {
	case !v.Allowed:
		logger.Warn("submission blocked", "score", v.Score, "reasons", v.Reasons)
		f.recordBlocked(sub, v)
	case len(v.Reasons) > 0 && !v.Has(ReasonWhitelist):
		logger.Info("suspicious submission allowed", "score", v.Score, "reasons", v.Reasons)
	default:
		logger.Debug("submission allowed", "score", v.Score)
	}

	return v
}

func (f *Filter) evaluate(ctx context.Context, sub *Submission) *Verdict {
	ip := net.ParseIP(strings.TrimSpace(sub.RemoteIP))

	if f.whitelist.Contains(ip) || (f.cfg.TrustAuthenticated && sub.Identity != "") {
		return &Verdict{Allowed: true, Reasons: []string{ReasonWhitelist}}
	}

	if strings.TrimSpace(sub.Honeypot) != "" {
		return &Verdict{Allowed: false, Score: MaxScore, Reasons: []string{ReasonHoneypot}}
	}

	v := &Verdict{Reasons: []string{}}
	add := func(reason string, units int) {
		if units <= 0 {
			return
		}
		v.Score += f.weights[reason] * units
		v.Reasons = append(v.Reasons, reason)
	}

	received := sub.ReceivedAt
	if received.IsZero() {
		received = f.now()
	}
	if reason := f.checkTiming(sub.ClientTimestamp, received); reason != "" {
		add(reason, 1)
	}

	switch ua := strings.TrimSpace(sub.UserAgent); {
	case ua == "":
		add(ReasonEmptyUserAgent, 1)
	case f.lists.IsBotAgent(ua):
		add(ReasonBotUserAgent, 1)
	}

	if f.lists.IsDisposable(sub.Email) {
		add(ReasonDisposableEmail, 1)
	}

	text := contentText(sub)
	m := scanContent(text)
	add(ReasonContentURLs, m.urls-f.cfg.MaxURLs)
	add(ReasonContentKeywords, len(f.lists.MatchKeywords(sub.Name+"\n"+text)))
	if m.shouting {
		add(ReasonContentShouting, 1)
	}
	add(ReasonContentPunctuation, m.punctuation)

	if f.rep != nil && f.rep.Listed(ip) {
		add(ReasonIPReputation, 1)
	}

	v.Allowed = v.Score < f.cfg.Threshold

	if f.limiter != nil && ip != nil {
		f.applyRateLimit(ctx, ratelimit.Key(sub.Form, ip.String()), v)
	}

	return v
}

// applyRateLimit records an accepted submission in the window, or for a
// submission already blocked by score, notes a window that is already full
func (f *Filter) applyRateLimit(ctx context.Context, key string, v *Verdict) {
	if !v.Allowed {
		n, err := f.limiter.Count(ctx, key)
		if err != nil {
			f.logger.Warn("rate limit count failed", "key", key, "error", err)
			return
		}
		if f.limit > 0 && n >= f.limit {
			v.Reasons = append(v.Reasons, ReasonRateLimit)
		}
		return
	}

	allowed, err := f.limiter.Allow(ctx, key)
	if err != nil {
		metrics.IncRateLimitError(f.cfg.FailOpen)
		if f.cfg.FailOpen {
			f.logger.Warn("rate limiter unavailable, allowing submission", "key", key, "error", err)
			return
		}
		f.logger.Error("rate limiter unavailable, blocking submission", "key", key, "error", err)
		allowed = false
	}

	if !allowed {
		v.Allowed = false
		v.Reasons = append(v.Reasons, ReasonRateLimit)
		return
	}
	v.rateKey = key
}

// Refund removes the window event recorded for an allowed verdict,
// for submissions that were accepted but could not be queued
func (f *Filter) Refund(ctx context.Context, v *Verdict) {
	if v == nil || v.rateKey == "" || f.limiter == nil {
		return
	}
	key := v.rateKey
	v.rateKey = ""

	if err := f.limiter.Undo(ctx, key); err != nil {
		f.logger.Warn("failed to refund rate limit slot", "key", key, "error", err)
		return
	}
	f.logger.Debug("refunded rate limit slot", "key", key)
}

// checkTiming compares the page load time reported by the form with receipt
func (f *Filter) checkTiming(raw string, received time.Time) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ReasonTimingMissing
	}

	loaded, ok := parseClientTimestamp(raw)
	if !ok {
		return ReasonTimingInvalid
	}

	elapsed := received.Sub(loaded)
	switch {
	case elapsed < -f.cfg.MaxClockSkew:
		return ReasonTimingInvalid
	case elapsed < f.cfg.MinSubmitTime:
		return ReasonTimingTooFast
	}
	return ""
}

// parseClientTimestamp accepts unix seconds, unix milliseconds or RFC 3339
func parseClientTimestamp(raw string) (time.Time, bool) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, false
		}
		// Seconds stay below 1e11 until the year 5138
		if n < 1e11 {
			return time.Unix(n, 0), true
		}
		return time.UnixMilli(n), true
	}

	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// contentText joins the message and the remaining fields in a stable order
func contentText(sub *Submission) string {
	keys := make([]string, 0, len(sub.Fields))
	for k := range sub.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{sub.Message}
	for _, k := range keys {
		parts = append(parts, sub.Fields[k])
	}
	return strings.Join(parts, "\n")
}

func (f *Filter) recordBlocked(sub *Submission, v *Verdict) {
	if f.audit == nil {
		return
	}

	req := &BlockedRequest{
		ID:        uuid.New().String(),
		Form:      sub.Form,
		IP:        sub.RemoteIP,
		UserAgent: sub.UserAgent,
		Score:     v.Score,
		Reasons:   append([]string(nil), v.Reasons...),
		Payload:   payloadExcerpt(sub),
		CreatedAt: f.now().UTC(),
	}

	f.auditWG.Add(1)
	go func() {
		defer f.auditWG.Done()
		f.reportAudit(f.writeAudit(req))
	}()
}

func (f *Filter) writeAudit(req *BlockedRequest) AuditOutcome {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.AuditTimeout)
	defer cancel()

	start := time.Now()
	err := f.audit.Record(ctx, req)

	return AuditOutcome{
		ID:       req.ID,
		Form:     req.Form,
		Err:      err,
		Duration: time.Since(start),
	}
}

func (f *Filter) reportAudit(o AuditOutcome) {
	metrics.IncAuditWrite(o.Err == nil)
	if o.Err != nil {
		f.logger.Error("failed to record blocked request",
			"id", o.ID,
			"form", o.Form,
			"error", o.Err,
			"duration", o.Duration,
		)
		return
	}
	f.logger.Debug("blocked request recorded", "id", o.ID, "form", o.Form, "duration", o.Duration)
}

// Wait blocks until pending audit writes finish
func (f *Filter) Wait() {
	f.auditWG.Wait()
}

// payloadExcerpt serializes the submitted fields for the audit record
func payloadExcerpt(sub *Submission) string {
	fields := map[string]string{
		"name":    sub.Name,
		"email":   sub.Email,
		"message": sub.Message,
	}
	if sub.Honeypot != "" {
		fields["honeypot"] = sub.Honeypot
	}
	if sub.ClientTimestamp != "" {
		fields["client_timestamp"] = sub.ClientTimestamp
	}
	for k, val := range sub.Fields {
		if _, exists := fields[k]; !exists {
			fields[k] = val
		}
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return truncateUTF8(string(data), maxPayloadBytes)
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
