// Package dnscheck verifies the DNS records a sending domain needs for
// notification emails to be accepted.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ErrInvalidDomain is returned for malformed domain names
var ErrInvalidDomain = errors.New("invalid domain name")

var (
	domainRegex   = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// Check statuses
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

// TXTResolver looks up TXT records. *net.Resolver satisfies it.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Result is the outcome of a single record check
type Result struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Report contains all checks for a domain
type Report struct {
	Domain  string   `json:"domain"`
	Results []Result `json:"results"`
}

// OK reports whether no check failed or was missing
func (r *Report) OK() bool {
	for _, res := range r.Results {
		if res.Status == StatusError || res.Status == StatusNotFound {
			return false
		}
	}
	return true
}

// Options selects the DKIM record to verify
type Options struct {
	Selector string
	// Expected TXT value of the DKIM record, empty to only check presence
	DKIMRecord string
}

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks if DKIM selector is valid
func ValidateSelector(selector string) error {
	if len(selector) > 63 {
		return errors.New("selector too long")
	}
	if !selectorRegex.MatchString(selector) {
		return errors.New("invalid selector format")
	}
	return nil
}

// Checker runs DNS checks through a resolver
type Checker struct {
	resolver TXTResolver
}

// New creates a checker. A nil resolver uses net.DefaultResolver.
func New(resolver TXTResolver) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{resolver: resolver}
}

// CheckDomain checks SPF, DMARC and, when a selector is given, DKIM
func (c *Checker) CheckDomain(ctx context.Context, domain string, opts Options) (*Report, error) {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}

	report := &Report{Domain: domain}
	report.Results = append(report.Results, c.CheckSPF(ctx, domain))
	if opts.Selector != "" {
		if err := ValidateSelector(opts.Selector); err != nil {
			return nil, err
		}
		report.Results = append(report.Results, c.CheckDKIM(ctx, domain, opts.Selector, opts.DKIMRecord))
	}
	report.Results = append(report.Results, c.CheckDMARC(ctx, domain))

	return report, nil
}

// CheckSPF checks the SPF record of domain
func (c *Checker) CheckSPF(ctx context.Context, domain string) Result {
	result := Result{Type: "SPF"}

	records, ok := c.lookup(ctx, domain, &result)
	if !ok {
		return result
	}

	for _, txt := range records {
		if !strings.HasPrefix(txt, "v=spf1") {
			continue
		}
		result.Status = StatusOK
		result.Value = txt
		switch {
		case strings.Contains(txt, "+all"):
			result.Status = StatusWarning
			result.Message = "SPF uses +all and allows any sender"
		case strings.Contains(txt, "-all"):
			result.Message = "strict policy (-all)"
		case strings.Contains(txt, "~all"):
			result.Message = "soft fail (~all)"
		}
		return result
	}

	result.Status = StatusNotFound
	result.Message = "no SPF record"
	return result
}

// CheckDKIM checks the DKIM key record of selector. When expected is set
// the published public key must match it.
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector, expected string) Result {
	result := Result{Type: "DKIM " + selector}

	records, ok := c.lookup(ctx, selector+"._domainkey."+domain, &result)
	if !ok {
		return result
	}

	record := strings.Join(records, "")
	result.Value = truncate(record, 100)

	if !strings.Contains(record, "v=DKIM1") {
		result.Status = StatusWarning
		result.Message = "TXT record is not a DKIM record"
		return result
	}

	published := tagValue(record, "p")
	if published == "" {
		result.Status = StatusError
		result.Message = "DKIM record has no public key (p=)"
		return result
	}

	if expected != "" && published != tagValue(expected, "p") {
		result.Status = StatusError
		result.Message = "published key does not match the signing key"
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("%s key published", defaultString(tagValue(record, "k"), "rsa"))
	return result
}

// CheckDMARC checks the DMARC policy of domain
func (c *Checker) CheckDMARC(ctx context.Context, domain string) Result {
	result := Result{Type: "DMARC"}

	records, ok := c.lookup(ctx, "_dmarc."+domain, &result)
	if !ok {
		return result
	}

	record := strings.Join(records, "")
	result.Value = record

	if !strings.HasPrefix(record, "v=DMARC1") {
		result.Status = StatusWarning
		result.Message = "TXT record is not a DMARC record"
		return result
	}

	result.Status = StatusOK
	switch tagValue(record, "p") {
	case "reject":
		result.Message = "reject policy"
	case "quarantine":
		result.Message = "quarantine policy"
	case "none":
		result.Status = StatusWarning
		result.Message = "none policy (monitoring only)"
	}
	return result
}

// lookup fills result for missing records and lookup errors
func (c *Checker) lookup(ctx context.Context, name string, result *Result) ([]string, bool) {
	records, err := c.resolver.LookupTXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			result.Status = StatusNotFound
			result.Message = "no record at " + name
			return nil, false
		}
		result.Status = StatusError
		result.Message = fmt.Sprintf("lookup failed: %v", err)
		return nil, false
	}
	if len(records) == 0 {
		result.Status = StatusNotFound
		result.Message = "no record at " + name
		return nil, false
	}
	return records, true
}

// tagValue returns the value of tag in a "k=v; k=v" record
func tagValue(record, tag string) string {
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.TrimSpace(k) == tag {
			return strings.Join(strings.Fields(v), "")
		}
	}
	return ""
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
