package abuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Resolver looks up DNSBL entries. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ReputationConfig contains DNSBL settings
type ReputationConfig struct {
	Zones    []string
	CacheTTL time.Duration
	Timeout  time.Duration

	// Concurrent background lookups (default: 8)
	MaxInflight int

	// Cached addresses kept at most (default: 100000)
	MaxEntries int
}

type reputationEntry struct {
	listed  bool
	zone    string
	expires time.Time
}

// Reputation answers DNSBL listings from a cache.
// A cache miss schedules a background lookup and reports not listed,
// so scoring never waits on DNS.
type Reputation struct {
	cfg      ReputationConfig
	resolver Resolver
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	cache     map[string]reputationEntry
	pending   map[string]bool
	nextSweep time.Time

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewReputation creates a DNSBL checker. A nil resolver uses net.DefaultResolver.
func NewReputation(cfg ReputationConfig, resolver Resolver, logger *slog.Logger) *Reputation {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 8
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100000
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	return &Reputation{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger.With("component", "reputation"),
		now:      time.Now,
		cache:    make(map[string]reputationEntry),
		pending:  make(map[string]bool),
		sem:      make(chan struct{}, cfg.MaxInflight),
	}
}

// Listed reports a cached listing for ip. It never blocks on DNS.
func (r *Reputation) Listed(ip net.IP) bool {
	if ip == nil || len(r.cfg.Zones) == 0 {
		return false
	}
	key := ip.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
		return entry.listed
	}

	if r.pending[key] {
		return false
	}

	select {
	case r.sem <- struct{}{}:
	default:
		// Too many lookups in flight; try again on a later submission
		return false
	}

	r.pending[key] = true
	r.wg.Add(1)
	go r.lookup(ip)

	return false
}

// Wait blocks until background lookups finish
func (r *Reputation) Wait() {
	r.wg.Wait()
}

func (r *Reputation) lookup(ip net.IP) {
	defer r.wg.Done()
	defer func() { <-r.sem }()

	key := ip.String()
	listed, zone, err := r.check(ip)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, key)

	if err != nil {
		r.logger.Warn("dnsbl lookup failed", "ip", key, "error", err)
		return
	}

	now := r.now()
	if _, ok := r.cache[key]; !ok {
		r.evict(now)
	}
	r.cache[key] = reputationEntry{
		listed:  listed,
		zone:    zone,
		expires: now.Add(r.cfg.CacheTTL),
	}
	if listed {
		r.logger.Info("ip listed in dnsbl", "ip", key, "zone", zone)
	}
}

// evict drops expired entries at most once per TTL, then arbitrary
// entries until there is room for one more. Must hold r.mu.
func (r *Reputation) evict(now time.Time) {
	if !now.Before(r.nextSweep) {
		for key, entry := range r.cache {
			if !now.Before(entry.expires) {
				delete(r.cache, key)
			}
		}
		r.nextSweep = now.Add(r.cfg.CacheTTL)
	}

	for key := range r.cache {
		if len(r.cache) < r.cfg.MaxEntries {
			break
		}
		delete(r.cache, key)
	}
}

// check queries every zone until one lists ip
func (r *Reputation) check(ip net.IP) (bool, string, error) {
	reversed := reverseIP(ip)
	var lastErr error

	for _, zone := range r.cfg.Zones {
		zone = strings.Trim(zone, ".")
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		addrs, err := r.resolver.LookupIPAddr(ctx, reversed+zone+".")
		cancel()

		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				continue
			}
			lastErr = fmt.Errorf("failed to query %s: %w", zone, err)
			continue
		}

		for _, addr := range addrs {
			if isListingCode(addr.IP) {
				return true, zone, nil
			}
		}
	}

	return false, "", lastErr
}

// isListingCode accepts 127.0.0.0/8 answers except 127.255.255.0/24,
// which list operators use to signal refused or rate limited queries
func isListingCode(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil || v4[0] != 127 {
		return false
	}
	return !(v4[1] == 255 && v4[2] == 255)
}

// reverseIP formats ip for a DNSBL query (RFC 5782 section 2).
// The result ends in a trailing dot.
func reverseIP(ip net.IP) string {
	var b strings.Builder

	if v4 := ip.To4(); v4 != nil {
		for i := 3; i >= 0; i-- {
			fmt.Fprintf(&b, "%d.", v4[i])
		}
		return b.String()
	}

	const hexDigits = "0123456789abcdef"
	v6 := ip.To16()
	for i := len(v6) - 1; i >= 0; i-- {
		b.WriteByte(hexDigits[v6[i]&0x0f])
		b.WriteByte('.')
		b.WriteByte(hexDigits[v6[i]>>4])
		b.WriteByte('.')
	}
	return b.String()
}
