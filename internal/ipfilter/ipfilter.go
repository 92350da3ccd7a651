// Package ipfilter provides IP list matching and client IP resolution for HTTP services
package ipfilter

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Filter holds a set of networks
type Filter struct {
	nets   []*net.IPNet
	logger *slog.Logger
}

// New creates a new IP filter from a list of IPs/CIDRs.
// Invalid entries are logged and skipped.
func New(entries []string, logger *slog.Logger) *Filter {
	f := &Filter{logger: logger}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		ipNet, err := parseEntry(entry)
		if err != nil {
			logger.Warn("invalid entry in ip list", "entry", entry, "error", err)
			continue
		}
		f.nets = append(f.nets, ipNet)
	}

	return f
}

// Parse creates a filter and fails on the first invalid entry
func Parse(entries []string, logger *slog.Logger) (*Filter, error) {
	f := &Filter{logger: logger}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		ipNet, err := parseEntry(entry)
		if err != nil {
			return nil, err
		}
		f.nets = append(f.nets, ipNet)
	}
	return f, nil
}

func parseEntry(entry string) (*net.IPNet, error) {
	if strings.Contains(entry, "/") {
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		return ipNet, nil
	}

	// Single IP - convert to /32 or /128
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP %q", entry)
	}
	var mask net.IPMask
	if ip.To4() != nil {
		ip = ip.To4()
		mask = net.CIDRMask(32, 32)
	} else {
		mask = net.CIDRMask(128, 128)
	}
	return &net.IPNet{IP: ip, Mask: mask}, nil
}

// Enabled returns true if the filter has any networks
func (f *Filter) Enabled() bool {
	return f != nil && len(f.nets) > 0
}

// Count returns the number of networks
func (f *Filter) Count() int {
	if f == nil {
		return 0
	}
	return len(f.nets)
}

// Contains reports whether ip is in one of the networks.
// An empty filter contains nothing.
func (f *Filter) Contains(ip net.IP) bool {
	if f == nil || ip == nil {
		return false
	}
	for _, ipNet := range f.nets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ContainsString parses and checks the IP string
func (f *Filter) ContainsString(ipStr string) bool {
	return f.Contains(net.ParseIP(strings.TrimSpace(ipStr)))
}

// IsAllowed checks if the IP passes an allow-list.
// Returns true if filter is empty (allow all) or IP is in the list.
func (f *Filter) IsAllowed(ip net.IP) bool {
	if !f.Enabled() {
		return true
	}
	return f.Contains(ip)
}

// ClientIP extracts the client IP from an HTTP request.
// Forwarding headers are only honored when the direct peer is in trusted;
// X-Forwarded-For is walked right to left, skipping trusted proxies.
func ClientIP(r *http.Request, trusted *Filter) net.IP {
	peer := remoteIP(r.RemoteAddr)
	if peer == nil || !trusted.Contains(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		for i := len(parts) - 1; i >= 0; i-- {
			ip := net.ParseIP(strings.TrimSpace(parts[i]))
			if ip == nil {
				break
			}
			if !trusted.Contains(ip) {
				return ip
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip
		}
	}

	return peer
}

func remoteIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// Maybe no port?
		return net.ParseIP(addr)
	}
	return net.ParseIP(host)
}

// HTTPMiddleware returns an HTTP middleware that only lets listed IPs through.
// An empty filter allows all.
func (f *Filter) HTTPMiddleware(trusted *Filter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !f.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := ClientIP(r, trusted)
			if clientIP == nil {
				f.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if !f.Contains(clientIP) {
				f.logger.Warn("access denied by IP filter", "ip", clientIP.String(), "path", r.URL.Path)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
