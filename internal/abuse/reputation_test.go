package abuse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeResolver struct {
	mu      sync.Mutex
	listed  map[string]string
	err     error
	queries int
}

func (r *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries++

	if r.err != nil {
		return nil, r.err
	}
	if addr, ok := r.listed[host]; ok {
		return []net.IPAddr{{IP: net.ParseIP(addr)}}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (r *fakeResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queries
}

func TestReputationListed(t *testing.T) {
	resolver := &fakeResolver{listed: map[string]string{
		"2.0.0.127.bl.example.": "127.0.0.2",
	}}
	rep := NewReputation(ReputationConfig{Zones: []string{"bl.example"}}, resolver, newTestLogger())

	listed := net.ParseIP("127.0.0.2")
	clean := net.ParseIP("198.51.100.7")

	if rep.Listed(listed) || rep.Listed(clean) {
		t.Error("Listed() = true before lookup completed")
	}
	rep.Wait()

	if !rep.Listed(listed) {
		t.Error("Listed(127.0.0.2) = false after lookup")
	}
	if rep.Listed(clean) {
		t.Error("Listed(clean) = true")
	}

	// Cached answers do not query again
	before := resolver.count()
	rep.Listed(listed)
	rep.Listed(clean)
	rep.Wait()
	if resolver.count() != before {
		t.Errorf("queries = %d, want %d (cached)", resolver.count(), before)
	}
}

func TestReputationCacheExpires(t *testing.T) {
	resolver := &fakeResolver{}
	rep := NewReputation(ReputationConfig{Zones: []string{"bl.example"}, CacheTTL: time.Minute}, resolver, newTestLogger())
	now := time.Now()
	rep.now = func() time.Time { return now }

	ip := net.ParseIP("198.51.100.7")
	rep.Listed(ip)
	rep.Wait()

	now = now.Add(2 * time.Minute)
	rep.Listed(ip)
	rep.Wait()

	if resolver.count() != 2 {
		t.Errorf("queries = %d, want 2 after expiry", resolver.count())
	}
}

func TestReputationLookupError(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("i/o timeout")}
	rep := NewReputation(ReputationConfig{Zones: []string{"bl.example"}}, resolver, newTestLogger())

	ip := net.ParseIP("198.51.100.7")
	rep.Listed(ip)
	rep.Wait()

	if rep.Listed(ip) {
		t.Error("Listed() = true after lookup error")
	}
	rep.Wait()

	// Errors are not cached
	if resolver.count() != 2 {
		t.Errorf("queries = %d, want 2", resolver.count())
	}
}

func TestReputationRefusedAnswer(t *testing.T) {
	resolver := &fakeResolver{listed: map[string]string{
		"7.100.51.198.bl.example.": "127.255.255.254",
	}}
	rep := NewReputation(ReputationConfig{Zones: []string{"bl.example"}}, resolver, newTestLogger())

	ip := net.ParseIP("198.51.100.7")
	rep.Listed(ip)
	rep.Wait()

	if rep.Listed(ip) {
		t.Error("refused query answer treated as a listing")
	}
}

func TestReputationNoZones(t *testing.T) {
	resolver := &fakeResolver{}
	rep := NewReputation(ReputationConfig{}, resolver, newTestLogger())

	rep.Listed(net.ParseIP("198.51.100.7"))
	rep.Wait()

	if resolver.count() != 0 {
		t.Error("lookup ran without zones")
	}
}

func TestReverseIP(t *testing.T) {
	tests := []struct {
		ip   string
		want string
	}{
		{"192.0.2.99", "99.2.0.192."},
		{"2001:db8:1:2:3:4:567:89ab", "b.a.9.8.7.6.5.0.4.0.0.0.3.0.0.0.2.0.0.0.1.0.0.0.8.b.d.0.1.0.0.2."},
	}

	for _, tt := range tests {
		if got := reverseIP(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("reverseIP(%s) = %q, want %q", tt.ip, got, tt.want)
		}
	}
}

func TestReputationEvictsExpiredEntries(t *testing.T) {
	rep := NewReputation(ReputationConfig{Zones: []string{"bl.example"}, CacheTTL: time.Minute}, &fakeResolver{}, newTestLogger())
	now := time.Now()
	rep.now = func() time.Time { return now }

	for i := 0; i < 10000; i++ {
		rep.Listed(net.ParseIP(fmt.Sprintf("2001:db8::%x", i)))
		rep.Wait()
	}
	if len(rep.cache) != 10000 {
		t.Fatalf("cache = %d entries, want 10000", len(rep.cache))
	}

	now = now.Add(2 * time.Minute)
	rep.Listed(net.ParseIP("198.51.100.7"))
	rep.Wait()

	if len(rep.cache) != 1 {
		t.Errorf("cache = %d entries after TTL, want 1", len(rep.cache))
	}
}

func TestReputationCacheBounded(t *testing.T) {
	rep := NewReputation(ReputationConfig{Zones: []string{"bl.example"}, MaxEntries: 100}, &fakeResolver{}, newTestLogger())

	for i := 0; i < 500; i++ {
		rep.Listed(net.ParseIP(fmt.Sprintf("2001:db8::%x", i)))
		rep.Wait()
	}

	if len(rep.cache) > 100 {
		t.Errorf("cache = %d entries, want at most 100", len(rep.cache))
	}
}
