package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/mailgate/internal/abuse"
	"github.com/foxzi/mailgate/internal/config"
	"github.com/foxzi/mailgate/internal/queue"
	"github.com/foxzi/mailgate/internal/template"
)

const (
	testAdminKey   = "admin-secret-key"
	testCronSecret = "cron-secret"
	browserUA      = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
)

var testNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memAudit implements abuse.AuditStore for testing
type memAudit struct {
	mu   sync.Mutex
	reqs []*abuse.BlockedRequest
}

func (m *memAudit) Record(ctx context.Context, req *abuse.BlockedRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	return nil
}

func (m *memAudit) List(ctx context.Context, filter abuse.BlockedFilter) ([]*abuse.BlockedRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*abuse.BlockedRequest
	for _, r := range m.reqs {
		if filter.Form != "" && r.Form != filter.Form {
			continue
		}
		if filter.IP != "" && r.IP != filter.IP {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memAudit) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reqs)
}

// stubSender records delivered emails
type stubSender struct {
	mu   sync.Mutex
	sent []*queue.Email
	err  error
}

func (s *stubSender) Send(ctx context.Context, email *queue.Email) (*queue.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.sent = append(s.sent, email)
	return &queue.SendResult{Provider: "stub", MessageID: "stub-" + email.ID}, nil
}

type testEnv struct {
	server *Server
	store  *queue.BoltStorage
	filter *abuse.Filter
	audit  *memAudit
	sender *stubSender
	apiCfg *config.APIConfig
	notify *config.NotifyConfig
}

type envOption func(api *config.APIConfig, notify *config.NotifyConfig)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	apiCfg := &config.APIConfig{
		AdminKey:     testAdminKey,
		CronSecret:   testCronSecret,
		MaxBodyBytes: 64 << 10,
	}
	filterCfg := &config.FilterConfig{
		HoneypotField:  "website",
		TimestampField: "form_loaded_at",
	}
	notify := &config.NotifyConfig{
		AdminEmail: "hello@agency.example",
		SiteName:   "Agency",
	}
	for _, opt := range opts {
		opt(apiCfg, notify)
	}

	store, err := queue.NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := testLogger()

	filter := abuse.NewFilter(abuse.Config{MaxURLs: 1}, nil, logger)
	audit := &memAudit{}
	filter.SetAuditStore(audit)

	engine, err := template.NewEngine("")
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	sender := &stubSender{}
	srv := NewServer(Options{
		Config:    apiCfg,
		Filter:    filterCfg,
		Notify:    notify,
		Evaluator: filter,
		Producer:  queue.NewProducer(store, 3, logger),
		Processor: queue.NewProcessor(store, sender, queue.ProcessorConfig{BatchSize: 10}, logger),
		Store:     store,
		Audit:     audit,
		Templates: engine,
		Version:   "test",
		Logger:    logger,
	})
	srv.now = func() time.Time { return testNow }

	return &testEnv{
		server: srv,
		store:  store,
		filter: filter,
		audit:  audit,
		sender: sender,
		apiCfg: apiCfg,
		notify: notify,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	decodeJSON(t, rec, &resp)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Queue == nil || resp.Queue.Total != 0 {
		t.Errorf("queue stats = %+v", resp.Queue)
	}
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	env := newTestEnv(t, func(api *config.APIConfig, _ *config.NotifyConfig) {
		api.AdminKey = ""
	})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/email-queue", nil)
	req.Header.Set("Authorization", "Bearer anything")
	if rec := env.do(req); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when admin API is disabled", rec.Code)
	}
}

func TestFormsCORS(t *testing.T) {
	env := newTestEnv(t, func(api *config.APIConfig, _ *config.NotifyConfig) {
		api.CORSOrigins = []string{"https://agency.example"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/forms/contact", nil)
	req.Header.Set("Origin", "https://agency.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := env.do(req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://agency.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/forms/contact", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = env.do(req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); strings.Contains(got, "evil") {
		t.Errorf("unexpected origin allowed: %q", got)
	}
}
