package server

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/config"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/processing"
	"github.com/clarityhq/clarity/internal/modules/rawevents"
	clarity_testing "github.com/clarityhq/clarity/internal/testing"
)

// echoRegistrar stands in for module handlers in routing tests.
type echoRegistrar struct{}

func (echoRegistrar) RegisterRoutes(r chi.Router) {
	ok := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	r.Get("/api/echo", ok)
	r.Get("/ledger/echo", ok)
	r.Get("/public/echo", ok)
	r.Post("/api/webhooks/{provider}", ok)
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *events.Bus, func()) {
	t.Helper()
	stores, cleanup := clarity_testing.NewTestStores(t)

	log := zerolog.Nop()
	cfg := &config.Config{Port: 0, DataDir: t.TempDir()}
	if mutate != nil {
		mutate(cfg)
	}

	bus := events.NewBus(log)
	store := rawevents.NewStore(stores.Ledger.Conn(), log)
	procRepo := processing.NewRepository(stores.Core.Conn(), log)
	diagnostics := NewDiagnosticsHandlers(nil, store, procRepo, cfg.DataDir, log)

	s := New(Config{
		Log:         log,
		Config:      cfg,
		Bus:         bus,
		Diagnostics: diagnostics,
		Handlers:    []RouteRegistrar{echoRegistrar{}},
	})
	return s, bus, cleanup
}

func TestAuthRequiredOnGuardedRoutes(t *testing.T) {
	s, _, cleanup := newTestServer(t, nil)
	defer cleanup()

	cases := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"api without identity", http.MethodGet, "/api/echo", "", http.StatusUnauthorized},
		{"ledger without identity", http.MethodGet, "/ledger/echo", "", http.StatusUnauthorized},
		{"api with email", http.MethodGet, "/api/echo", "X-User-Email", http.StatusOK},
		{"api with user id", http.MethodGet, "/api/echo", "X-User-Id", http.StatusOK},
		{"health is exempt", http.MethodGet, "/health", "", http.StatusOK},
		{"webhooks are exempt", http.MethodPost, "/api/webhooks/plaid", "", http.StatusOK},
		{"unguarded path", http.MethodGet, "/public/echo", "", http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.header != "" {
				req.Header.Set(tc.header, "someone@example.com")
			}
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), "authentication required")
			}
		})
	}
}

func TestDiagnosticsIngestionCounts(t *testing.T) {
	s, _, cleanup := newTestServer(t, nil)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/diagnostics/ingestion/biz-1", nil)
	req.Header.Set("X-User-Email", "ops@example.com")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"business_id":"biz-1"`)
	assert.Contains(t, body, `"raw":0`)
}

func TestBackupTriggersGatedByDevTools(t *testing.T) {
	// Gate off: the routes do not exist.
	s, _, cleanup := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/system/backup", nil)
	req.Header.Set("X-User-Email", "ops@example.com")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	cleanup()

	// Gate on without a configured backup service: explicit 503.
	s, _, cleanup = newTestServer(t, func(cfg *config.Config) { cfg.DevTools = true })
	defer cleanup()
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/system/backup", nil)
	req.Header.Set("X-User-Email", "ops@example.com")
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "backups are not configured")
}

func TestEventsStreamDeliversBusEvents(t *testing.T) {
	s, bus, cleanup := newTestServer(t, nil)
	defer cleanup()

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Email", "ops@example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)

	// The handler subscribes before it writes the connected frame, so once
	// that frame arrives, published events are guaranteed to be seen.
	first := readStreamLine(t, scanner)
	assert.Contains(t, first, `"connected"`)

	bus.Publish(&events.Event{Type: events.TickCompleted, Module: "tick"})

	next := readStreamLine(t, scanner)
	assert.Contains(t, next, string(events.TickCompleted))
}

func readStreamLine(t *testing.T, scanner *bufio.Scanner) string {
	t.Helper()
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, scanner.Err())
	t.Fatal("stream closed before a data line arrived")
	return ""
}
