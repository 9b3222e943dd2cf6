package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/mailqueue/pkg/alerts"
	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/guido-cesarano/mailqueue/pkg/lock"
	"github.com/guido-cesarano/mailqueue/pkg/optimizer"
	"github.com/guido-cesarano/mailqueue/pkg/scheduler"
	"github.com/guido-cesarano/mailqueue/pkg/search"
	"github.com/rs/zerolog"
)

func testRouter(t *testing.T, apiKey string) *http.ServeMux {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)

	store := kv.NewFromAddr(s.Addr())
	locks := lock.New(store)
	sch := scheduler.New(store)
	cron := scheduler.NewCronRegistrar(sch)
	vocab := search.NewVocabularyCache()
	engine := search.New(store, vocab, zerolog.Nop())
	monitor := alerts.New(store, zerolog.Nop())
	opt := optimizer.New(store, locks, zerolog.Nop())

	return setupRouter(store, sch, cron, engine, monitor, opt, apiKey)
}

func TestAuthMiddlewareRejectsMissingOrWrongKey(t *testing.T) {
	mux := testRouter(t, "secret-key")

	tests := []struct {
		name           string
		headerValue    string
		expectedStatus int
	}{
		{"no key", "", http.StatusUnauthorized},
		{"wrong key", "wrong-key", http.StatusUnauthorized},
		{"correct key", "secret-key", http.StatusBadRequest}, // auth passes, empty body fails decode
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/enqueue", nil)
			if tt.headerValue != "" {
				req.Header.Set("X-API-Key", tt.headerValue)
			}

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestAuthDisabledWhenNoKeyConfigured(t *testing.T) {
	mux := testRouter(t, "")

	req := httptest.NewRequest(http.MethodPost, "/enqueue", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code == http.StatusUnauthorized {
		t.Errorf("expected auth to be disabled, got 401")
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	mux := testRouter(t, "")

	req := httptest.NewRequest(http.MethodPost, "/enqueue", strings.NewReader(`{"kind":"not_a_kind","payload":{}}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown kind, got %d", w.Code)
	}
}

func TestEnqueueAcceptsKnownKind(t *testing.T) {
	mux := testRouter(t, "")

	req := httptest.NewRequest(http.MethodPost, "/enqueue", strings.NewReader(
		`{"kind":"send_notification","payload":{"user_id":"u1","channel":"push","title":"hi","body":"b"}}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStatusReturnsNotFoundForUnknownID(t *testing.T) {
	mux := testRouter(t, "")

	req := httptest.NewRequest(http.MethodGet, "/status?id=does-not-exist", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task id, got %d", w.Code)
	}
}

func TestSearchReturnsEmptyResultOnEmptyIndex(t *testing.T) {
	mux := testRouter(t, "")

	req := httptest.NewRequest(http.MethodGet, "/search?q=revenue", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
