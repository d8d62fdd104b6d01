package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/hutch-labs/hutch-agent/internal/platform/logging"
)

func TestWrap_GeneratesRequestID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := RequestIDFromContext(r.Context()); !ok {
			t.Errorf("request id missing from context")
		}
		w.WriteHeader(http.StatusOK)
	})
	h := Wrap(logging.Discard(), "agent", mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://agent.test/", nil))

	got := rec.Header().Get(HeaderRequestID)
	if _, err := uuid.Parse(got); err != nil {
		t.Fatalf("X-Request-Id=%q, want uuid: %v", got, err)
	}
}

func TestWrap_PreservesRequestID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Wrap(logging.Discard(), "agent", mux)

	req := httptest.NewRequest(http.MethodGet, "http://agent.test/", nil)
	req.Header.Set(HeaderRequestID, "rid-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(HeaderRequestID); got != "rid-123" {
		t.Fatalf("X-Request-Id=%q, want rid-123", got)
	}
}

func TestWrap_RecoversPanic(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	h := Wrap(slog.New(slog.DiscardHandler), "agent", mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://agent.test/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", ct)
	}
}

func TestReadyzWithChecks(t *testing.T) {
	ok := ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return nil }}
	fail := ReadinessCheck{Name: "minio", Check: func(context.Context) error { return errors.New("bucket missing") }}

	rec := httptest.NewRecorder()
	ReadyzWithChecks("agent", ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ready"`) {
		t.Fatalf("ready: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	ReadyzWithChecks("agent", ok, fail).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bucket missing") {
		t.Fatalf("expected failing check error in body: %s", rec.Body.String())
	}
}

func TestWriteErrorIncludesRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/jobs/x", nil)
	req.Header.Set(HeaderRequestID, "rid-9")
	rec := httptest.NewRecorder()
	WriteError(rec, req, http.StatusNotFound, "not_found", nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"request_id":"rid-9"`) {
		t.Fatalf("body=%s", rec.Body.String())
	}
}
