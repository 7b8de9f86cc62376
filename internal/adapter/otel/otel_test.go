package otel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/MediaBroker/internal/config"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "mediabroker", "test", config.Telemetry{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.TasksClaimed == nil || m.CallbacksFailed == nil || m.ClaimDuration == nil || m.StatusLag == nil {
		t.Fatal("expected every instrument to be created")
	}
	m.TasksClaimed.Add(context.Background(), 1)
}

func TestSpansEnd(t *testing.T) {
	_, span := StartClaimSpan(context.Background(), "w1")
	EndSpan(span, errors.New("boom"))
	_, span = StartStatusUpdateSpan(context.Background(), "t1", "COMPLETED")
	EndSpan(span, nil)
}

func TestHTTPMiddleware(t *testing.T) {
	h := HTTPMiddleware("mediabroker")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workers", http.NoBody))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}
