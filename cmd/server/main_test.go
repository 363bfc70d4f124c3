package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/confplane/confplane/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveWithRecordsRequests(t *testing.T) {
	m := metrics.New()
	observe := observeWith(m)

	observe(http.MethodGet, "/v1/values", http.StatusOK, 5*time.Millisecond)
	observe(http.MethodGet, "/v1/values", http.StatusOK, 7*time.Millisecond)
	observe(http.MethodPut, "/v1/rules", http.StatusBadRequest, time.Millisecond)

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/values", "200"))
	if got != 2 {
		t.Fatalf("GET /v1/values 200 count = %v, want 2", got)
	}

	got = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("PUT", "/v1/rules", "400"))
	if got != 1 {
		t.Fatalf("PUT /v1/rules 400 count = %v, want 1", got)
	}
}
