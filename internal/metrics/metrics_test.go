package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}
	// Gathering should succeed and return registered metric families.
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	// No samples yet, but families are registered on first use;
	// force a sample so we can verify at least one family appears.
	m.CacheLoadsTotal.Inc()
	fams, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather after inc failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestRecordCalculation(t *testing.T) {
	m := New()

	m.RecordCalculation("ok", 5*time.Millisecond)
	m.RecordCalculation("ok", 3*time.Millisecond)
	m.RecordCalculation("cycle", time.Millisecond)

	okCount := testutil.ToFloat64(m.CalculationsTotal.WithLabelValues("ok"))
	cycleCount := testutil.ToFloat64(m.CalculationsTotal.WithLabelValues("cycle"))

	if okCount != 2 {
		t.Fatalf("expected ok count 2, got %v", okCount)
	}
	if cycleCount != 1 {
		t.Fatalf("expected cycle count 1, got %v", cycleCount)
	}
}

func TestSetRuleCacheSize(t *testing.T) {
	m := New()

	m.SetRuleCacheSize(5)
	if v := testutil.ToFloat64(m.RuleCacheSize); v != 5 {
		t.Fatalf("expected rule cache size 5, got %v", v)
	}

	m.SetRuleCacheSize(0)
	if v := testutil.ToFloat64(m.RuleCacheSize); v != 0 {
		t.Fatalf("expected rule cache size 0, got %v", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.CacheLoadsTotal.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "confplane_cache_loads_total") {
		t.Fatal("expected response to contain confplane_cache_loads_total")
	}
}

func TestIncCacheLoads(t *testing.T) {
	m := New()

	m.IncCacheLoads()
	m.IncCacheLoads()

	if v := testutil.ToFloat64(m.CacheLoadsTotal); v != 2 {
		t.Fatalf("expected cache loads 2, got %v", v)
	}
}

func TestIncCacheInvalidations(t *testing.T) {
	m := New()

	m.IncCacheInvalidations()
	m.IncCacheInvalidations()
	m.IncCacheInvalidations()

	if v := testutil.ToFloat64(m.CacheInvalidations); v != 3 {
		t.Fatalf("expected cache invalidations 3, got %v", v)
	}
}
