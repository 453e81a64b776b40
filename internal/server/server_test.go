package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"sdexindexer/internal/config"
	"sdexindexer/internal/health"
	"sdexindexer/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubChecker struct {
	report      health.Report
	hadDeadline bool
}

func (s *stubChecker) Check(ctx context.Context) health.Report {
	_, s.hadDeadline = ctx.Deadline()
	return s.report
}

type stubMetrics struct {
	snap health.Snapshot
	ok   bool
}

func (s stubMetrics) Latest() (health.Snapshot, bool) { return s.snap, s.ok }

type stubOffers struct {
	offers    []model.Offer
	err       error
	lastLimit int
}

func (s *stubOffers) ListRecentOffers(_ context.Context, limit int) ([]model.Offer, error) {
	s.lastLimit = limit
	return s.offers, s.err
}

func reportWith(status health.Status) health.Report {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return health.Report{
		Status:    status,
		Timestamp: now,
		Version:   "test",
		Metrics: []health.HealthMetric{
			{Component: health.ComponentDatabase, Status: status, Timestamp: now},
			{Component: health.ComponentCache, Status: health.StatusNotConfigured, Timestamp: now},
		},
	}
}

func newTestServer(checker HealthChecker, metrics MetricsSource, offers OfferLister) *Server {
	return New(config.ServerConfig{Addr: "127.0.0.1:0", HealthTimeout: time.Second}, checker, metrics, offers, zerolog.Nop())
}

func do(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthHealthy(t *testing.T) {
	checker := &stubChecker{report: reportWith(health.StatusHealthy)}
	rec := do(t, newTestServer(checker, nil, nil), "/health")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !checker.hadDeadline {
		t.Fatal("expected the probe context to carry a deadline")
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" || body["version"] != "test" {
		t.Fatalf("unexpected body: %v", body)
	}
	components, ok := body["components"].(map[string]any)
	if !ok || components["database"] != "healthy" || components["redis"] != string(health.StatusNotConfigured) {
		t.Fatalf("unexpected components: %v", body["components"])
	}
}

func TestHealthUnhealthyReturns503(t *testing.T) {
	rec := do(t, newTestServer(&stubChecker{report: reportWith(health.StatusUnhealthy)}, nil, nil), "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	checker := &stubChecker{report: reportWith(health.StatusHealthy)}

	rec := do(t, newTestServer(checker, nil, nil), "/metrics")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without sampler, got %d", rec.Code)
	}

	rec = do(t, newTestServer(checker, stubMetrics{}, nil), "/metrics")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first sample, got %d", rec.Code)
	}

	snap := health.Snapshot{Pool: health.PoolStats{MaxSize: 10, InUse: 5}, CacheStatus: health.StatusHealthy}
	rec = do(t, newTestServer(checker, stubMetrics{snap: snap, ok: true}, nil), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["pool_utilization"] != 0.5 {
		t.Fatalf("unexpected utilization: %v", body["pool_utilization"])
	}
}

func TestOffersEndpoint(t *testing.T) {
	checker := &stubChecker{report: reportWith(health.StatusHealthy)}
	store := &stubOffers{offers: []model.Offer{{
		ID:      9,
		Seller:  "GSELLER",
		Selling: model.NativeAsset(),
		Buying:  model.CreditAsset(model.AssetCreditAlphanum4, "USD", "GISSUER"),
		Amount:  "1.0000000",
		Price:   "0.5000000",
		PriceN:  1,
		PriceD:  2,
	}}}
	srv := newTestServer(checker, nil, store)

	rec := do(t, srv, "/offers?limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if store.lastLimit != 10 {
		t.Fatalf("expected limit 10, got %d", store.lastLimit)
	}
	var body struct {
		Count  int         `json:"count"`
		Offers []offerView `json:"offers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Offers[0].Buying != "USD:GISSUER" || body.Offers[0].Price != "0.5" {
		t.Fatalf("unexpected body: %+v", body)
	}

	if rec := do(t, srv, "/offers?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}

	store.err = errors.New("db down")
	if rec := do(t, srv, "/offers"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if store.lastLimit != defaultOffersLimit {
		t.Fatalf("expected default limit, got %d", store.lastLimit)
	}
}

func TestServeAndShutdown(t *testing.T) {
	srv := newTestServer(&stubChecker{report: reportWith(health.StatusHealthy)}, nil, nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Serve returned %v", err)
	}
}
