package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/beatnyk77/vibepe/internal/app"
	"github.com/beatnyk77/vibepe/internal/domain"
	"github.com/beatnyk77/vibepe/internal/observability"
)

const testKey = "internal-secret"

type jobRunnerStub struct {
	report      *domain.RunReport
	runErr      error
	latest      *domain.RunReport
	reconcile   *domain.ReconcileReport
	requeued    int
	ctxCanceled bool
}

func (s *jobRunnerStub) RunSettlement(ctx context.Context) (*domain.RunReport, error) {
	s.ctxCanceled = ctx.Err() != nil
	return s.report, s.runErr
}

func (s *jobRunnerStub) LatestReport() (*domain.RunReport, bool) {
	return s.latest, s.latest != nil
}

func (s *jobRunnerStub) Reconcile(ctx context.Context) (*domain.ReconcileReport, error) {
	return s.reconcile, nil
}

func (s *jobRunnerStub) RequeueFailed(ctx context.Context) (int, error) {
	return s.requeued, nil
}

type pingerStub struct{ err error }

func (p pingerStub) Ping(context.Context) error { return p.err }

func newTestServer(jobs JobRunner, db Pinger) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics()
	handler := NewHandler(jobs, db, metrics, logger)
	return NewRouter(handler, testKey, nil, metrics.Handler())
}

func doRequest(t *testing.T, h http.Handler, method, path string, authorised bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if authorised {
		req.Header.Set("X-Internal-API-Key", testKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInternalRoutesRequireKey(t *testing.T) {
	h := newTestServer(&jobRunnerStub{}, nil)

	for _, path := range []string{"/internal/payouts/runs", "/internal/payouts/reconcile", "/internal/payouts/requeue-failed"} {
		rec := doRequest(t, h, http.MethodPost, path, false)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without key, got %d", path, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/internal/payouts/runs/latest", nil)
	req.Header.Set("X-Internal-API-Key", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}
}

func TestInternalAuthMiddleware_EmptyKeyRejectsAll(t *testing.T) {
	h := InternalAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Internal-API-Key", "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when no key is configured, got %d", rec.Code)
	}
}

func TestRunSettlementReturnsReport(t *testing.T) {
	jobs := &jobRunnerStub{report: &domain.RunReport{RunID: "run-1", Succeeded: 3, ProcessedGroups: 3}}
	h := newTestServer(jobs, nil)

	rec := doRequest(t, h, http.MethodPost, "/internal/payouts/runs", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var got domain.RunReport
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if got.RunID != "run-1" || got.Succeeded != 3 {
		t.Fatalf("unexpected report %+v", got)
	}
	if jobs.ctxCanceled {
		t.Fatal("run context must not be cancelled")
	}
}

func TestRunSettlementErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "in progress", err: app.ErrRunInProgress, want: http.StatusConflict},
		{name: "store down", err: app.ErrStoreUnavailable, want: http.StatusServiceUnavailable},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&jobRunnerStub{runErr: tt.err}, nil)
			rec := doRequest(t, h, http.MethodPost, "/internal/payouts/runs", true)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestLatestRun(t *testing.T) {
	jobs := &jobRunnerStub{}
	h := newTestServer(jobs, nil)

	if rec := doRequest(t, h, http.MethodGet, "/internal/payouts/runs/latest", true); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any run, got %d", rec.Code)
	}

	jobs.latest = &domain.RunReport{RunID: "run-7"}
	rec := doRequest(t, h, http.MethodGet, "/internal/payouts/runs/latest", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReconcileAndRequeue(t *testing.T) {
	jobs := &jobRunnerStub{reconcile: &domain.ReconcileReport{Checked: 2, Settled: 1}, requeued: 4}
	h := newTestServer(jobs, nil)

	rec := doRequest(t, h, http.MethodPost, "/internal/payouts/reconcile", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from reconcile, got %d", rec.Code)
	}
	var report domain.ReconcileReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil || report.Settled != 1 {
		t.Fatalf("unexpected reconcile body %s (err=%v)", rec.Body.String(), err)
	}

	rec = doRequest(t, h, http.MethodPost, "/internal/payouts/requeue-failed", true)
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["requeued"] != 4 {
		t.Fatalf("unexpected requeue body %s (err=%v)", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	if rec := doRequest(t, newTestServer(&jobRunnerStub{}, pingerStub{}), http.MethodGet, "/health", false); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec := doRequest(t, newTestServer(&jobRunnerStub{}, pingerStub{err: errors.New("down")}), http.MethodGet, "/health", false)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when database is unreachable, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(&jobRunnerStub{}, nil)
	doRequest(t, h, http.MethodGet, "/health", false)

	rec := doRequest(t, h, http.MethodGet, "/metrics", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if body := rec.Body.String(); !containsAll(body, "http_requests_total", "go_goroutines") {
		t.Fatalf("expected http and runtime metrics, got:\n%s", body)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
