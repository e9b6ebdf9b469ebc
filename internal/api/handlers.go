/**
 * @description
 * HTTP handlers for the payout service.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/beatnyk77/vibepe/internal/app"
	"github.com/beatnyk77/vibepe/internal/domain"
	"github.com/beatnyk77/vibepe/internal/observability"
)

// JobRunner is the operational surface the handlers drive.
type JobRunner interface {
	RunSettlement(ctx context.Context) (*domain.RunReport, error)
	LatestReport() (*domain.RunReport, bool)
	Reconcile(ctx context.Context) (*domain.ReconcileReport, error)
	RequeueFailed(ctx context.Context) (int, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the job runner that handlers will interact with.
type Handler struct {
	jobs    JobRunner
	db      Pinger
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewHandler creates a new Handler. db and metrics may be nil.
func NewHandler(jobs JobRunner, db Pinger, metrics *observability.Metrics, logger *slog.Logger) *Handler {
	return &Handler{jobs: jobs, db: db, metrics: metrics, logger: logger}
}

func (h *Handler) instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	if h.metrics == nil {
		return fn
	}
	return h.metrics.WrapHandler(route, fn).ServeHTTP
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": "unreachable"})
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRunSettlement(w http.ResponseWriter, r *http.Request) {
	report, err := h.jobs.RunSettlement(context.WithoutCancel(r.Context()))
	if err != nil {
		h.logger.Error("manual settlement run failed", "error", err)
		respondWithError(w, statusFor(err), err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	report, ok := h.jobs.LatestReport()
	if !ok {
		respondWithError(w, http.StatusNotFound, "no settlement run has completed yet")
		return
	}

	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.jobs.Reconcile(context.WithoutCancel(r.Context()))
	if err != nil {
		h.logger.Error("manual reconciliation failed", "error", err)
		respondWithError(w, statusFor(err), err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) handleRequeueFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.jobs.RequeueFailed(context.WithoutCancel(r.Context()))
	if err != nil {
		h.logger.Error("manual failed requeue failed", "error", err)
		respondWithError(w, statusFor(err), err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, app.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
