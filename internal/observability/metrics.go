package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/beatnyk77/vibepe/internal/domain"
)

// Metrics records settlement and HTTP telemetry in a Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal         prometheus.Counter
	runDuration       prometheus.Histogram
	lastRunGroups     *prometheus.GaugeVec
	groupsTotal       *prometheus.CounterVec
	netSettled        *prometheus.CounterVec
	providerCalls     *prometheus.CounterVec
	providerDuration  *prometheus.HistogramVec
	reconcileOutcomes *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewMetrics creates and registers the payout metrics on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payout_runs_total",
			Help: "Total settlement runs completed.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "payout_run_duration_seconds",
			Help:    "Histogram of settlement run durations.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		lastRunGroups: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "payout_last_run_groups",
			Help: "Group counts of the most recent settlement run by status.",
		}, []string{"status"}),
		groupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_groups_total",
			Help: "Total payout groups processed by status and currency.",
		}, []string{"status", "currency"}),
		netSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_net_settled_total",
			Help: "Net amount settled by currency, in major units.",
		}, []string{"currency"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_provider_calls_total",
			Help: "Total provider transfer calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payout_provider_call_duration_seconds",
			Help:    "Histogram of provider transfer call durations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		reconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_reconcile_outcomes_total",
			Help: "Total reconciliation outcomes for stuck payouts.",
		}, []string{"outcome"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.runsTotal,
		m.runDuration,
		m.lastRunGroups,
		m.groupsTotal,
		m.netSettled,
		m.providerCalls,
		m.providerDuration,
		m.reconcileOutcomes,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RunCompleted(report domain.RunReport, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.Inc()
	m.runDuration.Observe(duration.Seconds())
	m.lastRunGroups.WithLabelValues(string(domain.GroupSucceeded)).Set(float64(report.Succeeded))
	m.lastRunGroups.WithLabelValues(string(domain.GroupFailed)).Set(float64(report.Failed))
	m.lastRunGroups.WithLabelValues(string(domain.GroupCapped)).Set(float64(report.Capped))
	m.lastRunGroups.WithLabelValues(string(domain.GroupConflict)).Set(float64(report.Conflicts))
	m.lastRunGroups.WithLabelValues(string(domain.GroupUnsettled)).Set(float64(report.Unsettled))
	m.lastRunGroups.WithLabelValues(string(domain.GroupError)).Set(float64(report.Errors))
	m.lastRunGroups.WithLabelValues(string(domain.GroupNotStarted)).Set(float64(report.NotStarted))
}

func (m *Metrics) GroupFinished(status domain.GroupStatus, currency string, net decimal.Decimal) {
	if m == nil {
		return
	}
	m.groupsTotal.WithLabelValues(string(status), currency).Inc()
	if status == domain.GroupSucceeded {
		m.netSettled.WithLabelValues(currency).Add(net.InexactFloat64())
	}
}

func (m *Metrics) ProviderCall(provider string, duration time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, outcome).Inc()
	m.providerDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) Reconciled(report domain.ReconcileReport) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues("settled").Add(float64(report.Settled))
	m.reconcileOutcomes.WithLabelValues("failed").Add(float64(report.Failed))
	m.reconcileOutcomes.WithLabelValues("released").Add(float64(report.Released))
	m.reconcileOutcomes.WithLabelValues("still_pending").Add(float64(report.StillPending))
	m.reconcileOutcomes.WithLabelValues("error").Add(float64(report.Errors))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request counts and latency for a route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
