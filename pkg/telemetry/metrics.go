package telemetry

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Match outcome label values.
const (
	OutcomeMatched          = "matched"
	OutcomeUnmatchedLive    = "unmatched_live"
	OutcomeUnmatchedDesired = "unmatched_desired"
)

// Phase label values for the plan duration histogram.
const (
	PhaseMatch  = "match"
	PhasePolicy = "policy"
	PhaseRun    = "run"
)

// Metrics holds the Prometheus collectors of the upgrader. With metrics
// disabled every recorder is a no-op.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	matchOutcomes        *prometheus.CounterVec
	matchDepth           prometheus.Histogram
	plansBuilt           *prometheus.CounterVec
	modificationsPlanned *prometheus.CounterVec
	modificationsApplied *prometheus.CounterVec
	planRuns             *prometheus.CounterVec
	planDuration         *prometheus.HistogramVec
	policyViolations     *prometheus.CounterVec
	errorsByClass        *prometheus.CounterVec
	errorsByCode         *prometheus.CounterVec
	liveNodes            prometheus.Gauge
}

func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{config: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	ns := cfg.Namespace
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m.matchOutcomes = counter("match_nodes_total", "Nodes reported by matching passes, by outcome", "outcome")
	m.matchDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "match_depth",
		Help:      "Deepest live tree level reached by a matching pass",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})
	m.plansBuilt = counter("plans_built_total", "Plans built, by whether they carry errors", "blocked")
	m.modificationsPlanned = counter("modifications_planned_total", "Modifications planned, by kind", "kind")
	m.modificationsApplied = counter("modifications_applied_total", "Modifications applied, by kind", "kind")
	m.planRuns = counter("plan_runs_total", "Plan runs, by resulting state", "state")
	m.planDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "plan_phase_duration_seconds",
		Help:      "Duration of plan phases in seconds",
		Buckets:   buckets,
	}, []string{"phase"})
	m.policyViolations = counter("policy_violations_total", "Policy violations, by policy and severity", "policy", "severity")
	m.errorsByClass = counter("errors_by_class_total", "Errors by error class", "class")
	m.errorsByCode = counter("errors_by_code_total", "Errors by error code", "code")
	m.liveNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "live_nodes",
		Help:      "Nodes in the live topology",
	})

	m.registry = prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		m.matchOutcomes, m.matchDepth, m.plansBuilt, m.modificationsPlanned, m.modificationsApplied,
		m.planRuns, m.planDuration, m.policyViolations, m.errorsByClass, m.errorsByCode, m.liveNodes,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) enabled() bool { return m.registry != nil }

// RecordMatch counts the outcomes of one matching pass and observes how
// deep it went.
func (m *Metrics) RecordMatch(matched, unmatchedLive, unmatchedDesired, depth int) {
	if !m.enabled() {
		return
	}
	m.matchOutcomes.WithLabelValues(OutcomeMatched).Add(float64(matched))
	m.matchOutcomes.WithLabelValues(OutcomeUnmatchedLive).Add(float64(unmatchedLive))
	m.matchOutcomes.WithLabelValues(OutcomeUnmatchedDesired).Add(float64(unmatchedDesired))
	m.matchDepth.Observe(float64(depth))
}

// RecordPlanBuilt takes the kind of every planned modification.
func (m *Metrics) RecordPlanBuilt(kinds []string, blocked bool) {
	if !m.enabled() {
		return
	}
	m.plansBuilt.WithLabelValues(strconv.FormatBool(blocked)).Inc()
	for _, kind := range kinds {
		m.modificationsPlanned.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RecordModificationApplied(kind string) {
	if m.enabled() {
		m.modificationsApplied.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RecordPlanRun(state string) {
	if m.enabled() {
		m.planRuns.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m.enabled() {
		m.planDuration.WithLabelValues(phase).Observe(d.Seconds())
	}
}

func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.enabled() {
		m.policyViolations.WithLabelValues(policy, severity).Inc()
	}
}

// RecordError counts an error by class, and by code when it has one.
func (m *Metrics) RecordError(class, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) SetLiveNodes(count int) {
	if m.enabled() {
		m.liveNodes.Set(float64(count))
	}
}

// Timer measures one operation.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }

// Registry is nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteText dumps every metric in the Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	if !m.enabled() {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Handler serves the registry, or 404s when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves Handler on the configured listen address in the
// background. The caller owns the returned server; it is nil when there is
// nothing to serve. Serve errors go to onError.
func (m *Metrics) StartMetricsServer(onError func(error)) *http.Server {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	srv := &http.Server{Addr: m.config.ListenAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()
	return srv
}
