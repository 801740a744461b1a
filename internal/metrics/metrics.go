// Package metrics registers sandrun's Prometheus instrumentation and
// exposes it for scraping at /metrics, grounded on vjache-cie's
// cmd/cie/index.go, the one pack repo that mounts promhttp.Handler()
// directly rather than going through a framework's metrics middleware.
// dupedog has no metrics surface of its own (a CLI tool has no scrape
// target), so every metric name and label set here comes straight from
// spec.md's own vocabulary (admission decisions, sandbox failure kinds,
// environment cache hit/miss/build) rather than from teacher precedent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector sandrun registers. Construct one with
// New and pass it to the components that observe it; there is no package
// global, matching spec.md §7's "explicit collaborator objects, not
// ambient globals" rule.
type Metrics struct {
	AdmissionDecisions *prometheus.CounterVec
	SandboxOutcomes    *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	WorkersBusy        prometheus.Gauge
	EnvCacheHits       prometheus.Counter
	EnvCacheMisses     prometheus.Counter
	EnvCacheBuilds     *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
}

// New registers every collector against reg and returns the bundle.
// Callers typically pass prometheus.NewRegistry() in tests and
// prometheus.DefaultRegisterer in production (wrapped via
// prometheus.WrapRegistererWith if needed).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AdmissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandrun_admission_decisions_total",
			Help: "Submissions by admission outcome (admitted, cpu_budget_exceeded, concurrency_limit, hourly_cap_exceeded).",
		}, []string{"decision"}),
		SandboxOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandrun_sandbox_outcomes_total",
			Help: "Finished sandbox runs by outcome (completed, failed, oom, cpu_exceeded, timed_out, blocked_syscall, killed_by_signal, exec, setup_failed).",
		}, []string{"outcome"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandrun_queue_depth",
			Help: "Jobs admitted but not yet picked up by a worker.",
		}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandrun_workers_busy",
			Help: "Worker-pool slots currently executing a job.",
		}),
		EnvCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandrun_env_cache_hits_total",
			Help: "prepare_environment calls served by a fresh cache entry.",
		}),
		EnvCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandrun_env_cache_misses_total",
			Help: "prepare_environment calls that required a build.",
		}),
		EnvCacheBuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandrun_env_cache_builds_total",
			Help: "Environment builds by outcome (ok, build_failed).",
		}, []string{"outcome"}),
		JobDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandrun_job_duration_seconds",
			Help:    "Wall-clock time from admission to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s .. ~13 minutes
		}, []string{"terminal_status"}),
	}
}

// ObserveAdmission records one check_quota outcome.
func (m *Metrics) ObserveAdmission(decision string) {
	m.AdmissionDecisions.WithLabelValues(decision).Inc()
}

// ObserveSandboxOutcome records one finished sandbox run.
func (m *Metrics) ObserveSandboxOutcome(outcome string) {
	m.SandboxOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveEnvCacheBuild records one environment build attempt.
func (m *Metrics) ObserveEnvCacheBuild(ok bool) {
	if ok {
		m.EnvCacheBuilds.WithLabelValues("ok").Inc()
		return
	}
	m.EnvCacheBuilds.WithLabelValues("build_failed").Inc()
}

// ObserveEnvCacheHit records one prepare_environment call served by a
// fresh, already-built cache entry.
func (m *Metrics) ObserveEnvCacheHit() { m.EnvCacheHits.Inc() }

// ObserveEnvCacheMiss records one prepare_environment call that found no
// fresh cache entry and had to build (or wait on a coalesced build).
func (m *Metrics) ObserveEnvCacheMiss() { m.EnvCacheMisses.Inc() }

// ObserveJobDuration records one job's wall-clock time from admission to
// terminal status, labeled by the terminal status it reached.
func (m *Metrics) ObserveJobDuration(terminalStatus string, seconds float64) {
	m.JobDurationSeconds.WithLabelValues(terminalStatus).Observe(seconds)
}
