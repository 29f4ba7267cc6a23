package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for simulation runs.
type Metrics struct {
	Runs           *prometheus.CounterVec
	Replicates     prometheus.Counter
	Degenerate     prometheus.Counter
	Fits           *prometheus.CounterVec
	FitErrors      *prometheus.CounterVec
	FitDuration    *prometheus.HistogramVec
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	LastTypeIError *prometheus.GaugeVec
	LastPower      *prometheus.GaugeVec
}

// New creates and registers all metrics with reg. A nil reg registers with
// the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchback_runs_total",
				Help: "Simulation runs by method, aggregation mode and result",
			},
			[]string{"method", "agg", "result"},
		),
		Replicates: f.NewCounter(prometheus.CounterOpts{
			Name: "switchback_replicates_total",
			Help: "Monte Carlo replicates completed",
		}),
		Degenerate: f.NewCounter(prometheus.CounterOpts{
			Name: "switchback_degenerate_replicates_total",
			Help: "Replicates whose draw put every cluster in one arm",
		}),
		Fits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchback_fits_total",
				Help: "Model fits by estimator",
			},
			[]string{"estimator"},
		),
		FitErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchback_fit_errors_total",
				Help: "Model fits that failed, by estimator",
			},
			[]string{"estimator"},
		),
		FitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchback_fit_duration_seconds",
				Help:    "Model fit latency by estimator",
				Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
			},
			[]string{"estimator"},
		),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "switchback_assignment_cache_hits_total",
			Help: "Cluster assignments served from cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "switchback_assignment_cache_misses_total",
			Help: "Cluster assignments computed",
		}),
		LastTypeIError: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchback_last_type_i_error",
				Help: "Type I error rate of the last completed run",
			},
			[]string{"method", "agg"},
		),
		LastPower: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchback_last_power",
				Help: "Power of the last completed run",
			},
			[]string{"method", "agg"},
		),
	}
}

// ObserveFit records one model fit.
func (m *Metrics) ObserveFit(estimator string, d time.Duration, err error) {
	m.Fits.WithLabelValues(estimator).Inc()
	m.FitDuration.WithLabelValues(estimator).Observe(d.Seconds())
	if err != nil {
		m.FitErrors.WithLabelValues(estimator).Inc()
	}
}

// ObserveRun records a finished run. typeI and power are ignored on error.
func (m *Metrics) ObserveRun(method string, agg bool, typeI, power float64, err error) {
	aggLabel := strconv.FormatBool(agg)
	if err != nil {
		m.Runs.WithLabelValues(method, aggLabel, "error").Inc()
		return
	}
	m.Runs.WithLabelValues(method, aggLabel, "ok").Inc()
	m.LastTypeIError.WithLabelValues(method, aggLabel).Set(typeI)
	m.LastPower.WithLabelValues(method, aggLabel).Set(power)
}
