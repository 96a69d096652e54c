package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Trigger labels of purges
const (
	TriggerLazy   = "lazy"
	TriggerSweep  = "sweep"
	TriggerDelete = "delete"
)

// Metrics counts what happens to zaps over their lifetime
type Metrics interface {
	IncCreated(kind string)
	IncResolution(outcome string)
	IncPurged(trigger string)
	IncPurgeFailure()
	IncSweep()
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncCreated(string)                              {}
func (Noop) IncResolution(string)                           {}
func (Noop) IncPurged(string)                               {}
func (Noop) IncPurgeFailure()                               {}
func (Noop) IncSweep()                                      {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	created       *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	purges        *prometheus.CounterVec
	purgeFailures prometheus.Counter
	sweeps        prometheus.Counter
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// NewProm creates the collectors and registers them with reg; a nil reg means the default registerer
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_created_total",
			Help:      "Zaps created by content kind",
		}, []string{"kind"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Zap resolutions by outcome",
		}, []string{"outcome"}),
		purges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purges_total",
			Help:      "Zaps purged by trigger",
		}, []string{"trigger"}),
		purgeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purge_failures_total",
			Help:      "Zap purges that failed and will be retried",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed sweeps over the artifact store",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(p.created, p.resolutions, p.purges, p.purgeFailures, p.sweeps, p.requests, p.latency)
	return p
}

func (p *Prom) IncCreated(kind string) {
	p.created.WithLabelValues(kind).Inc()
}

func (p *Prom) IncResolution(outcome string) {
	p.resolutions.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncPurged(trigger string) {
	p.purges.WithLabelValues(trigger).Inc()
}

func (p *Prom) IncPurgeFailure() {
	p.purgeFailures.Inc()
}

func (p *Prom) IncSweep() {
	p.sweeps.Inc()
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics serving what g gathers; a nil g means the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
