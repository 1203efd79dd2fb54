// Package metrics exposes Prometheus collectors for quoting and rule loading.
package metrics

import (
	"net/http"
	"time"

	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cowork-market/tariff/internal/domain"
)

var (
	MetricNamespace = "tariff"
	MetricComponent = "pricing"
)

// Metrics holds the service collectors on a dedicated registry.
type Metrics struct {
	registry *stdprometheus.Registry

	quotes      *stdprometheus.CounterVec
	unavailable stdprometheus.Counter
	duration    stdprometheus.Histogram
	rulesLoaded stdprometheus.Gauge
	cacheHits   *stdprometheus.CounterVec
	events      *stdprometheus.CounterVec
}

// New creates and registers the collectors. hostname is attached as a
// constant label.
func New(hostname string) *Metrics {
	labels := stdprometheus.Labels{"component": MetricComponent, "hostname": hostname}
	m := &Metrics{
		registry: stdprometheus.NewRegistry(),
		quotes: stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
			Namespace:   MetricNamespace,
			Name:        "quotes_total",
			Help:        "Price rule evaluations by branch",
			ConstLabels: labels,
		}, []string{"branch"}),
		unavailable: stdprometheus.NewCounter(stdprometheus.CounterOpts{
			Namespace:   MetricNamespace,
			Name:        "quote_unavailable_total",
			Help:        "Evaluations that produced no price",
			ConstLabels: labels,
		}),
		duration: stdprometheus.NewHistogram(stdprometheus.HistogramOpts{
			Namespace:   MetricNamespace,
			Name:        "quote_duration_seconds",
			Help:        "Time spent evaluating a price rule",
			ConstLabels: labels,
			Buckets:     []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		}),
		rulesLoaded: stdprometheus.NewGauge(stdprometheus.GaugeOpts{
			Namespace:   MetricNamespace,
			Name:        "rules_loaded",
			Help:        "Pricing rules currently loaded in the engine",
			ConstLabels: labels,
		}),
		cacheHits: stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
			Namespace:   MetricNamespace,
			Name:        "quote_cache_lookups_total",
			Help:        "Quote cache lookups by result",
			ConstLabels: labels,
		}, []string{"result"}),
		events: stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
			Namespace:   MetricNamespace,
			Name:        "events_total",
			Help:        "Event bus messages handled by topic and outcome",
			ConstLabels: labels,
		}, []string{"topic", "outcome"}),
	}

	m.registry.MustRegister(
		m.quotes,
		m.unavailable,
		m.duration,
		m.rulesLoaded,
		m.cacheHits,
		m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveQuote records one evaluation.
func (m *Metrics) ObserveQuote(branch domain.Branch, available bool, elapsed time.Duration) {
	m.quotes.WithLabelValues(string(branch)).Inc()
	if !available {
		m.unavailable.Inc()
	}
	m.duration.Observe(elapsed.Seconds())
}

// SetRulesLoaded records the number of loaded rules.
func (m *Metrics) SetRulesLoaded(n int) {
	m.rulesLoaded.Set(float64(n))
}

// ObserveCache records a quote cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if hit {
		m.cacheHits.WithLabelValues("hit").Inc()
		return
	}
	m.cacheHits.WithLabelValues("miss").Inc()
}

// ObserveEvent records a handled bus message.
func (m *Metrics) ObserveEvent(topic string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.events.WithLabelValues(topic, outcome).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *stdprometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
