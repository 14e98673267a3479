package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var breakerStateValues = map[string]float64{
	"CLOSED":    0,
	"HALF-OPEN": 1,
	"OPEN":      2,
}

// Exporter mirrors collector events into Prometheus metrics.
type Exporter struct {
	registry         *prometheus.Registry
	requests         *prometheus.CounterVec
	responses        *prometheus.CounterVec
	responseDuration *prometheus.HistogramVec
	probes           *prometheus.CounterVec
	probeDuration    *prometheus.HistogramVec
	storageHealthy   prometheus.Gauge
	breakerState     *prometheus.GaugeVec
}

// NewExporter registers the proxy metrics on registry. A nil registry gets a
// fresh one.
func NewExporter(namespace string, registry *prometheus.Registry) (*Exporter, error) {
	if namespace == "" {
		namespace = "tile_proxy"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}
	var err error

	if e.requests, err = register(registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Tile requests received, by network.",
	}, []string{"network"})); err != nil {
		return nil, err
	}

	if e.responses, err = register(registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "responses_total",
		Help:      "Tile responses written, by negotiation decision and status code.",
	}, []string{"decision", "code"})); err != nil {
		return nil, err
	}

	if e.responseDuration, err = register(registry, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "response_duration_seconds",
		Help:      "Time to answer a tile request, by negotiation decision.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"decision"})); err != nil {
		return nil, err
	}

	if e.probes, err = register(registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_probes_total",
		Help:      "Storage calls, by outcome and tier cache status.",
	}, []string{"outcome", "cache"})); err != nil {
		return nil, err
	}

	if e.probeDuration, err = register(registry, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "storage_probe_duration_seconds",
		Help:      "Latency of storage calls, by outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})); err != nil {
		return nil, err
	}

	if e.storageHealthy, err = register(registry, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "storage_healthy",
		Help:      "1 when the storage health object is reachable.",
	})); err != nil {
		return nil, err
	}
	e.storageHealthy.Set(1)

	if e.breakerState, err = register(registry, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Breaker state per storage host: 0 closed, 1 half-open, 2 open.",
	}, []string{"host"})); err != nil {
		return nil, err
	}

	return e, nil
}

func register[T prometheus.Collector](registry prometheus.Registerer, c T) (T, error) {
	if err := registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

// Observe records one event. It is safe to call on a nil Exporter.
func (e *Exporter) Observe(event MetricEvent) {
	if e == nil {
		return
	}

	switch event.Type {
	case EventRequestReceived:
		e.requests.WithLabelValues(event.Network).Inc()

	case EventProbeCompleted:
		e.probes.WithLabelValues(event.Outcome, event.CacheStatus).Inc()
		e.probeDuration.WithLabelValues(event.Outcome).Observe(event.Duration.Seconds())

	case EventResponseCompleted:
		e.responses.WithLabelValues(event.Decision, strconv.Itoa(event.StatusCode)).Inc()
		e.responseDuration.WithLabelValues(event.Decision).Observe(event.Duration.Seconds())

	case EventHealthChanged:
		if event.Healthy {
			e.storageHealthy.Set(1)
		} else {
			e.storageHealthy.Set(0)
		}

	case EventBreakerChanged:
		if v, ok := breakerStateValues[event.State]; ok {
			e.breakerState.WithLabelValues(event.Host).Set(v)
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}
