package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestReceived   EventType = "request_received"
	EventProbeCompleted    EventType = "probe_completed"
	EventResponseCompleted EventType = "response_completed"
	EventHealthChanged     EventType = "health_changed"
	EventBreakerChanged    EventType = "breaker_changed"
)

type MetricEvent struct {
	Type        EventType
	Timestamp   time.Time
	Network     string
	Decision    string
	Outcome     string
	CacheStatus string
	Host        string
	State       string
	Duration    time.Duration
	StatusCode  int
	Healthy     bool
}

type Collector struct {
	eventCh  chan MetricEvent
	metrics  *Metrics
	exporter *Exporter
	logger   *slog.Logger
}

// NewCollector creates a collector. exporter may be nil.
func NewCollector(bufferSize int, logger *slog.Logger, exporter *Exporter) *Collector {
	return &Collector{
		eventCh:  make(chan MetricEvent, bufferSize),
		metrics:  NewMetrics(),
		exporter: exporter,
		logger:   logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues an event without blocking. It reports false when the buffer is
// full and the event was dropped.
func (c *Collector) Emit(event MetricEvent) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
		return true
	default:
		return false
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(event.Network)

	case EventProbeCompleted:
		c.metrics.RecordProbe(event.Outcome, event.CacheStatus, event.Duration)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Network, event.Decision, event.Duration, event.StatusCode)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Healthy)

	case EventBreakerChanged:
		c.metrics.UpdateBreakerState(event.Host, event.State)
	}

	c.exporter.Observe(event)
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot(domain string) Snapshot {
	return c.metrics.Snapshot(domain)
}
