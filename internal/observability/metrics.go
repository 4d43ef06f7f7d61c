package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API, the orchestrator,
// and the sweeper.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	messagesSentTotal       *prometheus.CounterVec
	messagesFailedTotal     *prometheus.CounterVec
	sendDuration            *prometheus.HistogramVec
	webhookEventsTotal      *prometheus.CounterVec
	inboundUnmatchedTotal   prometheus.Counter
	remindersProcessedTotal *prometheus.CounterVec
	sweepRunsTotal          *prometheus.CounterVec
	sweepDuration           *prometheus.HistogramVec
	breakerOpen             *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "comms_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "comms_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		messagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "comms_engine",
				Name:      "messages_sent_total",
				Help:      "Total number of messages accepted by a provider, by channel.",
			},
			[]string{"channel"},
		),
		messagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "comms_engine",
				Name:      "messages_failed_total",
				Help:      "Total number of failed send attempts by channel and reason.",
			},
			[]string{"channel", "reason"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "comms_engine",
				Name:      "send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		webhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "comms_engine",
				Name:      "webhook_events_total",
				Help:      "Total number of processed webhook events by provider and reported status.",
			},
			[]string{"provider", "status"},
		),
		inboundUnmatchedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "comms_engine",
				Name:      "inbound_unmatched_total",
				Help:      "Total number of inbound messages that matched no known patient.",
			},
		),
		remindersProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "comms_engine",
				Name:      "reminders_processed_total",
				Help:      "Total number of due reminders processed, by result.",
			},
			[]string{"result"},
		),
		sweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "comms_engine",
				Name:      "sweep_runs_total",
				Help:      "Total number of sweep executions by sweep name and outcome.",
			},
			[]string{"sweep", "outcome"},
		),
		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "comms_engine",
				Name:      "sweep_duration_seconds",
				Help:      "Sweep execution duration in seconds by sweep name.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"sweep"},
		),
		breakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "comms_engine",
				Name:      "breaker_open",
				Help:      "Whether the per-channel circuit breaker is open (1) or closed (0).",
			},
			[]string{"channel"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.messagesSentTotal,
		m.messagesFailedTotal,
		m.sendDuration,
		m.webhookEventsTotal,
		m.inboundUnmatchedTotal,
		m.remindersProcessedTotal,
		m.sweepRunsTotal,
		m.sweepDuration,
		m.breakerOpen,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncMessageSent(channel string) {
	if m == nil {
		return
	}
	m.messagesSentTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncMessageFailed(channel string, reason string) {
	if m == nil {
		return
	}
	m.messagesFailedTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(reason)).Inc()
}

func (m *Metrics) ObserveSendDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(channel)).Observe(seconds)
}

func (m *Metrics) IncWebhookEvent(provider string, status string) {
	if m == nil {
		return
	}
	m.webhookEventsTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(status)).Inc()
}

func (m *Metrics) IncInboundUnmatched() {
	if m == nil {
		return
	}
	m.inboundUnmatchedTotal.Inc()
}

func (m *Metrics) IncReminderProcessed(result string) {
	if m == nil {
		return
	}
	m.remindersProcessedTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) ObserveSweep(sweep string, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	sweepLabel := normalizeLabel(sweep)
	m.sweepRunsTotal.WithLabelValues(sweepLabel, normalizeLabel(outcome)).Inc()

	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sweepDuration.WithLabelValues(sweepLabel).Observe(seconds)
}

func (m *Metrics) SetBreakerOpen(channel string, open bool) {
	if m == nil {
		return
	}
	value := 0.0
	if open {
		value = 1.0
	}
	m.breakerOpen.WithLabelValues(normalizeLabel(channel)).Set(value)
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(label string) string {
	normalized := strings.ToLower(strings.TrimSpace(label))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
