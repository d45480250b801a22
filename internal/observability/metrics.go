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

const metricsNamespace = "civic_notify"

// Metrics stores Prometheus collectors used by the API, dispatcher and triggers.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec
	notificationsSentTotal   *prometheus.CounterVec
	attemptsFailedTotal      *prometheus.CounterVec
	notificationsExhausted   *prometheus.CounterVec
	fallbackTotal            *prometheus.CounterVec
	notificationSendDuration *prometheus.HistogramVec
	rateLimitedTotal         prometheus.Counter
	surveyEnqueuedTotal      prometheus.Counter
	triggerRunDuration       *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		notificationsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_sent_total",
				Help:      "Total number of notifications delivered, by the channel that delivered them.",
			},
			[]string{"channel"},
		),
		attemptsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notification_attempts_failed_total",
				Help:      "Total number of failed channel attempts by channel and failure reason.",
			},
			[]string{"channel", "reason"},
		),
		notificationsExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_exhausted_total",
				Help:      "Total number of notifications that reached FAILED after exhausting attempts.",
			},
			[]string{"channel"},
		),
		fallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fallback_total",
				Help:      "Total number of fallbacks from one channel to the next within a dispatch.",
			},
			[]string{"from", "to"},
		),
		notificationSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "notification_send_duration_seconds",
				Help:      "Channel send duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		rateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rate_limited_total",
				Help:      "Total number of dispatches deferred by the per-recipient rate limiter.",
			},
		),
		surveyEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "survey_requests_enqueued_total",
				Help:      "Total number of satisfaction survey requests enqueued by survey discovery.",
			},
		),
		triggerRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of scheduler trigger runs grouped by trigger.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"trigger"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.notificationsSentTotal,
		m.attemptsFailedTotal,
		m.notificationsExhausted,
		m.fallbackTotal,
		m.notificationSendDuration,
		m.rateLimitedTotal,
		m.surveyEnqueuedTotal,
		m.triggerRunDuration,
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

func (m *Metrics) IncNotificationSent(channel string) {
	if m == nil {
		return
	}
	m.notificationsSentTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncAttemptFailed(channel string, reason string) {
	if m == nil {
		return
	}
	m.attemptsFailedTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncNotificationExhausted(channel string) {
	if m == nil {
		return
	}
	m.notificationsExhausted.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncFallback(from string, to string) {
	if m == nil {
		return
	}
	m.fallbackTotal.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *Metrics) ObserveNotificationSendDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	m.notificationSendDuration.WithLabelValues(normalizeLabel(channel)).Observe(nonNegativeSeconds(duration))
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Inc()
}

func (m *Metrics) AddSurveyEnqueued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.surveyEnqueuedTotal.Add(float64(n))
}

func (m *Metrics) ObserveTriggerRun(trigger string, duration time.Duration) {
	if m == nil {
		return
	}
	m.triggerRunDuration.WithLabelValues(normalizeLabel(trigger)).Observe(nonNegativeSeconds(duration))
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

func nonNegativeSeconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
