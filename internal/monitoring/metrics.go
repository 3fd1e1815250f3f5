package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionLamports *prometheus.CounterVec
	TokensMetered     prometheus.Counter

	// Reservation metrics
	ReservationsCreated  prometheus.Counter
	ReservationsCaptured prometheus.Counter
	ReservationsReleased prometheus.Counter
	ReservationsExpired  prometheus.Counter
	ReservedLamports     prometheus.Counter
	RefundedLamports     prometheus.Counter

	// Budget metrics
	AuthorizationsTotal *prometheus.CounterVec
	GuardrailViolations *prometheus.CounterVec

	// Settlement metrics
	SettlementsTotal    *prometheus.CounterVec
	SettledNetLamports  prometheus.Counter
	PlatformFeeLamports prometheus.Counter
	PayoutDuration      prometheus.Histogram

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Business metrics
	AgentsRegistered prometheus.Counter
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		// Execution metrics
		ExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_executions_total",
				Help: "Total number of metered tool executions",
			},
			[]string{"pricing_source", "status"},
		),
		ExecutionLamports: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_execution_lamports_total",
				Help: "Total lamports charged for tool executions",
			},
			[]string{"pricing_source"},
		),
		TokensMetered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tokens_metered_total",
				Help: "Total tokens metered across executions",
			},
		),

		// Reservation metrics
		ReservationsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reservations_created_total",
				Help: "Total number of reservations created",
			},
		),
		ReservationsCaptured: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reservations_captured_total",
				Help: "Total number of reservations captured",
			},
		),
		ReservationsReleased: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reservations_released_total",
				Help: "Total number of reservations released",
			},
		),
		ReservationsExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reservations_expired_total",
				Help: "Total number of reservations expired by the sweeper",
			},
		),
		ReservedLamports: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reserved_lamports_total",
				Help: "Total lamports placed on hold",
			},
		),
		RefundedLamports: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "refunded_lamports_total",
				Help: "Total lamports refunded at capture",
			},
		),

		// Budget metrics
		AuthorizationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spend_authorizations_total",
				Help: "Total number of spend authorization checks",
			},
			[]string{"outcome"},
		),
		GuardrailViolations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_violations_total",
				Help: "Total number of guardrail violations by code",
			},
			[]string{"code"},
		),

		// Settlement metrics
		SettlementsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlements_total",
				Help: "Total number of settlement attempts",
			},
			[]string{"status"},
		),
		SettledNetLamports: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "settled_net_lamports_total",
				Help: "Total net lamports paid out in confirmed settlements",
			},
		),
		PlatformFeeLamports: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "platform_fee_lamports_total",
				Help: "Total platform fees collected in confirmed settlements",
			},
		),
		PayoutDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "payout_duration_seconds",
				Help:    "Payout function call duration in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		// Database metrics
		DBConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		// Business metrics
		AgentsRegistered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "agents_registered_total",
				Help: "Total number of agents registered",
			},
		),
	}

	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	if metrics == nil {
		return Init()
	}
	return metrics
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler returns a Gin-compatible handler for Prometheus metrics
func GinHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordExecution records a metered tool execution
func RecordExecution(pricingSource, status string, costLamports, tokens int64) {
	m := Get()
	m.ExecutionsTotal.WithLabelValues(pricingSource, status).Inc()
	if status == "ok" {
		m.ExecutionLamports.WithLabelValues(pricingSource).Add(float64(costLamports))
		m.TokensMetered.Add(float64(tokens))
	}
}

// RecordReservationCreated records a new hold
func RecordReservationCreated(reservedLamports int64) {
	m := Get()
	m.ReservationsCreated.Inc()
	m.ReservedLamports.Add(float64(reservedLamports))
}

// RecordReservationCaptured records a capture and its refund
func RecordReservationCaptured(refundedLamports int64) {
	m := Get()
	m.ReservationsCaptured.Inc()
	m.RefundedLamports.Add(float64(refundedLamports))
}

// RecordReservationReleased records a release
func RecordReservationReleased() {
	Get().ReservationsReleased.Inc()
}

// RecordReservationsExpired records a sweep result
func RecordReservationsExpired(count int) {
	Get().ReservationsExpired.Add(float64(count))
}

// RecordAuthorization records a spend authorization outcome
func RecordAuthorization(authorized bool, violationCodes []string) {
	m := Get()
	outcome := "denied"
	if authorized {
		outcome = "authorized"
	}
	m.AuthorizationsTotal.WithLabelValues(outcome).Inc()
	for _, code := range violationCodes {
		m.GuardrailViolations.WithLabelValues(code).Inc()
	}
}

// RecordSettlement records a settlement attempt
func RecordSettlement(status string, netLamports, feeLamports int64) {
	m := Get()
	m.SettlementsTotal.WithLabelValues(status).Inc()
	if status == "confirmed" {
		m.SettledNetLamports.Add(float64(netLamports))
		m.PlatformFeeLamports.Add(float64(feeLamports))
	}
}

// RecordPayoutDuration records how long a payout call took
func RecordPayoutDuration(duration time.Duration) {
	Get().PayoutDuration.Observe(duration.Seconds())
}

// SetDBConnections sets database connection metrics
func SetDBConnections(active, idle int) {
	m := Get()
	m.DBConnectionsActive.Set(float64(active))
	m.DBConnectionsIdle.Set(float64(idle))
}

// RecordAgentRegistered records an agent registration
func RecordAgentRegistered() {
	Get().AgentsRegistered.Inc()
}
