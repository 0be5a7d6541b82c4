package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	QuizSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_submissions_total",
			Help: "Quiz submissions by trigger",
		},
		[]string{"trigger"}, // manual | timeout
	)

	QuizPersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quiz_attempt_persist_failures_total",
			Help: "Quiz attempts that were scored but could not be stored",
		},
	)

	CertificatesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certificates_issued_total",
			Help: "Certificates issued by mode",
		},
		[]string{"mode"}, // enrollment | manual | bulk
	)

	CertificatesRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "certificates_revoked_total",
			Help: "Certificates revoked",
		},
	)

	CertificateVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certificate_verifications_total",
			Help: "Public certificate verifications by result",
		},
		[]string{"result"}, // valid | NotFound | Revoked | Unavailable
	)

	EnrollmentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollment_transitions_total",
			Help: "Enrollment status transitions",
		},
		[]string{"from", "to"},
	)

	ReconcileRepairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_repairs_total",
			Help: "Records repaired by the reconciliation job",
		},
	)
)

var initOnce sync.Once

// Init 注册全部指标，可重复调用
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestCounter)
		prometheus.MustRegister(RequestDuration)
		prometheus.MustRegister(
			QuizSubmissions,
			QuizPersistFailures,
			CertificatesIssued,
			CertificatesRevoked,
			CertificateVerifications,
			EnrollmentTransitions,
			ReconcileRepairs,
		)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
