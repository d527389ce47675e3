package metricsexporter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alertrelay/alertrelay/internal/config"
	"github.com/alertrelay/alertrelay/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	alertsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertrelay_alerts_total",
			Help: "Alert payloads handled, by outcome.",
		},
		[]string{"outcome"},
	)

	dispatchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertrelay_dispatch_total",
			Help: "Notification dispatch attempts, by sender and result.",
		},
		[]string{"sender", "result"},
	)

	dispatchHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alertrelay_dispatch_duration_seconds",
			Help:    "Time spent delivering one notification to the sink.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"sender"},
	)

	dedupEntriesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertrelay_dedup_entries",
			Help: "Alert identities held for duplicate suppression, including expired ones awaiting the sweep.",
		},
	)

	dedupExpiredCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alertrelay_dedup_expired_total",
			Help: "Alert identities removed after their suppression window.",
		},
	)

	activeConnectionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertrelay_active_connections",
			Help: "Open producer WebSocket connections.",
		},
	)
)

func init() {
	prometheus.MustRegister(alertsCounter)
	prometheus.MustRegister(dispatchCounter)
	prometheus.MustRegister(dispatchHistogram)
	prometheus.MustRegister(dedupEntriesGauge)
	prometheus.MustRegister(dedupExpiredCounter)
	prometheus.MustRegister(activeConnectionsGauge)
}

func RecordAlert(outcome string) {
	alertsCounter.WithLabelValues(outcome).Inc()
}

func RecordDispatch(sender string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	dispatchCounter.WithLabelValues(sender, result).Inc()
	dispatchHistogram.WithLabelValues(sender).Observe(duration.Seconds())
}

func SetDedupEntries(n int) {
	dedupEntriesGauge.Set(float64(n))
}

func RecordDedupExpired() {
	dedupExpiredCounter.Inc()
}

func ConnectionOpened() {
	activeConnectionsGauge.Inc()
}

func ConnectionClosed() {
	activeConnectionsGauge.Dec()
}

var (
	limiter        = rate.NewLimiter(rate.Every(time.Second/time.Duration(config.RateLimitPerSec)), config.RateLimitBurst)
	maxRequestSize = int64(config.MaxRequestSize)
)

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxRequestSize {
			http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler is the /metrics endpoint with security headers and rate limiting.
func Handler() http.Handler {
	return securityHeadersMiddleware(rateLimitMiddleware(promhttp.Handler()))
}

type Server struct {
	server *http.Server
}

// resolveAddr keeps the metrics endpoint on loopback unless non-loopback
// binding is explicitly allowed.
func resolveAddr(addr string) string {
	if addr == "" {
		return config.GetMetricsAddress()
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() && !config.AllowNonLoopbackMetrics() {
			fallback := fmt.Sprintf("%s:%d", config.DefaultMetricsHost, config.DefaultMetricsPort)
			logger.Warn("Rejecting non-loopback metrics address, falling back to default",
				zap.String("requested_addr", addr),
				zap.String("fallback", fallback))
			return fallback
		}
	}
	return addr
}

func StartServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:              resolveAddr(addr),
		Handler:           mux,
		ReadTimeout:       config.DefaultMetricsReadTimeout,
		ReadHeaderTimeout: config.DefaultReadHeaderTimeout,
		WriteTimeout:      config.DefaultMetricsWriteTimeout,
	}

	srv := &Server{server: server}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in metrics server", zap.Any("panic", r))
			}
		}()
		logger.Info("Metrics server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return srv
}

func (s *Server) Addr() string {
	if s == nil || s.server == nil {
		return ""
	}
	return s.server.Addr
}

func (s *Server) Shutdown() {
	if s != nil && s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.DefaultMetricsShutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
}
