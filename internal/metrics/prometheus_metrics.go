package metrics

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"polaris/internal/log"
	"polaris/internal/monitor"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the coordination counters and gauges. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	PublishTotal     *prometheus.CounterVec
	NotifiedTotal    *prometheus.CounterVec
	ClaimTotal       *prometheus.CounterVec
	CompleteTotal    *prometheus.CounterVec
	LockAttemptTotal *prometheus.CounterVec
	JobRunTotal      *prometheus.CounterVec
	Health           *prometheus.GaugeVec
	JobSuccessRate   prometheus.Gauge
	DatabaseHealthy  prometheus.Gauge

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polaris_publish_total",
				Help: "Total number of events published",
			},
			[]string{"channel", "persisted"},
		),
		NotifiedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polaris_notified_total",
				Help: "Total number of live notifications sent",
			},
			[]string{"channel"},
		),
		ClaimTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polaris_claim_total",
				Help: "Total number of messages claimed by workers",
			},
			[]string{"channel"},
		),
		CompleteTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polaris_complete_total",
				Help: "Total number of message completions by resulting status",
			},
			[]string{"status"},
		),
		LockAttemptTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polaris_lock_attempt_total",
				Help: "Total number of lock acquisition attempts by result",
			},
			[]string{"result"},
		),
		JobRunTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polaris_job_run_total",
				Help: "Total number of singleton job runs by outcome",
			},
			[]string{"job", "status"},
		),
		Health: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polaris_health",
				Help: "Coordination state counts reported by the monitor",
			},
			[]string{"kind"},
		),
		JobSuccessRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polaris_job_success_rate",
			Help: "Ratio of successful job executions",
		}),
		DatabaseHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polaris_database_healthy",
			Help: "Health of the database connection (1 = healthy, 0 = unhealthy)",
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PublishTotal,
		m.NotifiedTotal,
		m.ClaimTotal,
		m.CompleteTotal,
		m.LockAttemptTotal,
		m.JobRunTotal,
		m.Health,
		m.JobSuccessRate,
		m.DatabaseHealthy,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Published(channel string, persisted bool, notified int) {
	if m == nil {
		return
	}
	p := "false"
	if persisted {
		p = "true"
	}
	m.PublishTotal.WithLabelValues(channel, p).Inc()
	m.NotifiedTotal.WithLabelValues(channel).Add(float64(notified))
}

func (m *Metrics) Claimed(channel string, n int) {
	if m == nil {
		return
	}
	m.ClaimTotal.WithLabelValues(channel).Add(float64(n))
}

func (m *Metrics) Completed(status string) {
	if m == nil {
		return
	}
	m.CompleteTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) LockAttempt(result string) {
	if m == nil {
		return
	}
	m.LockAttemptTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) JobRun(job, status string) {
	if m == nil {
		return
	}
	m.JobRunTotal.WithLabelValues(job, status).Inc()
}

// Observe copies a monitor snapshot into the gauges.
func (m *Metrics) Observe(h monitor.Health) {
	if m == nil {
		return
	}
	m.Health.WithLabelValues("active_subscribers").Set(float64(h.ActiveSubscribers))
	m.Health.WithLabelValues("pending_messages").Set(float64(h.PendingMessages))
	m.Health.WithLabelValues("processing_messages").Set(float64(h.ProcessingMessages))
	m.Health.WithLabelValues("failed_messages").Set(float64(h.FailedMessages))
	m.Health.WithLabelValues("dead_letter_messages").Set(float64(h.DeadLetterMessages))
	m.Health.WithLabelValues("active_locks").Set(float64(h.ActiveLocks))
	m.Health.WithLabelValues("long_held_locks").Set(float64(h.LongHeldLocks))
	m.JobSuccessRate.Set(h.JobSuccessRate)
}

type HealthSource interface {
	Health(ctx context.Context) (monitor.Health, error)
}

type Pinger interface {
	Healthy() bool
}

// Server exposes the registry and keeps the gauges fresh.
type Server struct {
	metrics  *Metrics
	source   HealthSource
	db       Pinger
	addr     string
	certFile string
	keyFile  string
	interval time.Duration
	logger   *log.Logger
}

func NewServer(m *Metrics, source HealthSource, db Pinger, addr, certFile, keyFile string, logger *log.Logger) *Server {
	return &Server{
		metrics:  m,
		source:   source,
		db:       db,
		addr:     addr,
		certFile: certFile,
		keyFile:  keyFile,
		interval: 10 * time.Second,
		logger:   logger,
	}
}

func (s *Server) Run(ctx context.Context) {
	logger := s.logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var tlsConfig *tls.Config
	if s.certFile != "" && s.keyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
		if err != nil {
			logger.Error("Failed to load TLS certificates for metrics", zap.Error(err))
			return
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	go s.collect(ctx)

	go func() {
		var err error
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Metrics server starting with TLS", zap.String("addr", s.addr))
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("Metrics server starting without TLS", zap.String("addr", s.addr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (s *Server) collect(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			s.CollectOnce(ctx)
		}
	}
}

// CollectOnce refreshes the gauges from the monitor and the database health check.
func (s *Server) CollectOnce(ctx context.Context) {
	if s.db != nil {
		if s.db.Healthy() {
			s.metrics.DatabaseHealthy.Set(1)
		} else {
			s.metrics.DatabaseHealthy.Set(0)
		}
	}
	h, err := s.source.Health(ctx)
	if err != nil {
		s.logger.Error("Failed to collect health for metrics", zap.Error(err))
		return
	}
	s.metrics.Observe(h)
}
