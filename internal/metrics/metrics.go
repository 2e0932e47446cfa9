// Package metrics exposes the daemon's Prometheus collectors on a private
// registry.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "nexus"

// Send results.
const (
	SendSent     = "sent"
	SendFailed   = "failed"
	SendRejected = "rejected"
)

// Metrics holds the collectors updated by the sync engine and transport.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	eventsReceived *prometheus.CounterVec
	sends          *prometheus.CounterVec
	staleFetches   *prometheus.CounterVec
	reconnects     prometheus.Counter
	resyncs        *prometheus.CounterVec
	unreadTotal    prometheus.Gauge
	fetchDuration  *prometheus.HistogramVec
	ackLatency     prometheus.Histogram
}

// New creates the collectors on a fresh registry, including Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		eventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Real-time events received, by event name.",
		}, []string{"event"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outgoing messages by final result.",
		}, []string{"result"}),
		staleFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_fetches_discarded_total",
			Help:      "REST responses discarded because the selection changed while in flight.",
		}, []string{"fetch"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful transport reconnects.",
		}),
		resyncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Directory resyncs after reconnect, by outcome.",
		}, []string{"outcome"}),
		unreadTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_messages",
			Help:      "Sum of unread counts across conversations.",
		}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rest_fetch_duration_seconds",
			Help:      "Latency of REST fetches issued by the sync engine.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"fetch"}),
		ackLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_ack_latency_seconds",
			Help:      "Time from sendMessage emit to ack.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
}

// RegisterGaugeFunc exposes a value sampled at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) EventReceived(event string) {
	if m != nil {
		m.eventsReceived.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Send(result string, ackLatency time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
	if result == SendSent {
		m.ackLatency.Observe(ackLatency.Seconds())
	}
}

func (m *Metrics) StaleFetch(fetch string) {
	if m != nil {
		m.staleFetches.WithLabelValues(fetch).Inc()
	}
}

func (m *Metrics) Reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) Resync(outcome string) {
	if m != nil {
		m.resyncs.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetUnread(n int) {
	if m != nil {
		m.unreadTotal.Set(float64(n))
	}
}

// ObserveFetch records how long a REST fetch took.
func (m *Metrics) ObserveFetch(fetch string, started time.Time) {
	if m != nil {
		m.fetchDuration.WithLabelValues(fetch).Observe(time.Since(started).Seconds())
	}
}

// Server serves /metrics for one registry.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// Listen binds addr and returns a server ready to Serve.
func Listen(addr string, m *Metrics, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg}))
	return &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() {
	s.logger.Info("metrics listener started", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("metrics listener stopped", zap.Error(err))
	}
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
