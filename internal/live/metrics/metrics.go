// Package metrics holds the Prometheus collectors for the live session
// layer. A nil *Metrics is valid and records nothing, so components can take
// one optionally.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tabline"

type Metrics struct {
	// Gateway
	Requests       *prometheus.CounterVec
	Refreshes      *prometheus.CounterVec
	RefreshWaiters prometheus.Counter
	Teardowns      *prometheus.CounterVec

	// Bus
	BusConnected      prometheus.Gauge
	BusSubscriptions  prometheus.Gauge
	BusReconnects     *prometheus.CounterVec
	BusFramesReceived prometheus.Counter
	BusFramesSent     prometheus.Counter
	BusDecodeFailures prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Outbound API requests by outcome class.",
		}, []string{"class"}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Token refresh calls by outcome.",
		}, []string{"outcome"}),
		RefreshWaiters: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_waiters_total",
			Help:      "Requests that queued behind an in-flight refresh.",
		}),
		Teardowns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_teardowns_total",
			Help:      "Sessions destroyed by the refresh protocol.",
		}, []string{"reason"}),

		BusConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_connected",
			Help:      "1 while the bus connection is up.",
		}),
		BusSubscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_subscriptions_active",
			Help:      "Live subscriptions on the bus connection.",
		}),
		BusReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_reconnect_attempts_total",
			Help:      "Bus reconnect attempts by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		BusFramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_frames_received_total",
			Help:      "MESSAGE frames received.",
		}),
		BusFramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_frames_sent_total",
			Help:      "SEND frames published.",
		}),
		BusDecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_decode_failures_total",
			Help:      "MESSAGE bodies delivered raw because they were not JSON.",
		}),
	}
}

func (m *Metrics) Request(class string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(class).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RefreshWaiter() {
	if m == nil {
		return
	}
	m.RefreshWaiters.Inc()
}

func (m *Metrics) Teardown(reason string) {
	if m == nil {
		return
	}
	m.Teardowns.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetBusConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.BusConnected.Set(1)
	} else {
		m.BusConnected.Set(0)
	}
}

func (m *Metrics) SetBusSubscriptions(n int) {
	if m == nil {
		return
	}
	m.BusSubscriptions.Set(float64(n))
}

func (m *Metrics) Reconnect(trigger, outcome string) {
	if m == nil {
		return
	}
	m.BusReconnects.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.BusFramesReceived.Inc()
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.BusFramesSent.Inc()
}

func (m *Metrics) DecodeFailure() {
	if m == nil {
		return
	}
	m.BusDecodeFailures.Inc()
}

// Serve exposes g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
