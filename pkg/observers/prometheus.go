package observers

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/metrics"
)

// PrometheusObserver turns session metrics events into Prometheus series on
// its own registry.
type PrometheusObserver struct {
	registry *prometheus.Registry

	events         *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	vadScore       prometheus.Histogram
	interruptDrops prometheus.Histogram
	audioDropped   *prometheus.CounterVec
}

func NewPrometheusObserver(namespace string) *PrometheusObserver {
	if namespace == "" {
		namespace = "duplex"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusObserver{
		registry: reg,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by name",
		}, []string{"name"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration from dispatch to result",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{frames.MetaToolName, frames.MetaToolStatus}),
		vadScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vad_score",
			Help:      "Remote voice activity scores",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		interruptDrops: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playback_interrupt_discarded_chunks",
			Help:      "Queued agent chunks discarded per interrupt",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		audioDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_dropped_total",
			Help:      "Audio chunks dropped under back pressure",
		}, []string{"direction"}),
	}
}

func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	o.events.WithLabelValues(ev.Name).Inc()
	switch ev.Name {
	case metrics.EventToolResult:
		o.toolDuration.WithLabelValues(ev.Tags[frames.MetaToolName], ev.Tags[frames.MetaToolStatus]).
			Observe(ev.Value / 1000)
	case metrics.EventVADScore:
		o.vadScore.Observe(ev.Value)
	case metrics.EventPlaybackInterrupt:
		o.interruptDrops.Observe(ev.Value)
	case metrics.EventPlaybackDropped:
		o.audioDropped.WithLabelValues("playback").Add(ev.Value)
	case metrics.EventCaptureDropped:
		o.audioDropped.WithLabelValues("capture").Add(ev.Value)
	}
}

func (o *PrometheusObserver) Registry() *prometheus.Registry { return o.registry }

func (o *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (o *PrometheusObserver) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", o.Handler())
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics_listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
