package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/observers"
	"github.com/harunnryd/duplex/pkg/redact"
)

// Telemetry is the observer chain built from the metrics section: debug
// logging and barge-in latency always, Prometheus, JSONL and per-session
// timelines when configured. Recording is asynchronous and vad_score events
// are sampled.
type Telemetry struct {
	Observer   metrics.Observer
	Prometheus *observers.PrometheusObserver

	cfg      MetricsConfig
	logger   *slog.Logger
	async    *metrics.AsyncObserver
	jsonl    *metrics.JSONLObserver
	timeline *observers.TimelineObserver
}

func NewTelemetry(cfg Config, logger *slog.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.NewComponentLogger(logger, "metrics")
	t := &Telemetry{cfg: cfg.Metrics, logger: logger}

	list := []metrics.Observer{
		observers.NewLoggerObserver(logger),
		observers.NewBargeInLatencyObserver(logger),
	}
	if strings.TrimSpace(cfg.Metrics.ListenAddr) != "" {
		t.Prometheus = observers.NewPrometheusObserver("duplex")
		list = append(list, t.Prometheus)
	}
	if path := strings.TrimSpace(cfg.Metrics.JSONLPath); path != "" {
		jsonl, err := metrics.OpenJSONLObserver(path)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		t.jsonl = jsonl
		list = append(list, jsonl)
	}
	if dir := strings.TrimSpace(cfg.Metrics.TimelineDir); dir != "" {
		if cfg.Metrics.RetentionDays > 0 {
			maxAge := time.Duration(cfg.Metrics.RetentionDays) * 24 * time.Hour
			if n, err := observers.PurgeTimelines(dir, maxAge); err != nil {
				logger.Warn("timeline_purge_failed", "dir", dir, "error", err)
			} else if n > 0 {
				logger.Info("timeline_purged", "dir", dir, "removed", n)
			}
		}
		t.timeline = observers.NewTimelineObserver(dir, redact.New(cfg.Privacy.RedactPII))
		list = append(list, t.timeline)
	}

	t.async = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), 2048)
	t.Observer = metrics.NewSamplingObserver(t.async, cfg.Metrics.VADSampleRate, metrics.EventVADScore)
	return t, nil
}

// Serve exposes Prometheus metrics until ctx ends. Without a listen
// address it just waits for ctx.
func (t *Telemetry) Serve(ctx context.Context) error {
	if t.Prometheus == nil {
		<-ctx.Done()
		return nil
	}
	return t.Prometheus.Serve(ctx, t.cfg.ListenAddr, t.logger)
}

// Close drains pending events and closes the files.
func (t *Telemetry) Close() error {
	t.async.Close()
	var err error
	if t.jsonl != nil {
		err = errors.Join(err, t.jsonl.Close())
	}
	if t.timeline != nil {
		err = errors.Join(err, t.timeline.Close())
	}
	if dropped := t.async.Dropped(); dropped > 0 {
		t.logger.Warn("metrics_events_dropped", "count", dropped)
	}
	return err
}
