package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/duplex/pkg/metrics"
)

// BargeInLatencyObserver logs how long playback took to go quiet after a
// barge-in was detected.
type BargeInLatencyObserver struct {
	mu      sync.Mutex
	pending time.Time
	log     *slog.Logger
	last    time.Duration
}

func NewBargeInLatencyObserver(log *slog.Logger) *BargeInLatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &BargeInLatencyObserver{log: log}
}

func (o *BargeInLatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case metrics.EventBargeIn:
		o.pending = ev.Time
	case metrics.EventPlaybackInterrupt:
		if o.pending.IsZero() {
			return
		}
		o.last = ev.Time.Sub(o.pending)
		o.pending = time.Time{}
		o.log.Info("barge_in_latency",
			"interrupt_ms", durationMs(o.last),
			"discarded_chunks", int(ev.Value),
		)
	}
}

// Last returns the most recent measured latency.
func (o *BargeInLatencyObserver) Last() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
