package observers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/harunnryd/duplex/pkg/metrics"
)

// LoggerObserver writes every event as a debug log line.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	if !o.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Float64("value", ev.Value),
	}
	keys := make([]string, 0, len(ev.Tags))
	for k := range ev.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), slog.LevelDebug, "metrics", attrs...)
}

type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// TaggedObserver adds fixed tags (a session trace id) to every event.
// Tags already on the event win.
type TaggedObserver struct {
	inner metrics.Observer
	tags  map[string]string
}

func NewTaggedObserver(inner metrics.Observer, tags map[string]string) *TaggedObserver {
	return &TaggedObserver{inner: inner, tags: tags}
}

func (o *TaggedObserver) RecordEvent(ev metrics.MetricsEvent) {
	merged := make(map[string]string, len(o.tags)+len(ev.Tags))
	for k, v := range o.tags {
		merged[k] = v
	}
	for k, v := range ev.Tags {
		merged[k] = v
	}
	ev.Tags = merged
	o.inner.RecordEvent(ev)
}
