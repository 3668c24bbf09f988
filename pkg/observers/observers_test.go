package observers

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/redact"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPrometheusObserverCountsEvents(t *testing.T) {
	obs := NewPrometheusObserver("test")
	obs.RecordEvent(metrics.NewEvent(metrics.EventBargeIn, 1, nil))
	obs.RecordEvent(metrics.NewEvent(metrics.EventBargeIn, 1, nil))
	obs.RecordEvent(metrics.NewEvent(metrics.EventToolResult, 250, map[string]string{
		frames.MetaToolName:   "pause_playback",
		frames.MetaToolStatus: "success",
	}))
	obs.RecordEvent(metrics.NewEvent(metrics.EventCaptureDropped, 3, nil))

	if got := testutil.ToFloat64(obs.events.WithLabelValues(metrics.EventBargeIn)); got != 2 {
		t.Fatalf("expected 2 barge-ins, got %v", got)
	}
	if got := testutil.ToFloat64(obs.audioDropped.WithLabelValues("capture")); got != 3 {
		t.Fatalf("expected 3 dropped capture chunks, got %v", got)
	}
	if n := testutil.CollectAndCount(obs.toolDuration); n != 1 {
		t.Fatalf("expected one tool duration series, got %d", n)
	}

	rec := httptest.NewRecorder()
	obs.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "test_session_events_total") {
		t.Fatalf("metrics endpoint missing series:\n%s", rec.Body.String())
	}
}

func TestBargeInLatencyObserver(t *testing.T) {
	obs := NewBargeInLatencyObserver(quiet())
	start := time.Now()
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventPlaybackInterrupt, Time: start})
	if obs.Last() != 0 {
		t.Fatalf("interrupt without barge-in should not be measured")
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventBargeIn, Time: start})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventPlaybackInterrupt, Time: start.Add(12 * time.Millisecond)})
	if obs.Last() != 12*time.Millisecond {
		t.Fatalf("expected 12ms, got %v", obs.Last())
	}
}

func TestTaggedObserverAddsTraceID(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	obs := NewMultiObserver(NewTaggedObserver(mem, map[string]string{frames.MetaTraceID: "trace-1"}))
	obs.RecordEvent(metrics.NewEvent(metrics.EventToolCall, 1, map[string]string{frames.MetaToolName: "next_track"}))
	ev := mem.Events()[0]
	if ev.Tags[frames.MetaTraceID] != "trace-1" || ev.Tags[frames.MetaToolName] != "next_track" {
		t.Fatalf("unexpected tags %v", ev.Tags)
	}
}

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir, redact.New(true))

	obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventBargeIn,
		Time:   time.Now(),
		Tags:   map[string]string{frames.MetaTraceID: "trace/1"},
		Fields: map[string]any{"transcript": "call me at +62 812 3456 7890"},
	})
	obs.RecordEvent(metrics.NewEvent(metrics.EventVADScore, 0.4, nil))
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "trace_1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	out := string(b)
	if strings.Count(out, "\n") != 1 || !strings.Contains(out, `"event":"barge_in"`) {
		t.Fatalf("unexpected timeline %q", out)
	}
	if strings.Contains(out, "812 3456") {
		t.Fatalf("phone number should be redacted: %q", out)
	}
}

func TestPurgeTimelines(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	fresh := filepath.Join(dir, "fresh.jsonl")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, other} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	_ = os.Chtimes(old, past, past)
	_ = os.Chtimes(other, past, past)

	n, err := PurgeTimelines(dir, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one purge, got %d %v", n, err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh timeline removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("non-timeline file removed")
	}
}
