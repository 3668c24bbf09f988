package metrics

import "time"

// Event names recorded by the voice session.
const (
	EventAgentTurnStart     = "agent_turn_start"
	EventBargeIn            = "barge_in"
	EventPlaybackInterrupt  = "playback_interrupt"
	EventPlaybackDropped    = "playback_dropped"
	EventToolCall           = "tool_call"
	EventToolResult         = "tool_result"
	EventTransportReconnect = "transport_reconnect"
	EventVADScore           = "vad_score"
	EventCaptureDropped     = "capture_dropped"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

func NewEvent(name string, value float64, tags map[string]string) MetricsEvent {
	return MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags}
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record sends ev to obs when obs is set.
func Record(obs Observer, ev MetricsEvent) {
	if obs == nil {
		return
	}
	obs.RecordEvent(ev)
}
