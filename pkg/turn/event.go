package turn

import "github.com/harunnryd/duplex/pkg/protocol"

// Event is one input to the machine.
type Event interface {
	eventName() string
}

type AudioFrameReceived struct{ Audio []byte }
type AgentTurnStarted struct{}
type AgentTurnEnded struct{}
type ToolCallRequested struct{ Call protocol.ToolCall }
type ToolCallCompleted struct {
	ID     string
	Result protocol.ToolResult
}
type VadScore struct{ Score float64 }
type KeepAlive struct{ EventID int64 }
type TransportClosed struct{}
type TransportReconnected struct{}

// BargeInAcknowledged is the remote confirming it stopped the interrupted
// response (agent_response_correction or interruption).
type BargeInAcknowledged struct{}

func (AudioFrameReceived) eventName() string   { return "audio" }
func (AgentTurnStarted) eventName() string     { return evAgentTurnStart }
func (AgentTurnEnded) eventName() string       { return evAgentTurnEnd }
func (ToolCallRequested) eventName() string    { return evToolCall }
func (ToolCallCompleted) eventName() string    { return evToolsDone }
func (VadScore) eventName() string             { return "vad_score" }
func (KeepAlive) eventName() string            { return "keep_alive" }
func (TransportClosed) eventName() string      { return evTransportClosed }
func (TransportReconnected) eventName() string { return evTransportReconnected }
func (BargeInAcknowledged) eventName() string  { return "barge_in_ack" }
