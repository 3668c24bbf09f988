package turn

import (
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/protocol"
)

// Effect is an instruction for the session to carry out, in order.
type Effect interface {
	effect()
}

type SendMessage struct{ Message protocol.Message }
type GateMic struct{ Open bool }
type EnqueuePlayback struct{ Chunk frames.AudioChunk }
type InterruptPlayback struct{ Reason string }
type DispatchTool struct{ Call protocol.ToolCall }

func (SendMessage) effect()       {}
func (GateMic) effect()           {}
func (EnqueuePlayback) effect()   {}
func (InterruptPlayback) effect() {}
func (DispatchTool) effect()      {}
