package frames

// Metadata keys shared by chunks, log fields and metrics tags.
const (
	MetaSource         = "source"
	MetaReason         = "reason"
	MetaTraceID        = "trace_id"
	MetaConversationID = "conversation_id"
	MetaStreamID       = "stream_id"
	MetaCallSID        = "call_sid"
	MetaToolCallID     = "tool_call_id"
	MetaToolName       = "tool_name"
	MetaToolStatus     = "tool_status"
)
