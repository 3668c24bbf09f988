package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/harunnryd/duplex/pkg/frames"
)

// Message is an outbound protocol message.
type Message interface {
	Type() string
	Encode() ([]byte, error)
}

type UserAudioChunk struct {
	Audio []byte
}

func NewUserAudioChunk(pcm []byte) UserAudioChunk {
	return UserAudioChunk{Audio: pcm}
}

func (UserAudioChunk) Type() string { return "user_audio_chunk" }

func (m UserAudioChunk) Encode() ([]byte, error) {
	return json.Marshal(map[string]string{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(m.Audio),
	})
}

type Pong struct {
	EventID int64
}

func NewPong(eventID int64) Pong { return Pong{EventID: eventID} }

func (Pong) Type() string { return "pong" }

func (m Pong) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		EventID int64  `json:"event_id"`
	}{Type: m.Type(), EventID: m.EventID})
}

// ToolResult is the structured outcome of a tool call. Status drives the error flag.
type ToolResult map[string]any

const (
	StatusSuccess            = "success"
	StatusError              = "error"
	StatusCurrentStateUpdate = "CURRENT_STATE_UPDATE"
)

func ErrorResult(message string) ToolResult {
	return ToolResult{"status": StatusError, "message": message}
}

func (r ToolResult) Status() string {
	s, _ := r["status"].(string)
	return s
}

// IsError reports whether the remote should treat the result as a failure.
func (r ToolResult) IsError() bool {
	switch r.Status() {
	case StatusSuccess, StatusCurrentStateUpdate:
		return false
	default:
		return true
	}
}

type ToolResponse struct {
	ToolCallID string
	Result     string
	IsError    bool
}

// NewToolResponse encodes result as the JSON string the remote expects.
func NewToolResponse(callID string, result ToolResult) (ToolResponse, error) {
	if result == nil {
		result = ErrorResult("empty tool result")
	}
	b, err := json.Marshal(result)
	if err != nil {
		return ToolResponse{}, fmt.Errorf("encode tool result: %w", err)
	}
	return ToolResponse{ToolCallID: callID, Result: string(b), IsError: result.IsError()}, nil
}

func (ToolResponse) Type() string { return "client_tool_response" }

func (m ToolResponse) Encode() ([]byte, error) {
	type body struct {
		ToolCallID string `json:"tool_call_id"`
		Result     string `json:"result"`
		IsError    bool   `json:"is_error"`
	}
	return json.Marshal(struct {
		Type     string `json:"type"`
		Response body   `json:"client_tool_response"`
	}{
		Type:     m.Type(),
		Response: body{ToolCallID: m.ToolCallID, Result: m.Result, IsError: m.IsError},
	})
}

// Initiation is sent on every new connection before any audio.
type Initiation struct {
	AgentID      string
	LanguageCode string
	VoiceID      string
	Input        frames.Format
	Output       frames.Format
}

func NewInitiation(agentID, languageCode, voiceID string, input, output frames.Format) Initiation {
	return Initiation{
		AgentID:      agentID,
		LanguageCode: languageCode,
		VoiceID:      voiceID,
		Input:        input,
		Output:       output,
	}
}

func (Initiation) Type() string { return "conversation_initiation_client_data" }

func (m Initiation) Encode() ([]byte, error) {
	type userConfig struct {
		LanguageCode string `json:"language_code,omitempty"`
		VoiceID      string `json:"voice_id,omitempty"`
	}
	type audioConfig struct {
		InputSampleRate  int    `json:"input_sample_rate"`
		OutputSampleRate int    `json:"output_sample_rate"`
		InputEncoding    string `json:"input_encoding"`
		OutputEncoding   string `json:"output_encoding"`
	}
	return json.Marshal(struct {
		Type        string      `json:"type"`
		AgentID     string      `json:"agent_id"`
		UserConfig  userConfig  `json:"user_config"`
		AudioConfig audioConfig `json:"audio_config"`
	}{
		Type:       m.Type(),
		AgentID:    m.AgentID,
		UserConfig: userConfig{LanguageCode: m.LanguageCode, VoiceID: m.VoiceID},
		AudioConfig: audioConfig{
			InputSampleRate:  m.Input.SampleRate,
			OutputSampleRate: m.Output.SampleRate,
			InputEncoding:    string(m.Input.Encoding),
			OutputEncoding:   string(m.Output.Encoding),
		},
	})
}
