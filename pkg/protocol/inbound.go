package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

type Kind string

const (
	KindAudio                   Kind = "audio"
	KindUserTranscript          Kind = "user_transcript"
	KindAgentResponseStart      Kind = "agent_response_start"
	KindAgentResponse           Kind = "agent_response"
	KindAgentResponseCorrection Kind = "agent_response_correction"
	KindInterruption            Kind = "interruption"
	KindClientToolCall          Kind = "client_tool_call"
	KindPing                    Kind = "ping"
	KindVADScore                Kind = "vad_score"
	KindInitiationMetadata      Kind = "conversation_initiation_metadata"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// ToolCall is a remote request to run a named client tool.
type ToolCall struct {
	ID         string
	Name       string
	Parameters map[string]any
}

// InitiationMetadata is what the remote reports once a conversation is set up.
type InitiationMetadata struct {
	ConversationID string
	OutputFormat   string
	InputFormat    string
}

// Inbound is one decoded server event. Only the fields relevant to Kind are set.
type Inbound struct {
	Kind     Kind
	EventID  int64
	Audio    []byte
	Text     string
	Score    float64
	ToolCall ToolCall
	Metadata InitiationMetadata
}

type envelope struct {
	Type       string `json:"type"`
	AudioEvent *struct {
		Audio   string `json:"audio_base_64"`
		EventID int64  `json:"event_id"`
	} `json:"audio_event"`
	UserTranscription *struct {
		Transcript string `json:"user_transcript"`
	} `json:"user_transcription_event"`
	AgentResponse *struct {
		Response string `json:"agent_response"`
	} `json:"agent_response_event"`
	Correction *struct {
		Original  string `json:"original_agent_response"`
		Corrected string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event"`
	Interruption *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event"`
	ToolCall *struct {
		ToolName   string         `json:"tool_name"`
		ToolCallID string         `json:"tool_call_id"`
		Parameters map[string]any `json:"parameters"`
	} `json:"client_tool_call"`
	Ping *struct {
		EventID int64 `json:"event_id"`
	} `json:"ping_event"`
	VAD *struct {
		Score *float64 `json:"vad_score"`
	} `json:"vad_score_event"`
	Score    *float64 `json:"score"`
	Metadata *struct {
		ConversationID string `json:"conversation_id"`
		OutputFormat   string `json:"agent_output_audio_format"`
		InputFormat    string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event"`
}

// Decode parses one inbound text message. Errors wrap ErrMalformed or
// ErrUnknownType; callers drop the message without touching session state.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kind := Kind(env.Type)
	switch kind {
	case KindAudio:
		if env.AudioEvent == nil || env.AudioEvent.Audio == "" {
			return Inbound{}, fmt.Errorf("%w: audio event without payload", ErrMalformed)
		}
		raw, err := DecodeAudio(env.AudioEvent.Audio)
		if err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Inbound{Kind: kind, EventID: env.AudioEvent.EventID, Audio: raw}, nil
	case KindUserTranscript:
		in := Inbound{Kind: kind}
		if env.UserTranscription != nil {
			in.Text = env.UserTranscription.Transcript
		}
		return in, nil
	case KindAgentResponseStart:
		return Inbound{Kind: kind}, nil
	case KindAgentResponse:
		in := Inbound{Kind: kind}
		if env.AgentResponse != nil {
			in.Text = strings.TrimSpace(env.AgentResponse.Response)
		}
		return in, nil
	case KindAgentResponseCorrection:
		in := Inbound{Kind: kind}
		if env.Correction != nil {
			in.Text = env.Correction.Corrected
		}
		return in, nil
	case KindInterruption:
		in := Inbound{Kind: kind}
		if env.Interruption != nil {
			in.EventID = env.Interruption.EventID
		}
		return in, nil
	case KindClientToolCall:
		if env.ToolCall == nil || strings.TrimSpace(env.ToolCall.ToolCallID) == "" {
			return Inbound{}, fmt.Errorf("%w: tool call without id", ErrMalformed)
		}
		params := env.ToolCall.Parameters
		if params == nil {
			params = map[string]any{}
		}
		return Inbound{Kind: kind, ToolCall: ToolCall{
			ID:         env.ToolCall.ToolCallID,
			Name:       env.ToolCall.ToolName,
			Parameters: params,
		}}, nil
	case KindPing:
		if env.Ping == nil {
			return Inbound{}, fmt.Errorf("%w: ping without event", ErrMalformed)
		}
		return Inbound{Kind: kind, EventID: env.Ping.EventID}, nil
	case KindVADScore:
		var score *float64
		if env.VAD != nil && env.VAD.Score != nil {
			score = env.VAD.Score
		} else if env.Score != nil {
			score = env.Score
		}
		if score == nil || math.IsNaN(*score) || *score < 0 || *score > 1 {
			return Inbound{}, fmt.Errorf("%w: vad score missing or out of range", ErrMalformed)
		}
		return Inbound{Kind: kind, Score: *score}, nil
	case KindInitiationMetadata:
		in := Inbound{Kind: kind}
		if env.Metadata != nil {
			in.Metadata = InitiationMetadata{
				ConversationID: env.Metadata.ConversationID,
				OutputFormat:   env.Metadata.OutputFormat,
				InputFormat:    env.Metadata.InputFormat,
			}
		}
		return in, nil
	case "":
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Inbound{}, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}
}

// DecodeAudio decodes a base64 payload, repairing missing padding first.
func DecodeAudio(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return base64.StdEncoding.DecodeString(s)
}
