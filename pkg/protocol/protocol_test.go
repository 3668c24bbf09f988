package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/harunnryd/duplex/pkg/frames"
)

func TestDecodeAudioRepairsPadding(t *testing.T) {
	// "AQID" is {1,2,3}; "AQI" is {1,2} without its padding.
	in, err := Decode([]byte(`{"type":"audio","audio_event":{"audio_base_64":"AQI","event_id":7}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Kind != KindAudio || in.EventID != 7 {
		t.Fatalf("unexpected event %+v", in)
	}
	if len(in.Audio) != 2 || in.Audio[0] != 1 || in.Audio[1] != 2 {
		t.Fatalf("unexpected payload %v", in.Audio)
	}
}

func TestDecodeToolCall(t *testing.T) {
	in, err := Decode([]byte(`{"type":"client_tool_call","client_tool_call":{"tool_name":"pause_playback","tool_call_id":"c1","parameters":{"level":3}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.ToolCall.ID != "c1" || in.ToolCall.Name != "pause_playback" {
		t.Fatalf("unexpected call %+v", in.ToolCall)
	}
	if in.ToolCall.Parameters["level"] != float64(3) {
		t.Fatalf("unexpected params %+v", in.ToolCall.Parameters)
	}

	in, err = Decode([]byte(`{"type":"client_tool_call","client_tool_call":{"tool_name":"x","tool_call_id":"c2"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.ToolCall.Parameters == nil {
		t.Fatalf("expected empty parameter map")
	}
}

func TestDecodeVADScoreFallback(t *testing.T) {
	in, err := Decode([]byte(`{"type":"vad_score","vad_score_event":{"vad_score":0.9}}`))
	if err != nil || in.Score != 0.9 {
		t.Fatalf("expected nested score, got %+v err=%v", in, err)
	}
	in, err = Decode([]byte(`{"type":"vad_score","score":0.25}`))
	if err != nil || in.Score != 0.25 {
		t.Fatalf("expected top-level score, got %+v err=%v", in, err)
	}
	if _, err := Decode([]byte(`{"type":"vad_score","score":1.5}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed for out of range score, got %v", err)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{`, ErrMalformed},
		{"missing type", `{}`, ErrMalformed},
		{"unknown type", `{"type":"mystery"}`, ErrUnknownType},
		{"audio without payload", `{"type":"audio"}`, ErrMalformed},
		{"bad base64", `{"type":"audio","audio_event":{"audio_base_64":"@@@@"}}`, ErrMalformed},
		{"tool call without id", `{"type":"client_tool_call","client_tool_call":{"tool_name":"x"}}`, ErrMalformed},
		{"ping without event", `{"type":"ping"}`, ErrMalformed},
	}
	for _, tc := range cases {
		if _, err := Decode([]byte(tc.raw)); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestDecodeInitiationMetadata(t *testing.T) {
	in, err := Decode([]byte(`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv_1","agent_output_audio_format":"pcm_24000","user_input_audio_format":"pcm_16000"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Metadata.ConversationID != "conv_1" || in.Metadata.OutputFormat != "pcm_24000" {
		t.Fatalf("unexpected metadata %+v", in.Metadata)
	}
}

func TestToolResponseEncoding(t *testing.T) {
	resp, err := NewToolResponse("c1", ToolResult{"status": StatusCurrentStateUpdate, "current_song": "x"})
	if err != nil {
		t.Fatalf("new response: %v", err)
	}
	if resp.IsError {
		t.Fatalf("state update must not be an error")
	}
	raw, err := resp.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out struct {
		Type string `json:"type"`
		Body struct {
			ID      string `json:"tool_call_id"`
			Result  string `json:"result"`
			IsError bool   `json:"is_error"`
		} `json:"client_tool_response"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Type != "client_tool_response" || out.Body.ID != "c1" {
		t.Fatalf("unexpected envelope %s", raw)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(out.Body.Result), &result); err != nil {
		t.Fatalf("result must be a json string: %v", err)
	}
	if result["current_song"] != "x" {
		t.Fatalf("unexpected result %v", result)
	}

	errResp, _ := NewToolResponse("c2", ErrorResult("boom"))
	if !errResp.IsError {
		t.Fatalf("error status must set is_error")
	}
	unknown, _ := NewToolResponse("c3", ToolResult{"status": "weird"})
	if !unknown.IsError {
		t.Fatalf("unrecognized status must set is_error")
	}
}

func TestInitiationEncoding(t *testing.T) {
	msg := NewInitiation("agent_1", "en", "voice_1", frames.PCM16(16000), frames.PCM16(24000))
	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["type"] != "conversation_initiation_client_data" || out["agent_id"] != "agent_1" {
		t.Fatalf("unexpected initiation %s", raw)
	}
	audio := out["audio_config"].(map[string]any)
	if audio["input_sample_rate"] != float64(16000) || audio["output_sample_rate"] != float64(24000) {
		t.Fatalf("unexpected audio config %v", audio)
	}
}

func TestUserAudioAndPong(t *testing.T) {
	raw, _ := NewUserAudioChunk([]byte{1, 2, 3}).Encode()
	if string(raw) != `{"user_audio_chunk":"AQID"}` {
		t.Fatalf("unexpected audio chunk %s", raw)
	}
	raw, _ = NewPong(42).Encode()
	if string(raw) != `{"type":"pong","event_id":42}` {
		t.Fatalf("unexpected pong %s", raw)
	}
}
