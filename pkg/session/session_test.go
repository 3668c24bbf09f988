package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/duplex/pkg/devices"
	mockdevices "github.com/harunnryd/duplex/pkg/devices/mock"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/protocol"
	"github.com/harunnryd/duplex/pkg/tools"
	mocktransport "github.com/harunnryd/duplex/pkg/transports/mock"
	"github.com/harunnryd/duplex/pkg/turn"
)

type harness struct {
	s     *Session
	tr    *mocktransport.Transport
	in    *mockdevices.Input
	out   *mockdevices.Output
	obs   *metrics.MemoryObserver
	errCh chan error
}

func startSession(t *testing.T, reg tools.Registry, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Agent.ID = "agent-1"
	cfg.Tools.TimeoutMS = 500
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		tr:    mocktransport.New(),
		in:    mockdevices.NewInput(frames.PCM16(16000)),
		out:   mockdevices.NewOutput(frames.PCM16(24000)),
		obs:   metrics.NewMemoryObserver(),
		errCh: make(chan error, 1),
	}
	s, err := New(Options{
		Config:    cfg,
		Transport: h.tr,
		Backend: devices.Backend{
			Name:         "mock",
			Input:        h.in,
			Output:       h.out,
			OutputFormat: frames.PCM16(24000),
		},
		Registry: reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observer: h.obs,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	h.s = s
	go func() { h.errCh <- s.Run(context.Background()) }()
	t.Cleanup(func() { _ = s.Drain() })
	return h
}

func (h *harness) push(format string, args ...any) {
	h.tr.Push([]byte(fmt.Sprintf(format, args...)))
}

func (h *harness) audio(n int) {
	h.push(`{"type":"audio","audio_event":{"audio_base_64":%q,"event_id":1}}`,
		base64.StdEncoding.EncodeToString(make([]byte, n)))
}

func (h *harness) waitState(t *testing.T, want turn.State) {
	t.Helper()
	eventually(t, "state "+want.String(), func() bool { return h.s.State() == want })
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func sentOf[T protocol.Message](tr *mocktransport.Transport) []T {
	var out []T
	for _, m := range tr.Sent() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// pingRoundTrip proves every earlier inbound message has been processed.
func (h *harness) pingRoundTrip(t *testing.T, id int64) {
	t.Helper()
	h.push(`{"type":"ping","ping_event":{"event_id":%d}}`, id)
	eventually(t, "pong", func() bool {
		for _, p := range sentOf[protocol.Pong](h.tr) {
			if p.EventID == id {
				return true
			}
		}
		return false
	})
}

func TestAgentTurnGatesMicAndPlaysAudio(t *testing.T) {
	h := startSession(t, nil, nil)
	if !h.s.MicOpen() {
		t.Fatalf("mic should be open while idle")
	}

	h.push(`{"type":"agent_response_start"}`)
	h.waitState(t, turn.StateAgentTurn)
	eventually(t, "mic gated", func() bool { return !h.s.MicOpen() })

	h.audio(960)
	eventually(t, "agent audio played", func() bool { return h.out.Bytes() == 960 })

	h.push(`{"type":"agent_response","agent_response_event":{"agent_response":"Paused the music."}}`)
	h.waitState(t, turn.StateUserTurn)
	eventually(t, "mic reopened", h.s.MicOpen)
	if h.obs.Count(metrics.EventAgentTurnStart) != 1 {
		t.Fatalf("expected one agent turn start metric")
	}
}

func TestBargeInInterruptsPlayback(t *testing.T) {
	h := startSession(t, nil, nil)
	h.push(`{"type":"agent_response_start"}`)
	h.waitState(t, turn.StateAgentTurn)
	eventually(t, "turn start clear", func() bool { return h.out.Clears() == 1 })

	h.push(`{"type":"vad_score","vad_score_event":{"vad_score":0.9}}`)
	eventually(t, "barge-in clear", func() bool { return h.out.Clears() == 2 })
	if h.obs.Count(metrics.EventBargeIn) != 1 {
		t.Fatalf("expected barge_in metric")
	}

	// agent audio for the interrupted response is discarded
	h.audio(960)
	h.pingRoundTrip(t, 1)
	time.Sleep(20 * time.Millisecond)
	if h.out.Bytes() != 0 {
		t.Fatalf("audio after barge-in should not play, got %d bytes", h.out.Bytes())
	}
	if h.s.State() != turn.StateAgentTurn {
		t.Fatalf("barge-in must not end the agent turn, got %s", h.s.State())
	}
}

func TestPoliteStrategyIgnoresVAD(t *testing.T) {
	h := startSession(t, nil, func(c *Config) { c.BargeInEnabled = false })
	h.push(`{"type":"agent_response_start"}`)
	h.waitState(t, turn.StateAgentTurn)
	h.push(`{"type":"vad_score","vad_score_event":{"vad_score":0.9}}`)
	h.pingRoundTrip(t, 1)
	if h.obs.Count(metrics.EventBargeIn) != 0 || h.out.Clears() != 1 {
		t.Fatalf("polite strategy should not interrupt")
	}
}

func TestUnknownToolReportsErrorAndReopensMic(t *testing.T) {
	h := startSession(t, nil, nil)
	h.push(`{"type":"client_tool_call","client_tool_call":{"tool_name":"launch_rocket","tool_call_id":"c1","parameters":{}}}`)

	eventually(t, "tool response", func() bool { return len(sentOf[protocol.ToolResponse](h.tr)) == 1 })
	resp := sentOf[protocol.ToolResponse](h.tr)[0]
	if resp.ToolCallID != "c1" || !resp.IsError {
		t.Fatalf("unexpected response %+v", resp)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(resp.Result), &result); err != nil {
		t.Fatalf("result is not json: %v", err)
	}
	if result["message"] != "Tool 'launch_rocket' not found" {
		t.Fatalf("unexpected result %v", result)
	}
	h.waitState(t, turn.StateUserTurn)
	eventually(t, "mic reopened", h.s.MicOpen)

	h.pingRoundTrip(t, 2)
	if n := len(sentOf[protocol.ToolResponse](h.tr)); n != 1 {
		t.Fatalf("expected exactly one tool response, got %d", n)
	}
}

func TestToolCallGatesMicUntilResult(t *testing.T) {
	release := make(chan struct{})
	reg := tools.NewRegistry(tools.Tool{Name: "pause_playback", Handler: func(context.Context, map[string]any) (protocol.ToolResult, error) {
		<-release
		return protocol.ToolResult{"status": protocol.StatusSuccess, "message": "Paused the music."}, nil
	}})
	h := startSession(t, reg, nil)

	h.push(`{"type":"client_tool_call","client_tool_call":{"tool_name":"pause_playback","tool_call_id":"c1"}}`)
	h.waitState(t, turn.StateToolExecuting)
	eventually(t, "mic gated", func() bool { return !h.s.MicOpen() })

	close(release)
	eventually(t, "tool response", func() bool { return len(sentOf[protocol.ToolResponse](h.tr)) == 1 })
	if resp := sentOf[protocol.ToolResponse](h.tr)[0]; resp.IsError {
		t.Fatalf("expected success, got %+v", resp)
	}
	h.waitState(t, turn.StateUserTurn)
	eventually(t, "mic reopened", h.s.MicOpen)
}

func TestSlowToolTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	reg := tools.NewRegistry(tools.Tool{Name: "next_track", Handler: func(context.Context, map[string]any) (protocol.ToolResult, error) {
		<-release
		return nil, nil
	}})
	h := startSession(t, reg, func(c *Config) { c.Tools.TimeoutMS = 30 })

	h.push(`{"type":"client_tool_call","client_tool_call":{"tool_name":"next_track","tool_call_id":"c1"}}`)
	eventually(t, "timeout response", func() bool { return len(sentOf[protocol.ToolResponse](h.tr)) == 1 })
	resp := sentOf[protocol.ToolResponse](h.tr)[0]
	if !resp.IsError || !strings.Contains(resp.Result, "timed out") {
		t.Fatalf("expected synthesized timeout, got %+v", resp)
	}
	h.waitState(t, turn.StateUserTurn)
}

func TestTransportLossAndReconnect(t *testing.T) {
	h := startSession(t, nil, nil)
	h.push(`{"type":"agent_response_start"}`)
	h.waitState(t, turn.StateAgentTurn)

	h.tr.Drop(errors.New("connection reset"))
	h.waitState(t, turn.StateReconnecting)
	if h.s.MicOpen() {
		t.Fatalf("mic must be gated while reconnecting")
	}
	eventually(t, "playback interrupted", func() bool { return h.out.Clears() == 2 })

	h.tr.Reconnect()
	h.waitState(t, turn.StateIdle)
	eventually(t, "mic reopened", h.s.MicOpen)
}

func TestMicAudioForwardedOnlyWhileGateOpen(t *testing.T) {
	h := startSession(t, nil, nil)
	frame := make([]byte, frames.PCM16(16000).BytesFor(20*time.Millisecond))
	userChunks := func() int { return len(sentOf[protocol.UserAudioChunk](h.tr)) }

	eventually(t, "mic audio sent", func() bool {
		h.in.Push(frame)
		return userChunks() > 0
	})

	h.push(`{"type":"agent_response_start"}`)
	eventually(t, "mic gated", func() bool { return !h.s.MicOpen() })
	time.Sleep(20 * time.Millisecond)
	before := userChunks()
	for i := 0; i < 5; i++ {
		h.in.Push(frame)
	}
	time.Sleep(60 * time.Millisecond)
	if after := userChunks(); after != before {
		t.Fatalf("gated audio was sent: %d -> %d", before, after)
	}
}

func TestMalformedMessagesLeaveStateAlone(t *testing.T) {
	h := startSession(t, nil, nil)
	h.push(`{"type":"agent_response_start"}`)
	h.waitState(t, turn.StateAgentTurn)

	h.push(`not json`)
	h.push(`{"type":"vad_score","vad_score_event":{"vad_score":7}}`)
	h.push(`{"type":"client_tool_call","client_tool_call":{"tool_name":"x"}}`)
	h.push(`{"type":"brand_new_event"}`)
	h.pingRoundTrip(t, 3)

	if h.s.State() != turn.StateAgentTurn || h.out.Clears() != 1 {
		t.Fatalf("malformed input changed the session: %s, %d clears", h.s.State(), h.out.Clears())
	}
	if n := len(sentOf[protocol.ToolResponse](h.tr)); n != 0 {
		t.Fatalf("malformed tool call produced %d responses", n)
	}
}

func TestNegotiatedOutputFormatShapesPlayback(t *testing.T) {
	h := startSession(t, nil, nil)
	h.push(`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv-1","agent_output_audio_format":"ulaw_8000"}}`)
	h.audio(320)
	eventually(t, "audio played", func() bool { return h.out.Bytes() == 320 })
	for _, w := range h.out.Writes() {
		if len(w) > 160 {
			t.Fatalf("expected 20ms ulaw sub-chunks, got a %d byte write", len(w))
		}
	}
}

func TestDeviceFailureEndsRun(t *testing.T) {
	h := startSession(t, nil, nil)
	h.out.Fail(errors.New("device unplugged"))
	h.audio(960)

	select {
	case err := <-h.errCh:
		if !errorsx.HasReason(err, errorsx.ReasonDeviceWrite) {
			t.Fatalf("expected device_write, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after device failure")
	}
}

func TestCaptureFailureEndsRun(t *testing.T) {
	h := startSession(t, nil, nil)
	h.pingRoundTrip(t, 1)
	h.in.Fail(errors.New("microphone unplugged"))

	select {
	case err := <-h.errCh:
		if !errorsx.HasReason(err, errorsx.ReasonDeviceRead) {
			t.Fatalf("expected device_read, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after capture failure")
	}
}

func TestStopEndsRun(t *testing.T) {
	h := startSession(t, nil, nil)
	h.pingRoundTrip(t, 1)
	h.s.Stop()
	select {
	case err := <-h.errCh:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	if err := h.s.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestNewRequiresTransportAndDevices(t *testing.T) {
	if _, err := New(Options{Config: DefaultConfig()}); !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
}
