package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zmb3/spotify/v2"

	"github.com/harunnryd/duplex/pkg/protocol"
	"github.com/harunnryd/duplex/pkg/resilience"
	"github.com/harunnryd/duplex/pkg/tools"
)

type fakePlayer struct {
	mu       sync.Mutex
	calls    []string
	err      error
	state    *spotify.PlayerState
	stateErr error
	volume   int
}

func (p *fakePlayer) record(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, name)
	return p.err
}

func (p *fakePlayer) Play(context.Context) error     { return p.record("play") }
func (p *fakePlayer) Pause(context.Context) error    { return p.record("pause") }
func (p *fakePlayer) Next(context.Context) error     { return p.record("next") }
func (p *fakePlayer) Previous(context.Context) error { return p.record("previous") }

func (p *fakePlayer) Volume(_ context.Context, percent int) error {
	p.mu.Lock()
	p.volume = percent
	p.mu.Unlock()
	return p.record("volume")
}

func (p *fakePlayer) PlayerState(context.Context, ...spotify.RequestOption) (*spotify.PlayerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return nil, p.stateErr
	}
	st := *p.state
	return &st, p.stateErr
}

func (p *fakePlayer) setPlaying(playing bool) {
	p.mu.Lock()
	p.state.Playing = playing
	p.mu.Unlock()
}

func playing(volume int) *spotify.PlayerState {
	raw := fmt.Sprintf(`{
		"device": {"id": "device-1", "volume_percent": %d},
		"is_playing": true,
		"item": {"name": "Sail", "artists": [{"name": "AWOLNATION"}]}
	}`, volume)
	var st spotify.PlayerState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		panic(err)
	}
	return &st
}

var errNoDevice = spotify.Error{Status: 404, Message: "Player command failed: No active device found"}

func call(t *testing.T, tl *Tools, name string) (protocol.ToolResult, error) {
	t.Helper()
	reg := tools.NewRegistry()
	tl.Register(reg)
	return reg.HandleTool(context.Background(), name, nil)
}

func TestPreviousIsIssuedTwice(t *testing.T) {
	p := &fakePlayer{}
	res, err := call(t, NewTools(p, Options{}), "previous_track")
	if err != nil || res.Status() != protocol.StatusSuccess {
		t.Fatalf("unexpected result %v %v", res, err)
	}
	if len(p.calls) != 2 || p.calls[0] != "previous" || p.calls[1] != "previous" {
		t.Fatalf("expected two previous commands, got %v", p.calls)
	}
}

func TestVolumeIsClamped(t *testing.T) {
	p := &fakePlayer{state: playing(90)}
	tl := NewTools(p, Options{})
	if _, err := call(t, tl, "volume_up"); err != nil {
		t.Fatalf("volume_up: %v", err)
	}
	if p.volume != 100 {
		t.Fatalf("expected volume clamped to 100, got %d", p.volume)
	}
	p.state = playing(20)
	if _, err := call(t, tl, "volume_down"); err != nil {
		t.Fatalf("volume_down: %v", err)
	}
	if p.volume != 0 {
		t.Fatalf("expected volume clamped to 0, got %d", p.volume)
	}
}

func TestVolumeWithoutDeviceIsFriendlySuccess(t *testing.T) {
	p := &fakePlayer{}
	res, _ := call(t, NewTools(p, Options{}), "volume_up")
	if res.Status() != protocol.StatusSuccess || len(p.calls) != 0 {
		t.Fatalf("unexpected result %v after %v", res, p.calls)
	}
}

func TestNoActiveDeviceMapping(t *testing.T) {
	cases := map[string]string{
		"pause_playback":  protocol.StatusSuccess,
		"next_track":      protocol.StatusSuccess,
		"previous_track":  protocol.StatusSuccess,
		"resume_playback": protocol.StatusError,
	}
	for name, want := range cases {
		p := &fakePlayer{err: errNoDevice}
		res, err := call(t, NewTools(p, Options{}), name)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if res.Status() != want {
			t.Fatalf("%s: expected %s, got %v", name, want, res)
		}
	}
}

func TestCurrentSongReportsStateUpdate(t *testing.T) {
	p := &fakePlayer{state: playing(50)}
	res, err := call(t, NewTools(p, Options{}), "get_current_song")
	if err != nil {
		t.Fatalf("get_current_song: %v", err)
	}
	if res.Status() != protocol.StatusCurrentStateUpdate || res.IsError() {
		t.Fatalf("unexpected status %v", res)
	}
	if res["current_song"] != "Sail" || res["current_artist"] != "AWOLNATION" || res["playback_status"] != "playing" {
		t.Fatalf("unexpected song fields %v", res)
	}
	if res["override_context"] != true {
		t.Fatalf("expected override_context")
	}
}

func TestCurrentSongWithNothingPlaying(t *testing.T) {
	res, _ := call(t, NewTools(&fakePlayer{}, Options{}), "get_current_song")
	if res.Status() != protocol.StatusSuccess {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestRateLimitOpensBreaker(t *testing.T) {
	p := &fakePlayer{err: spotify.Error{Status: 429, Message: "API rate limit exceeded"}}
	tl := NewTools(p, Options{Breaker: resilience.NewCircuitBreaker(1, time.Minute)})

	res, err := call(t, tl, "next_track")
	if !resilience.IsRateLimit(err) || !res.IsError() {
		t.Fatalf("expected rate limit error, got %v %v", res, err)
	}
	_, err = call(t, tl, "next_track")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if len(p.calls) != 1 {
		t.Fatalf("breaker should block the second call, got %v", p.calls)
	}
}

func TestOtherErrorsBecomeErrorResults(t *testing.T) {
	p := &fakePlayer{err: errors.New("connection reset")}
	res, err := call(t, NewTools(p, Options{}), "pause_playback")
	if err != nil || !res.IsError() {
		t.Fatalf("unexpected result %v %v", res, err)
	}
}

func TestWatcherReportsTransitions(t *testing.T) {
	p := &fakePlayer{state: playing(50)}
	changes := make(chan bool, 4)
	w := NewWatcher(p, 5*time.Millisecond, func(playing bool) { changes <- playing }, nil)
	w.Start(context.Background())
	defer w.Stop()

	expect := func(want bool) {
		t.Helper()
		select {
		case got := <-changes:
			if got != want {
				t.Fatalf("expected playing=%v, got %v", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("no transition to playing=%v", want)
		}
	}
	expect(true)
	p.setPlaying(false)
	expect(false)

	p.setPlaying(true)
	expect(true)
	p.mu.Lock()
	p.stateErr = errors.New("network down")
	p.mu.Unlock()
	expect(false)
}

func TestDecodeSettings(t *testing.T) {
	if _, err := DecodeSettings(map[string]any{"client_id": "id"}); err == nil {
		t.Fatalf("expected missing keys error")
	}
	s, err := DecodeSettings(map[string]any{
		"client_id":     "id",
		"client_secret": "secret",
		"refresh_token": "rt",
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.ClientID != "id" || s.RedirectURL == "" {
		t.Fatalf("unexpected settings %+v", s)
	}
}
