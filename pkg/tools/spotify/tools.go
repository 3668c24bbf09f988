// Package spotify provides music-control client tools backed by the Spotify
// Web API.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zmb3/spotify/v2"

	"github.com/harunnryd/duplex/pkg/protocol"
	"github.com/harunnryd/duplex/pkg/resilience"
	"github.com/harunnryd/duplex/pkg/tools"
)

// Player is the slice of the Spotify client the tools use.
type Player interface {
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	Volume(ctx context.Context, percent int) error
	PlayerState(ctx context.Context, opts ...spotify.RequestOption) (*spotify.PlayerState, error)
}

const volumeStep = 30

type Options struct {
	Logger  *slog.Logger
	Breaker *resilience.CircuitBreaker
}

type Tools struct {
	player  Player
	logger  *slog.Logger
	breaker *resilience.CircuitBreaker
}

func NewTools(player Player, opts Options) *Tools {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &Tools{player: player, logger: opts.Logger, breaker: opts.Breaker}
}

// List returns the tools in registration form.
func (t *Tools) List() []tools.Tool {
	return []tools.Tool{
		{Name: "resume_playback", Description: "Resume the current Spotify playback.", Handler: t.resume},
		{Name: "pause_playback", Description: "Pause Spotify playback.", Handler: t.pause},
		{Name: "volume_up", Description: "Raise the Spotify volume.", Handler: t.volumeUp},
		{Name: "volume_down", Description: "Lower the Spotify volume.", Handler: t.volumeDown},
		{Name: "next_track", Description: "Skip to the next track.", Handler: t.next},
		{Name: "previous_track", Description: "Go back to the previous track.", Handler: t.previous},
		{Name: "get_current_song", Description: "Report the song that is playing.", Handler: t.currentSong},
	}
}

// Register adds every tool to r.
func (t *Tools) Register(r *tools.MapRegistry) {
	for _, tool := range t.List() {
		r.Register(tool)
	}
}

func success(msg string) protocol.ToolResult {
	return protocol.ToolResult{"status": protocol.StatusSuccess, "message": msg}
}

// do runs fn through the breaker and maps API rate limits.
func (t *Tools) do(fn func() error) error {
	return t.breaker.Do(func() error {
		err := fn()
		if apiStatus(err) == http.StatusTooManyRequests {
			return resilience.RateLimitError{Service: "spotify", Message: err.Error()}
		}
		return err
	})
}

// failure maps an API error to a spoken result. A rate limit is returned
// as an error so the dispatcher can classify it.
func (t *Tools) failure(tool string, err error, noDevice protocol.ToolResult) (protocol.ToolResult, error) {
	if noDevice != nil && isNoActiveDevice(err) {
		t.logger.Info("spotify_no_active_device", "tool_name", tool)
		return noDevice, nil
	}
	if resilience.IsRateLimit(err) || errors.Is(err, resilience.ErrCircuitOpen) {
		return protocol.ErrorResult("Spotify is busy, try again in a moment."), err
	}
	t.logger.Warn("spotify_command_failed", "tool_name", tool, "error", err.Error())
	return protocol.ErrorResult("Problem talking to Spotify."), nil
}

func (t *Tools) resume(ctx context.Context, _ map[string]any) (protocol.ToolResult, error) {
	if err := t.do(func() error { return t.player.Play(ctx) }); err != nil {
		return t.failure("resume_playback", err, protocol.ErrorResult("No active device to resume playback on."))
	}
	return success("Music resumed."), nil
}

func (t *Tools) pause(ctx context.Context, _ map[string]any) (protocol.ToolResult, error) {
	if err := t.do(func() error { return t.player.Pause(ctx) }); err != nil {
		return t.failure("pause_playback", err, success("There is no music to pause."))
	}
	return success("Paused the music."), nil
}

func (t *Tools) next(ctx context.Context, _ map[string]any) (protocol.ToolResult, error) {
	if err := t.do(func() error { return t.player.Next(ctx) }); err != nil {
		return t.failure("next_track", err, success("Nothing is playing to skip."))
	}
	return success("Next song!"), nil
}

// previous issues the command twice: a single previous only restarts the
// current track.
func (t *Tools) previous(ctx context.Context, _ map[string]any) (protocol.ToolResult, error) {
	err := t.do(func() error {
		if err := t.player.Previous(ctx); err != nil {
			return err
		}
		return t.player.Previous(ctx)
	})
	if err != nil {
		return t.failure("previous_track", err, success("Nothing is playing to go back from."))
	}
	return success("Back to the previous song."), nil
}

func (t *Tools) volumeUp(ctx context.Context, _ map[string]any) (protocol.ToolResult, error) {
	return t.changeVolume(ctx, "volume_up", volumeStep)
}

func (t *Tools) volumeDown(ctx context.Context, _ map[string]any) (protocol.ToolResult, error) {
	return t.changeVolume(ctx, "volume_down", -volumeStep)
}

func (t *Tools) changeVolume(ctx context.Context, tool string, delta int) (protocol.ToolResult, error) {
	var state *spotify.PlayerState
	err := t.do(func() error {
		var err error
		state, err = t.player.PlayerState(ctx)
		return err
	})
	if err != nil {
		return t.failure(tool, err, nil)
	}
	if state == nil || state.Device.ID == "" {
		return success("Nothing is playing, so I can't change the volume."), nil
	}
	volume := clampVolume(int(state.Device.Volume) + delta)
	if err := t.do(func() error { return t.player.Volume(ctx, volume) }); err != nil {
		return t.failure(tool, err, nil)
	}
	t.logger.Info("spotify_volume_set", "volume", volume)
	return success(fmt.Sprintf("Done! Volume set to %d%%.", volume)), nil
}

func (t *Tools) currentSong(ctx context.Context, _ map[string]any) (protocol.ToolResult, error) {
	var state *spotify.PlayerState
	err := t.do(func() error {
		var err error
		state, err = t.player.PlayerState(ctx)
		return err
	})
	if err != nil {
		return t.failure("get_current_song", err, nil)
	}
	if state == nil || state.Item == nil {
		return success("No song is playing right now."), nil
	}
	artist := ""
	if len(state.Item.Artists) > 0 {
		artist = state.Item.Artists[0].Name
	}
	playback := "paused"
	if state.Playing {
		playback = "playing"
	}
	return protocol.ToolResult{
		"status":           protocol.StatusCurrentStateUpdate,
		"message":          "SYSTEM: playback state changed. Earlier information is stale.",
		"current_song":     state.Item.Name,
		"current_artist":   artist,
		"playback_status":  playback,
		"override_context": true,
	}, nil
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func apiStatus(err error) int {
	var se spotify.Error
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

func isNoActiveDevice(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return (apiStatus(err) == http.StatusNotFound && strings.Contains(msg, "device")) ||
		strings.Contains(msg, "no active device") ||
		strings.Contains(msg, "no_active_device")
}
