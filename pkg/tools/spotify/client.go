package spotify

import (
	"context"
	"errors"
	"fmt"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"

	"github.com/harunnryd/duplex/pkg/configutil"
)

// Settings is the free-form tools.settings block.
type Settings struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	RedirectURL  string `mapstructure:"redirect_url"`
	PollInterval int    `mapstructure:"poll_interval_ms"`
}

var settingsSchema = configutil.Schema{
	Required: []string{"client_id", "client_secret", "refresh_token"},
	Optional: []string{"redirect_url", "poll_interval_ms"},
}

var scopes = []string{
	spotifyauth.ScopeUserModifyPlaybackState,
	spotifyauth.ScopeUserReadPlaybackState,
	spotifyauth.ScopeUserReadCurrentlyPlaying,
}

// DecodeSettings validates and decodes a settings map.
func DecodeSettings(raw map[string]any) (Settings, error) {
	if err := configutil.ValidateSettings(raw, settingsSchema); err != nil {
		return Settings{}, fmt.Errorf("spotify settings: %w", err)
	}
	var s Settings
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("spotify settings: %w", err)
	}
	if s.RedirectURL == "" {
		s.RedirectURL = "http://127.0.0.1:8888/callback"
	}
	return s, nil
}

// NewClient returns an authenticated client. The access token is obtained
// from the refresh token on first use and refreshed as it expires.
func NewClient(ctx context.Context, s Settings) (*spotify.Client, error) {
	if s.RefreshToken == "" {
		return nil, errors.New("spotify: refresh token is required")
	}
	auth := spotifyauth.New(
		spotifyauth.WithClientID(s.ClientID),
		spotifyauth.WithClientSecret(s.ClientSecret),
		spotifyauth.WithRedirectURL(s.RedirectURL),
		spotifyauth.WithScopes(scopes...),
	)
	httpClient := auth.Client(ctx, &oauth2.Token{RefreshToken: s.RefreshToken})
	return spotify.New(httpClient, spotify.WithRetry(false)), nil
}
