package twilio

import (
	"context"
	"fmt"

	"github.com/harunnryd/duplex/pkg/configutil"
	"github.com/harunnryd/duplex/pkg/devices"
	"github.com/harunnryd/duplex/pkg/errorsx"
)

var settingsSchema = configutil.Schema{
	Optional: []string{
		"server_addr", "public_url", "auth_token", "account_sid",
		"voice_path", "ws_path", "status_callback_path", "voice_greeting",
		"allow_any_origin", "allowed_origins",
	},
}

// Factory serves a phone line as the session's audio device. The agent
// output format is forced to 8 kHz µ-law.
func Factory(ctx context.Context, cfg devices.Config) (devices.Backend, error) {
	if err := configutil.ValidateSettings(cfg.Settings, settingsSchema); err != nil {
		return devices.Backend{}, errorsx.Wrap(fmt.Errorf("twilio settings: %w", err), errorsx.ReasonConfigInvalid)
	}
	var tc Config
	if err := configutil.DecodeSettings(cfg.Settings, &tc); err != nil {
		return devices.Backend{}, errorsx.Wrap(fmt.Errorf("twilio settings: %w", err), errorsx.ReasonConfigInvalid)
	}
	bridge := New(tc, cfg.Logger)
	if err := bridge.Listen(ctx); err != nil {
		return devices.Backend{}, err
	}
	return devices.Backend{
		Name:         "twilio",
		Input:        bridge.Input(),
		Output:       bridge,
		OutputFormat: Format,
		Close:        bridge.Close,
	}, nil
}
