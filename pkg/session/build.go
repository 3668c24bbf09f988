package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harunnryd/duplex/pkg/devices"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/tools"
	"github.com/harunnryd/duplex/pkg/transports/convai"
)

// DeviceConfig is the backend request derived from the audio section.
func (c Config) DeviceConfig(logger *slog.Logger) (devices.Config, error) {
	in, err := c.InputFormat()
	if err != nil {
		return devices.Config{}, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	out, err := c.OutputFormat()
	if err != nil {
		return devices.Config{}, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	return devices.Config{
		InputDevice:   c.InputDevice,
		OutputDevice:  c.OutputDevice,
		InputFormat:   in,
		OutputFormat:  out,
		FrameDuration: c.FrameDuration(),
		Settings:      c.Audio.Settings,
		Logger:        logger,
	}, nil
}

// ConvaiConfig maps the agent and transport sections onto the websocket
// client. The formats are the ones the audio backend actually runs.
func (c Config) ConvaiConfig(in, out frames.Format, logger *slog.Logger, observer metrics.Observer) convai.Config {
	return convai.Config{
		URL:            c.Agent.URL,
		AgentID:        c.Agent.ID,
		APIKey:         c.Agent.APIKey,
		LanguageCode:   c.Agent.LanguageCode,
		VoiceID:        c.Agent.VoiceID,
		InputFormat:    in,
		OutputFormat:   out,
		ReconnectDelay: c.ReconnectDelay(),
		ConnectTimeout: seconds(c.Transport.ConnectTimeoutS),
		WriteTimeout:   ms(c.Transport.WriteTimeoutMS),
		SendBuffer:     c.Transport.SendBuffer,
		Logger:         logger,
		Observer:       observer,
	}
}

// Build opens the configured audio backend and creates a session talking
// to the agent over the reconnecting websocket client.
func Build(ctx context.Context, cfg Config, backends *devices.Registry, registry tools.Registry, logger *slog.Logger, observer metrics.Observer) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	devCfg, err := cfg.DeviceConfig(logging.NewComponentLogger(logger, "audio"))
	if err != nil {
		return nil, err
	}
	backend, err := backends.Build(ctx, cfg.Audio.Backend, devCfg)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("open audio backend: %w", err), errorsx.ReasonDeviceOpen)
	}
	out := backend.OutputFormat
	if out == (frames.Format{}) {
		out = devCfg.OutputFormat
	}
	client := convai.New(cfg.ConvaiConfig(backend.InputFormat(), out, logging.NewComponentLogger(logger, "transport"), observer))
	s, err := New(Options{
		Config:    cfg,
		Transport: client,
		Backend:   backend,
		Registry:  registry,
		Logger:    logger,
		Observer:  observer,
	})
	if err != nil {
		_ = backend.Release()
		return nil, err
	}
	return s, nil
}
