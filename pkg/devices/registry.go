// Package devices builds the audio input and output a session runs on.
package devices

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/harunnryd/duplex/pkg/capture"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/playback"
)

// Config is what a backend factory receives. Backends may override the
// formats (a phone line is always 8 kHz µ-law).
type Config struct {
	InputDevice   string
	OutputDevice  string
	InputFormat   frames.Format
	OutputFormat  frames.Format
	FrameDuration time.Duration
	Settings      map[string]any
	Logger        *slog.Logger
}

// Backend is a matched microphone and speaker.
type Backend struct {
	Name         string
	Input        capture.Device
	Output       playback.Sink
	OutputFormat frames.Format
	// Close releases whatever the backend shares between input and output.
	Close func() error
}

func (b Backend) InputFormat() frames.Format { return b.Input.Format() }

func (b Backend) Release() error {
	if b.Close == nil {
		return nil
	}
	return b.Close()
}

type Factory func(ctx context.Context, cfg Config) (Backend, error)

type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, factory Factory) {
	r.factories[normalize(name)] = factory
}

func (r *Registry) Build(ctx context.Context, name string, cfg Config) (Backend, error) {
	fn := r.factories[normalize(name)]
	if fn == nil {
		return Backend{}, fmt.Errorf("audio backend not registered: %s", name)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b, err := fn(ctx, cfg)
	if err != nil {
		return Backend{}, err
	}
	if b.Name == "" {
		b.Name = normalize(name)
	}
	return b, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
