// Package mock provides in-memory audio devices for tests and dry runs.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/duplex/pkg/devices"
	"github.com/harunnryd/duplex/pkg/frames"
)

// Input is a capture device fed by Push.
type Input struct {
	format  frames.Format
	mu      sync.Mutex
	onFrame func([]byte)
	onError func(error)
}

func NewInput(format frames.Format) *Input {
	return &Input{format: format}
}

func (in *Input) Start(_ context.Context, onFrame func([]byte), onError func(error)) error {
	in.mu.Lock()
	in.onFrame = onFrame
	in.onError = onError
	in.mu.Unlock()
	return nil
}

func (in *Input) Stop() error {
	in.mu.Lock()
	in.onFrame = nil
	in.onError = nil
	in.mu.Unlock()
	return nil
}

func (in *Input) Format() frames.Format { return in.format }

// Push delivers p as if the hardware captured it. It is dropped when the
// device is not started.
func (in *Input) Push(p []byte) {
	in.mu.Lock()
	fn := in.onFrame
	in.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// Fail reports err as a capture failure and stops delivering frames.
func (in *Input) Fail(err error) {
	in.mu.Lock()
	fn := in.onError
	in.onFrame = nil
	in.onError = nil
	in.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Output is a sink that records every write. With Realtime set, each write
// takes as long as the audio it carries.
type Output struct {
	Format   frames.Format
	Realtime bool

	mu     sync.Mutex
	writes [][]byte
	clears int
	err    error
}

func NewOutput(format frames.Format) *Output {
	return &Output{Format: format}
}

func (o *Output) Write(ctx context.Context, p []byte) error {
	o.mu.Lock()
	err := o.err
	o.mu.Unlock()
	if err != nil {
		return err
	}
	if o.Realtime {
		select {
		case <-time.After(o.Format.Duration(len(p))):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.mu.Lock()
	o.writes = append(o.writes, append([]byte(nil), p...))
	o.mu.Unlock()
	return nil
}

func (o *Output) Clear() error {
	o.mu.Lock()
	o.clears++
	o.mu.Unlock()
	return nil
}

// Fail makes every later write return err.
func (o *Output) Fail(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *Output) Writes() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.writes...)
}

func (o *Output) Bytes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, w := range o.writes {
		n += len(w)
	}
	return n
}

func (o *Output) Clears() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clears
}

// Factory builds a mock backend honoring the requested formats.
func Factory(_ context.Context, cfg devices.Config) (devices.Backend, error) {
	out := NewOutput(cfg.OutputFormat)
	out.Realtime = true
	return devices.Backend{
		Name:         "mock",
		Input:        NewInput(cfg.InputFormat),
		Output:       out,
		OutputFormat: cfg.OutputFormat,
	}, nil
}
