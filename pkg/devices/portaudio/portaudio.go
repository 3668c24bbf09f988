// Package portaudio runs the conversation on the local microphone and
// speaker.
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/harunnryd/duplex/pkg/devices"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
)

var errNotPCM = errors.New("portaudio backend plays 16-bit PCM only")

// findDevice resolves a configured name: empty means the system default,
// otherwise the first device whose name contains it (case-insensitive).
func findDevice(name string, input bool) (*pa.DeviceInfo, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		if input {
			return pa.DefaultInputDevice()
		}
		return pa.DefaultOutputDevice()
	}
	all, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range all {
		if input && d.MaxInputChannels < 1 {
			continue
		}
		if !input && d.MaxOutputChannels < 1 {
			continue
		}
		if strings.Contains(strings.ToLower(d.Name), name) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("audio device %q not found", name)
}

func framesPerBuffer(f frames.Format, d time.Duration) int {
	n := f.BytesFor(d) / 2
	if n < 1 {
		n = 1
	}
	return n
}

// Input captures mono PCM16 from a PortAudio input stream. The device stays
// open across turns.
type Input struct {
	name   string
	format frames.Format
	frame  time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	stream *pa.Stream
	done   chan struct{}
}

func NewInput(name string, format frames.Format, frame time.Duration, logger *slog.Logger) *Input {
	return &Input{name: name, format: format, frame: frame, logger: logger}
}

func (in *Input) Format() frames.Format { return in.format }

func (in *Input) Start(ctx context.Context, onFrame func([]byte), onError func(error)) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stream != nil {
		return nil
	}
	dev, err := findDevice(in.name, true)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDeviceOpen)
	}
	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(in.format.SampleRate)
	params.FramesPerBuffer = framesPerBuffer(in.format, in.frame)
	samples := make([]int16, params.FramesPerBuffer)
	stream, err := pa.OpenStream(params, samples)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("open input %q: %w", dev.Name, err), errorsx.ReasonDeviceOpen)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return errorsx.Wrap(fmt.Errorf("start input %q: %w", dev.Name, err), errorsx.ReasonDeviceOpen)
	}
	in.stream = stream
	in.done = make(chan struct{})
	in.logger.Info("audio_input_opened", "device", dev.Name, "sample_rate", in.format.SampleRate)
	go in.readLoop(ctx, stream, samples, onFrame, onError, in.done)
	return nil
}

func (in *Input) readLoop(ctx context.Context, stream *pa.Stream, samples []int16, onFrame func([]byte), onError func(error), done chan struct{}) {
	defer close(done)
	buf := make([]byte, len(samples)*2)
	for ctx.Err() == nil {
		if err := stream.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				continue
			}
			if ctx.Err() == nil {
				in.logger.Error("audio_input_read_failed", "reason_code", errorsx.ReasonDeviceRead, "error", err)
				onError(fmt.Errorf("read input: %w", err))
			}
			return
		}
		for i, s := range samples {
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
		}
		onFrame(buf)
	}
}

// Stop halts the stream, waits for the read loop and releases the handle.
func (in *Input) Stop() error {
	in.mu.Lock()
	stream, done := in.stream, in.done
	in.stream = nil
	in.mu.Unlock()
	if stream == nil {
		return nil
	}
	err := stream.Stop()
	<-done
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	return err
}

// Output plays mono PCM16 through a blocking PortAudio output stream.
type Output struct {
	name   string
	format frames.Format
	frame  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	stream  *pa.Stream
	samples []int16
}

func NewOutput(name string, format frames.Format, frame time.Duration, logger *slog.Logger) (*Output, error) {
	if format.Encoding != frames.EncodingPCM16 {
		return nil, errNotPCM
	}
	return &Output{name: name, format: format, frame: frame, logger: logger}, nil
}

func (o *Output) open() error {
	if o.stream != nil {
		return nil
	}
	dev, err := findDevice(o.name, false)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDeviceOpen)
	}
	params := pa.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(o.format.SampleRate)
	params.FramesPerBuffer = framesPerBuffer(o.format, o.frame)
	o.samples = make([]int16, params.FramesPerBuffer)
	stream, err := pa.OpenStream(params, &o.samples)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("open output %q: %w", dev.Name, err), errorsx.ReasonDeviceOpen)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return errorsx.Wrap(fmt.Errorf("start output %q: %w", dev.Name, err), errorsx.ReasonDeviceOpen)
	}
	o.stream = stream
	o.logger.Info("audio_output_opened", "device", dev.Name, "sample_rate", o.format.SampleRate)
	return nil
}

// Write plays p. Each call blocks for roughly the duration of p, so ctx is
// checked between hardware buffers.
func (o *Output) Write(ctx context.Context, p []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.open(); err != nil {
		return err
	}
	for off := 0; off+1 < len(p); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := (len(p) - off) / 2
		if n > cap(o.samples) {
			n = cap(o.samples)
		}
		o.samples = o.samples[:n]
		for i := 0; i < n; i++ {
			o.samples[i] = int16(binary.LittleEndian.Uint16(p[off+2*i:]))
		}
		if err := o.stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			return fmt.Errorf("write output: %w", err)
		}
		off += 2 * n
	}
	return nil
}

func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream == nil {
		return nil
	}
	err := o.stream.Stop()
	if cerr := o.stream.Close(); err == nil {
		err = cerr
	}
	o.stream = nil
	return err
}

// Factory initializes PortAudio and opens the configured devices lazily.
func Factory(_ context.Context, cfg devices.Config) (devices.Backend, error) {
	if err := pa.Initialize(); err != nil {
		return devices.Backend{}, errorsx.Wrap(fmt.Errorf("portaudio init: %w", err), errorsx.ReasonDeviceOpen)
	}
	in := NewInput(cfg.InputDevice, cfg.InputFormat, cfg.FrameDuration, cfg.Logger)
	out, err := NewOutput(cfg.OutputDevice, cfg.OutputFormat, cfg.FrameDuration, cfg.Logger)
	if err != nil {
		_ = pa.Terminate()
		return devices.Backend{}, err
	}
	return devices.Backend{
		Name:         "portaudio",
		Input:        in,
		Output:       out,
		OutputFormat: cfg.OutputFormat,
		Close: func() error {
			err := errors.Join(in.Stop(), out.Close())
			return errors.Join(err, pa.Terminate())
		},
	}, nil
}
