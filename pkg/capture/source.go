// Package capture forwards microphone audio while the gate is open. The
// device keeps streaming across turns; only forwarding is gated.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"
	"golang.org/x/time/rate"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/metrics"
)

var ErrAlreadyStarted = errors.New("capture already started")

// Device is an input device. Start begins delivering captured bytes to
// onFrame from the device's own goroutine or callback; onFrame must not be
// called after Stop returns. onError reports a failure that ended capture.
type Device interface {
	Start(ctx context.Context, onFrame func([]byte), onError func(error)) error
	Stop() error
	Format() frames.Format
}

type Options struct {
	Gate *Gate
	// FrameDuration is the size of each outbound chunk.
	FrameDuration time.Duration
	// BufferDuration sizes the handoff ring between the device callback and
	// the sender loop.
	BufferDuration time.Duration
	// Backlog is how many outbound chunks may wait for the transport.
	Backlog  int
	Logger   *slog.Logger
	Observer metrics.Observer
}

func (o Options) withDefaults() Options {
	if o.Gate == nil {
		o.Gate = NewGate(true)
	}
	if o.FrameDuration <= 0 {
		o.FrameDuration = 20 * time.Millisecond
	}
	if o.BufferDuration <= 0 {
		o.BufferDuration = time.Second
	}
	if o.Backlog <= 0 {
		o.Backlog = 50
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = metrics.NoopObserver{}
	}
	return o
}

type Source struct {
	dev        Device
	opts       Options
	gate       *Gate
	format     frames.Format
	frameBytes int
	ring       *ringbuffer.RingBuffer
	notify     chan struct{}
	out        chan frames.AudioChunk
	seq        frames.SeqGen

	dropped  atomic.Uint64
	reported uint64
	limiter  *rate.Limiter

	// sendMu orders the sender loop against gate changes so a closed gate
	// never leaves captured chunks behind in out. It also guards scratch.
	sendMu  sync.Mutex
	scratch []byte

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	failed  chan struct{}
}

func NewSource(dev Device, opts Options) *Source {
	opts = opts.withDefaults()
	format := dev.Format()
	frameBytes := format.BytesFor(opts.FrameDuration)
	size := format.BytesFor(opts.BufferDuration)
	if size < frameBytes*2 {
		size = frameBytes * 2
	}
	return &Source{
		dev:        dev,
		opts:       opts,
		gate:       opts.Gate,
		format:     format,
		frameBytes: frameBytes,
		ring:       ringbuffer.New(size).SetBlocking(false),
		notify:     make(chan struct{}, 1),
		out:        make(chan frames.AudioChunk, opts.Backlog),
		limiter:    rate.NewLimiter(rate.Every(5*time.Second), 1),
		failed:     make(chan struct{}),
		scratch:    make([]byte, frameBytes),
	}
}

// OnFrame is the device callback. It never blocks and never allocates:
// closed-gate audio is discarded, and audio that does not fit is dropped.
func (s *Source) OnFrame(p []byte) {
	if len(p) == 0 || !s.gate.IsOpen() {
		return
	}
	if s.ring.Free() < len(p) {
		s.dropped.Add(1)
	} else if _, err := s.ring.Write(p); err != nil {
		s.dropped.Add(1)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// SetGate opens or closes forwarding. Closing discards chunks not yet
// taken from Frames, and reopening starts from an empty ring, so nothing
// captured before the gate closed is sent.
func (s *Source) SetGate(open bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if open && !s.gate.IsOpen() {
		s.ring.Reset()
	}
	s.gate.Set(open)
	if open {
		return
	}
	for {
		select {
		case c := <-s.out:
			frames.ReleaseAudioChunk(c)
		default:
			return
		}
	}
}

func (s *Source) Gate() *Gate { return s.gate }

func (s *Source) Format() frames.Format { return s.format }

// Frames delivers gated, fixed-size chunks ready for encoding. Chunks are
// pooled: the receiver releases each one with frames.ReleaseAudioChunk once
// it has been sent.
func (s *Source) Frames() <-chan frames.AudioChunk { return s.out }

func (s *Source) Dropped() uint64 { return s.dropped.Load() }

// Start opens the device and the sender loop.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := s.dev.Start(runCtx, s.OnFrame, s.fail); err != nil {
		cancel()
		return errorsx.Wrap(fmt.Errorf("start capture: %w", err), errorsx.ReasonDeviceOpen)
	}
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.sendLoop(runCtx, s.done)
	return nil
}

// Stop releases the device and joins the sender loop. It is safe to call
// more than once.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	err := s.dev.Stop()
	cancel()
	<-done
	s.ring.Reset()
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("stop capture: %w", err), errorsx.ReasonDeviceRead)
	}
	return nil
}

// fail records the first device error and closes Failed.
func (s *Source) fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = errorsx.Wrap(fmt.Errorf("capture: %w", err), errorsx.ReasonDeviceRead)
	close(s.failed)
	s.mu.Unlock()
	s.opts.Logger.Error("capture_device_failed", "reason_code", errorsx.ReasonDeviceRead, "error", err)
}

// Err returns the device error that ended capture, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Failed is closed once the device has failed.
func (s *Source) Failed() <-chan struct{} { return s.failed }

func (s *Source) sendLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}
		s.forward()
		s.reportDrops()
	}
}

// forward moves whole frames from the ring to out. A full backlog drops
// the frame: the transport is behind and late audio is worthless.
func (s *Source) forward() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.gate.IsOpen() {
		s.ring.Reset()
		return
	}
	for s.ring.Length() >= s.frameBytes {
		n, err := s.ring.Read(s.scratch)
		if err != nil || n != s.frameBytes {
			return
		}
		chunk := frames.NewAudioChunkFromPool(s.seq.Next(), s.scratch, s.format, nil)
		select {
		case s.out <- chunk:
		default:
			frames.ReleaseAudioChunk(chunk)
			s.dropped.Add(1)
		}
	}
}

func (s *Source) reportDrops() {
	total := s.dropped.Load()
	if total == s.reported || !s.limiter.Allow() {
		return
	}
	delta := total - s.reported
	s.reported = total
	s.opts.Logger.Warn("capture_frames_dropped", "count", delta, "total", total)
	s.opts.Observer.RecordEvent(metrics.NewEvent(metrics.EventCaptureDropped, float64(delta), nil))
}
