// Package playback buffers agent audio and feeds it to an output device in
// small writes so an interrupt can cut it off mid-chunk.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/metrics"
)

// ErrStopped is returned by Enqueue after the sink failed.
var ErrStopped = errors.New("playback stopped")

var errInterrupted = errors.New("playback interrupted")

// Sink is an output device. Write blocks until the device accepted p or
// ctx is cancelled. p is reused once Write returns.
type Sink interface {
	Write(ctx context.Context, p []byte) error
}

// Clearer is implemented by sinks that buffer on their own side and can
// discard that buffer on interrupt.
type Clearer interface {
	Clear() error
}

type Options struct {
	// HighWatermark bounds the queued play time. The oldest chunks are
	// dropped when it is exceeded.
	HighWatermark time.Duration
	// SubChunk is the largest single device write.
	SubChunk time.Duration
	Logger   *slog.Logger
	Observer metrics.Observer
}

func (o Options) withDefaults() Options {
	if o.HighWatermark <= 0 {
		o.HighWatermark = 15 * time.Second
	}
	if o.SubChunk <= 0 {
		o.SubChunk = 20 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = metrics.NoopObserver{}
	}
	return o
}

type Stats struct {
	Enqueued   uint64
	Played     uint64
	Dropped    uint64
	Discarded  uint64
	Interrupts uint64
	Queued     int
	QueuedTime time.Duration
}

type Controller struct {
	sink Sink
	opts Options

	mu          sync.Mutex
	queue       []frames.AudioChunk
	queuedTime  time.Duration
	gen         uint64
	writeCancel context.CancelFunc
	running     bool
	draining    bool
	cancelRun   context.CancelFunc
	done        chan struct{}
	err         error
	failed      chan struct{}
	stats       Stats

	// writeMu is held for the duration of every device write.
	writeMu sync.Mutex

	notify      chan struct{}
	dropLimiter *rate.Limiter
}

func New(sink Sink, opts Options) *Controller {
	return &Controller{
		sink:        sink,
		opts:        opts.withDefaults(),
		notify:      make(chan struct{}, 1),
		failed:      make(chan struct{}),
		dropLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (c *Controller) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends chunk to the queue. It never blocks.
func (c *Controller) Enqueue(chunk frames.AudioChunk) error {
	if chunk.Len() == 0 {
		return nil
	}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		frames.ReleaseAudioChunk(chunk)
		return ErrStopped
	}
	c.queue = append(c.queue, chunk)
	c.queuedTime += chunk.Duration()
	c.stats.Enqueued++
	var dropped int
	var droppedTime time.Duration
	for c.queuedTime > c.opts.HighWatermark && len(c.queue) > 1 {
		old := c.queue[0]
		c.queue[0] = frames.AudioChunk{}
		c.queue = c.queue[1:]
		c.queuedTime -= old.Duration()
		droppedTime += old.Duration()
		dropped++
		frames.ReleaseAudioChunk(old)
	}
	c.stats.Dropped += uint64(dropped)
	c.mu.Unlock()

	if dropped > 0 {
		if c.dropLimiter.Allow() {
			c.opts.Logger.Warn("playback_chunk_dropped",
				"count", dropped,
				"dropped_ms", droppedTime.Milliseconds(),
				"high_watermark_ms", c.opts.HighWatermark.Milliseconds())
		}
		c.opts.Observer.RecordEvent(metrics.NewEvent(metrics.EventPlaybackDropped, float64(dropped), nil))
	}
	c.signal()
	return nil
}

// Interrupt discards everything queued and aborts the write in progress.
// When it returns, no audio enqueued before the call reaches the sink.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	discarded := len(c.queue)
	for i := range c.queue {
		frames.ReleaseAudioChunk(c.queue[i])
	}
	c.queue = nil
	c.queuedTime = 0
	c.gen++
	c.stats.Interrupts++
	c.stats.Discarded += uint64(discarded)
	cancel := c.writeCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Wait out a write that started before the generation bump.
	c.writeMu.Lock()
	c.writeMu.Unlock()

	if clearer, ok := c.sink.(Clearer); ok {
		if err := clearer.Clear(); err != nil {
			c.opts.Logger.Warn("playback_clear_failed", "error", err)
		}
	}
	c.opts.Logger.Debug("playback_interrupted", "discarded", discarded)
	c.opts.Observer.RecordEvent(metrics.NewEvent(metrics.EventPlaybackInterrupt, float64(discarded), nil))
}

// Start launches the playback loop. It is a no-op while already running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return ErrStopped
	}
	if c.running {
		select {
		case <-c.done:
			// the loop exited with its parent context; start a fresh one
			c.cancelRun()
		default:
			return nil
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.draining = false
	c.cancelRun = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Stop halts the loop. With flush, queued audio plays out first; otherwise
// it is discarded. Stop is a no-op when not running.
func (c *Controller) Stop(flush bool) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	done := c.done
	cancel := c.cancelRun
	if flush {
		c.draining = true
		c.mu.Unlock()
		c.signal()
		<-done
		cancel()
	} else {
		c.mu.Unlock()
		cancel()
		c.Interrupt()
		<-done
	}
	c.mu.Lock()
	c.running = false
	c.cancelRun = nil
	c.mu.Unlock()
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		chunk, gen, ok, exit := c.next()
		if exit {
			return
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.notify:
				continue
			}
		}
		err := c.play(ctx, chunk, gen)
		frames.ReleaseAudioChunk(chunk)
		switch {
		case err == nil, errors.Is(err, errInterrupted):
		case ctx.Err() != nil:
			return
		default:
			c.fail(err)
			return
		}
	}
}

func (c *Controller) next() (frames.AudioChunk, uint64, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return frames.AudioChunk{}, 0, false, c.draining
	}
	chunk := c.queue[0]
	c.queue[0] = frames.AudioChunk{}
	c.queue = c.queue[1:]
	c.queuedTime -= chunk.Duration()
	return chunk, c.gen, true, false
}

func (c *Controller) play(ctx context.Context, chunk frames.AudioChunk, gen uint64) error {
	data := chunk.RawPayload()
	step := chunk.Format().BytesFor(c.opts.SubChunk)
	for off := 0; off < len(data); off += step {
		end := off + step
		if end > len(data) {
			end = len(data)
		}
		if err := c.writeOne(ctx, data[off:end], gen); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.stats.Played++
	c.mu.Unlock()
	return nil
}

func (c *Controller) writeOne(ctx context.Context, p []byte, gen uint64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return errInterrupted
	}
	wctx, cancel := context.WithCancel(ctx)
	c.writeCancel = cancel
	c.mu.Unlock()

	err := c.sink.Write(wctx, p)

	c.mu.Lock()
	c.writeCancel = nil
	interrupted := c.gen != gen
	c.mu.Unlock()
	cancel()

	if err == nil {
		return nil
	}
	if interrupted {
		return errInterrupted
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errorsx.Wrap(fmt.Errorf("playback write: %w", err), errorsx.ReasonDeviceWrite)
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
		close(c.failed)
	}
	c.mu.Unlock()
	c.opts.Logger.Error("playback_device_failed", "reason_code", errorsx.Reason(err), "error", err)
}

// Err returns the device error that stopped the loop, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Failed is closed once the sink has failed.
func (c *Controller) Failed() <-chan struct{} { return c.failed }

// Len returns the number of queued chunks.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Queued = len(c.queue)
	s.QueuedTime = c.queuedTime
	return s
}
