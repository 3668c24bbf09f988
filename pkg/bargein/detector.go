// Package bargein turns a stream of remote VAD scores into a debounced
// "user is talking over the agent" signal.
package bargein

import (
	"sync"
	"time"
)

const (
	DefaultThreshold   = 0.5
	DefaultQuietPeriod = 700 * time.Millisecond
)

type Options struct {
	Threshold   float64
	QuietPeriod time.Duration
	// Now is the clock used for the quiet period. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 || o.Threshold > 1 {
		o.Threshold = DefaultThreshold
	}
	if o.QuietPeriod <= 0 {
		o.QuietPeriod = DefaultQuietPeriod
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Result describes one evaluation. Started and Stopped mark edges.
type Result struct {
	Speaking bool
	Started  bool
	Stopped  bool
}

type Detector struct {
	mu        sync.Mutex
	opts      Options
	speaking  bool
	lastAbove time.Time
}

func New(opts Options) *Detector {
	return &Detector{opts: opts.withDefaults()}
}

func (d *Detector) Threshold() float64 { return d.opts.Threshold }

// Observe evaluates one score. Outside the agent's turn the detector is
// reset and never reports speech.
func (d *Detector) Observe(score float64, agentTurn bool) Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !agentTurn {
		was := d.speaking
		d.resetLocked()
		return Result{Stopped: was}
	}
	now := d.opts.Now()
	if score > d.opts.Threshold {
		d.lastAbove = now
		if !d.speaking {
			d.speaking = true
			return Result{Speaking: true, Started: true}
		}
		return Result{Speaking: true}
	}
	if d.speaking && now.Sub(d.lastAbove) >= d.opts.QuietPeriod {
		d.speaking = false
		return Result{Stopped: true}
	}
	return Result{Speaking: d.speaking}
}

func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// LastAbove returns when a score last exceeded the threshold.
func (d *Detector) LastAbove() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAbove
}

func (d *Detector) Reset() {
	d.mu.Lock()
	d.resetLocked()
	d.mu.Unlock()
}

func (d *Detector) resetLocked() {
	d.speaking = false
	d.lastAbove = time.Time{}
}
