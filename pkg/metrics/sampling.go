package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver passes one in every 1/rate of the named events and all
// other events untouched. Without names every event is sampled. A rate of
// zero drops the sampled events entirely.
type SamplingObserver struct {
	inner Observer
	every uint64
	seen  atomic.Uint64
	names map[string]bool
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	s := &SamplingObserver{inner: inner}
	switch {
	case rate <= 0:
		s.every = 0
	case rate >= 1:
		s.every = 1
	default:
		s.every = uint64(math.Max(1, math.Round(1/rate)))
	}
	if len(names) > 0 {
		s.names = make(map[string]bool, len(names))
		for _, n := range names {
			s.names[n] = true
		}
	}
	return s
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.names != nil && !s.names[ev.Name] {
		s.inner.RecordEvent(ev)
		return
	}
	if s.every == 0 {
		return
	}
	if s.seen.Add(1)%s.every == 0 {
		s.inner.RecordEvent(ev)
	}
}
