// Package recorder turns byte counters observed during a transfer into speed
// samples.
package recorder

import (
	"sync"
	"time"

	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
)

// Speed converts a byte delta over a time delta into Mb/s (10^6 bits per
// second). Intervals shorter than spec.MinSpeedInterval are rounded up to
// it so that near-zero intervals cannot blow up the result.
func Speed(byteDelta int64, timeDelta time.Duration) float64 {
	if byteDelta <= 0 {
		return 0
	}
	seconds := timeDelta.Seconds()
	if min := spec.MinSpeedInterval.Seconds(); seconds < min {
		seconds = min
	}
	return float64(byteDelta) * 8 / 1e6 / seconds
}

// Recorder keeps the samples of a single transfer and the counters needed to
// compute a fallback speed. It is safe for concurrent use.
type Recorder struct {
	// OnSample, if set, is called with every recorded sample. It is called
	// without holding the Recorder's lock.
	OnSample func(model.Sample)

	minInterval time.Duration

	mu        sync.Mutex
	start     time.Time
	lastTime  time.Time
	lastBytes int64
	total     int64
	samples   []model.Sample
	stopped   bool
}

// New returns a Recorder whose baseline is start.
func New(start time.Time) *Recorder {
	return NewWithInterval(start, spec.MinSampleInterval)
}

// NewWithInterval returns a Recorder with a custom sampling granularity.
func NewWithInterval(start time.Time, minInterval time.Duration) *Recorder {
	return &Recorder{
		minInterval: minInterval,
		start:       start,
		lastTime:    start,
	}
}

// Observe records the cumulative byte count of a transfer at time now. It
// returns a sample and true if one was recorded. No sample is recorded when
// the byte or time delta is not positive, or when less than the sampling
// granularity elapsed since the last sample; in the latter case the bytes are
// carried into the next sample.
func (r *Recorder) Observe(now time.Time, totalBytes int64) (model.Sample, bool) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return model.Sample{}, false
	}
	if totalBytes > r.total {
		r.total = totalBytes
	}
	s, ok := r.sampleLocked(now, totalBytes-r.lastBytes)
	if ok {
		r.lastBytes = totalBytes
	}
	cb := r.OnSample
	r.mu.Unlock()
	if ok && cb != nil {
		cb(s)
	}
	return s, ok
}

func (r *Recorder) sampleLocked(now time.Time, byteDelta int64) (model.Sample, bool) {
	timeDelta := now.Sub(r.lastTime)
	if byteDelta <= 0 || timeDelta <= 0 || timeDelta < r.minInterval {
		return model.Sample{}, false
	}
	s := model.Sample{
		Timestamp: now,
		ByteDelta: byteDelta,
		TimeDelta: timeDelta,
		SpeedMbps: Speed(byteDelta, timeDelta),
	}
	r.samples = append(r.samples, s)
	r.lastTime = now
	return s, true
}

// Record appends a whole-transfer sample computed from byteDelta over
// timeDelta. It is used when the transport provided no progress ticks.
func (r *Recorder) Record(now time.Time, byteDelta int64, timeDelta time.Duration) (model.Sample, bool) {
	r.mu.Lock()
	if r.stopped || byteDelta <= 0 || timeDelta <= 0 {
		r.mu.Unlock()
		return model.Sample{}, false
	}
	s := model.Sample{
		Timestamp: now,
		ByteDelta: byteDelta,
		TimeDelta: timeDelta,
		SpeedMbps: Speed(byteDelta, timeDelta),
	}
	r.samples = append(r.samples, s)
	cb := r.OnSample
	r.mu.Unlock()
	if cb != nil {
		cb(s)
	}
	return s, true
}

// Stop prevents any further sample from being recorded.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

// Samples returns a copy of the recorded samples.
func (r *Recorder) Samples() []model.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Sample, len(r.samples))
	copy(out, r.samples)
	return out
}

// Speeds returns the speeds of the recorded samples, in arrival order.
func (r *Recorder) Speeds() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, 0, len(r.samples))
	for _, s := range r.samples {
		out = append(out, s.SpeedMbps)
	}
	return out
}

// Len returns the number of recorded samples.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Bytes returns the total number of bytes observed so far.
func (r *Recorder) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Start returns the Recorder's baseline time.
func (r *Recorder) Start() time.Time {
	return r.start
}
