package recorder

import (
	"math"
	"testing"
	"time"

	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
)

func TestSpeed(t *testing.T) {
	tests := []struct {
		name      string
		byteDelta int64
		timeDelta time.Duration
		want      float64
	}{
		{
			name:      "one-megabyte-per-second",
			byteDelta: 1000000,
			timeDelta: time.Second,
			want:      8,
		},
		{
			name:      "half-second",
			byteDelta: 500000,
			timeDelta: 500 * time.Millisecond,
			want:      8,
		},
		{
			name:      "short-interval-is-clamped",
			byteDelta: 100000,
			timeDelta: time.Millisecond,
			want:      8,
		},
		{
			name:      "zero-interval-is-clamped",
			byteDelta: 100000,
			timeDelta: 0,
			want:      8,
		},
		{
			name:      "no-bytes",
			byteDelta: 0,
			timeDelta: time.Second,
			want:      0,
		},
		{
			name:      "negative-bytes",
			byteDelta: -10,
			timeDelta: time.Second,
			want:      0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Speed(tt.byteDelta, tt.timeDelta)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Speed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecorder_Observe(t *testing.T) {
	start := time.Now()
	r := New(start)

	// Below the sampling granularity: no sample, bytes are carried over.
	if _, ok := r.Observe(start.Add(50*time.Millisecond), 1000); ok {
		t.Errorf("Observe() recorded a sample below the minimum interval")
	}
	s, ok := r.Observe(start.Add(200*time.Millisecond), 25000)
	if !ok {
		t.Fatalf("Observe() did not record a sample")
	}
	if s.ByteDelta != 25000 || s.TimeDelta != 200*time.Millisecond {
		t.Errorf("unexpected sample: %+v", s)
	}
	if math.Abs(s.SpeedMbps-1) > 1e-9 {
		t.Errorf("unexpected speed %v, want 1", s.SpeedMbps)
	}

	// No new bytes: no sample.
	if _, ok := r.Observe(start.Add(400*time.Millisecond), 25000); ok {
		t.Errorf("Observe() recorded a sample with a zero byte delta")
	}
	// Time going backwards: no sample.
	if _, ok := r.Observe(start.Add(100*time.Millisecond), 50000); ok {
		t.Errorf("Observe() recorded a sample with a negative time delta")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if r.Bytes() != 50000 {
		t.Errorf("Bytes() = %d, want 50000", r.Bytes())
	}
}

func TestRecorder_NeverRecordsNonPositiveIntervals(t *testing.T) {
	start := time.Now()
	r := NewWithInterval(start, 0)
	deltas := []time.Duration{0, -time.Millisecond, -time.Second}
	for i, d := range deltas {
		if _, ok := r.Observe(start.Add(d), int64(i+1)*1000); ok {
			t.Errorf("Observe() recorded a sample with time delta %v", d)
		}
	}
	for _, s := range r.Samples() {
		if s.TimeDelta <= 0 {
			t.Errorf("recorded sample with non-positive time delta: %+v", s)
		}
	}
}

func TestRecorder_Record(t *testing.T) {
	start := time.Now()
	r := New(start)
	var got []model.Sample
	r.OnSample = func(s model.Sample) {
		got = append(got, s)
	}
	if _, ok := r.Record(start.Add(time.Second), 1000000, 0); ok {
		t.Errorf("Record() accepted a zero duration")
	}
	s, ok := r.Record(start.Add(time.Second), 1000000, time.Second)
	if !ok || s.SpeedMbps != 8 {
		t.Errorf("Record() = %+v, %v", s, ok)
	}
	if len(got) != 1 {
		t.Errorf("OnSample called %d times, want 1", len(got))
	}
}

func TestRecorder_Stop(t *testing.T) {
	start := time.Now()
	r := New(start)
	r.Stop()
	if _, ok := r.Observe(start.Add(time.Second), 1000); ok {
		t.Errorf("Observe() recorded a sample after Stop()")
	}
	if _, ok := r.Record(start.Add(time.Second), 1000, time.Second); ok {
		t.Errorf("Record() recorded a sample after Stop()")
	}
	if speeds := r.Speeds(); len(speeds) != 0 {
		t.Errorf("Speeds() = %v, want empty", speeds)
	}
}
