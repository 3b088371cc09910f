package adaptive

import (
	"errors"
	"math"
	"testing"

	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
)

func TestNextChunkSize(t *testing.T) {
	tests := []struct {
		mbps float64
		want int64
	}{
		{mbps: 0, want: 512 * spec.KiB},
		{mbps: 4, want: 512 * spec.KiB},
		{mbps: 9.999, want: 512 * spec.KiB},
		{mbps: 10, want: 1 * spec.MiB},
		{mbps: 49, want: 1 * spec.MiB},
		{mbps: 50, want: 2 * spec.MiB},
		{mbps: 60, want: 2 * spec.MiB},
		{mbps: 100, want: 4 * spec.MiB},
		{mbps: 499, want: 4 * spec.MiB},
		{mbps: 500, want: 8 * spec.MiB},
		{mbps: 1000, want: 8 * spec.MiB},
		{mbps: -1, want: 512 * spec.KiB},
		{mbps: math.NaN(), want: 512 * spec.KiB},
		{mbps: math.Inf(1), want: 8 * spec.MiB},
	}
	for _, tt := range tests {
		if got := NextChunkSize(tt.mbps); got != tt.want {
			t.Errorf("NextChunkSize(%v) = %d, want %d", tt.mbps, got, tt.want)
		}
	}
}

func TestNextChunkSize_Monotonic(t *testing.T) {
	prev := int64(0)
	for mbps := 0.0; mbps < 2000; mbps += 0.5 {
		got := NextChunkSize(mbps)
		if got < prev {
			t.Fatalf("NextChunkSize(%v) = %d is smaller than %d", mbps, got, prev)
		}
		prev = got
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		bands   []Band
		wantErr bool
	}{
		{name: "default", bands: DefaultBands},
		{name: "empty", wantErr: true},
		{
			name:    "bounded-last-band",
			bands:   []Band{{UpToMbps: 10, ChunkSize: 1}},
			wantErr: true,
		},
		{
			name: "decreasing-size",
			bands: []Band{
				{UpToMbps: 10, ChunkSize: 2},
				{UpToMbps: math.Inf(1), ChunkSize: 1},
			},
			wantErr: true,
		},
		{
			name: "non-increasing-speed",
			bands: []Band{
				{UpToMbps: 10, ChunkSize: 1},
				{UpToMbps: 10, ChunkSize: 2},
				{UpToMbps: math.Inf(1), ChunkSize: 3},
			},
			wantErr: true,
		},
		{
			name:    "zero-size",
			bands:   []Band{{UpToMbps: math.Inf(1), ChunkSize: 0}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.bands)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidBands) {
				t.Errorf("Validate() error = %v, want ErrInvalidBands", err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	c, err := New([]Band{
		{UpToMbps: 1, ChunkSize: 100},
		{UpToMbps: math.Inf(1), ChunkSize: 200},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if got := c.NextChunkSize(0.5); got != 100 {
		t.Errorf("NextChunkSize(0.5) = %d, want 100", got)
	}
	if got := c.NextChunkSize(5); got != 200 {
		t.Errorf("NextChunkSize(5) = %d, want 200", got)
	}
	c, err = New(nil)
	if err != nil || c.NextChunkSize(60) != 2*spec.MiB {
		t.Errorf("New(nil) did not fall back to DefaultBands")
	}
}
