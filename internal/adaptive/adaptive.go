// Package adaptive picks the transfer size of the measurement rounds from the
// speed observed during the probe round.
package adaptive

import (
	"errors"
	"fmt"
	"math"

	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
)

// ErrInvalidBands is returned by Validate for unusable band tables.
var ErrInvalidBands = errors.New("invalid chunk size bands")

// Band maps every speed below UpToMbps to ChunkSize.
type Band struct {
	// UpToMbps is the exclusive upper bound of this band. The last band of a
	// table must be unbounded (math.Inf(1) or zero in configuration files).
	UpToMbps  float64 `yaml:"up_to_mbps"`
	ChunkSize int64   `yaml:"chunk_size"`
}

// DefaultBands is the default speed to chunk size table.
var DefaultBands = []Band{
	{UpToMbps: 10, ChunkSize: 512 * spec.KiB},
	{UpToMbps: 50, ChunkSize: 1 * spec.MiB},
	{UpToMbps: 100, ChunkSize: 2 * spec.MiB},
	{UpToMbps: 500, ChunkSize: 4 * spec.MiB},
	{UpToMbps: math.Inf(1), ChunkSize: 8 * spec.MiB},
}

// Controller maps observed speeds to chunk sizes.
type Controller struct {
	bands []Band
}

// New returns a Controller using bands, or DefaultBands if bands is empty.
func New(bands []Band) (*Controller, error) {
	if len(bands) == 0 {
		bands = DefaultBands
	}
	if err := Validate(bands); err != nil {
		return nil, err
	}
	b := make([]Band, len(bands))
	copy(b, bands)
	return &Controller{bands: b}, nil
}

// Validate checks that bands is non-empty, strictly increasing in speed,
// non-decreasing in chunk size and unbounded at the end.
func Validate(bands []Band) error {
	if len(bands) == 0 {
		return fmt.Errorf("%w: empty table", ErrInvalidBands)
	}
	for i, b := range bands {
		if b.ChunkSize <= 0 {
			return fmt.Errorf("%w: band %d has chunk size %d", ErrInvalidBands, i, b.ChunkSize)
		}
		if i == 0 {
			continue
		}
		prev := bands[i-1]
		if b.UpToMbps <= prev.UpToMbps {
			return fmt.Errorf("%w: band %d speed bound is not increasing", ErrInvalidBands, i)
		}
		if b.ChunkSize < prev.ChunkSize {
			return fmt.Errorf("%w: band %d chunk size is decreasing", ErrInvalidBands, i)
		}
	}
	if !math.IsInf(bands[len(bands)-1].UpToMbps, 1) {
		return fmt.Errorf("%w: last band must be unbounded", ErrInvalidBands)
	}
	return nil
}

// NextChunkSize returns the chunk size for the observed speed.
func (c *Controller) NextChunkSize(observedMbps float64) int64 {
	if math.IsNaN(observedMbps) || observedMbps < 0 {
		observedMbps = 0
	}
	for _, b := range c.bands {
		if observedMbps < b.UpToMbps {
			return b.ChunkSize
		}
	}
	return c.bands[len(c.bands)-1].ChunkSize
}

var defaultController = &Controller{bands: DefaultBands}

// NextChunkSize returns the chunk size for the observed speed using
// DefaultBands.
func NextChunkSize(observedMbps float64) int64 {
	return defaultController.NextChunkSize(observedMbps)
}
