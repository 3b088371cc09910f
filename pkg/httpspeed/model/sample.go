package model

import (
	"time"

	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
)

// Sample is an instantaneous speed observation taken during a transfer.
type Sample struct {
	// Timestamp is the time when the sample was recorded.
	Timestamp time.Time
	// ByteDelta is the number of bytes transferred since the previous sample.
	ByteDelta int64
	// TimeDelta is the time elapsed since the previous sample. It is always
	// positive.
	TimeDelta time.Duration
	// SpeedMbps is the speed computed from ByteDelta and TimeDelta.
	SpeedMbps float64
}

// TransferResult is the outcome of a single HTTP exchange.
type TransferResult struct {
	// Direction is the direction of the transfer.
	Direction spec.Direction
	// RequestedBytes is the number of bytes requested (download) or sent
	// (upload).
	RequestedBytes int64
	// TotalBytes is the number of bytes actually transferred. For downloads
	// the server may clamp the requested size.
	TotalBytes int64
	// Duration is the wall-clock duration of the exchange.
	Duration time.Duration
	// SpeedMbps is TotalBytes over Duration.
	SpeedMbps float64
	// SampleCount is the number of samples recorded during the transfer.
	SampleCount int
	// Success is true if the exchange completed with a valid response.
	Success bool
	// Err is the reason of the failure when Success is false.
	Err error `json:"-"`
}

// RoundResult is the reduced outcome of one measurement round.
type RoundResult struct {
	// Round is the 1-based index of the round.
	Round int
	// ChunkSize is the size of each transfer in this round.
	ChunkSize int64
	// FilteredSpeedMbps is the round's representative speed.
	FilteredSpeedMbps float64
	// SampleCount is the number of samples collected in this round.
	SampleCount int
	// Attempts is the number of transfer attempts made.
	Attempts int
	// Partial is true if the round deadline expired before the transfers
	// completed.
	Partial bool `json:",omitempty"`
	// Success is false if the round recorded a zero speed because every
	// attempt failed.
	Success bool
}
