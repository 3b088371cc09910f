package model

import (
	"time"

	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
)

// LatencyUnavailable is the latency value recorded when too few pings
// succeeded to compute one.
const LatencyUnavailable = -1.0

// State is a state of the test state machine.
type State string

const (
	StateIdle        = State("idle")
	StateWarmup      = State("warmup")
	StateProbing     = State("probing")
	StateMeasuring   = State("measuring")
	StateAggregating = State("aggregating")
	StateLatency     = State("latency")
	StateDone        = State("done")
	StateError       = State("error")
	StateCancelled   = State("cancelled")
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateCancelled
}

// Session is a snapshot of a test session.
type Session struct {
	// ID is the measurement ID sent to the server as "mid".
	ID        string
	Direction spec.Direction
	State     State
	// ChunkSize is the transfer size chosen after the probe round.
	ChunkSize int64
	// RoundsCompleted is the number of finalized measurement rounds.
	RoundsCompleted int
	Rounds          []RoundResult
	// AggregateSpeedMbps is set once the session reaches Aggregating.
	AggregateSpeedMbps float64
	// LatencyMs is LatencyUnavailable until measured.
	LatencyMs float64
	// ErrorCount is the number of failed transfer attempts.
	ErrorCount int
	StartTime  time.Time
	EndTime    time.Time
}

// Progress is sent to the caller while a test runs.
type Progress struct {
	// Percent is the overall completion percentage (0-100).
	Percent float64
	// Status is a human readable description of the current phase.
	Status string
	// CurrentSpeedMbps is the latest instantaneous speed, if any.
	CurrentSpeedMbps *float64 `json:",omitempty"`
	State            State
	// Round is the current measurement round, or zero outside Measuring.
	Round int `json:",omitempty"`
}

// Result is the final outcome of a test.
type Result struct {
	MeasurementID string
	Direction     spec.Direction
	// SpeedMbps is the aggregate speed. It is zero both when zero throughput
	// was measured and when no round succeeded; SuccessfulRounds tells the two
	// cases apart.
	SpeedMbps float64
	// LatencyMs is only set for upload tests with enough successful pings.
	LatencyMs *float64 `json:",omitempty"`
	// SuccessfulRounds is the number of rounds that contributed to SpeedMbps.
	SuccessfulRounds int
	Rounds           []RoundResult
	State            State
	// Elapsed is the total duration of the test.
	Elapsed time.Duration
	// Error is set when the test did not reach StateDone.
	Error string `json:",omitempty"`
}
