// Package spec contains constants for the httpspeed measurement protocol.
package spec

import "time"

const (
	// KiB is 1024 bytes.
	KiB = 1 << 10
	// MiB is 1024 KiB.
	MiB = 1 << 20

	// SpeedTestPath is the path of the single endpoint serving downloads,
	// uploads and pings. The operation is selected with the "action"
	// querystring parameter.
	SpeedTestPath = "/speedtest"

	// WSPingPath is the path of the WebSocket ping endpoint.
	WSPingPath = "/ws-ping"

	// HealthPath is the path of the health endpoint.
	HealthPath = "/health"

	// ServiceName is the service name for the Locate V2 API.
	ServiceName = "httpspeed/v1"

	// SecWebSocketProtocol is the value of the Sec-WebSocket-Protocol header
	// used by the WebSocket ping endpoint.
	SecWebSocketProtocol = "net.measurementlab.httpspeed.ping.v1"

	// MinServedChunkSize is the smallest download body the server will send.
	MinServedChunkSize = 256 * KiB

	// MaxServedChunkSize is the largest download body the server will send.
	// Larger requests are clamped to this value.
	MaxServedChunkSize = 8 * MiB

	// DefaultServedChunkSize is sent when the size parameter is missing or
	// not a number.
	DefaultServedChunkSize = 1 * MiB

	// ServerBufferSize is the size of the server's read/write buffer.
	ServerBufferSize = 8 * KiB

	// ServerFlushInterval is how many bytes the server writes between
	// flushes.
	ServerFlushInterval = 256 * KiB

	// MaxWSPingDuration is the maximum lifetime of a WebSocket ping session.
	MaxWSPingDuration = time.Minute

	// DefaultSessionCacheTTL is the default TTL of a server-side measurement
	// session.
	DefaultSessionCacheTTL = 2 * time.Minute
)

// Engine defaults.
const (
	// WarmupSize is the size of each warmup transfer.
	WarmupSize = 128 * KiB

	// InitialChunkSize is the size of the probe transfer used to estimate the
	// link speed before choosing the chunk size.
	InitialChunkSize = 256 * KiB

	// DefaultProbeSpeedMbps is used in place of the probe speed when the
	// probe transfer fails.
	DefaultProbeSpeedMbps = 10.0

	// DefaultRounds is the default number of measurement rounds.
	DefaultRounds = 3

	// DefaultRetries is the maximum number of attempts within a round.
	DefaultRetries = 3

	// DefaultRetryDelay is the pause between failed attempts within a round.
	DefaultRetryDelay = time.Second

	// DefaultRoundPause is the pause between consecutive rounds.
	DefaultRoundPause = time.Second

	// DefaultRoundTimeout is the wall-clock budget of a single round.
	DefaultRoundTimeout = 8 * time.Second

	// DefaultStreams is the default number of concurrent transfers per round.
	DefaultStreams = 1

	// MaxStreams is the maximum number of concurrent transfers per round.
	MaxStreams = 3

	// MinSampleInterval is the minimum time between two recorded samples.
	MinSampleInterval = 100 * time.Millisecond

	// MinSpeedInterval is the smallest interval used as a divisor when
	// converting a byte delta into a speed.
	MinSpeedInterval = 100 * time.Millisecond

	// MinFilterSamples is the minimum number of samples required before
	// outliers are filtered out of a round.
	MinFilterSamples = 8

	// LatencyProbes is the number of pings sent by the latency prober.
	LatencyProbes = 5

	// MinLatencyProbes is the minimum number of successful pings needed to
	// report a latency.
	MinLatencyProbes = 3

	// LatencyProbeDelay is the pause between two pings.
	LatencyProbeDelay = 100 * time.Millisecond

	// DefaultPingTimeout bounds a single ping.
	DefaultPingTimeout = 2 * time.Second
)

// Direction is the direction of a test.
type Direction string

const (
	DirectionDownload = Direction("download")
	DirectionUpload   = Direction("upload")
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionDownload || d == DirectionUpload
}

// Action is the value of the "action" querystring parameter.
type Action string

const (
	ActionDownload = Action("download")
	ActionUpload   = Action("upload")
	ActionPing     = Action("ping")
)

// ActionFor returns the action used to run a transfer in direction d.
func ActionFor(d Direction) Action {
	if d == DirectionUpload {
		return ActionUpload
	}
	return ActionDownload
}
