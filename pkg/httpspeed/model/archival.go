package model

import (
	"time"

	"github.com/m-lab/tcp-info/inetdiag"
	"github.com/m-lab/tcp-info/tcp"
)

// NameValue is a BigQuery-compatible type for name/value pairs.
type NameValue struct {
	Name  string
	Value string
}

// ArchivalData is the archival record of every transfer served for a single
// measurement ID. It is written to disk when the server-side session
// expires.
type ArchivalData struct {
	// GitShortCommit is the Git commit (short form) of the running server code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running server code.
	Version string
	// MeasurementID is the "mid" shared by every request of the same test.
	MeasurementID string
	// Client is the client's IP address as seen by the first request.
	Client string
	// StartTime is the time of the first request.
	StartTime time.Time
	// EndTime is set when the session expires.
	EndTime time.Time
	// Transfers is the list of served requests, in arrival order.
	Transfers []TransferRecord
	// ClientMetadata holds every non-standard querystring parameter sent by
	// the client with its first request.
	ClientMetadata []NameValue
}

// TransferRecord is the server-side record of one request.
type TransferRecord struct {
	// UUID is the unique identifier of the TCP connection.
	UUID string
	// AcceptTime is the time the TCP connection was accepted. Connections are
	// reused across requests, so it can precede StartTime by a lot.
	AcceptTime time.Time
	// Action is download, upload or ping.
	Action string
	// Server is the server's TCP endpoint (ip:port).
	Server string
	// Client is the client's TCP endpoint (ip:port).
	Client string
	// CCAlgorithm is the congestion control algorithm of the connection.
	CCAlgorithm string
	// RequestedBytes is the size requested by a download.
	RequestedBytes int64
	// Bytes is the number of payload bytes sent or received.
	Bytes int64
	// StartTime is the time the request was received.
	StartTime time.Time
	// EndTime is the time the response was completed.
	EndTime time.Time
	// Status is the HTTP status code of the response.
	Status int
	// Snapshots holds kernel metrics sampled while serving the request.
	Snapshots []Snapshot
}

// Snapshot is a sample of the kernel's view of a TCP connection.
type Snapshot struct {
	// ElapsedTime is the time elapsed since the request started, in
	// microseconds.
	ElapsedTime int64
	// BytesRead and BytesWritten are the application-level byte counters of
	// the connection, including HTTP framing.
	BytesRead    uint64
	BytesWritten uint64
	// BBRInfo is only set if the connection uses BBR.
	BBRInfo *inetdiag.BBRInfo `json:",omitempty"`
	TCPInfo *tcp.LinuxTCPInfo `json:",omitempty"`
}
