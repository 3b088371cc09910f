package netx

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	guuid "github.com/google/uuid"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/httpspeed/internal/congestion"
	"github.com/m-lab/ndt-server/tcpinfox"
	"github.com/m-lab/tcp-info/inetdiag"
	"github.com/m-lab/tcp-info/tcp"
	"github.com/m-lab/uuid"
)

// ConnInfo provides operations on a net.Conn's underlying file descriptor.
type ConnInfo interface {
	ByteCounters() (uint64, uint64)
	Info() (*inetdiag.BBRInfo, *tcp.LinuxTCPInfo, error)
	AcceptTime() time.Time
	UUID() (string, error)
	CC() (string, error)
	SetCC(string) error
}

// Conn is an extended net.Conn that stores its accept time, a copy of the
// underlying socket's file descriptor, and counters for read/written bytes.
type Conn struct {
	net.Conn

	fp           *os.File
	acceptTime   time.Time
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// FromTCPConn returns a Conn wrapping tcpConn.
func FromTCPConn(tcpConn *net.TCPConn) (*Conn, error) {
	return fromTCPConn(tcpConn, time.Now())
}

// Read reads from the underlying net.Conn and updates the read bytes counter.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.bytesRead.Add(uint64(n))
	return n, err
}

// Write writes to the underlying net.Conn and updates the written bytes counter.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesWritten.Add(uint64(n))
	return n, err
}

// ByteCounters returns the read and written byte counters, in this order.
func (c *Conn) ByteCounters() (uint64, uint64) {
	return c.bytesRead.Load(), c.bytesWritten.Load()
}

// Close closes the underlying net.Conn and the duplicate file descriptor.
func (c *Conn) Close() error {
	return c.close()
}

// SetCC sets the congestion control algorithm on the underlying file
// descriptor.
func (c *Conn) SetCC(cc string) error {
	if c.fp == nil {
		return congestion.ErrNoSupport
	}
	return congestion.Set(c.fp, cc)
}

// CC gets the current congestion control algorithm from the underlying file
// descriptor.
func (c *Conn) CC() (string, error) {
	if c.fp == nil {
		return "", congestion.ErrNoSupport
	}
	return congestion.Get(c.fp)
}

// Info returns the BBRInfo and TCPInfo structs associated with the underlying
// socket. BBRInfo is nil unless the connection uses BBR. It returns an error
// if TCPInfo cannot be read.
func (c *Conn) Info() (*inetdiag.BBRInfo, *tcp.LinuxTCPInfo, error) {
	if c.fp == nil {
		return nil, nil, tcpinfox.ErrNoSupport
	}
	var bbrInfo *inetdiag.BBRInfo
	// This is expected to fail if this connection isn't set to use BBR.
	if bi, err := congestion.GetBBRInfo(c.fp); err == nil {
		bbrInfo = &bi
	}
	// If TCP_INFO isn't available on this platform, this may return
	// ErrNoSupport.
	tcpInfo, err := tcpinfox.GetTCPInfo(c.fp)
	if err != nil {
		return bbrInfo, nil, err
	}
	if tcpInfo == nil {
		return bbrInfo, nil, errors.New("empty TCP_INFO")
	}
	return bbrInfo, tcpInfo, nil
}

// AcceptTime returns this connection's accept time.
func (c *Conn) AcceptTime() time.Time {
	return c.acceptTime
}

// UUID returns an M-Lab UUID. On platforms not supporting SO_COOKIE, it
// returns a google/uuid as a fallback. If the fallback fails, it panics.
func (c *Conn) UUID() (string, error) {
	if c.fp != nil {
		if id, err := uuid.FromFile(c.fp); err == nil {
			return id, nil
		}
	}
	// fallback: use google/uuid if the platform does not support SO_COOKIE.
	gid, err := guuid.NewUUID()
	// NOTE: this could only fail when guuid.GetTime() fails.
	rtx.Must(err, "unable to fallback to uuid")
	return gid.String(), nil
}
