//go:build !linux

package netx

import (
	"net"
	"time"
)

// Without TCP_INFO support there is no use for a duplicate file descriptor.
func fromTCPConn(tcpConn *net.TCPConn, acceptTime time.Time) (*Conn, error) {
	return &Conn{
		Conn:       tcpConn,
		acceptTime: acceptTime,
	}, nil
}

func (c *Conn) close() error {
	return c.Conn.Close()
}
