package netx

import (
	"net"
	"time"
)

func fromTCPConn(tcpConn *net.TCPConn, acceptTime time.Time) (*Conn, error) {
	// File() duplicates the underlying file descriptor. The duplicate is
	// closed by close().
	fp, err := tcpConn.File()
	if err != nil {
		return nil, err
	}
	return &Conn{
		Conn:       tcpConn,
		fp:         fp,
		acceptTime: acceptTime,
	}, nil
}

func (c *Conn) close() error {
	if c.fp != nil {
		c.fp.Close()
	}
	return c.Conn.Close()
}
