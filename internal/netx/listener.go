package netx

import (
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var acceptedConns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "httpspeed_accepted_connections_total",
		Help: "Connections accepted by the speedtest listeners, by result.",
	},
	[]string{"result"},
)

// Listener is a TCPListener. Connections accepted by this listener provide
// extra methods to interact with the connection's underlying file descriptor.
type Listener struct {
	*net.TCPListener
}

// NewListener returns a netx.Listener.
func NewListener(l *net.TCPListener) *Listener {
	return &Listener{
		TCPListener: l,
	}
}

// Accept accepts a connection and returns a *Conn which includes the
// connection's "accept time" and provides operations on the underlying file
// descriptor.
func (ln *Listener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	// TCP_INFO has no time fields: the accept time is the reference start
	// time for the snapshots taken on this connection.
	conn, err := fromTCPConn(tc, time.Now())
	if err != nil {
		acceptedConns.WithLabelValues("error").Inc()
		tc.Close()
		return nil, err
	}
	acceptedConns.WithLabelValues("ok").Inc()
	return conn, nil
}
