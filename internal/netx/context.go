package netx

import (
	"context"
	"net"
)

type connKey struct{}

// WithConn returns a copy of ctx carrying conn. It has the signature of
// http.Server.ConnContext so that handlers can reach the connection behind
// a request.
func WithConn(ctx context.Context, conn net.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, conn)
}

// FromContext returns the ConnInfo of the connection stored in ctx by
// WithConn. It returns false if there is none or if the connection was not
// accepted by a netx.Listener.
func FromContext(ctx context.Context) (ConnInfo, bool) {
	conn, ok := ctx.Value(connKey{}).(net.Conn)
	if !ok {
		return nil, false
	}
	switch t := conn.(type) {
	case *Conn:
		return t, true
	case interface{ NetConn() net.Conn }:
		if c, ok := t.NetConn().(*Conn); ok {
			return c, true
		}
	}
	return nil, false
}
