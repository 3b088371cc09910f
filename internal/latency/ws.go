package latency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
)

// ErrClosed is returned by WSPinger.Ping after the connection is closed.
var ErrClosed = errors.New("websocket ping connection closed")

// pingMessage is the application data of ping and pong control frames.
type pingMessage struct {
	Seq int64 `json:"seq"`
	NS  int64 `json:"ns"`
}

// Upgrade takes a HTTP request and upgrades the connection to WebSocket.
// The request must carry spec.SecWebSocketProtocol as subprotocol.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	if r.Header.Get("Sec-WebSocket-Protocol") != spec.SecWebSocketProtocol {
		w.WriteHeader(http.StatusBadRequest)
		return nil, errors.New("missing Sec-WebSocket-Protocol header")
	}
	h := http.Header{}
	h.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	u := websocket.Upgrader{
		// Allow cross-origin resource sharing.
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return u.Upgrade(w, r, h)
}

// Echo answers pings on conn until ctx is done or the peer closes the
// connection. The default ping handler replies with a pong carrying the same
// application data, so all Echo needs to do is keep reading.
func Echo(ctx context.Context, conn *websocket.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
	}
}

// WSPinger sends WebSocket ping control frames over a persistent connection
// and measures the time until the matching pong arrives.
type WSPinger struct {
	conn  *websocket.Conn
	start time.Time

	writeMu sync.Mutex
	seq     int64

	pongs  chan pingMessage
	closed chan struct{}
	once   sync.Once
}

// DialWS connects to the WebSocket ping endpoint at u.
func DialWS(ctx context.Context, dialer *websocket.Dialer, u *url.URL,
	userAgent string) (*WSPinger, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	if userAgent != "" {
		headers.Add("User-Agent", userAgent)
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, err
	}
	return NewWSPinger(conn), nil
}

// NewWSPinger returns a WSPinger using an established connection and starts
// reading from it.
func NewWSPinger(conn *websocket.Conn) *WSPinger {
	p := &WSPinger{
		conn:   conn,
		start:  time.Now(),
		pongs:  make(chan pingMessage, 16),
		closed: make(chan struct{}),
	}
	conn.SetPongHandler(func(appData string) error {
		var m pingMessage
		if err := json.Unmarshal([]byte(appData), &m); err != nil {
			// Not one of ours.
			return nil
		}
		select {
		case p.pongs <- m:
		default:
		}
		return nil
	})
	go p.receiver()
	return p
}

// receiver reads from the connection so that control frames are processed.
func (p *WSPinger) receiver() {
	defer p.once.Do(func() { close(p.closed) })
	for {
		if _, _, err := p.conn.NextReader(); err != nil {
			return
		}
	}
}

// Ping implements Pinger.
func (p *WSPinger) Ping(ctx context.Context) (time.Duration, error) {
	p.writeMu.Lock()
	p.seq++
	msg := pingMessage{Seq: p.seq, NS: time.Since(p.start).Nanoseconds()}
	data, err := json.Marshal(msg)
	if err == nil {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(spec.DefaultPingTimeout)
		}
		err = p.conn.WriteControl(websocket.PingMessage, data, deadline)
	}
	p.writeMu.Unlock()
	if err != nil {
		return 0, err
	}
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-p.closed:
			return 0, ErrClosed
		case m := <-p.pongs:
			if m.Seq != msg.Seq {
				// Late pong for a previous ping.
				continue
			}
			return rttSince(p.start, m.NS)
		}
	}
}

// rttSince returns the time elapsed between the ping sent at ns nanoseconds
// after start and now.
func rttSince(start time.Time, ns int64) (time.Duration, error) {
	elapsed := time.Since(start).Nanoseconds()
	if ns < 0 || ns > elapsed {
		return 0, errors.New("RTT is negative")
	}
	return time.Duration(elapsed - ns), nil
}

// Close sends a close message and closes the connection.
func (p *WSPinger) Close() error {
	p.writeMu.Lock()
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.writeMu.Unlock()
	return p.conn.Close()
}
