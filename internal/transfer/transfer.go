// Package transfer runs single timed HTTP transfers against a speedtest
// endpoint and feeds their progress to a recorder.Recorder.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/httpspeed/internal/recorder"
	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
)

var (
	// ErrTransport tags connection-level failures (DNS, refused, reset).
	ErrTransport = errors.New("transport error")
	// ErrProtocol tags unexpected responses: non-2xx status, malformed JSON
	// or an upload the server did not accept.
	ErrProtocol = errors.New("protocol error")
	// ErrAborted tags transfers interrupted by context cancellation.
	ErrAborted = errors.New("transfer aborted")
)

// readBufferSize is the size of the buffer used to drain download bodies.
// Every read is a progress tick.
const readBufferSize = 32 * spec.KiB

// payloadBlockSize is the size of the random block repeated to build upload
// bodies.
const payloadBlockSize = 64 * spec.KiB

// Runner performs transfers against a single endpoint.
type Runner struct {
	client        *http.Client
	endpoint      *url.URL
	userAgent     string
	measurementID string

	blockOnce sync.Once
	block     []byte
}

// New returns a Runner for the endpoint. The measurement ID, if not empty,
// is sent as the "mid" querystring parameter of every request.
func New(client *http.Client, endpoint *url.URL, userAgent, measurementID string) *Runner {
	if client == nil {
		client = http.DefaultClient
	}
	return &Runner{
		client:        client,
		endpoint:      endpoint,
		userAgent:     userAgent,
		measurementID: measurementID,
	}
}

// ActionURL returns a copy of endpoint with the action, measurement ID and a
// cache-busting nonce added to the querystring.
func ActionURL(endpoint *url.URL, action spec.Action, mid string) *url.URL {
	u := *endpoint
	q := u.Query()
	q.Set("action", string(action))
	if mid != "" {
		q.Set("mid", mid)
	}
	q.Set("_", strconv.FormatInt(time.Now().UnixNano(), 10))
	u.RawQuery = q.Encode()
	return &u
}

// Run performs a single transfer of size bytes in the requested direction.
// Progress ticks are reported to rec. Run never returns an error: failures
// are reported through TransferResult.Success and TransferResult.Err.
func (r *Runner) Run(ctx context.Context, dir spec.Direction, size int64,
	rec *recorder.Recorder) model.TransferResult {
	result := model.TransferResult{
		Direction:      dir,
		RequestedBytes: size,
	}
	start := rec.Start()
	var (
		total int64
		err   error
	)
	switch dir {
	case spec.DirectionDownload:
		total, err = r.download(ctx, size, rec)
	case spec.DirectionUpload:
		total, err = r.upload(ctx, size, rec)
	default:
		err = fmt.Errorf("%w: invalid direction %q", ErrProtocol, dir)
	}
	end := time.Now()
	result.TotalBytes = total
	result.Duration = end.Sub(start)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrAborted, err)
		}
		result.Err = err
		result.SampleCount = rec.Len()
		log.Debug("transfer failed", "direction", dir, "size", size,
			"bytes", total, "error", err)
		return result
	}
	// Some transports provide no progress ticks for small transfers. Record
	// a single whole-transfer sample in that case.
	if rec.Len() == 0 {
		rec.Record(end, total, result.Duration)
	}
	result.SpeedMbps = recorder.Speed(total, result.Duration)
	result.SampleCount = rec.Len()
	result.Success = true
	return result
}

func (r *Runner) newRequest(ctx context.Context, method string, u *url.URL,
	body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	return req, nil
}

func (r *Runner) download(ctx context.Context, size int64,
	rec *recorder.Recorder) (int64, error) {
	u := ActionURL(r.endpoint, spec.ActionDownload, r.measurementID)
	q := u.Query()
	q.Set("size", strconv.FormatInt(size, 10))
	u.RawQuery = q.Encode()
	req, err := r.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: HTTP %d", ErrProtocol, resp.StatusCode)
	}

	// The server may clamp the requested size, so the speed is always
	// computed on the bytes actually read.
	var total int64
	buf := make([]byte, readBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			rec.Observe(time.Now(), total)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
}

func (r *Runner) upload(ctx context.Context, size int64,
	rec *recorder.Recorder) (int64, error) {
	body := &payload{
		block:     r.payloadBlock(),
		remaining: size,
		onRead: func(sent int64) {
			rec.Observe(time.Now(), sent)
		},
	}
	u := ActionURL(r.endpoint, spec.ActionUpload, r.measurementID)
	req, err := r.newRequest(ctx, http.MethodPost, u, body)
	if err != nil {
		return 0, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return body.sent.Load(), fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	// The client may return the response before the body has been fully
	// written, so sent is only an upper bound of what the server received.
	sent := body.sent.Load()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return sent, fmt.Errorf("%w: HTTP %d", ErrProtocol, resp.StatusCode)
	}
	var ur model.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return sent, fmt.Errorf("%w: invalid upload response: %v", ErrProtocol, err)
	}
	if !ur.Success {
		return sent, fmt.Errorf("%w: upload rejected: %s", ErrProtocol, ur.Error)
	}
	if ur.Size > 0 {
		return min(sent, ur.Size), nil
	}
	return sent, nil
}

// payloadBlock returns the random block used to fill upload bodies. Only
// volume matters, so one block is generated per Runner and repeated.
func (r *Runner) payloadBlock() []byte {
	r.blockOnce.Do(func() {
		rnd := rand.New(rand.NewSource(time.Now().UnixMilli()))
		r.block = make([]byte, payloadBlockSize)
		rnd.Read(r.block)
	})
	return r.block
}

// payload is an io.Reader producing remaining bytes by repeating block. It
// reports the cumulative number of bytes read after every Read.
type payload struct {
	block     []byte
	remaining int64
	read      int64
	onRead    func(sent int64)

	// sent mirrors read for goroutines other than the transport's writer.
	sent atomic.Int64
}

func (p *payload) Read(b []byte) (int, error) {
	if p.remaining <= 0 {
		return 0, io.EOF
	}
	n := len(b)
	if int64(n) > p.remaining {
		n = int(p.remaining)
	}
	off := int(p.read % int64(len(p.block)))
	copied := 0
	for copied < n {
		c := copy(b[copied:n], p.block[off:])
		copied += c
		off = 0
	}
	p.remaining -= int64(n)
	p.read += int64(n)
	p.sent.Store(p.read)
	if p.onRead != nil {
		p.onRead(p.read)
	}
	return n, nil
}
