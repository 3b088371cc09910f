// Package latency measures the round-trip time to a speedtest server with a
// short series of small requests.
package latency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/httpspeed/internal/filter"
	"github.com/m-lab/httpspeed/internal/transfer"
	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
)

// ErrUnavailable is returned when too few pings succeeded to compute a
// latency.
var ErrUnavailable = errors.New("latency unavailable")

// Pinger sends a single ping and returns its round-trip time.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// TrimmedMean sorts the RTTs in ms, drops the smallest and the largest and
// returns the mean of the rest. Fewer than spec.MinLatencyProbes values
// result in ErrUnavailable.
func TrimmedMean(ms []float64) (float64, error) {
	if len(ms) < spec.MinLatencyProbes {
		return 0, ErrUnavailable
	}
	sorted := make([]float64, len(ms))
	copy(sorted, ms)
	sort.Float64s(sorted)
	return filter.Mean(sorted[1 : len(sorted)-1]), nil
}

// Prober runs a latency measurement.
type Prober struct {
	Pinger Pinger

	// Probes is the number of pings to send.
	Probes int
	// Delay is the pause between two pings.
	Delay time.Duration
	// Timeout bounds every single ping.
	Timeout time.Duration
}

// NewProber returns a Prober with the default settings.
func NewProber(p Pinger) *Prober {
	return &Prober{
		Pinger:  p,
		Probes:  spec.LatencyProbes,
		Delay:   spec.LatencyProbeDelay,
		Timeout: spec.DefaultPingTimeout,
	}
}

// Measure sends Probes pings and returns the trimmed mean RTT in
// milliseconds. Failed pings are skipped. If fewer than
// spec.MinLatencyProbes pings succeed, ErrUnavailable is returned. If ctx is
// done before the series completes, ctx's error is returned.
func (p *Prober) Measure(ctx context.Context) (float64, error) {
	rtts := make([]float64, 0, p.Probes)
	for i := 0; i < p.Probes; i++ {
		if i > 0 && p.Delay > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(p.Delay):
			}
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		rtt, err := p.ping(ctx)
		if err != nil {
			log.Debug("ping failed", "seq", i, "error", err)
			continue
		}
		rtts = append(rtts, float64(rtt)/float64(time.Millisecond))
	}
	return TrimmedMean(rtts)
}

func (p *Prober) ping(ctx context.Context) (time.Duration, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	return p.Pinger.Ping(ctx)
}

// HTTPPinger measures the time needed to complete a ping request against
// the speedtest endpoint.
type HTTPPinger struct {
	client        *http.Client
	endpoint      *url.URL
	userAgent     string
	measurementID string
}

// NewHTTPPinger returns a Pinger using HTTP requests.
func NewHTTPPinger(client *http.Client, endpoint *url.URL, userAgent,
	measurementID string) *HTTPPinger {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPPinger{
		client:        client,
		endpoint:      endpoint,
		userAgent:     userAgent,
		measurementID: measurementID,
	}
}

// Ping implements Pinger.
func (p *HTTPPinger) Ping(ctx context.Context) (time.Duration, error) {
	u := transfer.ActionURL(p.endpoint, spec.ActionPing, p.measurementID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", transfer.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: HTTP %d", transfer.ErrProtocol, resp.StatusCode)
	}
	var pr model.PingResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return 0, fmt.Errorf("%w: invalid ping response: %v", transfer.ErrProtocol, err)
	}
	return time.Since(start), nil
}
