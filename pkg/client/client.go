// Package client implements the adaptive HTTP speed test engine.
//
// A Client runs one test at a time. A test warms up the connection, probes
// the link speed with a small transfer, picks a chunk size and then runs a
// fixed number of timed measurement rounds whose filtered speeds are
// averaged. Upload tests also measure latency.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/m-lab/httpspeed/internal/adaptive"
	"github.com/m-lab/httpspeed/internal/filter"
	"github.com/m-lab/httpspeed/internal/latency"
	"github.com/m-lab/httpspeed/internal/recorder"
	"github.com/m-lab/httpspeed/internal/transfer"
	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
	"github.com/m-lab/httpspeed/pkg/version"
	"github.com/m-lab/locate/api/locate"
	v2 "github.com/m-lab/locate/api/v2"
)

const (
	// DefaultWebSocketHandshakeTimeout is the default timeout used by the
	// client for the WebSocket ping handshake.
	DefaultWebSocketHandshakeTimeout = 5 * time.Second

	// DefaultScheme is the default HTTP scheme for a new Client.
	DefaultScheme = "https"

	libraryName = "httpspeed-client"
)

var (
	// ErrNoTargets is returned if all Locate targets have been tried.
	ErrNoTargets = errors.New("no targets available")
	// ErrInvalidDirection is returned for directions other than download and
	// upload.
	ErrInvalidDirection = errors.New("invalid direction")
	// ErrTestInProgress is returned when a test is started while another one
	// is active.
	ErrTestInProgress = errors.New("a test is already in progress")
	// ErrCancelled is reported when a test is cancelled.
	ErrCancelled = errors.New("test cancelled")

	libraryVersion = version.Version
)

// Locator is an interface used to get a list of available servers to test
// against.
type Locator interface {
	Nearest(ctx context.Context, service string) ([]v2.Target, error)
}

// Transferer runs a single transfer. It never returns an error: failures are
// reported in the TransferResult.
type Transferer interface {
	Run(ctx context.Context, dir spec.Direction, size int64,
		rec *recorder.Recorder) model.TransferResult
}

// LatencyProber measures the latency to the server in milliseconds.
type LatencyProber interface {
	Measure(ctx context.Context) (float64, error)
}

// Client runs speed tests. It owns at most one active test session.
type Client struct {
	// ClientName is the name of the client sent to the server as part of the
	// user-agent.
	ClientName string
	// ClientVersion is the version of the client sent to the server as part
	// of the user-agent.
	ClientVersion string

	config     Config
	controller *adaptive.Controller

	httpClient *http.Client
	dialer     *websocket.Dialer
	locator    Locator

	// targets and tIndex cache the results from the Locate API.
	targets []v2.Target
	tIndex  map[string]int

	// newTransferer and newProber build the collaborators of a test. They
	// are replaced in tests.
	newTransferer func(endpoint *url.URL, mid string) Transferer
	newProber     func(ctx context.Context, endpoint *url.URL,
		mid string) (LatencyProber, func(), error)

	// emitMu serializes calls to the Emitter.
	emitMu sync.Mutex

	// mu protects the fields below.
	mu      sync.Mutex
	session *model.Session
	cancel  context.CancelFunc
	done    chan struct{}
	result  model.Result
}

// makeUserAgent creates the user agent string.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

// New returns a new Client with the provided client name, version and
// config. It panics if clientName or clientVersion are empty. Configuration
// errors are returned.
func New(clientName, clientVersion string, config Config) (*Client, error) {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	controller, err := adaptive.New(config.Bands)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	ua := makeUserAgent(clientName, clientVersion)
	tlsConfig := &tls.Config{InsecureSkipVerify: config.NoVerify}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	// One idle connection per stream, so that rounds reuse the connections
	// primed by the warmup.
	transport.MaxIdleConnsPerHost = spec.MaxStreams * 2

	c := &Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,

		config:     config,
		controller: controller,

		httpClient: &http.Client{Transport: transport},
		dialer: &websocket.Dialer{
			HandshakeTimeout: DefaultWebSocketHandshakeTimeout,
			NetDialContext:   (&net.Dialer{}).DialContext,
			TLSClientConfig:  tlsConfig,
		},
		locator: locate.NewClient(ua),
		tIndex:  map[string]int{},
	}
	c.newTransferer = func(endpoint *url.URL, mid string) Transferer {
		return transfer.New(c.httpClient, endpoint, ua, mid)
	}
	c.newProber = c.defaultProber
	return c, nil
}

// defaultProber returns the configured latency prober. The returned function
// releases its resources.
func (c *Client) defaultProber(ctx context.Context, endpoint *url.URL,
	mid string) (LatencyProber, func(), error) {
	ua := makeUserAgent(c.ClientName, c.ClientVersion)
	if c.config.PingTransport != PingWS {
		p := latency.NewHTTPPinger(c.httpClient, endpoint, ua, mid)
		return latency.NewProber(p), func() {}, nil
	}
	wsURL := *endpoint
	wsURL.Scheme = "ws"
	if endpoint.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.Path = spec.WSPingPath
	q := url.Values{}
	if mid != "" {
		q.Set("mid", mid)
	}
	wsURL.RawQuery = q.Encode()
	p, err := latency.DialWS(ctx, c.dialer, &wsURL, ua)
	if err != nil {
		return nil, nil, err
	}
	return latency.NewProber(p), func() { p.Close() }, nil
}

// nextURLFromLocate returns the next URL to try from the Locate API.
// If it's the first time we're calling this function, it contacts the Locate
// API. Subsequently, it returns the next URL from the cache.
// If there are no more URLs to try, it returns an error.
func (c *Client) nextURLFromLocate(ctx context.Context, p string) (string, error) {
	if len(c.targets) == 0 {
		targets, err := c.locator.Nearest(ctx, spec.ServiceName)
		if err != nil {
			return "", err
		}
		// cache targets on success.
		c.targets = targets
	}
	// The index to access the next URL (tIndex[k]) is per-path rather than
	// global.
	k := c.config.Scheme + "://" + p
	for c.tIndex[k] < len(c.targets) {
		r := c.targets[c.tIndex[k]].URLs[k]
		c.tIndex[k]++
		if r != "" {
			return r, nil
		}
	}
	return "", ErrNoTargets
}

// endpoint returns the speedtest endpoint URL for the next test.
func (c *Client) endpoint(ctx context.Context) (*url.URL, error) {
	if c.config.Server != "" {
		c.debugf("using server provided via flags %s", c.config.Server)
		if strings.Contains(c.config.Server, "://") {
			u, err := url.Parse(c.config.Server)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid server URL: %v", ErrInvalidConfig, err)
			}
			if u.Path == "" {
				u.Path = spec.SpeedTestPath
			}
			return u, nil
		}
		return &url.URL{
			Scheme: c.config.Scheme,
			Host:   c.config.Server,
			Path:   spec.SpeedTestPath,
		}, nil
	}
	c.debugf("using locate")
	urlStr, err := c.nextURLFromLocate(ctx, spec.SpeedTestPath)
	if err != nil {
		return nil, err
	}
	return url.Parse(urlStr)
}

// Start starts a test in direction dir and returns immediately. Progress and
// the final result are reported through the configured Emitter; Wait returns
// the result. Only configuration errors are returned.
func (c *Client) Start(ctx context.Context, dir spec.Direction) error {
	if !dir.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDirection, dir)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && !c.session.State.Terminal() {
		return ErrTestInProgress
	}
	mid := c.config.MeasurementID
	if mid == "" {
		mid = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.session = &model.Session{
		ID:        mid,
		Direction: dir,
		State:     model.StateIdle,
		LatencyMs: model.LatencyUnavailable,
		StartTime: time.Now(),
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	c.result = model.Result{}
	go c.run(ctx, cancel, c.session.ID, dir, c.done)
	return nil
}

// Run runs a test in direction dir and waits for its result.
func (c *Client) Run(ctx context.Context, dir spec.Direction) (model.Result, error) {
	if err := c.Start(ctx, dir); err != nil {
		return model.Result{}, err
	}
	return c.Wait(), nil
}

// Download runs a download test using the settings configured for this
// client.
func (c *Client) Download(ctx context.Context) (model.Result, error) {
	return c.Run(ctx, spec.DirectionDownload)
}

// Upload runs an upload test using the settings configured for this client.
func (c *Client) Upload(ctx context.Context) (model.Result, error) {
	return c.Run(ctx, spec.DirectionUpload)
}

// Cancel aborts the active test, if any. In-flight transfers are abandoned.
func (c *Client) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Wait waits for the last started test to finish and returns its result.
func (c *Client) Wait() model.Result {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return model.Result{}
	}
	<-done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Session returns a snapshot of the current test session.
func (c *Client) Session() model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return model.Session{State: model.StateIdle, LatencyMs: model.LatencyUnavailable}
	}
	s := *c.session
	s.Rounds = append([]model.RoundResult(nil), c.session.Rounds...)
	return s
}

// update applies f to the live session.
func (c *Client) update(f func(s *model.Session)) {
	c.mu.Lock()
	f(c.session)
	c.mu.Unlock()
}

func (c *Client) setState(state model.State) {
	c.update(func(s *model.Session) { s.State = state })
}

func (c *Client) emit(f func(e Emitter)) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	f(c.config.Emitter)
}

func (c *Client) debugf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Debug(msg)
	c.emit(func(e Emitter) { e.OnDebug(msg) })
}

func (c *Client) progress(state model.State, percent float64, round int, status string) {
	c.emit(func(e Emitter) {
		e.OnProgress(model.Progress{
			Percent: percent,
			Status:  status,
			State:   state,
			Round:   round,
		})
	})
}

// measuringPercent returns the overall progress at the end of round r.
func (c *Client) measuringPercent(r int) float64 {
	return 10 + 80*float64(r)/float64(c.config.Rounds)
}

// run drives the test state machine. It always closes done.
func (c *Client) run(ctx context.Context, cancel context.CancelFunc, mid string,
	dir spec.Direction, done chan struct{}) {
	defer close(done)
	defer cancel()

	endpoint, err := c.endpoint(ctx)
	if err != nil {
		c.finish(model.StateError, err)
		return
	}
	c.emit(func(e Emitter) { e.OnStart(endpoint.Host, dir) })
	log.Info("Starting test", "direction", dir, "endpoint", endpoint, "mid", mid)
	t := c.newTransferer(endpoint, mid)

	// Warmup.
	c.setState(model.StateWarmup)
	c.progress(model.StateWarmup, 0, 0, "Warming up...")
	c.warmup(ctx, t)
	if ctx.Err() != nil {
		c.finish(model.StateCancelled, ErrCancelled)
		return
	}

	// Probing.
	c.setState(model.StateProbing)
	c.progress(model.StateProbing, 5, 0, "Estimating link speed...")
	probeSpeed := c.probe(ctx, t, dir)
	if ctx.Err() != nil {
		c.finish(model.StateCancelled, ErrCancelled)
		return
	}
	chunk := c.controller.NextChunkSize(probeSpeed)
	c.debugf("probe speed %.2f Mb/s, chunk size %d bytes", probeSpeed, chunk)
	c.update(func(s *model.Session) {
		s.ChunkSize = chunk
		s.State = model.StateMeasuring
	})

	// Measuring.
	for r := 1; r <= c.config.Rounds; r++ {
		if r > 1 && !sleep(ctx, c.config.RoundPause) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		c.progress(model.StateMeasuring, c.measuringPercent(r-1), r,
			fmt.Sprintf("Measuring %s speed (round %d/%d)...", dir, r, c.config.Rounds))
		rr := c.runRound(ctx, t, dir, r, chunk)
		if ctx.Err() != nil {
			break
		}
		c.update(func(s *model.Session) {
			s.Rounds = append(s.Rounds, rr)
			s.RoundsCompleted = len(s.Rounds)
		})
		c.emit(func(e Emitter) { e.OnRound(rr) })
	}
	if ctx.Err() != nil {
		c.finish(model.StateCancelled, ErrCancelled)
		return
	}

	// Aggregating.
	c.setState(model.StateAggregating)
	c.progress(model.StateAggregating, 90, 0, "Computing results...")
	agg, _ := Aggregate(c.Session().Rounds)
	c.update(func(s *model.Session) { s.AggregateSpeedMbps = agg })

	// Latency, upload only.
	if dir == spec.DirectionUpload {
		c.setState(model.StateLatency)
		c.progress(model.StateLatency, 95, 0, "Measuring latency...")
		ms := c.measureLatency(ctx, endpoint, mid)
		if ctx.Err() != nil {
			c.finish(model.StateCancelled, ErrCancelled)
			return
		}
		c.update(func(s *model.Session) { s.LatencyMs = ms })
	}
	c.finish(model.StateDone, nil)
}

// finish moves the session to a terminal state and emits the result.
func (c *Client) finish(state model.State, err error) {
	c.mu.Lock()
	s := c.session
	s.State = state
	s.EndTime = time.Now()
	res := model.Result{
		MeasurementID: s.ID,
		Direction:     s.Direction,
		State:         state,
		Elapsed:       s.EndTime.Sub(s.StartTime),
	}
	if state == model.StateDone {
		res.SpeedMbps, res.SuccessfulRounds = Aggregate(s.Rounds)
		res.Rounds = append([]model.RoundResult(nil), s.Rounds...)
		if s.LatencyMs != model.LatencyUnavailable {
			ms := s.LatencyMs
			res.LatencyMs = &ms
		}
	}
	if err != nil {
		res.Error = err.Error()
	}
	c.result = res
	c.mu.Unlock()

	if err != nil {
		log.Info("Test did not complete", "mid", res.MeasurementID, "state", state, "error", err)
		c.emit(func(e Emitter) { e.OnError(err) })
	} else {
		log.Info("Test completed", "mid", res.MeasurementID, "direction", res.Direction,
			"speed", res.SpeedMbps, "rounds", res.SuccessfulRounds)
		c.progress(state, 100, 0, "Done")
	}
	c.emit(func(e Emitter) { e.OnResult(res) })
}

// warmup runs one download and one upload concurrently to prime the
// connections. Results are discarded.
func (c *Client) warmup(ctx context.Context, t Transferer) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RoundTimeout)
	defer cancel()
	wg := sync.WaitGroup{}
	for _, dir := range []spec.Direction{spec.DirectionDownload, spec.DirectionUpload} {
		wg.Add(1)
		go func(dir spec.Direction) {
			defer wg.Done()
			res := t.Run(ctx, dir, c.config.WarmupSize, recorder.New(time.Now()))
			if !res.Success {
				c.debugf("%s warmup failed: %v", dir, res.Err)
			}
		}(dir)
	}
	waitOrDone(ctx, &wg)
}

// probe runs a single small transfer and returns its speed, or
// spec.DefaultProbeSpeedMbps if it failed.
func (c *Client) probe(ctx context.Context, t Transferer, dir spec.Direction) float64 {
	ctx, cancel := context.WithTimeout(ctx, c.config.RoundTimeout)
	defer cancel()
	rec := recorder.New(time.Now())
	results := make(chan model.TransferResult, 1)
	go func() {
		results <- t.Run(ctx, dir, c.config.InitialChunkSize, rec)
	}()
	select {
	case <-ctx.Done():
		rec.Stop()
		c.debugf("probe timed out, using %.0f Mb/s", spec.DefaultProbeSpeedMbps)
		return spec.DefaultProbeSpeedMbps
	case res := <-results:
		if !res.Success {
			c.debugf("probe failed (%v), using %.0f Mb/s", res.Err, spec.DefaultProbeSpeedMbps)
			return spec.DefaultProbeSpeedMbps
		}
		return filter.Representative(rec.Speeds(), res.SpeedMbps)
	}
}

// measureLatency runs the latency prober. It returns model.LatencyUnavailable
// if the latency cannot be measured.
func (c *Client) measureLatency(ctx context.Context, endpoint *url.URL, mid string) float64 {
	p, closeFn, err := c.newProber(ctx, endpoint, mid)
	if err != nil {
		c.debugf("cannot set up latency prober: %v", err)
		return model.LatencyUnavailable
	}
	defer closeFn()
	ms, err := p.Measure(ctx)
	if err != nil {
		c.debugf("latency unavailable: %v", err)
		return model.LatencyUnavailable
	}
	return ms
}

// Aggregate returns the mean of the filtered speeds of the successful rounds
// and the number of rounds that contributed to it. Rounds that recorded a
// zero speed do not contribute; if no round succeeded the aggregate is zero.
func Aggregate(rounds []model.RoundResult) (float64, int) {
	speeds := make([]float64, 0, len(rounds))
	for _, r := range rounds {
		if r.Success && r.FilteredSpeedMbps > 0 {
			speeds = append(speeds, r.FilteredSpeedMbps)
		}
	}
	return filter.Mean(speeds), len(speeds)
}

// sleep waits for d or until ctx is done. It returns false if ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// waitOrDone waits for wg or until ctx is done, whichever happens first.
func waitOrDone(ctx context.Context, wg *sync.WaitGroup) {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
	case <-ch:
	}
}
