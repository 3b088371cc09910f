package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"
	"github.com/m-lab/httpspeed/internal/recorder"
	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
	v2 "github.com/m-lab/locate/api/v2"
)

// stubTransferer delegates to fn and counts measurement transfers.
type stubTransferer struct {
	fn func(ctx context.Context, dir spec.Direction, size int64,
		rec *recorder.Recorder) model.TransferResult

	mu    sync.Mutex
	sizes []int64
}

func (s *stubTransferer) Run(ctx context.Context, dir spec.Direction, size int64,
	rec *recorder.Recorder) model.TransferResult {
	s.mu.Lock()
	s.sizes = append(s.sizes, size)
	s.mu.Unlock()
	return s.fn(ctx, dir, size, rec)
}

// count returns the number of transfers of the given size.
func (s *stubTransferer) count(size int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.sizes {
		if v == size {
			n++
		}
	}
	return n
}

// fixedTransfer always succeeds with 1,000,000 bytes in one second.
func fixedTransfer(ctx context.Context, dir spec.Direction, size int64,
	rec *recorder.Recorder) model.TransferResult {
	return model.TransferResult{
		Direction:      dir,
		RequestedBytes: size,
		TotalBytes:     1000000,
		Duration:       time.Second,
		SpeedMbps:      recorder.Speed(1000000, time.Second),
		Success:        true,
	}
}

// blockingTransfer never resolves before ctx is done.
func blockingTransfer(ctx context.Context, dir spec.Direction, size int64,
	rec *recorder.Recorder) model.TransferResult {
	<-ctx.Done()
	return model.TransferResult{Direction: dir, RequestedBytes: size, Err: ctx.Err()}
}

type stubProber struct {
	ms  float64
	err error
}

func (p *stubProber) Measure(ctx context.Context) (float64, error) {
	return p.ms, p.err
}

// recordingEmitter keeps every event for inspection.
type recordingEmitter struct {
	mu       sync.Mutex
	starts   []string
	progress []model.Progress
	rounds   []model.RoundResult
	results  []model.Result
	errs     []error
}

func (e *recordingEmitter) OnStart(server string, dir spec.Direction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts = append(e.starts, server)
}

func (e *recordingEmitter) OnProgress(p model.Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = append(e.progress, p)
}

func (e *recordingEmitter) OnRound(r model.RoundResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rounds = append(e.rounds, r)
}

func (e *recordingEmitter) OnResult(r model.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, r)
}

func (e *recordingEmitter) OnError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *recordingEmitter) OnDebug(string)                            {}
func (e *recordingEmitter) OnSummary(map[spec.Direction]model.Result) {}

// newTestClient returns a Client with fast timings and the given stubs.
func newTestClient(t *testing.T, cfg Config, tr Transferer, p LatencyProber) (*Client, *recordingEmitter) {
	em := &recordingEmitter{}
	if cfg.Server == "" {
		cfg.Server = "localhost:8080"
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.RoundPause == 0 {
		cfg.RoundPause = time.Millisecond
	}
	cfg.Emitter = em
	c, err := New("test", "v1.0.0", cfg)
	testingx.Must(t, err, "cannot create client")
	c.newTransferer = func(*url.URL, string) Transferer { return tr }
	c.newProber = func(context.Context, *url.URL, string) (LatencyProber, func(), error) {
		if p == nil {
			return nil, nil, errors.New("no prober")
		}
		return p, func() {}, nil
	}
	return c, em
}

func TestNew(t *testing.T) {
	t.Run("new clients have the expected name and version", func(t *testing.T) {
		c, err := New("test", "v1.0.0", Config{})
		testingx.Must(t, err, "cannot create client")
		if c.ClientName != "test" || c.ClientVersion != "v1.0.0" {
			t.Errorf("client.New() returned client with wrong name/version")
		}
		if c.config.Rounds != spec.DefaultRounds || c.config.Streams != spec.DefaultStreams {
			t.Errorf("client.New() did not apply defaults: %+v", c.config)
		}
	})
	t.Run("invalid configurations are rejected", func(t *testing.T) {
		for _, cfg := range []Config{
			{Streams: spec.MaxStreams + 1},
			{Scheme: "ftp"},
			{PingTransport: "icmp"},
			{Rounds: -1},
		} {
			if _, err := New("test", "v1.0.0", cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New(%+v) error = %v, want ErrInvalidConfig", cfg, err)
			}
		}
	})
}

func Test_makeUserAgent(t *testing.T) {
	t.Run("generate requested user agent", func(t *testing.T) {
		got := makeUserAgent("clientname", "clientversion")
		expected := fmt.Sprintf("%s/%s %s/%s", "clientname", "clientversion",
			libraryName, libraryVersion)
		if got != expected {
			t.Errorf("makeUserAgent() = %s, want %s", got, expected)
		}
	})
}

func TestClient_EndToEnd(t *testing.T) {
	tr := &stubTransferer{fn: fixedTransfer}
	c, em := newTestClient(t, Config{}, tr, nil)

	res, err := c.Run(context.Background(), spec.DirectionDownload)
	testingx.Must(t, err, "cannot run test")

	if res.State != model.StateDone {
		t.Fatalf("Run() state = %s, want done (error: %s)", res.State, res.Error)
	}
	if math.Abs(res.SpeedMbps-8) > 1e-9 {
		t.Errorf("Run() speed = %f, want 8", res.SpeedMbps)
	}
	if res.SuccessfulRounds != spec.DefaultRounds || len(res.Rounds) != spec.DefaultRounds {
		t.Errorf("Run() rounds = %d/%d, want %d", res.SuccessfulRounds,
			len(res.Rounds), spec.DefaultRounds)
	}
	if res.LatencyMs != nil {
		t.Errorf("Run() latency = %f, want none for downloads", *res.LatencyMs)
	}
	// 8 Mb/s probe speed selects the smallest band.
	s := c.Session()
	if s.ChunkSize != 512*spec.KiB || s.RoundsCompleted != spec.DefaultRounds {
		t.Errorf("Session() = %+v", s)
	}
	if tr.count(spec.WarmupSize) != 2 || tr.count(spec.InitialChunkSize) != 1 ||
		tr.count(512*spec.KiB) != spec.DefaultRounds {
		t.Errorf("unexpected transfers: %v", tr.sizes)
	}
	if len(em.results) != 1 || len(em.rounds) != spec.DefaultRounds || len(em.starts) != 1 {
		t.Errorf("unexpected emitted events: %d results, %d rounds", len(em.results), len(em.rounds))
	}
	last := em.progress[len(em.progress)-1]
	if last.Percent != 100 || last.State != model.StateDone {
		t.Errorf("last progress = %+v", last)
	}
}

func TestClient_UploadLatency(t *testing.T) {
	tests := []struct {
		name   string
		prober LatencyProber
		want   *float64
	}{
		{
			name:   "measured",
			prober: &stubProber{ms: 11},
			want:   func() *float64 { v := 11.0; return &v }(),
		},
		{
			name:   "unavailable",
			prober: &stubProber{err: errors.New("too few pings")},
		},
		{
			name: "prober-setup-failure",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, Config{}, &stubTransferer{fn: fixedTransfer}, tt.prober)
			res, err := c.Upload(context.Background())
			testingx.Must(t, err, "cannot run test")
			if res.State != model.StateDone {
				t.Fatalf("Upload() state = %s", res.State)
			}
			switch {
			case tt.want == nil && res.LatencyMs != nil:
				t.Errorf("Upload() latency = %f, want none", *res.LatencyMs)
			case tt.want != nil && (res.LatencyMs == nil || *res.LatencyMs != *tt.want):
				t.Errorf("Upload() latency = %v, want %f", res.LatencyMs, *tt.want)
			}
			if tt.want == nil && c.Session().LatencyMs != model.LatencyUnavailable {
				t.Errorf("Session().LatencyMs = %f, want unavailable", c.Session().LatencyMs)
			}
		})
	}
}

func TestClient_RoundTimeout(t *testing.T) {
	timeout := 100 * time.Millisecond
	tr := &stubTransferer{fn: blockingTransfer}
	c, _ := newTestClient(t, Config{Rounds: 2, RoundTimeout: timeout}, tr, nil)

	start := time.Now()
	res, err := c.Download(context.Background())
	testingx.Must(t, err, "cannot run test")
	elapsed := time.Since(start)

	// Warmup, probe and two rounds, each bounded by the round timeout.
	if elapsed > 4*timeout+400*time.Millisecond {
		t.Errorf("Download() took %v", elapsed)
	}
	if res.State != model.StateDone || len(res.Rounds) != 2 {
		t.Fatalf("Download() = %+v", res)
	}
	for _, r := range res.Rounds {
		if !r.Partial || r.Success || r.FilteredSpeedMbps != 0 {
			t.Errorf("round %d = %+v, want partial zero-speed round", r.Round, r)
		}
	}
	if res.SpeedMbps != 0 || res.SuccessfulRounds != 0 {
		t.Errorf("Download() speed = %f (%d rounds), want 0", res.SpeedMbps, res.SuccessfulRounds)
	}
}

func TestClient_runRoundDeadline(t *testing.T) {
	timeout := 100 * time.Millisecond
	tr := &stubTransferer{fn: blockingTransfer}
	c, _ := newTestClient(t, Config{Rounds: 1, RoundTimeout: timeout}, tr, nil)

	start := time.Now()
	rr := c.runRound(context.Background(), tr, spec.DirectionDownload, 1, 512*spec.KiB)
	elapsed := time.Since(start)
	if elapsed < timeout || elapsed > timeout+200*time.Millisecond {
		t.Errorf("runRound() took %v, want about %v", elapsed, timeout)
	}
	if !rr.Partial || rr.Attempts != 1 {
		t.Errorf("runRound() = %+v, want a partial round with one attempt", rr)
	}
}

func TestClient_RoundTimeoutKeepsPartialSamples(t *testing.T) {
	timeout := 300 * time.Millisecond
	chunk := int64(512 * spec.KiB)
	tr := &stubTransferer{}
	tr.fn = func(ctx context.Context, dir spec.Direction, size int64,
		rec *recorder.Recorder) model.TransferResult {
		if size != chunk {
			return fixedTransfer(ctx, dir, size, rec)
		}
		// Report progress, then stall.
		rec.Observe(rec.Start().Add(200*time.Millisecond), 250000)
		return blockingTransfer(ctx, dir, size, rec)
	}
	c, _ := newTestClient(t, Config{Rounds: 1, RoundTimeout: timeout}, tr, nil)
	res, err := c.Download(context.Background())
	testingx.Must(t, err, "cannot run test")
	if len(res.Rounds) != 1 {
		t.Fatalf("Download() = %+v", res)
	}
	r := res.Rounds[0]
	if !r.Partial || !r.Success || r.FilteredSpeedMbps <= 0 || r.SampleCount != 1 {
		t.Errorf("round = %+v, want partial round with a positive speed", r)
	}
}

func TestClient_CancelDuringSecondRound(t *testing.T) {
	chunk := int64(512 * spec.KiB)
	var c *Client
	tr := &stubTransferer{}
	tr.fn = func(ctx context.Context, dir spec.Direction, size int64,
		rec *recorder.Recorder) model.TransferResult {
		if size == chunk && tr.count(chunk) == 2 {
			c.Cancel()
			return blockingTransfer(ctx, dir, size, rec)
		}
		return fixedTransfer(ctx, dir, size, rec)
	}
	c, em := newTestClient(t, Config{Rounds: 3}, tr, nil)

	res, err := c.Download(context.Background())
	testingx.Must(t, err, "cannot run test")
	if res.State != model.StateCancelled {
		t.Errorf("Download() state = %s, want cancelled", res.State)
	}
	// Give abandoned goroutines a chance to misbehave.
	time.Sleep(50 * time.Millisecond)
	if n := tr.count(chunk); n != 2 {
		t.Errorf("%d measurement transfers started, want 2", n)
	}
	if res.SpeedMbps != 0 || len(res.Rounds) != 0 {
		t.Errorf("Download() kept partial results: %+v", res)
	}
	if len(em.errs) != 1 || !errors.Is(em.errs[0], ErrCancelled) {
		t.Errorf("emitted errors = %v, want ErrCancelled", em.errs)
	}
	for _, p := range em.progress {
		if p.Round == 3 {
			t.Errorf("round 3 progress emitted: %+v", p)
		}
	}
}

func TestClient_Retries(t *testing.T) {
	chunk := int64(512 * spec.KiB)
	tr := &stubTransferer{}
	tr.fn = func(ctx context.Context, dir spec.Direction, size int64,
		rec *recorder.Recorder) model.TransferResult {
		// The first two attempts of the first round fail.
		if size == chunk && tr.count(chunk) <= 2 {
			return model.TransferResult{Direction: dir, Err: errors.New("HTTP 500")}
		}
		return fixedTransfer(ctx, dir, size, rec)
	}
	c, _ := newTestClient(t, Config{Rounds: 2}, tr, nil)
	res, err := c.Download(context.Background())
	testingx.Must(t, err, "cannot run test")
	if res.Rounds[0].Attempts != 3 || !res.Rounds[0].Success {
		t.Errorf("round 1 = %+v, want success at the third attempt", res.Rounds[0])
	}
	if res.Rounds[1].Attempts != 1 {
		t.Errorf("round 2 = %+v, want one attempt", res.Rounds[1])
	}
	if s := c.Session(); s.ErrorCount != 2 {
		t.Errorf("Session().ErrorCount = %d, want 2", s.ErrorCount)
	}
}

func TestClient_AllAttemptsFail(t *testing.T) {
	tr := &stubTransferer{fn: func(ctx context.Context, dir spec.Direction, size int64,
		rec *recorder.Recorder) model.TransferResult {
		return model.TransferResult{Direction: dir, Err: errors.New("connection refused")}
	}}
	c, _ := newTestClient(t, Config{Rounds: 2}, tr, nil)
	res, err := c.Download(context.Background())
	testingx.Must(t, err, "cannot run test")
	if res.State != model.StateDone || res.SpeedMbps != 0 || res.SuccessfulRounds != 0 {
		t.Errorf("Download() = %+v, want done with zero speed", res)
	}
	// The probe fails too: the default probe speed selects the second band.
	if s := c.Session(); s.ChunkSize != 1*spec.MiB {
		t.Errorf("Session().ChunkSize = %d, want 1 MiB", s.ChunkSize)
	}
	if s := c.Session(); s.ErrorCount != 2*spec.DefaultRetries {
		t.Errorf("Session().ErrorCount = %d, want %d", s.ErrorCount, 2*spec.DefaultRetries)
	}
}

func TestClient_Streams(t *testing.T) {
	chunk := int64(512 * spec.KiB)
	tr := &stubTransferer{}
	tr.fn = func(ctx context.Context, dir spec.Direction, size int64,
		rec *recorder.Recorder) model.TransferResult {
		if size != chunk {
			return fixedTransfer(ctx, dir, size, rec)
		}
		time.Sleep(200 * time.Millisecond)
		return model.TransferResult{
			Direction: dir, TotalBytes: 1000000, Duration: 200 * time.Millisecond,
			SpeedMbps: 40, Success: true,
		}
	}
	c, _ := newTestClient(t, Config{Rounds: 1, Streams: 2}, tr, nil)
	res, err := c.Download(context.Background())
	testingx.Must(t, err, "cannot run test")
	if tr.count(chunk) != 2 {
		t.Errorf("%d transfers in the round, want 2", tr.count(chunk))
	}
	// 2,000,000 bytes over ~200ms of wall-clock time.
	if res.SpeedMbps < 40 || res.SpeedMbps > 80 {
		t.Errorf("Download() speed = %f, want 40-80", res.SpeedMbps)
	}
}

func TestClient_Start(t *testing.T) {
	t.Run("invalid direction", func(t *testing.T) {
		c, _ := newTestClient(t, Config{}, &stubTransferer{fn: fixedTransfer}, nil)
		err := c.Start(context.Background(), spec.Direction("sideways"))
		if !errors.Is(err, ErrInvalidDirection) {
			t.Errorf("Start() error = %v, want ErrInvalidDirection", err)
		}
		if c.Session().State != model.StateIdle {
			t.Errorf("Session().State = %s, want idle", c.Session().State)
		}
	})
	t.Run("test in progress", func(t *testing.T) {
		c, _ := newTestClient(t, Config{RoundTimeout: 5 * time.Second},
			&stubTransferer{fn: blockingTransfer}, nil)
		testingx.Must(t, c.Start(context.Background(), spec.DirectionDownload), "cannot start")
		err := c.Start(context.Background(), spec.DirectionUpload)
		if !errors.Is(err, ErrTestInProgress) {
			t.Errorf("Start() error = %v, want ErrTestInProgress", err)
		}
		c.Cancel()
		res := c.Wait()
		if res.State != model.StateCancelled {
			t.Errorf("Wait() state = %s, want cancelled", res.State)
		}
		// A new test can start once the previous one is over.
		c.newTransferer = func(*url.URL, string) Transferer {
			return &stubTransferer{fn: fixedTransfer}
		}
		if err := c.Start(context.Background(), spec.DirectionDownload); err != nil {
			t.Errorf("Start() after completion error = %v", err)
		}
		c.Wait()
	})
	t.Run("measurement id", func(t *testing.T) {
		c, _ := newTestClient(t, Config{MeasurementID: "test-mid", Rounds: 1},
			&stubTransferer{fn: fixedTransfer}, nil)
		res, err := c.Download(context.Background())
		testingx.Must(t, err, "cannot run test")
		if res.MeasurementID != "test-mid" {
			t.Errorf("Download() mid = %s, want test-mid", res.MeasurementID)
		}
	})
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name      string
		rounds    []model.RoundResult
		want      float64
		wantCount int
	}{
		{name: "none"},
		{
			name: "all-succeed",
			rounds: []model.RoundResult{
				{FilteredSpeedMbps: 10, Success: true},
				{FilteredSpeedMbps: 20, Success: true},
				{FilteredSpeedMbps: 30, Success: true},
			},
			want:      20,
			wantCount: 3,
		},
		{
			name: "zero-rounds-excluded",
			rounds: []model.RoundResult{
				{FilteredSpeedMbps: 10, Success: true},
				{FilteredSpeedMbps: 0},
				{FilteredSpeedMbps: 20, Success: true},
			},
			want:      15,
			wantCount: 2,
		},
		{
			name: "all-zero",
			rounds: []model.RoundResult{
				{FilteredSpeedMbps: 0},
				{FilteredSpeedMbps: 0},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n := Aggregate(tt.rounds)
			if got != tt.want || n != tt.wantCount {
				t.Errorf("Aggregate() = %f, %d, want %f, %d", got, n, tt.want, tt.wantCount)
			}
		})
	}
}

type fakeLocator struct {
	targets []v2.Target
	err     error
}

func (l *fakeLocator) Nearest(ctx context.Context, service string) ([]v2.Target, error) {
	return l.targets, l.err
}

func TestClient_endpoint(t *testing.T) {
	tests := []struct {
		name    string
		server  string
		locator Locator
		want    []string
		wantErr error
	}{
		{
			name:   "host-and-port",
			server: "example.com:8080",
			want:   []string{"https://example.com:8080/speedtest"},
		},
		{
			name:   "full-url",
			server: "http://example.com/custom?foo=bar",
			want:   []string{"http://example.com/custom?foo=bar"},
		},
		{
			name: "locate",
			locator: &fakeLocator{targets: []v2.Target{
				{URLs: map[string]string{"https:///speedtest": "https://a.example.com/speedtest?access_token=x"}},
				{URLs: map[string]string{"https:///speedtest": "https://b.example.com/speedtest?access_token=y"}},
			}},
			want: []string{
				"https://a.example.com/speedtest?access_token=x",
				"https://b.example.com/speedtest?access_token=y",
			},
			wantErr: ErrNoTargets,
		},
		{
			name:    "locate-failure",
			locator: &fakeLocator{err: errors.New("locate unavailable")},
			wantErr: errors.New("any"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New("test", "v1.0.0", Config{Server: tt.server})
			testingx.Must(t, err, "cannot create client")
			if tt.locator != nil {
				c.locator = tt.locator
			}
			for _, want := range tt.want {
				u, err := c.endpoint(context.Background())
				testingx.Must(t, err, "cannot get endpoint")
				if u.String() != want {
					t.Errorf("endpoint() = %s, want %s", u, want)
				}
			}
			if tt.wantErr != nil {
				_, err := c.endpoint(context.Background())
				if err == nil {
					t.Errorf("endpoint() succeeded, want error")
				}
				if errors.Is(tt.wantErr, ErrNoTargets) && !errors.Is(err, ErrNoTargets) {
					t.Errorf("endpoint() error = %v, want ErrNoTargets", err)
				}
			}
		})
	}
}

func TestClient_AgainstHTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		switch spec.Action(req.URL.Query().Get("action")) {
		case spec.ActionDownload:
			rw.Write(make([]byte, 64*spec.KiB))
		case spec.ActionUpload:
			buf := make([]byte, spec.ServerBufferSize)
			n := 0
			for {
				r, err := req.Body.Read(buf)
				n += r
				if err != nil {
					break
				}
			}
			fmt.Fprintf(rw, `{"success":true,"size":%d,"duration":0.01}`, n)
		case spec.ActionPing:
			fmt.Fprintf(rw, `{"timestamp":%d}`, time.Now().Unix())
		}
	}))
	defer srv.Close()

	em := &recordingEmitter{}
	c, err := New("test", "v1.0.0", Config{
		Server:           srv.URL,
		Rounds:           2,
		RoundPause:       time.Millisecond,
		RetryDelay:       time.Millisecond,
		WarmupSize:       16 * spec.KiB,
		InitialChunkSize: 32 * spec.KiB,
		Emitter:          em,
	})
	testingx.Must(t, err, "cannot create client")
	res, err := c.Upload(context.Background())
	testingx.Must(t, err, "cannot run test")
	if res.State != model.StateDone || res.SuccessfulRounds != 2 || res.SpeedMbps <= 0 {
		t.Errorf("Upload() = %+v", res)
	}
	if res.LatencyMs == nil || *res.LatencyMs <= 0 {
		t.Errorf("Upload() latency = %v, want > 0", res.LatencyMs)
	}
	if len(em.starts) != 1 || !strings.HasPrefix(srv.URL, "http://"+em.starts[0]) {
		t.Errorf("OnStart() server = %v, want %s", em.starts, srv.URL)
	}
}
