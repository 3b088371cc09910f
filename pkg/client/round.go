package client

import (
	"context"
	"fmt"
	"time"

	"github.com/m-lab/httpspeed/internal/filter"
	"github.com/m-lab/httpspeed/internal/recorder"
	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
)

// attemptResult is the outcome of one attempt of a round.
type attemptResult struct {
	speed   float64
	samples int
	// completed is false if the round deadline expired before all the
	// transfers resolved.
	completed bool
	success   bool
	err       error
}

// runRound runs measurement round r. The round never outlives
// Config.RoundTimeout: when the deadline expires the round is finalized
// from the samples gathered so far and in-flight transfers are abandoned.
func (c *Client) runRound(ctx context.Context, t Transferer, dir spec.Direction,
	r int, chunk int64) model.RoundResult {
	roundCtx, cancel := context.WithTimeout(ctx, c.config.RoundTimeout)
	defer cancel()

	rr := model.RoundResult{Round: r, ChunkSize: chunk}
	for attempt := 1; attempt <= c.config.Retries; attempt++ {
		if attempt > 1 && !sleep(roundCtx, c.config.RetryDelay) {
			rr.Partial = true
			break
		}
		rr.Attempts = attempt
		res := c.attempt(roundCtx, t, dir, r, chunk)
		rr.SampleCount = res.samples
		if !res.completed {
			rr.Partial = true
			rr.FilteredSpeedMbps = res.speed
			rr.Success = res.speed > 0
			c.debugf("round %d deadline expired after %d attempts, partial speed %.2f Mb/s",
				r, attempt, res.speed)
			return rr
		}
		if res.success {
			rr.FilteredSpeedMbps = res.speed
			rr.Success = true
			return rr
		}
		c.update(func(s *model.Session) { s.ErrorCount++ })
		c.debugf("round %d attempt %d failed: %v", r, attempt, res.err)
		if ctx.Err() != nil {
			break
		}
	}
	// Every attempt failed: zero-speed round.
	rr.FilteredSpeedMbps = 0
	rr.Success = false
	return rr
}

// attempt runs Config.Streams concurrent transfers of size bytes and waits
// until all of them resolve or ctx is done.
func (c *Client) attempt(ctx context.Context, t Transferer, dir spec.Direction,
	round int, size int64) attemptResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	recs := make([]*recorder.Recorder, c.config.Streams)
	for i := range recs {
		recs[i] = recorder.New(start)
	}
	percent := c.measuringPercent(round - 1)
	status := fmt.Sprintf("Measuring %s speed (round %d/%d)...", dir, round, c.config.Rounds)
	onSample := func(model.Sample) {
		// The current speed is the round's aggregate so far, so that it is
		// comparable across stream counts.
		var total int64
		for _, rec := range recs {
			total += rec.Bytes()
		}
		speed := recorder.Speed(total, time.Since(start))
		c.emit(func(e Emitter) {
			e.OnProgress(model.Progress{
				Percent:          percent,
				Status:           status,
				CurrentSpeedMbps: &speed,
				State:            model.StateMeasuring,
				Round:            round,
			})
		})
	}
	for _, rec := range recs {
		rec.OnSample = onSample
	}

	// The channel is buffered so that abandoned transfers never block.
	results := make(chan model.TransferResult, len(recs))
	for _, rec := range recs {
		go func(rec *recorder.Recorder) {
			results <- t.Run(ctx, dir, size, rec)
		}(rec)
	}

	var out []model.TransferResult
	for len(out) < len(recs) {
		select {
		case <-ctx.Done():
			for _, rec := range recs {
				rec.Stop()
			}
			return c.partial(recs, start)
		case res := <-results:
			out = append(out, res)
		}
	}
	end := time.Now()
	for _, rec := range recs {
		rec.Stop()
	}
	return c.reduce(recs, out, start, end)
}

// reduce computes the speed of an attempt whose transfers all resolved.
func (c *Client) reduce(recs []*recorder.Recorder, results []model.TransferResult,
	start, end time.Time) attemptResult {
	samples := 0
	for _, rec := range recs {
		samples += rec.Len()
	}
	var (
		bytes     int64
		succeeded []model.TransferResult
		lastErr   error
	)
	for _, res := range results {
		if res.Success {
			bytes += res.TotalBytes
			succeeded = append(succeeded, res)
		} else {
			lastErr = res.Err
		}
	}
	if len(succeeded) == 0 {
		return attemptResult{completed: true, samples: samples, err: lastErr}
	}
	var speed float64
	if len(recs) == 1 {
		speed = filter.Representative(recs[0].Speeds(), succeeded[0].SpeedMbps)
	} else {
		// Concurrent transfers: aggregate bytes over the wall-clock duration.
		speed = recorder.Speed(bytes, end.Sub(start))
	}
	return attemptResult{
		speed:     speed,
		samples:   samples,
		completed: true,
		success:   true,
	}
}

// partial computes the speed of an attempt interrupted by the round deadline
// from the progress recorded so far.
func (c *Client) partial(recs []*recorder.Recorder, start time.Time) attemptResult {
	elapsed := time.Since(start)
	samples := 0
	var bytes int64
	for _, rec := range recs {
		samples += rec.Len()
		bytes += rec.Bytes()
	}
	var speed float64
	if len(recs) == 1 {
		speed = filter.Representative(recs[0].Speeds(), recorder.Speed(bytes, elapsed))
	} else {
		speed = recorder.Speed(bytes, elapsed)
	}
	return attemptResult{speed: speed, samples: samples}
}
