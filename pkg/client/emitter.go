package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
)

// Emitter is an interface for emitting progress and results.
type Emitter interface {
	// OnStart is called when a test starts against server.
	OnStart(server string, dir spec.Direction)
	// OnProgress is called on every phase change and speed sample.
	OnProgress(p model.Progress)
	// OnRound is called after each measurement round is finalized.
	OnRound(r model.RoundResult)
	// OnResult is called when the test reaches a terminal state.
	OnResult(r model.Result)
	// OnError is called on errors.
	OnError(err error)
	// OnDebug is called to print debug information.
	OnDebug(msg string)
	// OnSummary is called to print summary information.
	OnSummary(results map[spec.Direction]model.Result)
}

// HumanReadable prints human-readable output to stdout.
// It can be configured to include debug output, too.
type HumanReadable struct {
	Debug bool
}

// OnStart prints the direction and server hostname.
func (HumanReadable) OnStart(server string, dir spec.Direction) {
	fmt.Printf("Starting %s test (server: %s)\n", dir, server)
}

// OnProgress prints the current phase and speed, if known.
func (HumanReadable) OnProgress(p model.Progress) {
	if p.CurrentSpeedMbps != nil {
		fmt.Printf("\r[%3.0f%%] %s %.2f Mb/s    ", p.Percent, p.Status, *p.CurrentSpeedMbps)
		return
	}
	fmt.Printf("\r[%3.0f%%] %s                ", p.Percent, p.Status)
}

// OnRound prints a round's representative speed.
func (HumanReadable) OnRound(r model.RoundResult) {
	partial := ""
	if r.Partial {
		partial = " (partial)"
	}
	fmt.Printf("\nRound %d: %.2f Mb/s, chunk: %d bytes, samples: %d, attempts: %d%s\n",
		r.Round, r.FilteredSpeedMbps, r.ChunkSize, r.SampleCount, r.Attempts, partial)
}

// OnResult prints the final result.
func (HumanReadable) OnResult(r model.Result) {
	fmt.Println()
	if r.Error != "" {
		fmt.Printf("%s test %s: %s\n", r.Direction, r.State, r.Error)
		return
	}
	fmt.Printf("%s rate: %.2f Mb/s (%d/%d rounds)", r.Direction, r.SpeedMbps,
		r.SuccessfulRounds, len(r.Rounds))
	if r.LatencyMs != nil {
		fmt.Printf(", latency: %.2fms", *r.LatencyMs)
	}
	fmt.Println()
}

// OnError is called on errors.
func (HumanReadable) OnError(err error) {
	if !errors.Is(err, ErrCancelled) {
		fmt.Println(err)
	}
}

// OnSummary prints the results of all the tests that were run.
func (HumanReadable) OnSummary(results map[spec.Direction]model.Result) {
	fmt.Println()
	fmt.Printf("Test results:\n")
	for _, dir := range []spec.Direction{spec.DirectionDownload, spec.DirectionUpload} {
		result, ok := results[dir]
		if !ok {
			continue
		}
		fmt.Printf("  %s rate: %.2f Mb/s", dir, result.SpeedMbps)
		if result.LatencyMs != nil {
			fmt.Printf(", latency: %.2fms", *result.LatencyMs)
		}
		fmt.Println()
		fmt.Printf("    rounds: %d/%d, duration: %.2fs, state: %s\n",
			result.SuccessfulRounds, len(result.Rounds), result.Elapsed.Seconds(), result.State)
	}
}

// OnDebug is called to print debug information.
func (e HumanReadable) OnDebug(msg string) {
	if e.Debug {
		fmt.Printf("DEBUG: %s\n", msg)
	}
}

// JSONEmitter writes one JSON object per event to Writer, or to stdout if
// Writer is nil.
type JSONEmitter struct {
	Writer io.Writer
	Debug  bool

	mu sync.Mutex
}

type jsonEvent struct {
	Type      string                          `json:"type"`
	Server    string                          `json:"server,omitempty"`
	Direction spec.Direction                  `json:"direction,omitempty"`
	Progress  *model.Progress                 `json:"progress,omitempty"`
	Round     *model.RoundResult              `json:"round,omitempty"`
	Result    *model.Result                   `json:"result,omitempty"`
	Summary   map[spec.Direction]model.Result `json:"summary,omitempty"`
	Message   string                          `json:"message,omitempty"`
}

func (e *JSONEmitter) write(ev jsonEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.Writer
	if w == nil {
		w = os.Stdout
	}
	json.NewEncoder(w).Encode(ev)
}

// OnStart implements Emitter.
func (e *JSONEmitter) OnStart(server string, dir spec.Direction) {
	e.write(jsonEvent{Type: "start", Server: server, Direction: dir})
}

// OnProgress implements Emitter.
func (e *JSONEmitter) OnProgress(p model.Progress) {
	e.write(jsonEvent{Type: "progress", Progress: &p})
}

// OnRound implements Emitter.
func (e *JSONEmitter) OnRound(r model.RoundResult) {
	e.write(jsonEvent{Type: "round", Round: &r})
}

// OnResult implements Emitter.
func (e *JSONEmitter) OnResult(r model.Result) {
	e.write(jsonEvent{Type: "result", Direction: r.Direction, Result: &r})
}

// OnError implements Emitter.
func (e *JSONEmitter) OnError(err error) {
	e.write(jsonEvent{Type: "error", Message: err.Error()})
}

// OnDebug implements Emitter.
func (e *JSONEmitter) OnDebug(msg string) {
	if e.Debug {
		e.write(jsonEvent{Type: "debug", Message: msg})
	}
}

// OnSummary implements Emitter.
func (e *JSONEmitter) OnSummary(results map[spec.Direction]model.Result) {
	e.write(jsonEvent{Type: "summary", Summary: results})
}

// Checks that HumanReadable and JSONEmitter implement Emitter.
var (
	_ Emitter = &HumanReadable{}
	_ Emitter = &JSONEmitter{}
)
