// Package measurer periodically samples the kernel metrics of the connection
// serving a transfer.
package measurer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/httpspeed/internal/netx"
	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
	"github.com/m-lab/ndt-server/tcpinfox"
)

// Sampling intervals.
const (
	MinMeasureInterval = 100 * time.Millisecond
	AvgMeasureInterval = 250 * time.Millisecond
	MaxMeasureInterval = 400 * time.Millisecond
)

// Measurer collects model.Snapshots of a connection until stopped.
type Measurer struct {
	conn      netx.ConnInfo
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	snapshots []model.Snapshot
}

// Start starts a measurer goroutine that reads the tcp_info and bbr_info
// kernel structs for conn at memoryless intervals. The goroutine runs until
// ctx is done or Stop is called.
func Start(ctx context.Context, conn netx.ConnInfo) *Measurer {
	ctx, cancel := context.WithCancel(ctx)
	t, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      MinMeasureInterval,
		Expected: AvgMeasureInterval,
		Max:      MaxMeasureInterval,
	})
	// This can only error if min/expected/max above are set to invalid
	// values. Since they are constants, we panic here.
	rtx.PanicOnError(err, "ticker creation failed (this should never happen)")

	m := &Measurer{
		conn:      conn,
		startTime: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(m.done)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.measure()
			}
		}
	}()
	return m
}

func (m *Measurer) measure() {
	bbrInfo, tcpInfo, err := m.conn.Info()
	if err != nil {
		if !errors.Is(err, tcpinfox.ErrNoSupport) {
			log.Debug("cannot read TCP_INFO", "error", err)
		}
		return
	}
	read, written := m.conn.ByteCounters()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, model.Snapshot{
		ElapsedTime:  time.Since(m.startTime).Microseconds(),
		BytesRead:    read,
		BytesWritten: written,
		BBRInfo:      bbrInfo,
		TCPInfo:      tcpInfo,
	})
}

// Stop stops the measurer, takes a final snapshot and returns every snapshot
// taken so far.
func (m *Measurer) Stop() []model.Snapshot {
	m.cancel()
	<-m.done
	m.measure()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Snapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}
