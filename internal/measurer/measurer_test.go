package measurer_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/m-lab/httpspeed/internal/measurer"
	"github.com/m-lab/httpspeed/internal/netx"
	"github.com/m-lab/ndt-server/tcpinfox"
	"github.com/m-lab/tcp-info/inetdiag"
	"github.com/m-lab/tcp-info/tcp"
)

type fakeConnInfo struct {
	netx.ConnInfo
	err error
}

func (f *fakeConnInfo) ByteCounters() (uint64, uint64) {
	return 10, 20
}

func (f *fakeConnInfo) Info() (*inetdiag.BBRInfo, *tcp.LinuxTCPInfo, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return nil, &tcp.LinuxTCPInfo{RTT: 1000}, nil
}

func TestMeasurer(t *testing.T) {
	m := measurer.Start(context.Background(), &fakeConnInfo{})
	time.Sleep(3 * measurer.MaxMeasureInterval)
	snapshots := m.Stop()
	// At least the ticks in the sleep window plus the final snapshot.
	if len(snapshots) < 2 {
		t.Fatalf("Stop() returned %d snapshots, want at least 2", len(snapshots))
	}
	prev := int64(-1)
	for _, s := range snapshots {
		if s.TCPInfo == nil || s.TCPInfo.RTT != 1000 {
			t.Errorf("unexpected snapshot: %+v", s)
		}
		if s.ElapsedTime < prev {
			t.Errorf("snapshots are not in order")
		}
		prev = s.ElapsedTime
	}
}

func TestMeasurer_NoSupport(t *testing.T) {
	m := measurer.Start(context.Background(), &fakeConnInfo{err: tcpinfox.ErrNoSupport})
	time.Sleep(measurer.MaxMeasureInterval)
	if s := m.Stop(); len(s) != 0 {
		t.Errorf("Stop() returned %d snapshots, want 0", len(s))
	}
	m = measurer.Start(context.Background(), &fakeConnInfo{err: errors.New("fail")})
	if s := m.Stop(); len(s) != 0 {
		t.Errorf("Stop() returned %d snapshots, want 0", len(s))
	}
}

func TestMeasurer_RealConn(t *testing.T) {
	tcpl, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1")})
	rtx.Must(err, "cannot listen")
	l := netx.NewListener(tcpl)
	defer l.Close()
	go func() {
		c, err := net.Dial("tcp", tcpl.Addr().String())
		if err == nil {
			time.Sleep(time.Second)
			c.Close()
		}
	}()
	conn, err := l.Accept()
	rtx.Must(err, "cannot accept")
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	m := measurer.Start(ctx, conn.(netx.ConnInfo))
	<-ctx.Done()
	if s := m.Stop(); len(s) == 0 || s[0].TCPInfo == nil {
		t.Errorf("Stop() returned no TCP_INFO snapshots")
	}
}
