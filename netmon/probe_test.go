package netmon

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn satisfies just enough of net.Conn for the probe's dial-and-close.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestProbeTransitionsWithDialOutcome(t *testing.T) {
	var reachable atomic.Bool
	reachable.Store(true)

	p := NewProbe("backend:443", &ProbeOptions{Interval: 5 * time.Millisecond, Timeout: time.Millisecond})
	p.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		assert.Equal(t, "tcp", network)
		assert.Equal(t, "backend:443", addr)
		if reachable.Load() {
			return fakeConn{}, nil
		}
		return nil, errors.New("connection refused")
	}

	var events []bool
	eventCh := make(chan bool, 16)
	defer p.Subscribe(func(online bool) { eventCh <- online })()

	assert.False(t, p.Online(), "probe starts offline")
	p.Start()
	defer p.Close()

	require.Eventually(t, func() bool { return p.Online() }, time.Second, time.Millisecond)

	reachable.Store(false)
	require.Eventually(t, func() bool { return !p.Online() }, time.Second, time.Millisecond)

	reachable.Store(true)
	require.Eventually(t, func() bool { return p.Online() }, time.Second, time.Millisecond)

	for len(eventCh) > 0 {
		events = append(events, <-eventCh)
	}
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, []bool{true, false, true}, events[:3], "one event per transition, no flapping")
}

func TestCloseBeforeStartDoesNotBlock(t *testing.T) {
	p := NewProbe("127.0.0.1:1", nil)

	done := make(chan struct{})
	go func() {
		_ = p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked with no loop running")
	}

	// Start after Close is a no-op.
	p.Start()
	assert.False(t, p.Online())
}

func TestProbeCloseStopsLoop(t *testing.T) {
	var dials atomic.Int64
	p := NewProbe("backend:443", &ProbeOptions{Interval: 5 * time.Millisecond})
	p.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		dials.Add(1)
		return fakeConn{}, nil
	}
	p.Start()
	require.Eventually(t, func() bool { return dials.Load() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Close())
	after := dials.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, dials.Load(), "no probes after close")
}
