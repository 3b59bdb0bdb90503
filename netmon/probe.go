package netmon

import (
	"net"
	"sync"
	"time"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Probe is a Monitor that determines reachability by periodically dialing a
// well-known address (typically the backend's host:port). It wraps a Manual
// monitor for state and subscription bookkeeping.
type Probe struct {
	*Manual

	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     func(network, addr string, timeout time.Duration) (net.Conn, error)

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

var _ Monitor = (*Probe)(nil)

// ProbeOptions holds optional configuration for a Probe monitor.
type ProbeOptions struct {
	Interval time.Duration // time between probes, default 15s
	Timeout  time.Duration // per-probe dial timeout, default 3s
}

// NewProbe creates a probe monitor that dials addr on a fixed interval.
// The monitor starts offline until the first successful probe; call Start to
// begin probing.
func NewProbe(addr string, opts *ProbeOptions) *Probe {
	p := &Probe{
		Manual:   NewManual(false),
		addr:     addr,
		interval: defaultProbeInterval,
		timeout:  defaultProbeTimeout,
		dial:     net.DialTimeout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if opts != nil {
		if opts.Interval > 0 {
			p.interval = opts.Interval
		}
		if opts.Timeout > 0 {
			p.timeout = opts.Timeout
		}
	}
	return p
}

// Start launches the probe loop. An immediate probe runs before the first
// interval so startup state settles quickly.
func (p *Probe) Start() {
	p.startOnce.Do(func() {
		go p.loop()
	})
}

// Close stops the probe loop and waits for it to exit. Closing a monitor that
// was never started is safe; Start becomes a no-op afterwards.
func (p *Probe) Close() error {
	// Consume startOnce so a loop that never launched cannot leave done
	// unclosed, and cannot launch later.
	p.startOnce.Do(func() {
		close(p.done)
	})
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	<-p.done
	return nil
}

func (p *Probe) loop() {
	defer close(p.done)
	p.probeOnce()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.probeOnce()
		}
	}
}

func (p *Probe) probeOnce() {
	conn, err := p.dial("tcp", p.addr, p.timeout)
	if err != nil {
		p.SetOnline(false)
		return
	}
	_ = conn.Close()
	p.SetOnline(true)
}
