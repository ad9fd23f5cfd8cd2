package connectivity

import (
	"context"
	"net"
	"time"

	"github.com/kimhsiao/adherence/backend/internal/logging"
)

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober periodically opens a TCP connection to the remote endpoint and
// feeds the result into a Switch.
type Prober struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	sw       *Switch
	dial     DialFunc
}

// ProberConfig holds prober configuration.
type ProberConfig struct {
	Addr     string        // host:port of the remote store
	Interval time.Duration // default: 30 seconds
	Timeout  time.Duration // default: 5 seconds
}

// NewProber creates a Prober writing into sw.
func NewProber(cfg ProberConfig, sw *Switch) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	d := &net.Dialer{}
	return &Prober{
		addr:     cfg.Addr,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		sw:       sw,
		dial:     d.DialContext,
	}
}

// Check probes once and updates the switch. It returns the observed state.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.addr)
	online := err == nil
	if online {
		conn.Close()
	} else {
		logging.Debug("Connectivity probe failed", map[string]interface{}{
			"addr":  p.addr,
			"error": err.Error(),
		})
	}
	p.sw.Set(online)
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
