/*
Copyright 2026 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package readiness polls a loopback TCP endpoint until it accepts
// connections or a fixed retry budget runs out. The prober has no knowledge
// of why an endpoint is not ready, only whether it is; interpreting an
// exhausted budget is the caller's job.
package readiness

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/devdb"
	"github.com/gravitational/devdb/lib/defaults"
)

// Config sets up a readiness prober.
type Config struct {
	// Host is the address probed, defaults to loopback.
	Host string
	// Port is the target port.
	Port int
	// Attempts is the probe budget, can't be negative.
	Attempts int
	// Interval is the spacing between attempts.
	Interval time.Duration
	// Clock to override clock in tests.
	Clock clockwork.Clock
	// Log emits per-attempt debug output.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Port <= 0 || c.Port > 65535 {
		return trace.BadParameter("invalid port %v", c.Port)
	}
	if c.Attempts < 0 {
		return trace.BadParameter("negative attempt budget %v", c.Attempts)
	}
	if c.Host == "" {
		c.Host = defaults.Localhost
	}
	if c.Attempts == 0 {
		c.Attempts = defaults.ReadinessAttempts
	}
	if c.Interval == 0 {
		c.Interval = defaults.ReadinessInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(devdb.ComponentKey, devdb.ComponentReadiness)
	}
	return nil
}

// Prober checks whether a TCP endpoint accepts connections.
type Prober struct {
	cfg Config
	// dial is overridden in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// New returns a prober for the configured endpoint.
func New(cfg Config) (*Prober, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	d := net.Dialer{Timeout: cfg.Interval}
	return &Prober{
		cfg: cfg,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
	}, nil
}

// WaitUntilReady probes the endpoint until it accepts a connection, up to
// the attempt budget, sleeping for the configured interval between attempts.
// It returns true on the first successful probe, without further attempts,
// and false once the budget is exhausted or the context is canceled. It
// never returns an error: the caller decides whether false is fatal.
func (p *Prober) WaitUntilReady(ctx context.Context) bool {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		conn, err := p.dial(ctx, addr)
		if err == nil {
			conn.Close()
			p.cfg.Log.DebugContext(ctx, "Backend is accepting connections.", "addr", addr, "attempt", attempt)
			return true
		}
		p.cfg.Log.DebugContext(ctx, "Backend not ready yet.", "addr", addr, "attempt", attempt, "error", err)
		if attempt == p.cfg.Attempts {
			break
		}
		select {
		case <-p.cfg.Clock.After(p.cfg.Interval):
		case <-ctx.Done():
			return false
		}
	}
	return false
}
