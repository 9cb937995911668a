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

// Package supervisor coordinates the session backend lifecycle: it resolves
// the backend mode once, drives the selected mode from absent to accepting
// connections, and guarantees clean, idempotent teardown of whichever
// resources were acquired.
package supervisor

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/devdb"
	"github.com/gravitational/devdb/lib/defaults"
	"github.com/gravitational/devdb/lib/engine"
	"github.com/gravitational/devdb/lib/gateway"
	"github.com/gravitational/devdb/lib/process"
	"github.com/gravitational/devdb/lib/readiness"
	"github.com/gravitational/devdb/lib/session"
)

// Config sets up a backend supervisor.
type Config struct {
	// Session is the immutable session configuration. Its mode is resolved
	// during Start and never re-evaluated.
	Session session.Config
	// OnReady optionally seeds the database once the backend accepts
	// connections. A seed failure is reported but does not roll back the
	// already-started backend.
	OnReady func(ctx context.Context, ep session.Endpoint) error
	// Clock to override clock in tests.
	Clock clockwork.Clock
	// Log is the supervisor logger.
	Log *slog.Logger
	// Process overrides the native process manager setup, used in tests to
	// substitute stub commands.
	Process process.Config
	// Readiness overrides the probing budget, used in tests.
	Readiness readiness.Config
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.Session.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(devdb.ComponentKey, devdb.ComponentSupervisor)
	}
	return nil
}

// Backend is the live resource of the active mode. Exactly one exists per
// session and it is exclusively owned by its creator: nothing else may
// terminate the underlying resources directly.
type Backend struct {
	cfg      Config
	endpoint session.Endpoint
	log      *slog.Logger

	// native mode
	manager *process.Manager
	handle  *process.Handle

	// embedded mode
	engine  *engine.Engine
	gateway *gateway.Gateway

	stopOnce sync.Once
}

// Start brings the backend from absent to accepting connections. Mode
// selection and execution are both single-shot: an irrecoverable failure in
// the selected mode surfaces to the caller, it never falls back to the
// other mode.
func Start(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.Session.EnsureStorage(); err != nil {
		return nil, trace.Wrap(err)
	}
	b := &Backend{
		cfg:      cfg,
		endpoint: session.NewEndpoint(cfg.Session),
		log:      cfg.Log,
	}
	var err error
	switch cfg.Session.Mode {
	case session.ModeNative:
		err = b.startNative(ctx)
	case session.ModeEmbedded:
		err = b.startEmbedded(ctx)
	default:
		err = trace.BadParameter("unresolved session mode %q", cfg.Session.Mode)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	b.log.InfoContext(ctx, "Session backend ready.",
		"mode", cfg.Session.Mode, "addr", b.endpoint.Addr(), "database", b.endpoint.Database)
	if cfg.OnReady != nil {
		if err := cfg.OnReady(ctx, b.endpoint); err != nil {
			// The backend is up and stays up; only the seed is lost.
			b.log.WarnContext(ctx, "Seed script failed.", "error", err)
		}
	}
	return b, nil
}

// startNative initializes the cluster if needed, spawns the server process
// and waits for it to accept connections. Initialization strictly precedes
// spawn, spawn strictly precedes the first readiness probe.
func (b *Backend) startNative(ctx context.Context) error {
	pc := b.cfg.Process
	pc.Verbose = b.cfg.Session.Verbose
	if !pc.Verbose {
		pc.LogFile = b.cfg.Session.LogFile
		if pc.LogFile == "" {
			pc.LogFile = filepath.Join(b.cfg.Session.DataDir(), defaults.ServerLogName)
		}
	}
	manager, err := process.NewManager(pc)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := manager.EnsureInitialized(ctx, b.cfg.Session.DataDir()); err != nil {
		return trace.Wrap(err)
	}
	handle, err := manager.Spawn(ctx, b.cfg.Session.DataDir(), b.cfg.Session.Port)
	if err != nil {
		return trace.Wrap(err)
	}
	b.manager = manager
	b.handle = handle

	rc := b.cfg.Readiness
	rc.Port = b.cfg.Session.Port
	rc.Clock = b.cfg.Clock
	prober, err := readiness.New(rc)
	if err != nil {
		manager.Terminate(handle)
		return trace.Wrap(err)
	}
	if !prober.WaitUntilReady(ctx) {
		manager.Terminate(handle)
		return trace.Wrap(devdb.ErrReadinessTimeout,
			"server on port %v did not accept connections within the probe budget", b.cfg.Session.Port)
	}
	if err := manager.CreateDatabase(ctx, b.cfg.Session.Port, b.cfg.Session.Database); err != nil {
		manager.Terminate(handle)
		return trace.Wrap(err)
	}
	return nil
}

// startEmbedded starts the in-process engine and binds the protocol
// gateway in front of it.
func (b *Backend) startEmbedded(ctx context.Context) error {
	eng, err := engine.Start(ctx, engine.Config{Path: b.cfg.Session.StoreFile()})
	if err != nil {
		return trace.Wrap(err)
	}
	gw, err := gateway.New(gateway.Config{
		Engine: eng,
		Port:   b.cfg.Session.Port,
	})
	if err != nil {
		eng.Close()
		return trace.Wrap(err)
	}
	b.engine = eng
	b.gateway = gw
	go func() {
		if err := gw.Serve(ctx); err != nil {
			b.log.WarnContext(ctx, "Gateway stopped serving.", "error", err)
		}
	}()
	return nil
}

// Endpoint describes the reachable backend to the consuming workload.
func (b *Backend) Endpoint() session.Endpoint {
	return b.endpoint
}

// Mode returns the resolved backend mode.
func (b *Backend) Mode() session.Mode {
	return b.cfg.Session.Mode
}

// Stop releases whichever mode's resources are held, in reverse order of
// acquisition. It may be invoked any number of times and concurrently with
// itself, from a normal-exit path and a signal handler alike: the teardown
// runs exactly once.
func (b *Backend) Stop() {
	b.stopOnce.Do(func() {
		ctx := context.Background()
		b.log.DebugContext(ctx, "Stopping session backend.", "mode", b.cfg.Session.Mode)
		if b.gateway != nil {
			if err := b.gateway.Close(); err != nil {
				b.log.WarnContext(ctx, "Failed to close gateway.", "error", err)
			}
		}
		if b.engine != nil {
			if err := b.engine.Close(); err != nil {
				b.log.WarnContext(ctx, "Failed to close engine.", "error", err)
			}
		}
		if b.manager != nil {
			b.manager.Terminate(b.handle)
		}
	})
}
