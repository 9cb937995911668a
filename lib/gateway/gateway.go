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

// Package gateway presents a Postgres wire protocol endpoint backed by the
// embedded engine, for clients that expect to speak to a real server
// socket. Per connection it performs the startup handshake under a trust
// policy, then forwards protocol frames to the engine and writes the
// engine's response frames back in order, translating engine failures into
// wire-format error frames instead of dropping the connection.
package gateway

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/jackc/pgproto3/v2"

	"github.com/gravitational/devdb"
	"github.com/gravitational/devdb/lib/defaults"
)

// Executor is the engine-side contract the gateway forwards frames to.
type Executor interface {
	// WaitReady blocks until the engine can actually serve queries.
	WaitReady(ctx context.Context) error
	// Execute runs one protocol frame and returns response frames in wire
	// order.
	Execute(ctx context.Context, msg pgproto3.FrontendMessage) ([]pgproto3.BackendMessage, error)
}

// Config sets up a gateway.
type Config struct {
	// Engine executes forwarded frames.
	Engine Executor
	// Port is the loopback port to bind when Listener is not set.
	Port int
	// Listener overrides the bound listener, used in tests.
	Listener net.Listener
	// Log is the gateway logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Engine == nil {
		return trace.BadParameter("missing parameter Engine")
	}
	if c.Listener == nil && (c.Port <= 0 || c.Port > 65535) {
		return trace.BadParameter("invalid port %v", c.Port)
	}
	if c.Log == nil {
		c.Log = slog.With(devdb.ComponentKey, devdb.ComponentGateway)
	}
	return nil
}

// Gateway accepts client connections on a loopback listener and bridges
// them to the embedded engine.
type Gateway struct {
	cfg      Config
	listener net.Listener
	log      *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// New binds the gateway listener. A bind failure is fatal to session
// startup and surfaces as ErrGatewayBindFailure.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	listener := cfg.Listener
	if listener == nil {
		addr := net.JoinHostPort(defaults.Localhost, strconv.Itoa(cfg.Port))
		var err error
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, trace.Wrap(devdb.ErrGatewayBindFailure, "failed to bind %v: %v", addr, err)
		}
	}
	return &Gateway{
		cfg:      cfg,
		listener: listener,
		log:      cfg.Log,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the bound listener address.
func (g *Gateway) Addr() net.Addr {
	return g.listener.Addr()
}

// Serve accepts connections until the gateway is closed. Each connection is
// handled on its own goroutine; the gateway makes no cross-connection
// ordering guarantee.
func (g *Gateway) Serve(ctx context.Context) error {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if g.closed.Load() {
				return nil
			}
			return trace.Wrap(err)
		}
		go g.handleConn(ctx, conn)
	}
}

// Close shuts the listener and any live connections. Safe to call more
// than once; only the first call closes anything.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.closed.Store(true)
		err = g.listener.Close()
		g.mu.Lock()
		for conn := range g.conns {
			conn.Close()
		}
		g.mu.Unlock()
	})
	return trace.Wrap(err)
}

func (g *Gateway) trackConn(conn net.Conn) func() {
	g.mu.Lock()
	g.conns[conn] = struct{}{}
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.conns, conn)
		g.mu.Unlock()
		conn.Close()
	}
}

// handleConn drives one client connection through its lifecycle:
// connecting, authenticating, ready, closed. Only transport-level failures
// destroy the socket; engine-level failures are translated and the
// connection stays usable.
func (g *Gateway) handleConn(ctx context.Context, conn net.Conn) {
	defer g.trackConn(conn)()

	c := &clientConn{
		conn:    conn,
		backend: pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn),
		engine:  g.cfg.Engine,
		log:     g.log.With("client", conn.RemoteAddr().String()),
	}
	if err := c.handshake(ctx); err != nil {
		c.log.DebugContext(ctx, "Handshake failed.", "error", err)
		return
	}
	if err := c.serve(ctx); err != nil {
		c.log.DebugContext(ctx, "Connection closed.", "error", err)
	}
}

// clientConn is the per-socket state: the protocol codec, the
// authentication flag set once the trust handshake completes, and a shared
// reference to the session's single engine instance.
type clientConn struct {
	conn          net.Conn
	backend       *pgproto3.Backend
	engine        Executor
	log           *slog.Logger
	authenticated bool
}

// sslNotSupported is the single-byte reply telling a client to continue in
// plaintext.
var sslNotSupported = []byte{'N'}

// handshake performs the protocol startup exchange under the trust policy:
// any identity claim from the loopback client succeeds without a credential
// check. No client frame is forwarded to the engine until the handshake has
// completed; a handshake failure closes the connection with nothing
// forwarded. Authentication deliberately blocks on engine readiness so a
// client can never be authenticated before the backend can serve it.
func (c *clientConn) handshake(ctx context.Context) error {
	for {
		startup, err := c.backend.ReceiveStartupMessage()
		if err != nil {
			return trace.Wrap(err)
		}
		switch m := startup.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			// Encryption is pointless on loopback; ask the client to
			// continue in the clear and wait for its real startup packet.
			if _, err := c.conn.Write(sslNotSupported); err != nil {
				return trace.Wrap(err)
			}
		case *pgproto3.CancelRequest:
			// Cancel requests arrive on a fresh connection and carry no
			// session to authenticate.
			return trace.ConnectionProblem(nil, "cancel request on startup")
		case *pgproto3.StartupMessage:
			if err := c.engine.WaitReady(ctx); err != nil {
				c.send(errorToWire(err))
				return trace.Wrap(err)
			}
			if err := c.sendReadyHandshake(); err != nil {
				return trace.Wrap(err)
			}
			c.authenticated = true
			c.log.DebugContext(ctx, "Client authenticated.", "user", m.Parameters["user"], "database", m.Parameters["database"])
			return nil
		default:
			return trace.BadParameter("unexpected startup message %T", startup)
		}
	}
}

func (c *clientConn) sendReadyHandshake() error {
	msgs := []pgproto3.BackendMessage{
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: defaults.ServerVersion},
		&pgproto3.ParameterStatus{Name: "server_encoding", Value: "UTF8"},
		&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
		&pgproto3.BackendKeyData{ProcessID: rand.Uint32(), SecretKey: rand.Uint32()},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}
	for _, msg := range msgs {
		if err := c.backend.Send(msg); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// serve is the ready-state loop: inbound frames are forwarded verbatim to
// the engine and each response frame is written back in the order produced.
func (c *clientConn) serve(ctx context.Context) error {
	if !c.authenticated {
		return trace.AccessDenied("connection is not authenticated")
	}
	for {
		msg, err := c.backend.Receive()
		if err != nil {
			// Transport failure, the socket is gone.
			return trace.Wrap(err)
		}
		if _, ok := msg.(*pgproto3.Terminate); ok {
			return nil
		}
		responses, err := c.engine.Execute(ctx, msg)
		if err != nil {
			// Engine-level failure: translate to a wire error frame and
			// keep the connection open for further frames.
			if err := c.send(errorToWire(err), &pgproto3.ReadyForQuery{TxStatus: 'E'}); err != nil {
				return trace.Wrap(err)
			}
			continue
		}
		responses = append(responses, &pgproto3.ReadyForQuery{TxStatus: 'I'})
		if err := c.send(responses...); err != nil {
			return trace.Wrap(err)
		}
	}
}

func (c *clientConn) send(msgs ...pgproto3.BackendMessage) error {
	for _, msg := range msgs {
		if err := c.backend.Send(msg); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
