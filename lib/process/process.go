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

// Package process manages the native-mode Postgres backend: one-shot cluster
// initialization, spawning and supervising the server child process, and
// fast, idempotent termination.
package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/devdb"
	"github.com/gravitational/devdb/lib/defaults"
)

// initMarker is the file initdb leaves at the root of an initialized
// cluster data directory.
const initMarker = "PG_VERSION"

// terminateGrace is how long Terminate waits for a fast shutdown to
// complete before escalating to a kill.
const terminateGrace = 10 * time.Second

// Config sets up a native process manager.
type Config struct {
	// Verbose inherits the server's output on the parent's streams.
	Verbose bool
	// LogFile receives the server's output when not verbose. It is opened
	// in truncate mode exactly once per session start so logs don't grow
	// across repeated dev sessions. Empty means the output is discarded.
	LogFile string
	// Log is the manager's own logger.
	Log *slog.Logger

	// InitDB, Server and CreateDB override the external command names,
	// used by tests to substitute stub executables.
	InitDB   string
	Server   string
	CreateDB string
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.InitDB == "" {
		c.InitDB = "initdb"
	}
	if c.Server == "" {
		c.Server = "postgres"
	}
	if c.CreateDB == "" {
		c.CreateDB = "createdb"
	}
	if c.Log == nil {
		c.Log = slog.With(devdb.ComponentKey, devdb.ComponentProcess)
	}
	return nil
}

// Manager drives the external Postgres commands for one session. Its only
// contract with those commands is their exit status.
type Manager struct {
	cfg Config
	log *slog.Logger
}

// NewManager returns a process manager.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{cfg: cfg, log: cfg.Log}, nil
}

// EnsureInitialized initializes the cluster data directory unless it already
// carries the initialization marker. The initialization command runs at most
// once per data directory; a non-zero exit is fatal and the caller must not
// proceed to Spawn.
func (m *Manager) EnsureInitialized(ctx context.Context, dataDir string) error {
	if _, err := os.Stat(filepath.Join(dataDir, initMarker)); err == nil {
		m.log.DebugContext(ctx, "Cluster already initialized.", "data_dir", dataDir)
		return nil
	}
	m.log.InfoContext(ctx, "Initializing cluster.", "data_dir", dataDir)
	cmd := exec.CommandContext(ctx, m.cfg.InitDB,
		"-D", dataDir,
		"-A", "trust",
		"-E", "UTF8",
		"-U", defaults.DatabaseUser)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return trace.Wrap(devdb.ErrInitializationFailure,
				"%q executable not found in PATH, install the Postgres server tools or use embedded mode", m.cfg.InitDB)
		}
		return trace.Wrap(devdb.ErrInitializationFailure, "%v failed: %v", m.cfg.InitDB, tailOf(out))
	}
	return nil
}

// Spawn launches the server child process bound to the loopback address and
// the given port, with its output redirected according to the log sink
// policy: verbose (inherit) wins over a log file, which wins over discard.
// A log file that fails to open falls back to inherit with a warning rather
// than silently discarding output.
func (m *Manager) Spawn(ctx context.Context, dataDir string, port int) (*Handle, error) {
	stdout, stderr, sink := m.openLogSink(ctx)
	cmd := exec.Command(m.cfg.Server,
		"-D", dataDir,
		"-p", strconv.Itoa(port),
		"-c", "listen_addresses="+defaults.Localhost,
		"-k", dataDir)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		closeSink(sink)
		if errors.Is(err, exec.ErrNotFound) {
			return nil, trace.Wrap(devdb.ErrProcessStartFailure,
				"%q executable not found in PATH", m.cfg.Server)
		}
		return nil, trace.Wrap(devdb.ErrProcessStartFailure, "failed to launch %v: %v", m.cfg.Server, err)
	}
	h := &Handle{
		cmd:  cmd,
		sink: sink,
		done: make(chan struct{}),
	}
	m.log.InfoContext(ctx, "Database server started.", "pid", cmd.Process.Pid, "port", port)
	go m.supervise(ctx, h)
	return h, nil
}

// supervise waits for the child to exit and closes the log sink when the
// exit event fires, whether the exit was requested or not. An exit before
// the stop flag is set is reported, not retried: the supervisor never
// restarts a backend mid-session.
func (m *Manager) supervise(ctx context.Context, h *Handle) {
	err := h.cmd.Wait()
	closeSink(h.sink)
	if !h.stopped.Load() {
		m.log.WarnContext(ctx, "Database server exited unexpectedly.",
			"pid", h.cmd.Process.Pid, "error", err)
	}
	close(h.done)
}

// Terminate sends the server a fast-shutdown signal (SIGINT, which aborts
// in-flight transactions instead of draining them, favoring dev-loop
// turnaround) exactly once, then waits for the exit event. Repeated calls
// are no-ops.
func (m *Manager) Terminate(h *Handle) {
	if h == nil || !h.stopped.CompareAndSwap(false, true) {
		return
	}
	m.log.DebugContext(context.Background(), "Stopping database server.", "pid", h.cmd.Process.Pid)
	if err := h.cmd.Process.Signal(syscall.SIGINT); err != nil {
		// Already gone; the supervise goroutine closes the sink.
		return
	}
	select {
	case <-h.done:
	case <-time.After(terminateGrace):
		m.log.WarnContext(context.Background(), "Database server ignored fast shutdown, killing.", "pid", h.cmd.Process.Pid)
		h.cmd.Process.Kill()
		<-h.done
	}
}

// CreateDatabase creates the session's logical database. A database that
// already exists is the expected steady state across repeated dev-session
// restarts and is not an error.
func (m *Manager) CreateDatabase(ctx context.Context, port int, name string) error {
	cmd := exec.CommandContext(ctx, m.cfg.CreateDB,
		"-h", defaults.Localhost,
		"-p", strconv.Itoa(port),
		"-U", defaults.DatabaseUser,
		name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if bytes.Contains(out, []byte("already exists")) {
			m.log.DebugContext(ctx, "Database already exists.", "database", name)
			return nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return trace.NotFound("%q executable not found in PATH", m.cfg.CreateDB)
		}
		return trace.Errorf("%v failed: %v", m.cfg.CreateDB, tailOf(out))
	}
	return nil
}

// openLogSink resolves the output streams for the child process per the
// verbose > file > discard policy. The returned closer is non-nil only when
// a file was opened.
func (m *Manager) openLogSink(ctx context.Context) (stdout, stderr io.Writer, sink io.Closer) {
	if m.cfg.Verbose {
		return os.Stdout, os.Stderr, nil
	}
	if m.cfg.LogFile != "" {
		f, err := os.OpenFile(m.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			m.log.WarnContext(ctx, "Failed to open server log file, inheriting parent streams.",
				"log_file", m.cfg.LogFile, "error", err)
			return os.Stdout, os.Stderr, nil
		}
		return f, f, f
	}
	return io.Discard, io.Discard, nil
}

func closeSink(sink io.Closer) {
	if sink != nil {
		sink.Close()
	}
}

// Handle is the live resource of a spawned server. It is exclusively owned
// by the backend supervisor; nothing else terminates the process directly.
type Handle struct {
	cmd     *exec.Cmd
	sink    io.Closer
	stopped atomic.Bool
	done    chan struct{}
}

// PID returns the child process ID.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Done is closed once the child has exited and its log sink is closed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func tailOf(out []byte) string {
	const max = 512
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
