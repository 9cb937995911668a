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

package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/devdb"
)

// writeStub drops an executable shell script standing in for an external
// Postgres command.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func TestEnsureInitialized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fresh location runs init exactly once", func(t *testing.T) {
		t.Parallel()
		dataDir := t.TempDir()
		countFile := filepath.Join(t.TempDir(), "count")
		m := newManager(t, Config{
			InitDB: writeStub(t, fmt.Sprintf(`echo run >> %q
touch "$2/PG_VERSION"`, countFile)),
		})

		require.NoError(t, m.EnsureInitialized(ctx, dataDir))
		require.NoError(t, m.EnsureInitialized(ctx, dataDir))

		out, err := os.ReadFile(countFile)
		require.NoError(t, err)
		require.Equal(t, 1, strings.Count(string(out), "run"))
	})

	t.Run("marker present, init never invoked", func(t *testing.T) {
		t.Parallel()
		dataDir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, "PG_VERSION"), []byte("16\n"), 0o600))
		countFile := filepath.Join(t.TempDir(), "count")
		m := newManager(t, Config{
			InitDB: writeStub(t, fmt.Sprintf("echo run >> %q", countFile)),
		})

		require.NoError(t, m.EnsureInitialized(ctx, dataDir))
		_, err := os.Stat(countFile)
		require.True(t, os.IsNotExist(err))
	})

	t.Run("non-zero exit is fatal", func(t *testing.T) {
		t.Parallel()
		m := newManager(t, Config{
			InitDB: writeStub(t, `echo "could not create directory" >&2
exit 1`),
		})
		err := m.EnsureInitialized(ctx, t.TempDir())
		require.ErrorIs(t, err, devdb.ErrInitializationFailure)
		require.ErrorContains(t, err, "could not create directory")
	})

	t.Run("missing executable named in the error", func(t *testing.T) {
		t.Parallel()
		m := newManager(t, Config{InitDB: "definitely-missing-initdb-463"})
		err := m.EnsureInitialized(ctx, t.TempDir())
		require.ErrorIs(t, err, devdb.ErrInitializationFailure)
		require.ErrorContains(t, err, "definitely-missing-initdb-463")
	})
}

func TestSpawnAndTerminate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("missing executable", func(t *testing.T) {
		t.Parallel()
		m := newManager(t, Config{Server: "definitely-missing-postgres-463"})
		_, err := m.Spawn(ctx, t.TempDir(), 5433)
		require.ErrorIs(t, err, devdb.ErrProcessStartFailure)
		require.ErrorContains(t, err, "definitely-missing-postgres-463")
	})

	t.Run("terminate stops the server", func(t *testing.T) {
		t.Parallel()
		m := newManager(t, Config{Server: writeStub(t, "exec sleep 60")})
		h, err := m.Spawn(ctx, t.TempDir(), 5433)
		require.NoError(t, err)
		require.Positive(t, h.PID())

		m.Terminate(h)
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("server did not exit after terminate")
		}
		// Repeated invocation is a no-op.
		m.Terminate(h)
	})

	t.Run("concurrent terminate sends one signal", func(t *testing.T) {
		t.Parallel()
		sigFile := filepath.Join(t.TempDir(), "signals")
		m := newManager(t, Config{Server: writeStub(t, fmt.Sprintf(`trap 'echo sig >> %q; exit 0' INT
while :; do sleep 0.05; done`, sigFile))})
		h, err := m.Spawn(ctx, t.TempDir(), 5433)
		require.NoError(t, err)
		// Give the script a beat to install its trap.
		time.Sleep(200 * time.Millisecond)

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.Terminate(h)
			}()
		}
		wg.Wait()
		<-h.Done()

		out, err := os.ReadFile(sigFile)
		require.NoError(t, err)
		require.Equal(t, 1, strings.Count(string(out), "sig"))
	})

	t.Run("unexpected exit closes the handle", func(t *testing.T) {
		t.Parallel()
		m := newManager(t, Config{Server: writeStub(t, "exit 3")})
		h, err := m.Spawn(ctx, t.TempDir(), 5433)
		require.NoError(t, err)
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("exit event never fired")
		}
	})
}

func TestLogSink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("log file is truncated per session", func(t *testing.T) {
		t.Parallel()
		logFile := filepath.Join(t.TempDir(), "server.log")
		require.NoError(t, os.WriteFile(logFile, []byte("stale output from a previous session\n"), 0o600))

		m := newManager(t, Config{
			Server:  writeStub(t, "echo hello"),
			LogFile: logFile,
		})
		h, err := m.Spawn(ctx, t.TempDir(), 5433)
		require.NoError(t, err)
		<-h.Done()

		out, err := os.ReadFile(logFile)
		require.NoError(t, err)
		require.Equal(t, "hello\n", string(out))
	})

	t.Run("unopenable log file falls back to inherited streams", func(t *testing.T) {
		t.Parallel()
		m := newManager(t, Config{
			Server:  writeStub(t, "exit 0"),
			LogFile: filepath.Join(t.TempDir(), "no-such-dir", "server.log"),
		})
		h, err := m.Spawn(ctx, t.TempDir(), 5433)
		require.NoError(t, err)
		<-h.Done()
	})
}

func TestCreateDatabase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		m := newManager(t, Config{CreateDB: writeStub(t, "exit 0")})
		require.NoError(t, m.CreateDatabase(ctx, 5433, "devdb"))
	})

	t.Run("already exists is swallowed across restarts", func(t *testing.T) {
		t.Parallel()
		state := filepath.Join(t.TempDir(), "created")
		m := newManager(t, Config{CreateDB: writeStub(t, fmt.Sprintf(`if [ -f %[1]q ]; then
  echo 'createdb: error: database "devdb" already exists' >&2
  exit 1
fi
touch %[1]q`, state))})

		// First session creates, the restarted session finds it existing.
		require.NoError(t, m.CreateDatabase(ctx, 5433, "devdb"))
		require.NoError(t, m.CreateDatabase(ctx, 5433, "devdb"))
	})

	t.Run("real failure surfaces", func(t *testing.T) {
		t.Parallel()
		m := newManager(t, Config{CreateDB: writeStub(t, `echo 'connection refused' >&2
exit 1`)})
		err := m.CreateDatabase(ctx, 5433, "devdb")
		require.ErrorContains(t, err, "connection refused")
	})
}
