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

package readiness

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	t.Run("invalid port", func(t *testing.T) {
		_, err := New(Config{Port: 0})
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("budget defaults", func(t *testing.T) {
		cfg := Config{Port: 5433}
		require.NoError(t, cfg.CheckAndSetDefaults())
		require.Equal(t, 30, cfg.Attempts)
		require.Equal(t, 100*time.Millisecond, cfg.Interval)
		require.Equal(t, "127.0.0.1", cfg.Host)
	})
}

func TestWaitUntilReady(t *testing.T) {
	t.Parallel()

	t.Run("first probe succeeds, no further attempts", func(t *testing.T) {
		t.Parallel()
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer listener.Close()

		prober, err := New(Config{
			Port:     listener.Addr().(*net.TCPAddr).Port,
			Attempts: 5,
			Interval: time.Millisecond,
		})
		require.NoError(t, err)

		var attempts atomic.Int32
		dial := prober.dial
		prober.dial = func(ctx context.Context, addr string) (net.Conn, error) {
			attempts.Add(1)
			return dial(ctx, addr)
		}
		require.True(t, prober.WaitUntilReady(context.Background()))
		require.Equal(t, int32(1), attempts.Load())
	})

	t.Run("succeeds mid-budget", func(t *testing.T) {
		t.Parallel()
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer listener.Close()

		prober, err := New(Config{
			Port:     listener.Addr().(*net.TCPAddr).Port,
			Attempts: 10,
			Interval: time.Millisecond,
		})
		require.NoError(t, err)

		var attempts atomic.Int32
		dial := prober.dial
		prober.dial = func(ctx context.Context, addr string) (net.Conn, error) {
			if attempts.Add(1) < 4 {
				return nil, trace.ConnectionProblem(nil, "not yet")
			}
			return dial(ctx, addr)
		}
		require.True(t, prober.WaitUntilReady(context.Background()))
		require.Equal(t, int32(4), attempts.Load())
	})

	t.Run("budget exhausted returns false", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		prober, err := New(Config{
			Port:     5433,
			Attempts: 3,
			Clock:    clock,
		})
		require.NoError(t, err)

		var attempts atomic.Int32
		prober.dial = func(ctx context.Context, addr string) (net.Conn, error) {
			attempts.Add(1)
			return nil, trace.ConnectionProblem(nil, "nothing listening")
		}

		result := make(chan bool, 1)
		go func() {
			result <- prober.WaitUntilReady(context.Background())
		}()
		// Two sleeps separate three attempts.
		for i := 0; i < 2; i++ {
			clock.BlockUntil(1)
			clock.Advance(100 * time.Millisecond)
		}
		require.False(t, <-result)
		require.Equal(t, int32(3), attempts.Load())
	})

	t.Run("canceled context stops probing", func(t *testing.T) {
		t.Parallel()
		prober, err := New(Config{
			Port:     5433,
			Attempts: 30,
			Interval: time.Hour,
		})
		require.NoError(t, err)
		prober.dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return nil, trace.ConnectionProblem(nil, "nothing listening")
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.False(t, prober.WaitUntilReady(ctx))
	})
}
