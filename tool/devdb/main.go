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

// Command devdb starts an ephemeral development database session on
// loopback and keeps it up until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/devdb"
	"github.com/gravitational/devdb/lib/defaults"
	"github.com/gravitational/devdb/lib/session"
	"github.com/gravitational/devdb/lib/supervisor"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("devdb", "Ephemeral development database sessions.")
	app.Version(devdb.Version)
	port := app.Flag("port", "Loopback port to listen on.").Default(fmt.Sprint(defaults.Port)).Int()
	dir := app.Flag("dir", "Storage location for session data.").Default(".devdb").String()
	database := app.Flag("db", "Logical database name.").Default(defaults.DatabaseName).String()
	mode := app.Flag("mode", "Backend mode: native or embedded. Detected automatically when omitted.").String()
	logFile := app.Flag("log-file", "Write native server output to this file instead of the storage directory default.").String()
	verbose := app.Flag("verbose", "Inherit native server output on this terminal.").Short('v').Bool()
	debug := app.Flag("debug", "Enable debug logging.").Short('d').Bool()

	if _, err := app.Parse(args); err != nil {
		return trace.Wrap(err)
	}
	initLogger(*debug)

	ctx := context.Background()
	backend, err := supervisor.Start(ctx, supervisor.Config{
		Session: session.Config{
			Port:     *port,
			Database: *database,
			Dir:      *dir,
			Mode:     session.Mode(*mode),
			Verbose:  *verbose,
			LogFile:  *logFile,
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	// Stop is one-shot: the signal path below and this deferred call may
	// both fire, the teardown still runs exactly once.
	defer backend.Stop()

	ep := backend.Endpoint()
	fmt.Printf("devdb: %v backend ready at %v\n", backend.Mode(), ep.URL())
	for _, kv := range ep.Environ() {
		fmt.Println("export " + kv)
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Shutting down.", "signal", sig.String())
	backend.Stop()
	return nil
}

func initLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
