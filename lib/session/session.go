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

// Package session defines the immutable per-session configuration of a devdb
// backend: the port, database name and storage location resolved once at
// startup, and the one-shot backend mode selection.
package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/gravitational/trace"

	"github.com/gravitational/devdb/lib/defaults"
)

// Mode selects how the session backend is run. It is resolved exactly once
// per session and never re-evaluated; all downstream logic dispatches on the
// resolved value rather than re-probing.
type Mode string

const (
	// ModeNative runs a real Postgres server as a child process.
	ModeNative Mode = "native"
	// ModeEmbedded runs an in-process engine behind a wire protocol gateway.
	ModeEmbedded Mode = "embedded"
)

// sqliteDriver is the database/sql driver name the embedded engine links in.
const sqliteDriver = "sqlite3"

// Config is the session configuration. It is resolved once by
// CheckAndSetDefaults and treated as immutable afterwards; components receive
// it by value and never write it back.
type Config struct {
	// Port is the loopback port the backend listens on.
	Port int
	// Database is the logical database name served to the workload.
	Database string
	// Dir is the storage location root: the cluster data directory in
	// native mode, the parent of the single store file in embedded mode.
	Dir string
	// Mode selects the backend mode. Empty means resolve by capability
	// probe: embedded when the engine is compiled in, native otherwise.
	Mode Mode
	// Verbose inherits the native server's output on the parent's streams
	// instead of a log file.
	Verbose bool
	// LogFile overrides where native server output is written. Relative
	// paths are resolved against Dir.
	LogFile string
}

// CheckAndSetDefaults validates the configuration, fills in defaults and
// performs the one-shot mode resolution. After it returns nil the value is
// final for the session.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.Port < 0 || c.Port > 65535 {
		return trace.BadParameter("invalid port %v", c.Port)
	}
	if c.Database == "" {
		c.Database = defaults.DatabaseName
	}
	if c.LogFile != "" && !filepath.IsAbs(c.LogFile) {
		c.LogFile = filepath.Join(c.Dir, c.LogFile)
	}
	mode, err := resolveMode(c.Mode)
	if err != nil {
		return trace.Wrap(err)
	}
	c.Mode = mode
	return nil
}

// resolveMode performs the one-time capability detection: embedded when the
// engine is compiled into the build, native otherwise. Native mode needs no
// probe here; a missing server executable surfaces as a process start
// failure when the backend is spawned.
func resolveMode(explicit Mode) (Mode, error) {
	switch explicit {
	case ModeEmbedded:
		if !embeddedAvailable() {
			return "", trace.NotFound("embedded engine is not compiled into this build")
		}
		return ModeEmbedded, nil
	case ModeNative:
		return ModeNative, nil
	case "":
		if embeddedAvailable() {
			return ModeEmbedded, nil
		}
		return ModeNative, nil
	default:
		return "", trace.BadParameter("unknown mode %q, expected %q or %q", explicit, ModeNative, ModeEmbedded)
	}
}

// embeddedAvailable reports whether the embedded engine is compiled into
// this build. Overridden in tests.
var embeddedAvailable = func() bool {
	return slices.Contains(sql.Drivers(), sqliteDriver)
}

// DataDir returns the native cluster data directory.
func (c Config) DataDir() string {
	return c.Dir
}

// StoreFile returns the embedded engine's single-file store path.
func (c Config) StoreFile() string {
	return filepath.Join(c.Dir, c.Database+".sqlite")
}

// EnsureStorage makes the storage location usable for the resolved mode.
// If the path already exists with the wrong shape for the mode, it is
// corrected here, once, before first use; the location is never re-resolved
// afterwards.
func (c Config) EnsureStorage() error {
	switch c.Mode {
	case ModeNative:
		if fi, err := os.Stat(c.DataDir()); err == nil && !fi.IsDir() {
			if err := os.Remove(c.DataDir()); err != nil {
				return trace.ConvertSystemError(err)
			}
		}
		if err := os.MkdirAll(c.DataDir(), 0o700); err != nil {
			return trace.ConvertSystemError(err)
		}
	case ModeEmbedded:
		if err := os.MkdirAll(c.Dir, 0o700); err != nil {
			return trace.ConvertSystemError(err)
		}
		if fi, err := os.Stat(c.StoreFile()); err == nil && fi.IsDir() {
			if err := os.RemoveAll(c.StoreFile()); err != nil {
				return trace.ConvertSystemError(err)
			}
		}
	default:
		return trace.BadParameter("mode is not resolved")
	}
	return nil
}

// Endpoint describes the reachable backend to the consuming workload. It is
// a read-only contract: the fields match what any standard Postgres client
// needs to connect.
type Endpoint struct {
	// Host is always the loopback address.
	Host string
	// Port is the resolved listening port.
	Port int
	// Database is the logical database name.
	Database string
	// User and Password are advertised because many client libraries insist
	// on non-empty credentials. The backend trusts any identity claim and
	// never verifies them.
	User     string
	Password string
	// Dir is the storage location path.
	Dir string
}

// NewEndpoint builds the workload-facing endpoint for a resolved session.
func NewEndpoint(cfg Config) Endpoint {
	return Endpoint{
		Host:     defaults.Localhost,
		Port:     cfg.Port,
		Database: cfg.Database,
		User:     defaults.DatabaseUser,
		Password: defaults.DatabasePassword,
		Dir:      cfg.Dir,
	}
}

// Addr returns the host:port of the endpoint.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%v:%v", e.Host, e.Port)
}

// URL returns a connection string accepted by standard Postgres clients.
func (e Endpoint) URL() string {
	return fmt.Sprintf("postgres://%v:%v@%v:%v/%v?sslmode=disable",
		e.User, e.Password, e.Host, e.Port, e.Database)
}

// Environ returns the discovery environment exposed to the workload.
func (e Endpoint) Environ() []string {
	return []string{
		"PGHOST=" + e.Host,
		fmt.Sprintf("PGPORT=%v", e.Port),
		"PGDATABASE=" + e.Database,
		"PGUSER=" + e.User,
		"PGPASSWORD=" + e.Password,
		"PGSSLMODE=disable",
	}
}
