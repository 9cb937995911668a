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

// Package defaults contains default constants set in various parts of devdb.
package defaults

import "time"

const (
	// Localhost is the only address a session backend ever listens on.
	Localhost = "127.0.0.1"

	// Port is the default port the session backend listens on. It
	// deliberately avoids 5432 so a session never collides with a system
	// Postgres installation.
	Port = 5433

	// DatabaseName is the default logical database served by a session.
	DatabaseName = "devdb"

	// DatabaseUser is the username advertised to clients. Authentication is
	// trust-based; the name exists because most client libraries refuse to
	// connect with empty credentials.
	DatabaseUser = "devdb"

	// DatabasePassword accompanies DatabaseUser and is never verified.
	DatabasePassword = "devdb"

	// ReadinessAttempts is the number of TCP probes made before a spawned
	// backend is declared unreachable.
	ReadinessAttempts = 30

	// ReadinessInterval is the spacing between readiness probes, giving a
	// total budget of about three seconds with ReadinessAttempts.
	ReadinessInterval = 100 * time.Millisecond

	// ServerLogName is the file the native server's output is written to
	// inside the storage directory when no explicit log file is configured.
	ServerLogName = "server.log"

	// ServerVersion is the Postgres version the embedded-mode gateway
	// reports in its startup parameters.
	ServerVersion = "16.0 (devdb)"
)
