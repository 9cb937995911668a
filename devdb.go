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

// Package devdb provisions an ephemeral, loopback-only database backend for
// a single development session and exposes it over the Postgres wire
// protocol.
//
// The backend runs in one of two modes, selected once at startup:
//
//   - native: a real Postgres server child process, initialized and
//     supervised by this package.
//   - embedded: an in-process SQLite engine fronted by a wire protocol
//     gateway, for environments without Postgres installed.
//
// Either way the session serves exactly one logical database to one
// consuming process, for the lifetime of that process.
package devdb

const (
	// ComponentKey is the name of a component field in structured logs.
	ComponentKey = "component"

	// ComponentSupervisor is the backend lifecycle supervisor.
	ComponentSupervisor = "devdb:supervisor"

	// ComponentProcess is the native Postgres process manager.
	ComponentProcess = "devdb:process"

	// ComponentGateway is the embedded-mode wire protocol gateway.
	ComponentGateway = "devdb:gateway"

	// ComponentEngine is the embedded query engine.
	ComponentEngine = "devdb:engine"

	// ComponentReadiness is the TCP readiness prober.
	ComponentReadiness = "devdb:readiness"
)

// Version is the current release of devdb.
const Version = "0.3.0"
