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

package devdb

import "errors"

// Fatal session startup failures. Each aborts the session; none triggers a
// fallback to the other backend mode. Callers match them with errors.Is
// after unwrapping trace decorations.
var (
	// ErrInitializationFailure means the cluster/storage initialization
	// command failed and the backend must not be spawned.
	ErrInitializationFailure = errors.New("database cluster initialization failed")

	// ErrProcessStartFailure means the native backend executable could not
	// be launched at all.
	ErrProcessStartFailure = errors.New("database server process failed to start")

	// ErrReadinessTimeout means the backend never accepted connections
	// within the probing budget.
	ErrReadinessTimeout = errors.New("database backend did not become ready")

	// ErrGatewayBindFailure means the embedded-mode listener could not bind
	// its port.
	ErrGatewayBindFailure = errors.New("wire protocol gateway failed to bind")
)
