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

package gateway

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgproto3/v2"

	"github.com/gravitational/devdb/lib/engine"
)

// errorToWire maps an internal failure to the wire-format error frame sent
// to the client: severity ERROR, the failure's SQLSTATE when it carries
// one, a generic internal-error code otherwise, and the failure's message
// text. Kept free of any socket handling so the mapping can be tested on
// its own.
func errorToWire(err error) *pgproto3.ErrorResponse {
	resp := &pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     pgerrcode.InternalError,
		Message:  "internal error",
	}
	if err == nil {
		return resp
	}
	resp.Message = err.Error()
	var execErr *engine.ExecError
	if errors.As(err, &execErr) && execErr.Code != "" {
		resp.Code = execErr.Code
	}
	return resp
}
