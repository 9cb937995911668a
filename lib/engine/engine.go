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

// Package engine is the embedded-mode backend: an in-process SQLite store
// that accepts Postgres wire protocol frames and produces wire protocol
// responses. It has no network awareness; the gateway package speaks the
// protocol on its behalf.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgproto3/v2"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/gravitational/devdb"
)

// textOID is the Postgres "text" type. Every result column is rendered in
// text format, which any client can decode.
const textOID = 25

// ExecError is a per-request execution failure inside the engine. It is
// recovered locally by the gateway and translated into a wire-format error
// frame; it never terminates a connection or the session.
type ExecError struct {
	// Code is a SQLSTATE, may be empty when the failure carries nothing
	// more specific.
	Code string
	// Message is the failure text shown to the client.
	Message string
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	return e.Message
}

// Config sets up the embedded engine.
type Config struct {
	// Path is the single-file store location.
	Path string
	// Log is the engine logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Log == nil {
		c.Log = slog.With(devdb.ComponentKey, devdb.ComponentEngine)
	}
	return nil
}

// Engine is a single logical store instance shared by every client
// connection of the session. It is not pooled or replicated.
type Engine struct {
	cfg Config
	db  *sql.DB
	log *slog.Logger

	// mu serializes Execute calls: the store handle is shared read/write by
	// all connections and interleaved writes are not safe on it, so the
	// engine resolves that with a single-flight queue here rather than
	// leaving it to callers.
	mu sync.Mutex

	ready    chan struct{}
	readyErr error

	closeOnce sync.Once
}

// Start opens the store at the given path and begins warming it up in the
// background. Callers gate on WaitReady before first use.
func Start(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", "file:"+cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e := &Engine{
		cfg:   cfg,
		db:    db,
		log:   cfg.Log,
		ready: make(chan struct{}),
	}
	go e.warmUp(ctx)
	return e, nil
}

func (e *Engine) warmUp(ctx context.Context) {
	e.readyErr = e.db.PingContext(ctx)
	if e.readyErr != nil {
		e.log.WarnContext(ctx, "Embedded engine failed to initialize.", "path", e.cfg.Path, "error", e.readyErr)
	} else {
		e.log.DebugContext(ctx, "Embedded engine ready.", "path", e.cfg.Path)
	}
	close(e.ready)
}

// WaitReady blocks until the engine's internal initialization completes.
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return trace.Wrap(e.readyErr)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Execute runs one client-submitted protocol frame against the store and
// returns the response frames in wire order. It is the sole execution entry
// point used by the gateway. Failures are returned as *ExecError for the
// gateway to translate; they are never written to the network here.
func (e *Engine) Execute(ctx context.Context, msg pgproto3.FrontendMessage) ([]pgproto3.BackendMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch m := msg.(type) {
	case *pgproto3.Query:
		return e.executeSimple(ctx, m.String)
	default:
		return nil, &ExecError{
			Code:    pgerrcode.FeatureNotSupported,
			Message: fmt.Sprintf("the embedded engine only supports the simple query protocol, got %T", msg),
		}
	}
}

func (e *Engine) executeSimple(ctx context.Context, query string) ([]pgproto3.BackendMessage, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return []pgproto3.BackendMessage{&pgproto3.EmptyQueryResponse{}}, nil
	}
	if returnsRows(q) {
		return e.runQuery(ctx, q)
	}
	return e.runExec(ctx, q)
}

func (e *Engine) runQuery(ctx context.Context, query string) ([]pgproto3.BackendMessage, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, execError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, execError(err)
	}
	desc := &pgproto3.RowDescription{Fields: make([]pgproto3.FieldDescription, 0, len(cols))}
	for _, col := range cols {
		desc.Fields = append(desc.Fields, pgproto3.FieldDescription{
			Name:         []byte(col),
			DataTypeOID:  textOID,
			DataTypeSize: -1,
			TypeModifier: -1,
		})
	}
	out := []pgproto3.BackendMessage{desc}

	count := 0
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, execError(err)
		}
		row := &pgproto3.DataRow{Values: make([][]byte, len(cols))}
		for i, v := range raw {
			row.Values[i] = renderText(v)
		}
		out = append(out, row)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, execError(err)
	}
	out = append(out, &pgproto3.CommandComplete{CommandTag: []byte("SELECT " + strconv.Itoa(count))})
	return out, nil
}

func (e *Engine) runExec(ctx context.Context, query string) ([]pgproto3.BackendMessage, error) {
	res, err := e.db.ExecContext(ctx, query)
	if err != nil {
		return nil, execError(err)
	}
	return []pgproto3.BackendMessage{
		&pgproto3.CommandComplete{CommandTag: []byte(commandTag(query, res))},
	}, nil
}

// Close releases the store. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.db.Close()
	})
	return trace.Wrap(err)
}

// returnsRows reports whether a statement produces a result set and should
// go through the query path rather than exec.
func returnsRows(query string) bool {
	fields := strings.Fields(strings.ToUpper(query))
	if len(fields) == 0 {
		return false
	}
	switch strings.TrimRight(fields[0], ";") {
	case "SELECT", "VALUES", "WITH", "PRAGMA", "EXPLAIN":
		return true
	}
	return false
}

// commandTag builds the completion tag Postgres clients expect for
// non-result statements.
func commandTag(query string, res sql.Result) string {
	fields := strings.Fields(strings.ToUpper(query))
	if len(fields) == 0 {
		return ""
	}
	affected := int64(0)
	if res != nil {
		if n, err := res.RowsAffected(); err == nil {
			affected = n
		}
	}
	switch fields[0] {
	case "INSERT":
		return fmt.Sprintf("INSERT 0 %d", affected)
	case "UPDATE", "DELETE":
		return fmt.Sprintf("%s %d", fields[0], affected)
	case "CREATE", "DROP", "ALTER":
		if len(fields) > 1 {
			return fields[0] + " " + strings.TrimRight(fields[1], ";")
		}
	}
	return strings.TrimRight(fields[0], ";")
}

// renderText renders one column value in Postgres text format. A nil return
// is the wire representation of NULL.
func renderText(v any) []byte {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	case string:
		return []byte(t)
	case int64:
		return strconv.AppendInt(nil, t, 10)
	case float64:
		return strconv.AppendFloat(nil, t, 'g', -1, 64)
	case bool:
		if t {
			return []byte("t")
		}
		return []byte("f")
	case time.Time:
		return []byte(t.Format("2006-01-02 15:04:05.999999-07"))
	default:
		return []byte(fmt.Sprintf("%v", t))
	}
}

// execError maps a store failure onto the engine's error shape, attaching a
// SQLSTATE when the underlying failure implies one.
func execError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		code := pgerrcode.InternalError
		switch se.Code {
		case sqlite3.ErrError:
			code = pgerrcode.SyntaxError
		case sqlite3.ErrConstraint:
			code = pgerrcode.IntegrityConstraintViolation
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			code = pgerrcode.LockNotAvailable
		}
		return &ExecError{Code: code, Message: err.Error()}
	}
	return &ExecError{Message: err.Error()}
}
