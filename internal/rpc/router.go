// Package rpc routes named procedure calls ("group.procedure") to typed
// handlers and serves them over HTTP/JSON and gRPC.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/session"
	"go.uber.org/zap"
)

// Auth is the access level a procedure requires.
type Auth int

const (
	Public Auth = iota
	Authenticated
	Admin
)

// authWait bounds how long a call waits for the caller's session to
// finish resolving before checking its access level.
const authWait = 5 * time.Second

// Handler is a typed procedure implementation.
type Handler[In, Out any] func(ctx context.Context, s *session.Session, in In) (Out, error)

// Entry is a procedure ready to be added to a Router group.
type Entry struct {
	name string
	auth Auth
	call func(ctx context.Context, s *session.Session, input json.RawMessage) (any, error)
}

// Procedure builds an Entry. Input is decoded from JSON into In and, for
// struct inputs, validated with model.Validate before h runs.
func Procedure[In, Out any](name string, auth Auth, h Handler[In, Out]) Entry {
	return Entry{
		name: name,
		auth: auth,
		call: func(ctx context.Context, s *session.Session, input json.RawMessage) (any, error) {
			var in In
			if len(bytes.TrimSpace(input)) > 0 && !bytes.Equal(bytes.TrimSpace(input), []byte("null")) {
				if err := json.Unmarshal(input, &in); err != nil {
					return nil, Errorf(CodeBadRequest, "invalid input: %v", err)
				}
			}
			if isStruct(in) {
				if err := model.Validate(in); err != nil {
					return nil, err
				}
			}
			return h(ctx, s, in)
		},
	}
}

func isStruct(v any) bool {
	t := reflect.TypeOf(v)
	if t == nil {
		return false
	}
	if t.Kind() == reflect.Pointer {
		if reflect.ValueOf(v).IsNil() {
			return false
		}
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}

// Empty is the input of procedures that take none.
type Empty struct{}

// Observer is notified after every call.
type Observer func(procedure string, code Code, elapsed time.Duration)

// Router holds the registered procedures.
type Router struct {
	procs    map[string]Entry
	logger   *zap.Logger
	observer Observer
}

// NewRouter creates an empty Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{procs: make(map[string]Entry), logger: logger}
}

// Observe installs fn as the call observer.
func (r *Router) Observe(fn Observer) { r.observer = fn }

// Group registers entries under group, as "group.name". Registering the
// same path twice panics.
func (r *Router) Group(group string, entries ...Entry) {
	for _, e := range entries {
		path := group + "." + e.name
		if _, dup := r.procs[path]; dup {
			panic(fmt.Sprintf("rpc: procedure %s registered twice", path))
		}
		r.procs[path] = e
	}
}

// Procedures lists the registered procedure paths in order.
func (r *Router) Procedures() []string {
	out := make([]string, 0, len(r.procs))
	for p := range r.procs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Call runs the procedure at path for the caller's session s. The result is
// the procedure's output; the error is always an *Error.
func (r *Router) Call(ctx context.Context, s *session.Session, path string, input json.RawMessage) (any, *Error) {
	start := time.Now()
	out, rerr := r.call(ctx, s, path, input)
	code := Code("OK")
	if rerr != nil {
		code = rerr.Code
	}
	if r.observer != nil {
		r.observer(path, code, time.Since(start))
	}
	return out, rerr
}

func (r *Router) call(ctx context.Context, s *session.Session, path string, input json.RawMessage) (any, *Error) {
	e, ok := r.procs[path]
	if !ok {
		return nil, Errorf(CodeNotFound, "no procedure %q", path)
	}

	if e.auth >= Authenticated {
		s.WaitInitialized(ctx, authWait)
		if !s.IsAuthenticated() {
			return nil, Errorf(CodeUnauthorized, "not authenticated")
		}
		if e.auth == Admin && !s.IsAdmin() {
			return nil, Errorf(CodeForbidden, "admin access required")
		}
	}

	out, err := e.call(ctx, s, input)
	if err != nil {
		rerr, internal := AsError(err)
		if internal {
			r.logger.Error("rpc procedure failed", zap.String("procedure", path), zap.Error(err))
		}
		return nil, rerr
	}
	return out, nil
}
