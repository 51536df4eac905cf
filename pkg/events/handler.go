// Package events implements SyftEvents: a filesystem-watching dispatcher
// that binds handler functions to RPC endpoints (on_request) and to
// glob-matched path changes (watch).
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/opensyftbox/syftbox/pkg/message"
)

var (
	// ErrBadHandlerSignature is returned when a registered handler's
	// argument/return shape cannot be bound.
	ErrBadHandlerSignature = errors.New("events: unsupported handler signature")
)

// RequestContext is the "Request" binding target: a handler taking this
// type receives a populated view of the inbound request.
type RequestContext struct {
	ID      string
	Sender  string
	URL     string
	Headers message.Headers
	Body    []byte
}

// requestHandler is a reflected, type-erased wrapper around a user handler
// function. argType is nil for a no-argument handler.
type requestHandler struct {
	fn      reflect.Value
	argType reflect.Type
	kind    argKind
}

type argKind int

const (
	argNone argKind = iota
	argRequestContext
	argStructured
	argRawMap
	argString
)

// newRequestHandler validates fn's signature: it must take zero or one
// argument, and return at most (result, error) or
// (result) or (error) or nothing.
func newRequestHandler(fn any) (*requestHandler, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: not a function", ErrBadHandlerSignature)
	}
	if t.NumIn() > 1 {
		return nil, fmt.Errorf("%w: too many parameters", ErrBadHandlerSignature)
	}
	if t.NumOut() > 2 {
		return nil, fmt.Errorf("%w: too many return values", ErrBadHandlerSignature)
	}

	h := &requestHandler{fn: v}
	if t.NumIn() == 0 {
		h.kind = argNone
		return h, nil
	}

	argType := t.In(0)
	h.argType = argType
	switch {
	case argType == reflect.TypeOf(RequestContext{}):
		h.kind = argRequestContext
	case argType.Kind() == reflect.String:
		h.kind = argString
	case argType.Kind() == reflect.Map:
		h.kind = argRawMap
	case argType.Kind() == reflect.Struct || (argType.Kind() == reflect.Ptr && argType.Elem().Kind() == reflect.Struct):
		h.kind = argStructured
	default:
		return nil, fmt.Errorf("%w: %s", ErrBadHandlerSignature, argType)
	}
	return h, nil
}

// bind constructs the argument value to call fn with, from the decoded
// request.
func (h *requestHandler) bind(req *message.Request) (reflect.Value, error) {
	switch h.kind {
	case argNone:
		return reflect.Value{}, nil
	case argRequestContext:
		return reflect.ValueOf(RequestContext{
			ID:      req.ID,
			Sender:  req.Sender,
			URL:     req.URL.String(),
			Headers: req.Headers,
			Body:    req.Body,
		}), nil
	case argString:
		return reflect.ValueOf(string(req.Body)).Convert(h.argType), nil
	case argRawMap:
		m := reflect.MakeMap(h.argType)
		var raw map[string]any
		if len(req.Body) > 0 {
			if err := json.Unmarshal(req.Body, &raw); err != nil {
				return reflect.Value{}, fmt.Errorf("events: decode body as map: %w", err)
			}
		}
		for k, v := range raw {
			m.SetMapIndex(reflect.ValueOf(k), reflect.ValueOf(v))
		}
		return m, nil
	case argStructured:
		ptr := reflect.New(derefType(h.argType))
		if len(req.Body) > 0 {
			if err := json.Unmarshal(req.Body, ptr.Interface()); err != nil {
				return reflect.Value{}, fmt.Errorf("events: decode body: %w", err)
			}
		}
		if h.argType.Kind() == reflect.Ptr {
			return ptr, nil
		}
		return ptr.Elem(), nil
	default:
		return reflect.Value{}, ErrBadHandlerSignature
	}
}

func derefType(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Ptr {
		return t.Elem()
	}
	return t
}

// invoke calls the handler and returns its coerced result: a body and a
// content-type header.
func (h *requestHandler) invoke(req *message.Request) (body []byte, contentType string, err error) {
	var args []reflect.Value
	if h.kind != argNone {
		arg, bindErr := h.bind(req)
		if bindErr != nil {
			return nil, "", bindErr
		}
		args = []reflect.Value{arg}
	}

	out := h.fn.Call(args)
	var result any
	for _, o := range out {
		if o.Type().Implements(errType) {
			if !o.IsNil() {
				return nil, "", o.Interface().(error)
			}
			continue
		}
		result = o.Interface()
	}

	return coerce(result)
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

func coerce(result any) ([]byte, string, error) {
	switch v := result.(type) {
	case nil:
		return []byte(""), "text/plain", nil
	case []byte:
		return v, "application/octet-stream", nil
	case string:
		return []byte(v), "text/plain", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("events: encode result: %w", err)
		}
		return data, "application/json", nil
	}
}
