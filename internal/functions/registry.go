package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// EndCall is the built-in function the model calls to hang up. The bridge
// handles it itself; it is never dispatched to a registered handler.
const EndCall = "end_call"

var (
	ErrUnknownFunction  = errors.New("unknown function")
	ErrInvalidArguments = errors.New("invalid function arguments")
)

// Invocation carries the call a function is invoked for.
type Invocation struct {
	Name    string
	CallID  string
	CallKey string
	CallSID string
	Logger  *slog.Logger
}

// Handler receives the raw JSON arguments the model produced.
type Handler func(ctx context.Context, inv Invocation, args json.RawMessage) (any, error)

// Registry maps case-insensitive function names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// RegisterRaw stores h under name, replacing any previous handler.
func (r *Registry) RegisterRaw(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[normalize(name)] = h
}

// Register binds a handler whose arguments decode into T.
func Register[T any](r *Registry, name string, fn func(ctx context.Context, inv Invocation, args T) (any, error)) {
	r.RegisterRaw(name, func(ctx context.Context, inv Invocation, raw json.RawMessage) (any, error) {
		var args T
		if err := DecodeArguments(raw, &args); err != nil {
			return nil, err
		}
		return fn(ctx, inv, args)
	})
}

func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[normalize(name)]
	return h, ok
}

// Dispatch resolves name and invokes it with raw.
func (r *Registry) Dispatch(ctx context.Context, name string, inv Invocation, raw json.RawMessage) (any, error) {
	h, ok := r.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	if inv.Name == "" {
		inv.Name = name
	}
	return h(ctx, inv, raw)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func IsEndCall(name string) bool {
	return normalize(name) == EndCall
}

// DecodeArguments unmarshals raw into target. The model usually sends
// arguments as a JSON string holding an object; that string is unwrapped
// first.
func DecodeArguments(raw json.RawMessage, target any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		raw = bytes.TrimSpace([]byte(inner))
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// EncodeResult renders a handler result as the function output string.
func EncodeResult(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case json.RawMessage:
		if json.Valid(val) {
			return string(val), nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode function result: %w", err)
	}
	return string(data), nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
