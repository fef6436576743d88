// Package handler routes transaction payloads to typed handler functions.
// Each transaction type is registered with the Go type its data decodes into,
// so handlers receive a concrete value instead of an untyped map.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/qerrors"
)

// Handler processes one transaction payload. A returned error or a result with
// Success false counts as a failed attempt.
type Handler interface {
	Handle(ctx context.Context, payload *item.Payload) (item.Result, error)
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context, payload *item.Payload) (item.Result, error)

func (f Func) Handle(ctx context.Context, payload *item.Payload) (item.Result, error) {
	return f(ctx, payload)
}

// Registry dispatches on Payload.Type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds fn to txType. The payload data is decoded into T before fn
// runs; data that does not decode is a permanent failure.
func Register[T any](r *Registry, txType string, fn func(ctx context.Context, tx T) (item.Result, error)) {
	r.Route(txType, Func(func(ctx context.Context, payload *item.Payload) (item.Result, error) {
		var tx T
		if len(payload.Data) > 0 {
			if err := json.Unmarshal(payload.Data, &tx); err != nil {
				return item.Result{}, qerrors.Permanent(fmt.Errorf("invalid payload for %s: %w", txType, err))
			}
		}
		return fn(ctx, tx)
	}))
}

// Route binds an untyped handler to txType, replacing any previous one.
func (r *Registry) Route(txType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[txType] = h
}

// Types returns the registered transaction types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Handle implements Handler. An unknown type is a permanent failure.
func (r *Registry) Handle(ctx context.Context, payload *item.Payload) (item.Result, error) {
	if payload == nil {
		return item.Result{}, qerrors.Permanent(fmt.Errorf("invalid payload: nil"))
	}

	r.mu.RLock()
	h, ok := r.handlers[payload.Type]
	r.mu.RUnlock()

	if !ok {
		return item.Result{}, qerrors.Permanent(fmt.Errorf("no handler registered for transaction type %q", payload.Type))
	}
	return h.Handle(ctx, payload)
}

var _ Handler = (*Registry)(nil)
