/*
Package tasks runs named units of background work.

DESIGN:
  A Registry maps task names to handlers. It is built once in main, filled
  by the packages that own the work (see billing.go) and handed to a
  Dispatcher. There is no package-level registry: tests build their own.

  Dispatchers only know how to run a named task with a payload. The local
  dispatcher runs handlers in goroutines with retries; a queue-backed
  dispatcher would serialize the payload and call the same registry on the
  worker side.

DELIVERY:
  At-least-once. Handlers must be idempotent; billing handlers are, because
  a statement is keyed by (tenant, unit, year, month).
*/
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownTask is returned when a task name has no handler.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateTask is returned when a name is registered twice.
	ErrDuplicateTask = errors.New("task already registered")

	// ErrBadPayload is returned by handlers given malformed input. It is
	// never retried.
	ErrBadPayload = errors.New("bad task payload")
)

// Payload is the task input. Values are strings so payloads survive any
// transport unchanged.
type Payload map[string]string

// Handler executes one task.
type Handler func(ctx context.Context, payload Payload) error

// Registry maps task names to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under name.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("register task %q: name and handler are required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("register task %q: %w", name, ErrDuplicateTask)
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists registered tasks, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes name synchronously.
func (r *Registry) Run(ctx context.Context, name string, payload Payload) error {
	h, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return h(ctx, payload)
}
