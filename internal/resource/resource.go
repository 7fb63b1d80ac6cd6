// Package resource owns the callable surface of the owner resource: a
// registry mapping operation name to a typed closure, plus the named
// constant table advertised at bootstrap.
//
// The owner resource itself is whatever stateful object the closures
// capture. All requesters operate on that one object through this
// registry; an unknown name fails the lookup deterministically instead of
// relying on runtime reflection.
package resource

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNilOperation       = errors.New("resource: nil operation")
	ErrDuplicateOperation = errors.New("resource: duplicate operation")
)

// OpFunc applies one operation to the owner resource. Arguments are Go
// primitives or resolved handle objects. A primitive return value travels
// back raw; anything else is registered as a handle by the caller.
type OpFunc func(args []any) (any, error)

// Registry is the enumerable operation surface of one owner resource.
type Registry struct {
	mu     sync.RWMutex
	ops    map[string]OpFunc
	consts map[string]float64
}

func NewRegistry() *Registry {
	return &Registry{
		ops:    make(map[string]OpFunc),
		consts: make(map[string]float64),
	}
}

// Register binds one operation name. Names are fixed at bootstrap;
// re-registering is a programming error, not version skew.
func (r *Registry) Register(name string, fn OpFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: %q", ErrNilOperation, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateOperation, name)
	}
	r.ops[name] = fn
	return nil
}

// RegisterConstant publishes one named numeric constant to requesters.
func (r *Registry) RegisterConstant(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consts[name] = value
}

// Lookup resolves an operation by name.
func (r *Registry) Lookup(name string) (OpFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.ops[name]
	return fn, ok
}

// Names returns every registered operation name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ops))
	for name := range r.ops {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Constants returns a copy of the named constant table.
func (r *Registry) Constants() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.consts))
	for name, value := range r.consts {
		out[name] = value
	}
	return out
}
