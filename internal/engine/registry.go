package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrFunctionNotFound no function is registered under the requested name/version
	ErrFunctionNotFound = errors.New("engine: function not found")
	// ErrDuplicateFunction name/version is already registered
	ErrDuplicateFunction = errors.New("engine: function already registered")
)

// Function is user code run for a task. Returning Suspend(...) yields the task
// until the awaited promises complete.
type Function func(ctx *Context, args []any) (any, error)

// Registry maps (name, version) to functions. It is populated at start and
// read concurrently by invocations afterwards.
type Registry struct {
	mu     sync.RWMutex
	funcs  map[string]map[int]Function
	latest map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs:  make(map[string]map[int]Function),
		latest: make(map[string]int),
	}
}

// Register adds fn under name and version. Versions start at 1.
func (r *Registry) Register(name string, version int, fn Function) error {
	if name == "" {
		return errors.New("engine: function name is required")
	}
	if version < 1 {
		return fmt.Errorf("engine: invalid version %d for %s", version, name)
	}
	if fn == nil {
		return fmt.Errorf("engine: nil function for %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.funcs[name]
	if !ok {
		versions = make(map[int]Function)
		r.funcs[name] = versions
	}
	if _, exists := versions[version]; exists {
		return fmt.Errorf("%w: %s@%d", ErrDuplicateFunction, name, version)
	}
	versions[version] = fn
	if version > r.latest[name] {
		r.latest[name] = version
	}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, version int, fn Function) {
	if err := r.Register(name, version, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the function for name at version; version 0 selects the latest.
func (r *Registry) Lookup(name string, version int) (Function, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == 0 {
		version = r.latest[name]
	}
	fn, ok := r.funcs[name][version]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s@%d", ErrFunctionNotFound, name, version)
	}
	return fn, version, nil
}

// Names lists registered function names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
