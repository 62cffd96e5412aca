package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"mercator-hq/switchyard/pkg/pipeline"
)

// Constructor builds a fresh stage for one stream.
type Constructor func() pipeline.Stage

// ErrUnknownHandler is returned by Chain for a name with no constructor.
var ErrUnknownHandler = errors.New("unknown handler")

// Registry maps handler names used in configuration to stage constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Deps are the shared collaborators handed to built-in handlers. Both fields
// may be nil.
type Deps struct {
	Tracer SpanStarter
	Logger *slog.Logger
}

// DefaultRegistry returns a registry holding the built-in handlers: echo,
// hello, trace and accesslog.
func DefaultRegistry(deps Deps) *Registry {
	r := NewRegistry()
	_ = r.Register(NameEcho, func() pipeline.Stage { return NewEcho() })
	_ = r.Register(NameHello, func() pipeline.Stage { return NewHello() })
	_ = r.Register(NameTrace, func() pipeline.Stage { return NewTrace(deps.Tracer) })
	_ = r.Register(NameAccessLog, func() pipeline.Stage { return NewAccessLog(deps.Logger) })
	return r
}

// Register adds a constructor under name. Registering a name twice is an
// error.
func (r *Registry) Register(name string, ctor Constructor) error {
	if name == "" || ctor == nil {
		return errors.New("handler name and constructor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[name]; ok {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.ctors[name] = ctor
	return nil
}

// Names returns the registered handler names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chain resolves names, in order, into a pipeline.Factory. Every name must be
// registered. The factory builds new stage instances for each stream.
func (r *Registry) Chain(names ...string) (pipeline.Factory, error) {
	if len(names) == 0 {
		return nil, errors.New("handler chain is empty")
	}
	r.mu.RLock()
	ctors := make([]Constructor, 0, len(names))
	for _, name := range names {
		ctor, ok := r.ctors[name]
		if !ok {
			r.mu.RUnlock()
			return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
		}
		ctors = append(ctors, ctor)
	}
	r.mu.RUnlock()

	return func() []pipeline.Stage {
		stages := make([]pipeline.Stage, len(ctors))
		for i, ctor := range ctors {
			stages[i] = ctor()
		}
		return stages
	}, nil
}
