package stage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/stageflow/internal/logging"
)

// Factory constructs a fresh stage instance.
type Factory func() Stage

// Registry maps stage names to factories. One instance is built at startup
// and handed to the driver; mutation is guarded so tests may reset it.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	initialized bool
	log         logrus.FieldLogger
}

// NewRegistry returns an empty registry. A nil logger discards warnings.
func NewRegistry(log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logging.Discard()
	}
	return &Registry{factories: map[string]Factory{}, log: log}
}

// Register installs factory under the name reported by one instance of it.
// Registering a name twice replaces the earlier factory.
func (r *Registry) Register(factory Factory) (string, error) {
	if factory == nil {
		return "", fmt.Errorf("stage: factory is required")
	}
	inst := factory()
	if inst == nil {
		return "", fmt.Errorf("stage: factory returned nil")
	}
	name := inst.Name()
	if name == "" {
		return "", fmt.Errorf("stage: name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		r.log.WithField("stage", name).Warn("stage already registered, overwriting")
	}
	r.factories[name] = factory
	return name, nil
}

// Get returns the factory registered under name.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Create builds a new instance of the named stage.
func (r *Registry) Create(name string) (Stage, bool) {
	f, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	return f(), true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Unregister removes name and reports whether anything was removed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; !ok {
		return false
	}
	delete(r.factories, name)
	return true
}

// Discover registers factories once. Later calls are no-ops until Clear.
func (r *Registry) Discover(factories ...Factory) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return nil
	}
	r.initialized = true
	r.mu.Unlock()

	for _, f := range factories {
		if _, err := r.Register(f); err != nil {
			return fmt.Errorf("discover: %w", err)
		}
	}
	return nil
}

// Clear drops every registration and the discovery flag. Test use only.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = map[string]Factory{}
	r.initialized = false
}

// Names returns the registered stage names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
