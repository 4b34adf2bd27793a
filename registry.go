package dataplane

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/baxromumarov/dataplane/errs"
)

// Registry tracks live stages by name and by identity. A stage handle is
// valid only while its registry still maps the stage's ID to it.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Stage
	byID   map[uuid.UUID]*Stage
}

var defaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Stage),
		byID:   make(map[uuid.UUID]*Stage),
	}
}

// DefaultRegistry returns the process-wide registry used by stages created
// without [WithRegistry].
func DefaultRegistry() *Registry { return defaultRegistry }

// Find looks a stage up by name in the default registry.
func Find(name string) (*Stage, error) {
	return defaultRegistry.Find(name)
}

// Find looks a stage up by name.
// Returns [errs.ErrNotFound] if no stage has that name.
func (r *Registry) Find(name string) (*Stage, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty stage name", errs.ErrInvalidArgs)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: stage %q", errs.ErrNotFound, name)
	}
	return s, nil
}

// Stages returns the registered stages sorted by name.
func (r *Registry) Stages() []*Stage {
	r.mu.RLock()
	out := make([]*Stage, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Contains reports whether s is a live stage of r.
func (r *Registry) Contains(s *Stage) bool {
	if r == nil || s == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[s.id] == s
}

func (r *Registry) add(s *Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[s.name]; ok {
		return fmt.Errorf("%w: stage %q", errs.ErrAlreadyExists, s.name)
	}
	r.byName[s.name] = s
	r.byID[s.id] = s
	return nil
}

func (r *Registry) remove(s *Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byName[s.name]
	if !ok {
		return fmt.Errorf("%w: stage %q", errs.ErrNotFound, s.name)
	}
	if cur != s {
		return fmt.Errorf("%w: stage %q is registered as %s, not %s",
			errs.ErrNotOwner, s.name, cur.id, s.id)
	}
	delete(r.byName, s.name)
	delete(r.byID, s.id)
	return nil
}
