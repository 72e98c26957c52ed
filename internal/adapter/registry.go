package adapter

import (
	"errors"
	"sort"
	"sync"

	"github.com/piwi3910/mptpass/pkg/pterrors"
)

// Registry maps adapter ids to adapters.
type Registry struct {
	adapters map[int]*Adapter
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[int]*Adapter)}
}

// Add registers a. Ids must be unique.
func (r *Registry) Add(a *Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[a.ID()]; ok {
		return pterrors.Wrap(pterrors.ErrInvalidArgument, "adapter %d already registered", a.ID())
	}

	r.adapters[a.ID()] = a

	return nil
}

// Get looks up an adapter, failing with pterrors.ErrNoDevice for unknown ids.
func (r *Registry) Get(id int) (*Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[id]
	if !ok {
		return nil, pterrors.Wrap(pterrors.ErrNoDevice, "adapter %d", id)
	}

	return a, nil
}

// List returns the adapters ordered by id.
func (r *Registry) List() []*Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })

	return out
}

// BlockAll blocks new commands on every adapter.
func (r *Registry) BlockAll() {
	for _, a := range r.List() {
		a.Block()
	}
}

// Close closes every adapter and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error

	for id, a := range r.adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}

		delete(r.adapters, id)
	}

	return errors.Join(errs...)
}
