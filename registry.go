package graphlet

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/twmb/murmur3"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Component is a cluster member: a name, the port it listens on and the
// schema fragment it serves.
type Component struct {
	Name   string `json:"name"`
	Port   int    `json:"port"`
	Schema string `json:"schema"`
}

// ComponentRegistry is the membership table the Manager maintains.
type ComponentRegistry interface {
	// Push inserts c, replacing any entry with the same name.
	Push(c Component)

	// PushMultiple pushes every component of a multi-peer announcement.
	// Entries not in the batch are kept.
	PushMultiple(cs []Component)

	// Rehydrate makes cs the complete content of the registry and returns
	// the names it evicted.
	Rehydrate(cs []Component) []string

	// Get returns the component registered under name or ErrComponentNotFound.
	Get(name string) (Component, error)

	Remove(name string) bool
	Components() []Component
	Len() int
	Digest() uint64
}

// Registry is an in-memory ComponentRegistry. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	components map[string]Component
}

var _ ComponentRegistry = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]Component),
	}
}

func (r *Registry) Push(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[c.Name] = c
}

func (r *Registry) PushMultiple(cs []Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cs {
		r.components[c.Name] = c
	}
}

func (r *Registry) Rehydrate(cs []Component) []string {
	next := make(map[string]Component, len(cs))
	for _, c := range cs {
		next[c.Name] = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name := range r.components {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	slices.Sort(removed)

	r.components = next
	return removed
}

func (r *Registry) Get(name string) (Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.components[name]
	if !ok {
		return Component{}, fmt.Errorf("%w: %q", ErrComponentNotFound, name)
	}
	return c, nil
}

// Remove deletes the named component and reports whether it was present.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.components[name]; !ok {
		return false
	}
	delete(r.components, name)
	return true
}

// Names returns the registered names in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNames()
}

// Components returns a copy of all components ordered by name.
func (r *Registry) Components() []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.sortedNames()
	out := make([]Component, 0, len(names))
	for _, name := range names {
		out = append(out, r.components[name])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.components)
}

// Digest fingerprints the registry content. Two registries holding the same
// components have the same digest regardless of insertion order.
func (r *Registry) Digest() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := murmur3.New64()
	for _, name := range r.sortedNames() {
		c := r.components[name]
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(c.Port)))
		h.Write([]byte{0})
		h.Write([]byte(c.Schema))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// sortedNames must be called with mu held.
func (r *Registry) sortedNames() []string {
	names := maps.Keys(r.components)
	slices.Sort(names)
	return names
}
