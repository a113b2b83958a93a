// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"sort"
	"sync"

	"github.com/jontk/ptg-runtime/internal/deparray"
)

// Registry is the process-wide ordered table of task classes. It is
// append-only during program load and frozen afterwards; mutation after the
// freeze is a programming error and panics.
type Registry struct {
	mu      sync.RWMutex
	classes []*Class
	byName  map[string]*Class
	frozen  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Class)}
}

// Register appends a class, assigning its Index. Registering a duplicate
// name or registering after the freeze panics.
func (r *Registry) Register(c *Class) *Class {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("graph: register after registry freeze")
	}
	if _, dup := r.byName[c.Name]; dup {
		panic("graph: duplicate task class " + c.Name)
	}
	c.Index = len(r.classes)
	r.classes = append(r.classes, c)
	r.byName[c.Name] = c
	return c
}

// FindOrCreate returns the class registered under name, creating an empty
// one if none exists. It is idempotent.
func (r *Registry) FindOrCreate(name string) *Class {
	r.mu.Lock()
	if c, ok := r.byName[name]; ok {
		r.mu.Unlock()
		return c
	}
	r.mu.Unlock()
	return r.Register(&Class{Name: name})
}

// Find returns the class registered under name, or nil.
func (r *Registry) Find(name string) *Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// ElementAt returns the i-th registered class.
func (r *Registry) ElementAt(i int) *Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classes[i]
}

// Len returns the number of registered classes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.classes)
}

// Names returns the registered class names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.classes))
	for i, c := range r.classes {
		names[i] = c.Name
	}
	return names
}

// Freeze ends the load phase: every class gets its dependency array root
// and the registry becomes read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	for _, c := range r.classes {
		if len(c.Locals) > 0 && c.Deps == nil {
			c.Deps = deparray.New(len(c.Locals))
		}
	}
	r.frozen = true
}

// Frozen reports whether the load phase has ended.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// SortedNames returns the class names in lexical order; handy for stable
// log output.
func (r *Registry) SortedNames() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}
