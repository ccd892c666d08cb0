// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"sync"

	"github.com/alumet-dev/alumet/pkg/units"
)

// Registry maps metric ids to their definition.
//
// The registry is append-only: a metric is never removed nor redefined, so an id obtained
// from Register stays valid and keeps resolving to the same definition. Registering the same
// name twice yields two distinct ids.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	metrics []Metric
	byName  map[string]RawID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]RawID)}
}

// Register adds a metric definition and returns its new id.
func (r *Registry) Register(name string, valueType ValueType, unit units.Unit, description string) RawID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := RawID(len(r.metrics))
	r.metrics = append(r.metrics, Metric{
		Name:        name,
		Unit:        unit,
		ValueType:   valueType,
		Description: description,
	})
	if _, exists := r.byName[name]; !exists {
		r.byName[name] = id
	}
	return id
}

// RegisterTyped registers a metric whose value type is given by T.
func RegisterTyped[T Numeric](r *Registry, name string, unit units.Unit, description string) TypedID[T] {
	return TypedID[T]{raw: r.Register(name, ValueTypeOf[T](), unit, description)}
}

// Lookup returns the definition of a metric.
func (r *Registry) Lookup(id RawID) (Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if uint64(id) >= uint64(len(r.metrics)) {
		return Metric{}, false
	}
	return r.metrics[id], true
}

// ByName returns the first metric registered with the given name.
func (r *Registry) ByName(name string) (RawID, Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return 0, Metric{}, false
	}
	return id, r.metrics[id], true
}

// ValueTypeOf returns the value type declared for id.
func (r *Registry) ValueTypeOf(id RawID) (ValueType, bool) {
	m, ok := r.Lookup(id)
	return m.ValueType, ok
}

// Len returns the number of registered metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.metrics)
}

// All returns a copy of every definition, indexed by id.
func (r *Registry) All() []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Metric(nil), r.metrics...)
}

// Typed converts id into a TypedID if its declared value type matches T.
func Typed[T Numeric](r *Registry, id RawID) (TypedID[T], bool) {
	vt, ok := r.ValueTypeOf(id)
	if !ok || vt != ValueTypeOf[T]() {
		return TypedID[T]{}, false
	}
	return TypedID[T]{raw: id}, true
}
