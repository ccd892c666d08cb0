// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package plugin

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Registry holds the plugins compiled into the agent.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Metadata
	logger  logr.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{plugins: make(map[string]Metadata), logger: logger}
}

var defaultRegistry = NewRegistry(stdr.New(log.New(os.Stderr, "[plugin.registry] ", log.LstdFlags)))

// Default returns the registry that Register and TryRegister add to.
func Default() *Registry { return defaultRegistry }

// Register adds a plugin to the default registry.
//
// This function is usually called during package initialization (typically in init() functions)
// so that importing a plugin package is enough to make it available to the agent.
// It will panic if the metadata is incomplete or if a plugin with the same name is already
// registered.
func Register(meta Metadata) {
	if err := defaultRegistry.Add(meta); err != nil {
		panic(err)
	}
}

// TryRegister is like Register but logs the problem instead of panicking.
func TryRegister(meta Metadata) bool {
	if err := defaultRegistry.Add(meta); err != nil {
		defaultRegistry.logger.Info("Plugin not registered", "plugin", meta.Name, "reason", err.Error())
		return false
	}
	return true
}

// SetRegistryLogger allows setting a custom logger for the default registry.
// This should be called before any plugin is registered.
func SetRegistryLogger(logger logr.Logger) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	defaultRegistry.logger = logger
}

// Add registers meta.
func (r *Registry) Add(meta Metadata) error {
	if meta.Name == "" {
		return fmt.Errorf("plugin without name")
	}
	if meta.Init == nil {
		return fmt.Errorf("plugin %s has no Init function", meta.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[meta.Name]; exists {
		return fmt.Errorf("plugin %s already registered", meta.Name)
	}
	r.plugins[meta.Name] = meta
	r.logger.V(1).Info("Registered plugin", "plugin", meta.Name, "version", meta.Version)
	return nil
}

// Get returns the metadata of the plugin called name.
func (r *Registry) Get(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.plugins[name]
	return meta, ok
}

// All returns every registered plugin, sorted by name.
func (r *Registry) All() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.plugins))
	for _, meta := range r.plugins {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the names of the registered plugins, sorted.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, meta := range all {
		names[i] = meta.Name
	}
	return names
}
