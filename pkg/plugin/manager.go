// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package plugin

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/pipeline"
)

// State is the lifecycle state of a plugin.
type State int

const (
	Unloaded State = iota
	Initialized
	Started
	Stopped
	Dropped
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Initialized:
		return "initialized"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// A plugin that was initialized but never started, because the startup was aborted, goes
// directly from Initialized to Dropped.
var transitions = map[State][]State{
	Unloaded:    {Initialized},
	Initialized: {Started, Dropped},
	Started:     {Stopped},
	Stopped:     {Dropped},
}

// Instance is a plugin managed by a Manager.
type Instance struct {
	meta   Metadata
	plugin Plugin
	state  State
}

func (i *Instance) Name() string { return i.meta.Name }
func (i *Instance) State() State { return i.state }
func (i *Instance) Plugin() Plugin { return i.plugin }

func (i *Instance) transition(to State) error {
	for _, allowed := range transitions[i.state] {
		if allowed == to {
			i.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: plugin %s from %s to %s", ErrInvalidTransition, i.meta.Name, i.state, to)
}

// Status describes a managed plugin.
type Status struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	State   string `json:"state"`
}

// Manager drives plugins through their lifecycle, in the order they were initialized.
// Lifecycle methods are meant to be called from one goroutine; Statuses can be called
// concurrently with them.
type Manager struct {
	logger    logr.Logger
	mu        sync.RWMutex
	instances []*Instance
}

// NewManager returns a manager without plugins.
func NewManager(logger logr.Logger) *Manager {
	return &Manager{logger: logger.WithName("plugins")}
}

// Init creates a plugin from its metadata and configuration. On failure the plugin is not
// managed and the error is returned for the caller to log; other plugins are unaffected.
func (m *Manager) Init(meta Metadata, cfg config.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.meta.Name == meta.Name {
			return fmt.Errorf("%w: plugin %s initialized twice", ErrInvalidTransition, meta.Name)
		}
	}
	if meta.Init == nil {
		return fmt.Errorf("plugin %s has no Init function", meta.Name)
	}

	p, err := meta.Init(cfg)
	if err != nil {
		return fmt.Errorf("init plugin %s: %w", meta.Name, err)
	}
	if p == nil {
		return fmt.Errorf("init plugin %s: no plugin returned", meta.Name)
	}

	inst := &Instance{meta: meta, plugin: p}
	if err := inst.transition(Initialized); err != nil {
		return err
	}
	m.instances = append(m.instances, inst)
	m.logger.Info("Plugin initialized", "plugin", meta.Name, "version", meta.Version)
	return nil
}

// StartAll starts the initialized plugins in order, then calls PreStart on the plugins that
// implement PreStarter. The first error aborts the startup: the remaining plugins are not
// started and the error is returned.
func (m *Manager) StartAll(b *pipeline.Builder, agent AgentInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.state != Initialized {
			continue
		}
		ctx := newStartContext(inst.meta.Name, b, agent, m.logger.WithName(inst.meta.Name))
		err := inst.plugin.Start(ctx)
		ctx.expire()
		if err != nil {
			return fmt.Errorf("start plugin %s: %w", inst.meta.Name, err)
		}
		if err := inst.transition(Started); err != nil {
			return err
		}
		m.logger.Info("Plugin started", "plugin", inst.meta.Name)
	}

	for _, inst := range m.instances {
		pre, ok := inst.plugin.(PreStarter)
		if !ok || inst.state != Started {
			continue
		}
		ctx := newStartContext(inst.meta.Name, b, agent, m.logger.WithName(inst.meta.Name))
		err := pre.PreStart(ctx)
		ctx.expire()
		if err != nil {
			return fmt.Errorf("pre-start plugin %s: %w", inst.meta.Name, err)
		}
	}
	return nil
}

// ShutdownAll stops and drops every plugin, in the reverse order of initialization.
// For each plugin: Stop if it was started, then dropComponents to release the pipeline
// elements it registered, then Drop. dropComponents may be nil.
func (m *Manager) ShutdownAll(dropComponents func(plugin string) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for i := len(m.instances) - 1; i >= 0; i-- {
		inst := m.instances[i]
		name := inst.meta.Name
		if inst.state == Dropped {
			errs = append(errs, fmt.Errorf("%w: plugin %s already dropped", ErrInvalidTransition, name))
			continue
		}

		if inst.state == Started {
			if err := inst.plugin.Stop(); err != nil {
				m.logger.Error(err, "Failed to stop plugin", "plugin", name)
				errs = append(errs, fmt.Errorf("stop plugin %s: %w", name, err))
			}
			if err := inst.transition(Stopped); err != nil {
				errs = append(errs, err)
				continue
			}
		}

		if dropComponents != nil {
			if err := dropComponents(name); err != nil {
				m.logger.Error(err, "Failed to drop plugin elements", "plugin", name)
				errs = append(errs, err)
			}
		}

		if d, ok := inst.plugin.(Dropper); ok {
			if err := d.Drop(); err != nil {
				m.logger.Error(err, "Failed to drop plugin", "plugin", name)
				errs = append(errs, fmt.Errorf("drop plugin %s: %w", name, err))
			}
		}
		if err := inst.transition(Dropped); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.V(1).Info("Plugin dropped", "plugin", name)
	}
	return errors.Join(errs...)
}

// Instances returns the managed plugins in initialization order.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Instance(nil), m.instances...)
}

// Statuses describes the managed plugins.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, len(m.instances))
	for i, inst := range m.instances {
		out[i] = Status{Name: inst.meta.Name, Version: inst.meta.Version, State: inst.state.String()}
	}
	return out
}
