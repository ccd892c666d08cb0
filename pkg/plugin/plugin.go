// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package plugin defines how plugins are declared, configured, started and stopped.
//
// A plugin goes through the states Unloaded, Initialized, Started, Stopped and Dropped, in this
// order. Init turns a configuration into a Plugin. Start is the only place where the plugin can
// register metrics and pipeline elements. Stop is called once the pipeline does not call any
// element of the plugin anymore, and Drop releases the plugin itself.
package plugin

import (
	"errors"

	"github.com/alumet-dev/alumet/pkg/config"
)

var (
	// ErrHandleExpired is returned when a StartContext is used after Start returned.
	ErrHandleExpired = errors.New("plugin start handle used after start")

	// ErrInvalidTransition is returned when a plugin is asked to skip or repeat a phase.
	ErrInvalidTransition = errors.New("invalid plugin state transition")
)

// Plugin is a started or startable plugin instance.
type Plugin interface {
	Name() string
	Version() string

	// Start registers the metrics, sources, transforms and outputs of the plugin.
	// An error aborts the startup of the whole pipeline.
	Start(ctx *StartContext) error

	// Stop is called after the pipeline stopped calling the elements of the plugin.
	Stop() error
}

// PreStarter is implemented by plugins that need the metrics registered by every plugin.
// PreStart is called once all the plugins have started, before the pipeline is built.
type PreStarter interface {
	PreStart(ctx *StartContext) error
}

// Dropper is implemented by plugins that release resources when they are dropped.
type Dropper interface {
	Drop() error
}

// Metadata declares a plugin to the registry.
type Metadata struct {
	Name    string
	Version string

	// Init creates the plugin from its configuration. It returns an error, or a nil Plugin,
	// when the plugin cannot run; only that plugin is then excluded.
	Init func(cfg config.Table) (Plugin, error)

	// DefaultConfig returns the configuration written in new configuration files.
	// It may be nil for plugins without settings.
	DefaultConfig func() config.Table
}

// Base implements Name and Version for plugins that embed it.
type Base struct {
	PluginName    string
	PluginVersion string
}

func (b Base) Name() string { return b.PluginName }
func (b Base) Version() string { return b.PluginVersion }

// Stop does nothing. Plugins that hold no resource outside their elements can keep it.
func (b Base) Stop() error { return nil }
