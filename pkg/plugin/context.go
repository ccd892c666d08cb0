// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package plugin

import (
	"github.com/go-logr/logr"

	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/units"
)

// AgentInfo describes the agent that runs the plugins.
type AgentInfo struct {
	// RunID identifies this run of the agent.
	RunID    string
	NodeName string
	Version  string
}

// StartContext is given to Plugin.Start. It is only valid until Start returns.
type StartContext struct {
	plugin  string
	builder *pipeline.Builder
	agent   AgentInfo
	logger  logr.Logger
	expired bool
}

func newStartContext(plugin string, b *pipeline.Builder, agent AgentInfo, logger logr.Logger) *StartContext {
	return &StartContext{plugin: plugin, builder: b, agent: agent, logger: logger}
}

// Agent describes the running agent.
func (c *StartContext) Agent() AgentInfo { return c.agent }

// Logger returns a logger named after the plugin.
func (c *StartContext) Logger() logr.Logger { return c.logger }

// Metrics gives read access to the metrics registered so far, by this plugin and by the
// plugins started before it.
func (c *StartContext) Metrics() pipeline.MetricReader { return c.builder.Metrics() }

// RegisterMetric registers a new metric. Two metrics can have the same name; they get
// different ids.
func (c *StartContext) RegisterMetric(name string, vt metrics.ValueType, unit units.Unit, description string) (metrics.RawID, error) {
	if c.expired {
		return 0, ErrHandleExpired
	}
	return c.builder.Metrics().Register(name, vt, unit, description), nil
}

// RegisterTyped registers a metric whose value type is T.
func RegisterTyped[T metrics.Numeric](c *StartContext, name string, unit units.Unit, description string) (metrics.TypedID[T], error) {
	if c.expired {
		return metrics.TypedID[T]{}, ErrHandleExpired
	}
	return metrics.RegisterTyped[T](c.builder.Metrics(), name, unit, description), nil
}

// AddSource adds a source polled according to trigger.
func (c *StartContext) AddSource(name string, s pipeline.Source, trigger pipeline.SourceTrigger) (pipeline.Name, error) {
	if c.expired {
		return pipeline.Name{}, ErrHandleExpired
	}
	n, err := c.builder.AddSource(c.plugin, name, s, trigger)
	if err == nil {
		c.logger.V(1).Info("Source added", "name", n.String(), "poll_interval", trigger.PollInterval)
	}
	return n, err
}

// AddTransform adds a transform after the ones already added.
func (c *StartContext) AddTransform(name string, t pipeline.Transform) (pipeline.Name, error) {
	if c.expired {
		return pipeline.Name{}, ErrHandleExpired
	}
	n, err := c.builder.AddTransform(c.plugin, name, t)
	if err == nil {
		c.logger.V(1).Info("Transform added", "name", n.String())
	}
	return n, err
}

// AddOutput adds an output.
func (c *StartContext) AddOutput(name string, o pipeline.Output) (pipeline.Name, error) {
	if c.expired {
		return pipeline.Name{}, ErrHandleExpired
	}
	n, err := c.builder.AddOutput(c.plugin, name, o)
	if err == nil {
		c.logger.V(1).Info("Output added", "name", n.String())
	}
	return n, err
}

func (c *StartContext) expire() { c.expired = true }
