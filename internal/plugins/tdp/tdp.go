// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tdp estimates the energy consumed by the CPUs from their usage and their thermal
// design power, for machines without energy counters.
package tdp

import (
	"errors"
	"fmt"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/plugin"
	"github.com/alumet-dev/alumet/pkg/units"
)

const (
	Name    = "energy-estimation-tdp"
	Version = "0.1.0"
)

func init() {
	plugin.Register(Metadata())
}

// Metadata declares the plugin.
func Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:          Name,
		Version:       Version,
		Init:          Init,
		DefaultConfig: func() config.Table { return config.MustFromStruct(DefaultConfig()) },
	}
}

// Config is the configuration of the estimation.
type Config struct {
	// TDP is the thermal design power of the processor, in watts.
	TDP float64 `toml:"tdp"`
	// NbCPU and NbVCPU are the numbers of physical and virtual cpus sharing the TDP.
	NbCPU  float64 `toml:"nb_cpu"`
	NbVCPU float64 `toml:"nb_vcpu"`
	// CPUUsageMetric is the metric holding the cpu time, in milliseconds.
	CPUUsageMetric string `toml:"cpu_usage_metric"`
}

// DefaultConfig returns the configuration of a fresh installation.
func DefaultConfig() Config {
	return Config{
		TDP:            100,
		NbCPU:          16,
		NbVCPU:         16,
		CPUUsageMetric: "kernel_cpu_time",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.TDP <= 0 {
		errs = append(errs, errors.New("tdp must be positive"))
	}
	if c.NbCPU+c.NbVCPU <= 0 {
		errs = append(errs, errors.New("nb_cpu + nb_vcpu must be positive"))
	}
	if c.CPUUsageMetric == "" {
		errs = append(errs, errors.New("cpu_usage_metric must be set"))
	}
	return errors.Join(errs...)
}

// Plugin adds the estimation transform.
type Plugin struct {
	plugin.Base
	cfg       Config
	transform *Transform
}

var _ plugin.PreStarter = (*Plugin)(nil)

// Init decodes and validates the configuration.
func Init(tbl config.Table) (plugin.Plugin, error) {
	cfg := DefaultConfig()
	if err := tbl.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid %s configuration: %w", Name, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Plugin{Base: plugin.Base{PluginName: Name, PluginVersion: Version}, cfg: cfg}, nil
}

func (p *Plugin) Start(ctx *plugin.StartContext) error {
	energy, err := plugin.RegisterTyped[float64](ctx, "system_estimated_energy", units.Joule,
		"Energy consumption estimated from the cpu usage and the TDP")
	if err != nil {
		return err
	}
	p.transform = &Transform{cfg: p.cfg, energy: energy}
	_, err = ctx.AddTransform("estimation", p.transform)
	return err
}

// PreStart resolves the cpu usage metric, registered by a source plugin.
func (p *Plugin) PreStart(ctx *plugin.StartContext) error {
	id, _, ok := ctx.Metrics().ByName(p.cfg.CPUUsageMetric)
	if !ok {
		return fmt.Errorf("metric not found: %s", p.cfg.CPUUsageMetric)
	}
	p.transform.cpuUsage = id
	p.transform.resolved = true
	return nil
}

// Transform adds an energy point for every cpu usage point.
type Transform struct {
	cfg      Config
	energy   metrics.TypedID[float64]
	cpuUsage metrics.RawID
	resolved bool
}

var _ pipeline.Transform = (*Transform)(nil)

// Estimate returns the energy in joules consumed during cpuTimeMillis of cpu time.
func (c Config) Estimate(cpuTimeMillis float64) float64 {
	return c.TDP * cpuTimeMillis / (c.NbCPU + c.NbVCPU) / 1000
}

func (t *Transform) Apply(buf *measurement.Buffer, _ *pipeline.TransformContext) error {
	if !t.resolved {
		return nil
	}
	var estimates []measurement.Point
	buf.ForEach(func(p measurement.Point) {
		if p.Metric != t.cpuUsage {
			return
		}
		if state, ok := p.Attr("cpu_state"); ok && state.String() == "idle" {
			return
		}
		e := measurement.NewPoint(p.Timestamp, t.energy, p.Resource, p.Consumer, t.cfg.Estimate(p.Value.AsFloat64())).
			WithAttrs(p.Attributes()...)
		estimates = append(estimates, e)
	})
	for _, e := range estimates {
		if err := buf.Push(e); err != nil {
			return err
		}
	}
	return nil
}
