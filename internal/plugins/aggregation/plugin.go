// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package aggregation computes the sum or the mean of metrics over aligned time windows.
package aggregation

import (
	"errors"
	"fmt"
	"time"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

const (
	Name    = "aggregation"
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

// Config is the configuration of the aggregation plugin.
type Config struct {
	// Interval is the width of the windows, aligned on multiples of Interval since the epoch.
	Interval config.Duration `toml:"interval"`
	Function Function        `toml:"function"`
	// Metrics are the names of the aggregated metrics. Each one gets a new metric named
	// <name>_<function>.
	Metrics []string `toml:"metrics"`
	// DropInput removes the aggregated points from the pipeline.
	DropInput bool `toml:"drop_input"`
}

// DefaultConfig returns the configuration of a fresh installation.
func DefaultConfig() Config {
	return Config{
		Interval:  config.Duration(time.Minute),
		Function:  Sum,
		Metrics:   []string{},
		DropInput: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if _, ok := functions[c.Function]; !ok {
		errs = append(errs, fmt.Errorf("unknown function %q", c.Function))
	}
	return errors.Join(errs...)
}

// Plugin adds the aggregation transform. The aggregated metrics are resolved in PreStart,
// when every source plugin has registered its metrics.
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
	p.transform = NewTransform(p.cfg.Interval.Std(), p.cfg.Function, p.cfg.DropInput)
	_, err := ctx.AddTransform("windows", p.transform)
	return err
}

func (p *Plugin) PreStart(ctx *plugin.StartContext) error {
	for _, name := range p.cfg.Metrics {
		id, m, ok := ctx.Metrics().ByName(name)
		if !ok {
			return fmt.Errorf("metric %q not found", name)
		}
		out, err := ctx.RegisterMetric(name+"_"+string(p.cfg.Function), m.ValueType, m.Unit, m.Description)
		if err != nil {
			return err
		}
		p.transform.Aggregate(id, out)
	}
	ctx.Logger().V(1).Info("Aggregated metrics resolved", "metrics", p.cfg.Metrics, "function", p.cfg.Function)
	return nil
}
