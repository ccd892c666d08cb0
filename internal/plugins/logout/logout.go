// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package logout writes the measurements to the agent log, for debugging.
package logout

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-logr/logr"

	"github.com/alumet-dev/alumet/internal/plugins/export"
	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

const (
	Name    = "log"
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

// Config is the configuration of the log output.
type Config struct {
	// Verbosity is the logr level of the messages.
	Verbosity int `toml:"verbosity"`
	// Metrics restricts the output to the metrics matching one of these glob patterns.
	Metrics []string `toml:"metrics"`
	// MaxPoints is the maximum number of points logged per buffer; 0 means no limit.
	MaxPoints int `toml:"max_points"`
	// AppendUnit adds the unit to the metric names.
	AppendUnit bool `toml:"append_unit"`
}

// DefaultConfig logs everything at the info level.
func DefaultConfig() Config {
	return Config{Metrics: []string{"*"}, AppendUnit: true}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Verbosity < 0 || c.MaxPoints < 0 {
		return fmt.Errorf("verbosity and max_points must not be negative")
	}
	for _, p := range c.Metrics {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid pattern %q", p)
		}
	}
	return nil
}

// Plugin adds the log output.
type Plugin struct {
	plugin.Base
	cfg Config
}

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
	_, err := ctx.AddOutput("stdout", NewOutput(p.cfg, ctx.Logger()))
	return err
}

// Output logs one message per point.
type Output struct {
	cfg    Config
	logger logr.Logger
}

var _ pipeline.Output = (*Output)(nil)

// NewOutput returns an output writing to logger.
func NewOutput(cfg Config, logger logr.Logger) *Output {
	return &Output{cfg: cfg, logger: logger.WithName("measurements")}
}

func (o *Output) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	logged := 0
	for i := 0; i < view.Len(); i++ {
		if o.cfg.MaxPoints > 0 && logged == o.cfg.MaxPoints {
			o.logger.V(o.cfg.Verbosity).Info("Buffer truncated", "points", view.Len(), "logged", logged)
			break
		}
		p := view.At(i)
		m, err := export.Lookup(ctx.Metrics, p)
		if err != nil {
			return err
		}
		if !o.selected(m.Name) {
			continue
		}
		kv := []any{
			"metric", export.MetricName(m, o.cfg.AppendUnit),
			"value", p.Value.String(),
			"timestamp", p.Timestamp.String(),
			export.KeyResourceKind, p.Resource.Kind(),
			export.KeyResourceID, p.Resource.ID(),
			export.KeyConsumerKind, p.Consumer.Kind(),
			export.KeyConsumerID, p.Consumer.ID(),
		}
		for _, a := range p.Attributes() {
			kv = append(kv, a.Key, a.Value.Any())
		}
		o.logger.V(o.cfg.Verbosity).Info("Measurement", kv...)
		logged++
	}
	return nil
}

func (o *Output) selected(name string) bool {
	for _, pattern := range o.cfg.Metrics {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
