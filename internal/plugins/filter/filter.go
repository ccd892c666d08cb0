// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package filter removes the measurements whose metric names do not match a set of patterns.
package filter

import (
	"errors"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

const (
	Name    = "filter"
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

// Config lists glob patterns, such as "kernel_*", matched against metric names.
// A point is kept when its metric matches an include pattern, or when Include is empty,
// and matches no exclude pattern.
type Config struct {
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

// DefaultConfig keeps everything.
func DefaultConfig() Config {
	return Config{Include: []string{}, Exclude: []string{}}
}

// Validate checks the patterns.
func (c Config) Validate() error {
	var errs []error
	for _, p := range append(append([]string{}, c.Include...), c.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("invalid pattern %q", p))
		}
	}
	return errors.Join(errs...)
}

// Plugin adds one filter transform.
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
	_, err := ctx.AddTransform("metrics", NewTransform(p.cfg))
	return err
}

// Transform drops the points rejected by the patterns.
type Transform struct {
	include []string
	exclude []string
	// decisions are cached per metric id
	keep map[metrics.RawID]bool
}

var _ pipeline.Transform = (*Transform)(nil)

// NewTransform returns a Transform for validated patterns.
func NewTransform(cfg Config) *Transform {
	return &Transform{include: cfg.Include, exclude: cfg.Exclude, keep: make(map[metrics.RawID]bool)}
}

func (t *Transform) Apply(buf *measurement.Buffer, ctx *pipeline.TransformContext) error {
	return buf.Retain(func(p measurement.Point) bool {
		keep, ok := t.keep[p.Metric]
		if !ok {
			m, found := ctx.Metrics.Lookup(p.Metric)
			keep = found && t.accepts(m.Name)
			t.keep[p.Metric] = keep
		}
		return keep
	})
}

func (t *Transform) accepts(name string) bool {
	included := len(t.include) == 0
	for _, p := range t.include {
		if ok, _ := doublestar.Match(p, name); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range t.exclude {
		if ok, _ := doublestar.Match(p, name); ok {
			return false
		}
	}
	return true
}
