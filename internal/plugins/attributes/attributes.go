// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package attributes adds static attributes, and the name of the node, to every measurement.
package attributes

import (
	"errors"
	"fmt"
	"sort"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

const (
	Name    = "attributes"
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

// Config is the configuration of the attributes plugin.
type Config struct {
	// Attributes are added as string attributes.
	Attributes map[string]string `toml:"attributes"`
	// NodeAttribute is the key of the node name attribute; empty disables it.
	NodeAttribute string `toml:"node_attribute"`
	// Overwrite replaces attributes that the points already have.
	Overwrite bool `toml:"overwrite"`
}

// DefaultConfig adds the node name only.
func DefaultConfig() Config {
	return Config{Attributes: map[string]string{}, NodeAttribute: "node"}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, ok := c.Attributes[""]; ok {
		return errors.New("attribute keys must not be empty")
	}
	return nil
}

// Plugin adds one transform.
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
	attrs := make(map[string]string, len(p.cfg.Attributes)+1)
	for k, v := range p.cfg.Attributes {
		attrs[k] = v
	}
	if p.cfg.NodeAttribute != "" && ctx.Agent().NodeName != "" {
		attrs[p.cfg.NodeAttribute] = ctx.Agent().NodeName
	}
	_, err := ctx.AddTransform("static", NewTransform(attrs, p.cfg.Overwrite))
	return err
}

// Transform sets a fixed list of attributes on each point.
type Transform struct {
	attrs     []measurement.Attribute
	overwrite bool
}

var _ pipeline.Transform = (*Transform)(nil)

// NewTransform returns a transform adding attrs.
func NewTransform(attrs map[string]string, overwrite bool) *Transform {
	t := &Transform{overwrite: overwrite}
	for k, v := range attrs {
		t.attrs = append(t.attrs, measurement.Attribute{Key: k, Value: measurement.StringAttr(v)})
	}
	sort.Slice(t.attrs, func(i, j int) bool { return t.attrs[i].Key < t.attrs[j].Key })
	return t
}

func (t *Transform) Apply(buf *measurement.Buffer, _ *pipeline.TransformContext) error {
	if len(t.attrs) == 0 {
		return nil
	}
	for i := 0; i < buf.Len(); i++ {
		p := buf.At(i)
		for _, a := range t.attrs {
			if _, exists := p.Attr(a.Key); exists && !t.overwrite {
				continue
			}
			p = p.WithAttr(a.Key, a.Value)
		}
		if err := buf.Replace(i, p); err != nil {
			return err
		}
	}
	return nil
}
