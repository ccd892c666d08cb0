// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package opentelemetry exports the measurements as OTLP gauges over gRPC.
package opentelemetry

import (
	"fmt"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

const (
	Name    = "opentelemetry"
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

type Plugin struct {
	plugin.Base
	cfg Config
}

// Init decodes the configuration, then applies the OTEL_* environment variables over it.
func Init(tbl config.Table) (plugin.Plugin, error) {
	cfg := DefaultConfig()
	if err := tbl.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid %s configuration: %w", Name, err)
	}
	cfg.ApplyEnvironmentVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Plugin{Base: plugin.Base{PluginName: Name, PluginVersion: Version}, cfg: cfg}, nil
}

func (p *Plugin) Start(ctx *plugin.StartContext) error {
	if p.cfg.ServiceVersion == "" {
		p.cfg.ServiceVersion = ctx.Agent().Version
	}
	out, err := NewOutput(p.cfg, ctx.Logger())
	if err != nil {
		return err
	}
	ctx.Logger().Info("Starting OpenTelemetry output",
		"endpoint", p.cfg.Endpoint,
		"service_name", p.cfg.ServiceName,
		"compression", p.cfg.Compression)
	_, err = ctx.AddOutput("otlp", out)
	return err
}
