// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package prometheusexporter exposes the last value of every series on a Prometheus scrape endpoint.
package prometheusexporter

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

const (
	Name    = "prometheus-exporter"
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

type Config struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// Prefix and Suffix surround every metric name.
	Prefix                string `toml:"prefix"`
	Suffix                string `toml:"suffix"`
	AppendUnit            bool   `toml:"append_unit_to_metric_name"`
	UseDisplayName        bool   `toml:"use_unit_display_name"`
	AddAttributesToLabels bool   `toml:"add_attributes_to_labels"`
}

func DefaultConfig() Config {
	return Config{
		Host:                  "0.0.0.0",
		Port:                  9091,
		Suffix:                "_alumet",
		AppendUnit:            true,
		UseDisplayName:        true,
		AddAttributesToLabels: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.Host == "" {
		errs = append(errs, errors.New("host must not be empty"))
	}
	return errors.Join(errs...)
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

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
	out, err := NewOutput(p.cfg, ctx.Logger())
	if err != nil {
		return err
	}
	if _, err := ctx.AddOutput("exporter", out); err != nil {
		out.Drop()
		return err
	}
	return nil
}
