// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package csv writes the measurements to a CSV file.
package csv

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

const (
	Name    = "csv"
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

// Config is the configuration of the csv output.
type Config struct {
	OutputPath string `toml:"output_path"`
	// ForceFlush writes the file after every buffer instead of letting the writer fill up.
	ForceFlush bool `toml:"force_flush"`
	// AppendUnit appends the unit to the metric names: "rapl_consumed_energy_J".
	AppendUnit bool `toml:"append_unit_to_metric_name"`
	// UseDisplayName uses "mJ" rather than "milliJ" when the unit is appended.
	UseDisplayName bool   `toml:"use_unit_display_name"`
	Delimiter      string `toml:"csv_delimiter"`
	// ReopenOnRotate recreates the file when it is moved or removed by another process.
	ReopenOnRotate bool `toml:"reopen_on_rotate"`
}

func DefaultConfig() Config {
	return Config{
		OutputPath:     "alumet-output.csv",
		ForceFlush:     true,
		AppendUnit:     true,
		UseDisplayName: true,
		Delimiter:      ";",
		ReopenOnRotate: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.OutputPath == "" {
		errs = append(errs, errors.New("output_path must not be empty"))
	}
	r, size := utf8.DecodeRuneInString(c.Delimiter)
	switch {
	case size == 0 || size != len(c.Delimiter):
		errs = append(errs, fmt.Errorf("csv_delimiter must be exactly one character, got %q", c.Delimiter))
	case r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError:
		errs = append(errs, fmt.Errorf("invalid csv_delimiter %q", c.Delimiter))
	}
	return errors.Join(errs...)
}

func (c Config) delimiter() rune {
	r, _ := utf8.DecodeRuneInString(c.Delimiter)
	return r
}

// Plugin adds the csv output.
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
	if _, err := ctx.AddOutput("file", out); err != nil {
		out.Drop()
		return err
	}
	return nil
}
