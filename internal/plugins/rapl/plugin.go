// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package rapl measures the energy consumption of Intel and AMD processors through the
// powercap sysfs interface.
package rapl

import (
	"errors"
	"fmt"
	"time"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/config/environment"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/plugin"
	"github.com/alumet-dev/alumet/pkg/units"
)

const (
	Name    = "rapl"
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

// Config is the configuration of the rapl plugin.
type Config struct {
	PollInterval  config.Duration `toml:"poll_interval"`
	FlushInterval config.Duration `toml:"flush_interval"`
	// PowercapPath overrides the directory holding the intel-rapl zones.
	PowercapPath string `toml:"powercap_path,omitempty"`
	// Totals adds one point per domain with the sum over all the sockets.
	Totals bool `toml:"totals"`
}

// DefaultConfig returns the configuration of a fresh installation.
func DefaultConfig() Config {
	return Config{
		PollInterval:  config.Duration(time.Second),
		FlushInterval: config.Duration(5 * time.Second),
		Totals:        true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.FlushInterval < 0 {
		return errors.New("flush_interval must not be negative")
	}
	return nil
}

// Plugin registers the powercap source.
type Plugin struct {
	plugin.Base
	cfg Config
}

// Init decodes the configuration over the defaults.
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
	root := p.cfg.PowercapPath
	if root == "" {
		root = environment.HostPathsFromEnv().SysFile("devices", "virtual", "powercap", "intel-rapl")
	}
	zones, err := DiscoverZones(root)
	if err != nil {
		return err
	}
	for _, z := range zones {
		if err := environment.CheckReadable(z.energyPath()); err != nil {
			return fmt.Errorf("%w: %v", errPermission, err)
		}
	}

	metric, err := plugin.RegisterTyped[float64](ctx, "rapl_consumed_energy", units.Joule,
		"Energy consumed since the previous measurement, as reported by RAPL.")
	if err != nil {
		return err
	}
	src, err := newPowercapSource(metric, zones, p.cfg.Totals)
	if err != nil {
		return err
	}

	domains := make([]string, 0, len(zones))
	for _, z := range zones {
		domains = append(domains, z.Name)
	}
	ctx.Logger().Info("Available RAPL domains", "zones", domains, "root", root)

	_, err = ctx.AddSource("in", src, pipeline.SourceTrigger{
		PollInterval:  p.cfg.PollInterval.Std(),
		FlushInterval: p.cfg.FlushInterval.Std(),
	})
	return err
}
