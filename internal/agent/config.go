// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package agent

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

// EnvPrefix prefixes the environment variables that override the [agent] section,
// e.g. ALUMET_LOG_LEVEL or ALUMET_PIPELINE_QUEUE_SIZE.
const EnvPrefix = "ALUMET"

const enableKey = "enable"

// Plugins enabled in a new configuration file. They work on any Linux machine without
// extra setup.
var defaultEnabled = []string{"procfs", "csv"}

// Config is the configuration file of the agent.
type Config struct {
	Agent   AgentConfig
	Plugins map[string]PluginConfig
}

// AgentConfig is the [agent] section.
type AgentConfig struct {
	LogLevel        string          `toml:"log_level" split_words:"true"`
	LogFormat       string          `toml:"log_format" split_words:"true"`
	ControlAddress  string          `toml:"control_address" split_words:"true"`
	ShutdownTimeout config.Duration `toml:"shutdown_timeout" split_words:"true"`
	NodeName        string          `toml:"node_name,omitempty" split_words:"true"`

	// PluginOrder lists the plugins that start first, in this order. The other plugins
	// start afterwards, sorted by name. The order of the transforms follows it.
	PluginOrder []string `toml:"plugin_order,omitempty" split_words:"true"`

	Pipeline PipelineConfig `toml:"pipeline" split_words:"true"`
}

// PipelineConfig is the [agent.pipeline] section.
type PipelineConfig struct {
	QueueSize        int             `toml:"queue_size" split_words:"true"`
	OutputQueueSize  int             `toml:"output_queue_size" split_words:"true"`
	DropPolicy       string          `toml:"drop_policy" split_words:"true"`
	ErrorLogInterval config.Duration `toml:"error_log_interval" split_words:"true"`
}

// PluginConfig is a [plugins.<name>] section.
type PluginConfig struct {
	Enabled bool
	// Settings is the section without the enable key.
	Settings config.Table
}

func DefaultConfig() Config {
	pc := pipeline.DefaultConfig()
	return Config{
		Agent: AgentConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			ControlAddress:  "127.0.0.1:8787",
			ShutdownTimeout: config.Duration(30 * time.Second),
			Pipeline: PipelineConfig{
				QueueSize:        pc.QueueSize,
				OutputQueueSize:  pc.OutputQueueSize,
				DropPolicy:       string(pc.DropPolicy),
				ErrorLogInterval: config.Duration(pc.ErrorLogInterval),
			},
		},
		Plugins: map[string]PluginConfig{},
	}
}

// Engine converts the section to the configuration of the pipeline engine.
func (c PipelineConfig) Engine() pipeline.Config {
	return pipeline.Config{
		QueueSize:        c.QueueSize,
		OutputQueueSize:  c.OutputQueueSize,
		DropPolicy:       pipeline.DropPolicy(c.DropPolicy),
		ErrorLogInterval: c.ErrorLogInterval.Std(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	switch c.Agent.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Agent.LogLevel))
	}
	switch c.Agent.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Agent.LogFormat))
	}
	if c.Agent.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	if err := c.Agent.Pipeline.Engine().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LoadConfig reads the configuration file at path, TOML or YAML depending on its extension.
func LoadConfig(path string) (Config, error) {
	tbl, err := config.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	return ParseConfig(tbl)
}

// ParseConfig reads a configuration tree. Missing settings keep their default value and a
// plugin section without enable key is enabled.
func ParseConfig(tbl config.Table) (Config, error) {
	cfg := DefaultConfig()
	for _, key := range tbl.Keys() {
		if key != "agent" && key != "plugins" {
			return cfg, fmt.Errorf("unknown configuration section %q", key)
		}
	}

	if section, ok := tbl.Table("agent"); ok {
		if err := section.Decode(&cfg.Agent); err != nil {
			return cfg, fmt.Errorf("invalid [agent] section: %w", err)
		}
	} else if tbl.Has("agent") {
		return cfg, errors.New("agent must be a table")
	}

	plugins, ok := tbl.Table("plugins")
	if !ok && tbl.Has("plugins") {
		return cfg, errors.New("plugins must be a table")
	}
	for _, name := range plugins.Keys() {
		section, ok := plugins.Table(name)
		if !ok {
			return cfg, fmt.Errorf("plugins.%s must be a table", name)
		}
		enabled := true
		if section.Has(enableKey) {
			if enabled, ok = section.Bool(enableKey); !ok {
				return cfg, fmt.Errorf("plugins.%s.%s must be a boolean", name, enableKey)
			}
		}
		cfg.Plugins[name] = PluginConfig{Enabled: enabled, Settings: section.Without(enableKey)}
	}
	return cfg, nil
}

// ApplyEnv overrides the [agent] section with the ALUMET_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, &c.Agent); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	return nil
}

// EnableOnly enables the named plugins and disables the others. The plugins start in
// the given order.
func (c *Config) EnableOnly(names []string) {
	for name, pc := range c.Plugins {
		pc.Enabled = slices.Contains(names, name)
		c.Plugins[name] = pc
	}
	for _, name := range names {
		if _, ok := c.Plugins[name]; !ok {
			c.Plugins[name] = PluginConfig{Enabled: true}
		}
	}
	c.Agent.PluginOrder = names
}

type selectedPlugin struct {
	meta     plugin.Metadata
	settings config.Table
}

// selectPlugins returns the enabled plugins in start order. A section naming a plugin that
// is not compiled in is an error.
func (c Config) selectPlugins(reg *plugin.Registry) ([]selectedPlugin, error) {
	var errs []error
	for name := range c.Plugins {
		if _, ok := reg.Get(name); !ok {
			errs = append(errs, fmt.Errorf("unknown plugin %q, available plugins: %v", name, reg.Names()))
		}
	}
	for _, name := range c.Agent.PluginOrder {
		if _, ok := reg.Get(name); !ok {
			errs = append(errs, fmt.Errorf("unknown plugin %q in plugin_order", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	order := slices.Clone(c.Agent.PluginOrder)
	for _, name := range reg.Names() {
		if !slices.Contains(order, name) {
			order = append(order, name)
		}
	}

	var selected []selectedPlugin
	for _, name := range order {
		pc, ok := c.Plugins[name]
		if !ok || !pc.Enabled {
			continue
		}
		meta, _ := reg.Get(name)
		selected = append(selected, selectedPlugin{meta: meta, settings: pc.Settings})
	}
	return selected, nil
}

// DefaultConfigTable returns the configuration written in new configuration files: the
// default [agent] section and the default configuration of every plugin of reg.
func DefaultConfigTable(reg *plugin.Registry) config.Table {
	plugins := map[string]any{}
	for _, meta := range reg.All() {
		var section config.Table
		if meta.DefaultConfig != nil {
			section = meta.DefaultConfig()
		}
		plugins[meta.Name] = section.With(enableKey, slices.Contains(defaultEnabled, meta.Name)).Map()
	}
	return config.NewTable(map[string]any{
		"agent":   config.MustFromStruct(DefaultConfig().Agent).Map(),
		"plugins": plugins,
	})
}

// WriteDefaultConfig writes DefaultConfigTable to path, in the format of its extension.
func WriteDefaultConfig(path string, reg *plugin.Registry) error {
	data, err := DefaultConfigTable(reg).Marshal(config.FormatOf(path))
	if err != nil {
		return fmt.Errorf("failed to encode default configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write default configuration: %w", err)
	}
	return nil
}
