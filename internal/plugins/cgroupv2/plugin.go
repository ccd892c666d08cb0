// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cgroupv2 measures the CPU and memory consumed by each control group of the unified
// cgroup v2 hierarchy. The points are attributed to the local machine, consumed by the cgroup.
package cgroupv2

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/config/environment"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/plugin"
	"github.com/alumet-dev/alumet/pkg/units"
)

const (
	Name    = "cgroupv2"
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

// Config is the configuration of the cgroupv2 plugin.
type Config struct {
	PollInterval  config.Duration `toml:"poll_interval"`
	FlushInterval config.Duration `toml:"flush_interval"`
	// CgroupPath overrides the mount point of the hierarchy. When empty, HOST_SYS/fs/cgroup
	// or /sys/fs/cgroup is used.
	CgroupPath string `toml:"cgroup_path,omitempty"`
	// Include selects the cgroups to measure by their path relative to the root, for instance
	// "system.slice/docker-*.scope". The root cgroup is never measured.
	Include []string `toml:"include"`
	// Memory adds the memory.current and memory.stat measurements.
	Memory bool `toml:"memory"`
}

// DefaultConfig returns the configuration of a fresh installation.
func DefaultConfig() Config {
	return Config{
		PollInterval:  config.Duration(time.Second),
		FlushInterval: config.Duration(5 * time.Second),
		Include:       []string{"**"},
		Memory:        true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.FlushInterval < 0 {
		errs = append(errs, errors.New("flush_interval must not be negative"))
	}
	if len(c.Include) == 0 {
		errs = append(errs, errors.New("include must not be empty"))
	}
	for _, p := range c.Include {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("invalid include pattern %q", p))
		}
	}
	return errors.Join(errs...)
}

// Plugin registers the cgroup source.
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
	root := p.cfg.CgroupPath
	if root == "" {
		root = environment.HostPathsFromEnv().SysFile("fs", "cgroup")
	}
	// Only the unified hierarchy has this file at its root.
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err != nil {
		return fmt.Errorf("no cgroup v2 hierarchy at %s: %w", root, err)
	}

	m, err := registerMetrics(ctx, p.cfg.Memory)
	if err != nil {
		return err
	}
	src := newCgroupSource(root, p.cfg.Include, m, ctx.Logger())
	ctx.Logger().Info("Measuring cgroup v2 hierarchy", "root", root, "include", p.cfg.Include, "memory", p.cfg.Memory)

	_, err = ctx.AddSource("hierarchy", src, pipeline.SourceTrigger{
		PollInterval:  p.cfg.PollInterval.Std(),
		FlushInterval: p.cfg.FlushInterval.Std(),
	})
	return err
}

var unitByte = units.Custom("By", "B")

type metricDef struct {
	name, desc string
	unit       units.Unit
	file, key  string
}

func metricDefs(memory bool) []metricDef {
	usec := units.Second.WithPrefix(units.Micro)
	defs := []metricDef{
		{"cgroup_cpu_usage_total", "CPU time used by the cgroup since the previous measurement", usec, cpuStatFile, "usage_usec"},
		{"cgroup_cpu_usage_user", "CPU time used in user mode by the cgroup since the previous measurement", usec, cpuStatFile, "user_usec"},
		{"cgroup_cpu_usage_system", "CPU time used in system mode by the cgroup since the previous measurement", usec, cpuStatFile, "system_usec"},
	}
	if memory {
		defs = append(defs,
			metricDef{"cgroup_memory_total", "Total memory used by the cgroup", unitByte, memoryCurrentFile, ""},
			metricDef{"cgroup_memory_anonymous", "Anonymous memory used by the processes of the cgroup", unitByte, memoryStatFile, "anon"},
			metricDef{"cgroup_memory_file", "Memory used to cache files", unitByte, memoryStatFile, "file"},
			metricDef{"cgroup_memory_kernel_stack", "Memory used by kernel stacks", unitByte, memoryStatFile, "kernel_stack"},
			metricDef{"cgroup_memory_pagetables", "Memory used by page tables", unitByte, memoryStatFile, "pagetables"},
		)
	}
	return defs
}

func registerMetrics(ctx *plugin.StartContext, memory bool) (cgroupMetrics, error) {
	var m cgroupMetrics
	for _, d := range metricDefs(memory) {
		id, err := plugin.RegisterTyped[uint64](ctx, d.name, d.unit, d.desc)
		if err != nil {
			return m, err
		}
		m.add(d, id)
	}
	return m, nil
}
