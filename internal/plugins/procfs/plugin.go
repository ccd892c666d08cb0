// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package procfs measures the kernel, memory and load statistics exposed in /proc.
package procfs

import (
	"fmt"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/config/environment"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/plugin"
	"github.com/alumet-dev/alumet/pkg/units"
)

const (
	Name    = "procfs"
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

// Plugin registers one source per enabled section of the configuration.
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
	paths := environment.HostPathsFromEnv()
	if p.cfg.ProcPath != "" {
		paths.Proc = p.cfg.ProcPath
	}
	logger := ctx.Logger()

	if p.cfg.Kernel.Enabled {
		path := paths.ProcFile("stat")
		if err := environment.CheckReadable(path); err != nil {
			return err
		}
		m, err := registerKernelMetrics(ctx)
		if err != nil {
			return err
		}
		src := newKernelSource(path, p.cfg.Kernel.ClockTicks, m)
		if _, err := ctx.AddSource("kernel", src, p.cfg.Kernel.sourceTrigger()); err != nil {
			return err
		}
	}

	if p.cfg.Memory.Enabled {
		path := paths.ProcFile("meminfo")
		if err := environment.CheckReadable(path); err != nil {
			return err
		}
		src := &memorySource{path: path, metrics: make(map[string]metrics.TypedID[uint64])}
		for _, key := range p.cfg.Memory.Metrics {
			id, err := plugin.RegisterTyped[uint64](ctx, memoryMetricName(key), unitByte,
				fmt.Sprintf("%s, as reported by /proc/meminfo", key))
			if err != nil {
				return err
			}
			src.metrics[key] = id
		}
		if _, err := ctx.AddSource("memory", src, p.cfg.Memory.sourceTrigger()); err != nil {
			return err
		}
	}

	if p.cfg.Load.Enabled {
		path := paths.ProcFile("loadavg")
		if err := environment.CheckReadable(path); err != nil {
			return err
		}
		m, err := registerLoadMetrics(ctx)
		if err != nil {
			return err
		}
		if _, err := ctx.AddSource("load", &loadSource{path: path, metrics: m}, p.cfg.Load.sourceTrigger()); err != nil {
			return err
		}
	}

	logger.Info("procfs sources registered", "proc", paths.Proc,
		"kernel", p.cfg.Kernel.Enabled, "memory", p.cfg.Memory.Enabled, "load", p.cfg.Load.Enabled)
	return nil
}

func registerKernelMetrics(ctx *plugin.StartContext) (kernelMetrics, error) {
	var (
		m   kernelMetrics
		err error
	)
	defs := []struct {
		id   *metrics.TypedID[uint64]
		name string
		unit units.Unit
		desc string
	}{
		{&m.cpuTime, "kernel_cpu_time", units.Second.WithPrefix(units.Milli), "time spent by the cpu in each state"},
		{&m.contextSwitches, "kernel_context_switches", units.Unity, "number of context switches"},
		{&m.newForks, "kernel_new_forks", units.Unity, "number of fork operations"},
		{&m.procsRunning, "kernel_n_procs_running", units.Unity, "number of processes in a runnable state"},
		{&m.procsBlocked, "kernel_n_procs_blocked", units.Unity, "number of processes blocked waiting for I/O"},
	}
	for _, d := range defs {
		if *d.id, err = plugin.RegisterTyped[uint64](ctx, d.name, d.unit, d.desc); err != nil {
			return m, err
		}
	}
	return m, nil
}

func registerLoadMetrics(ctx *plugin.StartContext) (loadMetrics, error) {
	var (
		m   loadMetrics
		err error
	)
	if m.load1, err = plugin.RegisterTyped[float64](ctx, "load_average_1m", units.Unity, "load average over 1 minute"); err != nil {
		return m, err
	}
	if m.load5, err = plugin.RegisterTyped[float64](ctx, "load_average_5m", units.Unity, "load average over 5 minutes"); err != nil {
		return m, err
	}
	if m.load15, err = plugin.RegisterTyped[float64](ctx, "load_average_15m", units.Unity, "load average over 15 minutes"); err != nil {
		return m, err
	}
	if m.running, err = plugin.RegisterTyped[uint64](ctx, "load_running_entities", units.Unity, "number of runnable scheduling entities"); err != nil {
		return m, err
	}
	if m.processes, err = plugin.RegisterTyped[uint64](ctx, "load_total_entities", units.Unity, "number of scheduling entities"); err != nil {
		return m, err
	}
	return m, nil
}
