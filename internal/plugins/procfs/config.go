// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package procfs

import (
	"errors"
	"fmt"
	"time"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/pipeline"
)

// Config is the configuration of the procfs plugin.
type Config struct {
	// ProcPath overrides the proc mount point. When empty, HOST_PROC or /proc is used.
	ProcPath string `toml:"proc_path,omitempty"`

	Kernel KernelConfig `toml:"kernel"`
	Memory MemoryConfig `toml:"memory"`
	Load   LoadConfig   `toml:"load"`
}

// Trigger is the polling schedule of one procfs source.
type Trigger struct {
	Enabled       bool            `toml:"enabled"`
	PollInterval  config.Duration `toml:"poll_interval"`
	FlushInterval config.Duration `toml:"flush_interval"`
}

// KernelConfig configures the /proc/stat source.
type KernelConfig struct {
	Trigger
	// ClockTicks is the USER_HZ value of the kernel, used to convert jiffies.
	ClockTicks uint64 `toml:"clock_ticks"`
}

// MemoryConfig configures the /proc/meminfo source.
type MemoryConfig struct {
	Trigger
	// Metrics lists the meminfo keys to measure, for instance "MemAvailable".
	Metrics []string `toml:"metrics"`
}

// LoadConfig configures the /proc/loadavg source.
type LoadConfig struct {
	Trigger
}

// DefaultConfig returns the configuration of a fresh installation.
func DefaultConfig() Config {
	trigger := Trigger{
		Enabled:       true,
		PollInterval:  config.Duration(5 * time.Second),
		FlushInterval: config.Duration(5 * time.Second),
	}
	return Config{
		Kernel: KernelConfig{Trigger: trigger, ClockTicks: 100},
		Memory: MemoryConfig{
			Trigger: trigger,
			Metrics: []string{
				"MemTotal", "MemFree", "MemAvailable", "Cached", "SwapCached",
				"Active", "Inactive", "Mapped",
			},
		},
		Load: LoadConfig{Trigger: trigger},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	sections := []struct {
		name string
		t    Trigger
	}{
		{"kernel", c.Kernel.Trigger},
		{"memory", c.Memory.Trigger},
		{"load", c.Load.Trigger},
	}
	for _, s := range sections {
		name, t := s.name, s.t
		if !t.Enabled {
			continue
		}
		if t.PollInterval <= 0 {
			errs = append(errs, fmt.Errorf("%s: poll_interval must be positive", name))
		}
		if t.FlushInterval < 0 {
			errs = append(errs, fmt.Errorf("%s: flush_interval must not be negative", name))
		}
	}
	if c.Kernel.Enabled && c.Kernel.ClockTicks == 0 {
		errs = append(errs, errors.New("kernel: clock_ticks must be positive"))
	}
	if c.Memory.Enabled && len(c.Memory.Metrics) == 0 {
		errs = append(errs, errors.New("memory: metrics must not be empty"))
	}
	return errors.Join(errs...)
}

func (t Trigger) sourceTrigger() pipeline.SourceTrigger {
	return pipeline.SourceTrigger{
		PollInterval:  t.PollInterval.Std(),
		FlushInterval: t.FlushInterval.Std(),
	}
}
