// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cgroupv2

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/resources"
	"github.com/alumet-dev/alumet/pkg/testutil"
)

const memoryStat = `anon 4096
file 8192
kernel_stack 16384
pagetables 512
`

func cpuStat(usage, user, system int) string {
	return fmt.Sprintf("usage_usec %d\nuser_usec %d\nsystem_usec %d\nnr_periods 0\nnr_throttled 0\nthrottled_usec 0\n",
		usage, user, system)
}

func newHierarchy(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"cgroup.controllers":                        "cpuset cpu io memory pids\n",
		"cpu.stat":                                  cpuStat(1_000_000, 600_000, 400_000),
		"system.slice/cpu.stat":                     cpuStat(1000, 600, 400),
		"system.slice/memory.current":               "65536\n",
		"system.slice/memory.stat":                  memoryStat,
		"user.slice/user-1000.slice/cpu.stat":       cpuStat(50, 30, 20),
		"user.slice/user-1000.slice/memory.current": "1024\n",
		"user.slice/user-1000.slice/memory.stat":    memoryStat,
		"user.slice/cpu.stat":                       cpuStat(50, 30, 20),
	})
	return root
}

func newTestSource(t *testing.T, root string, include []string, memory bool) (*cgroupSource, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	var m cgroupMetrics
	for _, d := range metricDefs(memory) {
		m.add(d, metrics.RegisterTyped[uint64](reg, d.name, d.unit, d.desc))
	}
	return newCgroupSource(root, include, m, logr.Discard()), reg
}

func valueOf(t *testing.T, reg *metrics.Registry, points []measurement.Point, metric, cgroup string) (uint64, bool) {
	t.Helper()
	id, _, ok := reg.ByName(metric)
	require.True(t, ok, metric)
	for _, p := range points {
		if p.Metric != id || p.Consumer != resources.ControlGroupConsumer(cgroup) {
			continue
		}
		assert.Equal(t, resources.LocalMachine(), p.Resource)
		v, ok := p.Value.Uint64()
		require.True(t, ok)
		return v, true
	}
	return 0, false
}

func TestSource_Poll(t *testing.T) {
	root := newHierarchy(t)
	src, reg := newTestSource(t, root, []string{"**"}, true)

	first := testutil.Poll(t, src, reg, measurement.Now())
	_, ok := valueOf(t, reg, first, "cgroup_cpu_usage_total", "/system.slice")
	assert.False(t, ok, "no cpu difference on the first poll")
	mem, ok := valueOf(t, reg, first, "cgroup_memory_total", "/system.slice")
	require.True(t, ok)
	assert.Equal(t, uint64(65536), mem)
	anon, ok := valueOf(t, reg, first, "cgroup_memory_anonymous", "/user.slice/user-1000.slice")
	require.True(t, ok)
	assert.Equal(t, uint64(4096), anon)
	_, ok = valueOf(t, reg, first, "cgroup_memory_total", "/user.slice")
	assert.False(t, ok, "memory controller disabled in user.slice")

	testutil.WriteTree(t, root, map[string]string{
		"system.slice/cpu.stat":               cpuStat(1500, 900, 600),
		"user.slice/user-1000.slice/cpu.stat": cpuStat(80, 50, 30),
	})
	second := testutil.Poll(t, src, reg, measurement.Now())
	tests := []struct {
		metric, cgroup string
		want           uint64
	}{
		{"cgroup_cpu_usage_total", "/system.slice", 500},
		{"cgroup_cpu_usage_user", "/system.slice", 300},
		{"cgroup_cpu_usage_system", "/system.slice", 200},
		{"cgroup_cpu_usage_total", "/user.slice/user-1000.slice", 30},
		{"cgroup_cpu_usage_total", "/user.slice", 0},
	}
	for _, tt := range tests {
		got, ok := valueOf(t, reg, second, tt.metric, tt.cgroup)
		require.True(t, ok, "%s %s", tt.metric, tt.cgroup)
		assert.Equal(t, tt.want, got, "%s %s", tt.metric, tt.cgroup)
	}

	for _, p := range second {
		assert.NotEqual(t, resources.ControlGroupConsumer("/"), p.Consumer, "the root cgroup is not measured")
		assert.Equal(t, resources.KindControlGroup, p.Consumer.Kind())
	}
}

func TestSource_Include(t *testing.T) {
	root := newHierarchy(t)
	src, reg := newTestSource(t, root, []string{"user.slice/*"}, true)

	points := testutil.Poll(t, src, reg, measurement.Now())
	require.NotEmpty(t, points)
	for _, p := range points {
		assert.Equal(t, "/user.slice/user-1000.slice", p.Consumer.ID())
	}
}

func TestSource_RemovedCgroup(t *testing.T) {
	root := newHierarchy(t)
	src, reg := newTestSource(t, root, []string{"**"}, false)

	testutil.Poll(t, src, reg, measurement.Now())
	assert.Equal(t, 9, src.cpu.Len())

	require.NoError(t, os.RemoveAll(filepath.Join(root, "user.slice", "user-1000.slice")))
	points := testutil.Poll(t, src, reg, measurement.Now())
	assert.Equal(t, 6, src.cpu.Len(), "the counters of a removed cgroup are forgotten")
	for _, p := range points {
		assert.NotEqual(t, "/user.slice/user-1000.slice", p.Consumer.ID())
	}
}

func TestSource_InvalidStat(t *testing.T) {
	root := newHierarchy(t)
	testutil.WriteTree(t, root, map[string]string{"system.slice/cpu.stat": "usage_usec lots\n"})
	src, _ := newTestSource(t, root, []string{"system.slice"}, false)

	buf := measurement.NewBuffer(0)
	err := src.Poll(measurement.NewAccumulator(buf), measurement.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage_usec")
}

func TestPlugin_Start(t *testing.T) {
	root := newHierarchy(t)
	b, err := testutil.StartPlugin(t, Metadata(), config.NewTable(map[string]any{"cgroup_path": root}))
	require.NoError(t, err)
	sources, _, _ := b.Len()
	assert.Equal(t, 1, sources)
	_, m, ok := b.Metrics().ByName("cgroup_memory_pagetables")
	require.True(t, ok)
	assert.Equal(t, metrics.U64, m.ValueType)

	// a cgroup v1 mount point has no cgroup.controllers
	_, err = testutil.StartPlugin(t, Metadata(), config.NewTable(map[string]any{"cgroup_path": t.TempDir()}))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"no include", func(c *Config) { c.Include = nil }, true},
		{"bad pattern", func(c *Config) { c.Include = []string{"system.slice/["} }, true},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, true},
		{"negative flush interval", func(c *Config) { c.FlushInterval = config.Duration(-time.Second) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}
