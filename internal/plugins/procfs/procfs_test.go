// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package procfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/resources"
	"github.com/alumet-dev/alumet/pkg/testutil"
	"github.com/alumet-dev/alumet/pkg/units"
)

const (
	statFirst = `cpu  1000 10 500 9000 40 5 5 0 0 0
cpu0 600 10 300 4500 20 5 5 0 0 0
cpu1 400 0 200 4500 20 0 0 0 0 0
intr 123456789 1234 5678
ctxt 1000
btime 1638360000
processes 200
procs_running 4
procs_blocked 1
`
	statSecond = `cpu  1100 10 550 9200 90 5 5 0 0 0
cpu0 650 10 330 4600 40 5 5 0 0 0
cpu1 450 0 220 4600 50 0 0 0 0 0
intr 123456799 1234 5678
ctxt 1500
btime 1638360000
processes 203
procs_running 2
procs_blocked 0
`
	meminfo = `MemTotal:       16384000 kB
MemFree:         8192000 kB
MemAvailable:   12000000 kB
Cached:          1000 kB
Active(anon):    2048 kB
HugePages_Total:       0
`
	loadavg = "0.50 1.25 2.75 2/1234 12345\n"
)

func newKernelFixture(t *testing.T) (*kernelSource, *metrics.Registry, string) {
	t.Helper()
	reg := metrics.NewRegistry()
	m := kernelMetrics{
		cpuTime:         metrics.RegisterTyped[uint64](reg, "kernel_cpu_time", units.Second.WithPrefix(units.Milli), ""),
		contextSwitches: metrics.RegisterTyped[uint64](reg, "kernel_context_switches", units.Unity, ""),
		newForks:        metrics.RegisterTyped[uint64](reg, "kernel_new_forks", units.Unity, ""),
		procsRunning:    metrics.RegisterTyped[uint64](reg, "kernel_n_procs_running", units.Unity, ""),
		procsBlocked:    metrics.RegisterTyped[uint64](reg, "kernel_n_procs_blocked", units.Unity, ""),
	}
	path := filepath.Join(t.TempDir(), "stat")
	require.NoError(t, os.WriteFile(path, []byte(statFirst), 0o644))
	return newKernelSource(path, 100, m), reg, path
}

func cpuTimeOf(t *testing.T, points []measurement.Point, id metrics.RawID, res resources.Resource, state string) (uint64, bool) {
	t.Helper()
	for _, p := range points {
		if p.Metric != id || p.Resource != res {
			continue
		}
		attr, ok := p.Attr("cpu_state")
		require.True(t, ok)
		if s, _ := attr.Str(); s == state {
			v, ok := p.Value.Uint64()
			require.True(t, ok)
			return v, true
		}
	}
	return 0, false
}

func TestKernelSource(t *testing.T) {
	src, reg, path := newKernelFixture(t)
	ts := measurement.Now()

	first := testutil.Poll(t, src, reg, ts)
	require.Len(t, first, 2, "only the gauges are measured on the first poll")

	require.NoError(t, os.WriteFile(path, []byte(statSecond), 0o644))
	second := testutil.Poll(t, src, reg, ts)

	cpu := src.metrics.cpuTime.Raw()
	tests := []struct {
		name     string
		resource resources.Resource
		state    string
		want     uint64
	}{
		{"machine user", resources.LocalMachine(), "user", 1000},
		{"machine system", resources.LocalMachine(), "system", 500},
		{"machine idle", resources.LocalMachine(), "idle", 2000},
		{"machine nice unchanged", resources.LocalMachine(), "nice", 0},
		{"core 0 user", resources.CpuCore(0), "user", 500},
		{"core 1 system", resources.CpuCore(1), "system", 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := cpuTimeOf(t, second, cpu, tt.resource, tt.state)
			require.True(t, ok)
			assert.Equal(t, tt.want, v)
		})
	}

	_, ok := cpuTimeOf(t, second, cpu, resources.LocalMachine(), "iowait")
	assert.False(t, ok, "iowait is not measured")

	byMetric := map[metrics.RawID]uint64{}
	for _, p := range second {
		if p.Metric == cpu {
			continue
		}
		v, _ := p.Value.Uint64()
		byMetric[p.Metric] = v
	}
	assert.Equal(t, uint64(500), byMetric[src.metrics.contextSwitches.Raw()])
	assert.Equal(t, uint64(3), byMetric[src.metrics.newForks.Raw()])
	assert.Equal(t, uint64(2), byMetric[src.metrics.procsRunning.Raw()])
	assert.Equal(t, uint64(0), byMetric[src.metrics.procsBlocked.Raw()])
}

func TestKernelSource_Errors(t *testing.T) {
	src, reg, path := newKernelFixture(t)
	acc := measurement.NewAccumulator(measurement.NewCheckedBuffer(0, reg))

	require.NoError(t, os.WriteFile(path, []byte("ctxt abc\n"), 0o644))
	assert.Error(t, src.Poll(acc, measurement.Now()))

	require.NoError(t, os.WriteFile(path, []byte("cpuX 1 2 3\n"), 0o644))
	assert.Error(t, src.Poll(acc, measurement.Now()))

	require.NoError(t, os.Remove(path))
	assert.ErrorIs(t, src.Poll(acc, measurement.Now()), os.ErrNotExist)
}

func TestMemorySource(t *testing.T) {
	reg := metrics.NewRegistry()
	src := &memorySource{path: filepath.Join(t.TempDir(), "meminfo"), metrics: map[string]metrics.TypedID[uint64]{}}
	for _, key := range []string{"MemTotal", "Cached", "Active(anon)", "HugePages_Total", "NotThere"} {
		src.metrics[key] = metrics.RegisterTyped[uint64](reg, memoryMetricName(key), unitByte, "")
	}
	require.NoError(t, os.WriteFile(src.path, []byte(meminfo), 0o644))

	points := testutil.Poll(t, src, reg, measurement.Now())
	got := map[string]uint64{}
	for _, p := range points {
		m, ok := reg.Lookup(p.Metric)
		require.True(t, ok)
		got[m.Name], _ = p.Value.Uint64()
	}
	assert.Equal(t, map[string]uint64{
		"mem_total":           16384000 * 1024,
		"mem_cached":          1000 * 1024,
		"mem_active_anon":     2048 * 1024,
		"mem_hugepages_total": 0,
	}, got)
}

func TestMemoryMetricName(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"MemTotal", "mem_total"},
		{"MemAvailable", "mem_available"},
		{"SwapCached", "mem_swap_cached"},
		{"Active(anon)", "mem_active_anon"},
		{"HugePages_Total", "mem_hugepages_total"},
		{"KReclaimable", "mem_k_reclaimable"},
		{"DirectMap4k", "mem_direct_map4k"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, memoryMetricName(tt.key))
		})
	}
}

func TestParseMeminfoValue(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{" 12 kB", 12 * 1024, false},
		{"3", 3, false},
		{"2 MiB", 2 << 20, false},
		{"1 GiB", 1 << 30, false},
		{"", 0, true},
		{"1 parsec", 0, true},
		{"x kB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseMeminfoValue(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadSource(t *testing.T) {
	reg := metrics.NewRegistry()
	m := loadMetrics{
		load1:     metrics.RegisterTyped[float64](reg, "load_average_1m", units.Unity, ""),
		load5:     metrics.RegisterTyped[float64](reg, "load_average_5m", units.Unity, ""),
		load15:    metrics.RegisterTyped[float64](reg, "load_average_15m", units.Unity, ""),
		running:   metrics.RegisterTyped[uint64](reg, "load_running_entities", units.Unity, ""),
		processes: metrics.RegisterTyped[uint64](reg, "load_total_entities", units.Unity, ""),
	}
	path := filepath.Join(t.TempDir(), "loadavg")
	src := &loadSource{path: path, metrics: m}

	tests := []struct {
		name    string
		content string
		want    []float64
		wantErr bool
	}{
		{"valid", loadavg, []float64{0.5, 1.25, 2.75, 2, 1234}, false},
		{"extra whitespace", "  0.50   1.25   2.75   2/1234   12345  ", []float64{0.5, 1.25, 2.75, 2, 1234}, false},
		{"too short", "0.50 1.25", nil, true},
		{"bad float", "invalid 1.25 2.75 2/1234 12345", nil, true},
		{"bad processes", "0.50 1.25 2.75 invalid 12345", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			buf := measurement.NewCheckedBuffer(0, reg)
			err := src.Poll(measurement.NewAccumulator(buf), measurement.Now())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			var got []float64
			buf.ForEach(func(p measurement.Point) { got = append(got, p.Value.AsFloat64()) })
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlugin_Start(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"stat":    statFirst,
		"meminfo": meminfo,
		"loadavg": loadavg,
	})

	cfg := config.NewTable(map[string]any{
		"proc_path": dir,
		"memory":    map[string]any{"metrics": []string{"MemTotal", "MemFree"}},
		"load":      map[string]any{"enabled": false},
	})
	b, err := testutil.StartPlugin(t, Metadata(), cfg)
	require.NoError(t, err)

	sources, transforms, outputs := b.Len()
	assert.Equal(t, 2, sources)
	assert.Zero(t, transforms)
	assert.Zero(t, outputs)

	for _, name := range []string{"kernel_cpu_time", "kernel_context_switches", "mem_total", "mem_free"} {
		_, m, ok := b.Metrics().ByName(name)
		require.True(t, ok, name)
		if name == "mem_total" {
			assert.Equal(t, "By", m.Unit.UniqueName())
		}
	}
	_, _, ok := b.Metrics().ByName("load_average_1m")
	assert.False(t, ok)
}

func TestPlugin_StartFailsOnMissingFile(t *testing.T) {
	cfg := config.NewTable(map[string]any{"proc_path": t.TempDir()})
	_, err := testutil.StartPlugin(t, Metadata(), cfg)
	assert.Error(t, err)
}

func TestInit_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]any
	}{
		{"unknown field", map[string]any{"typo": 1}},
		{"zero poll interval", map[string]any{"kernel": map[string]any{"poll_interval": "0s"}}},
		{"no memory metric", map[string]any{"memory": map[string]any{"metrics": []string{}}}},
		{"zero clock ticks", map[string]any{"kernel": map[string]any{"clock_ticks": 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Init(config.NewTable(tt.cfg))
			assert.Error(t, err)
		})
	}
}

func TestDefaultConfig_RoundTrip(t *testing.T) {
	tbl := Metadata().DefaultConfig()
	p, err := Init(tbl)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), p.(*Plugin).cfg)

	d, ok := tbl.Table("kernel")
	require.True(t, ok)
	poll, ok := d.Duration("poll_interval")
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, poll)
}
