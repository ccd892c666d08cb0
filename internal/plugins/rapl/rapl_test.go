// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package rapl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/resources"
	"github.com/alumet-dev/alumet/pkg/testutil"
	"github.com/alumet-dev/alumet/pkg/units"
)

// fakePowercap creates the zones of a single socket machine with psys and dram.
func fakePowercap(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"intel-rapl:0/name":                               "package-0\n",
		"intel-rapl:0/energy_uj":                          "1000000\n",
		"intel-rapl:0/max_energy_range_uj":                "262143328850\n",
		"intel-rapl:0/intel-rapl:0:0/name":                "core\n",
		"intel-rapl:0/intel-rapl:0:0/energy_uj":           "500000\n",
		"intel-rapl:0/intel-rapl:0:0/max_energy_range_uj": "262143328850\n",
		"intel-rapl:1/name":                               "psys\n",
		"intel-rapl:1/energy_uj":                          "2000000\n",
		"intel-rapl:1/max_energy_range_uj":                "262143328850\n",
		"intel-rapl:0/intel-rapl:0:1/name":                "dram\n",
		"intel-rapl:0/intel-rapl:0:1/energy_uj":           "900\n",
		"intel-rapl:0/intel-rapl:0:1/max_energy_range_uj": "1000\n",
		"intel-rapl:0/intel-rapl:0:1/not-a-zone/name":     "ignored\n",
	})
	return root
}

func setEnergy(t *testing.T, root, zone string, uj string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, filepath.FromSlash(zone), "energy_uj"), []byte(uj+"\n"), 0o644))
}

func TestDiscoverZones(t *testing.T) {
	root := fakePowercap(t)
	zones, err := DiscoverZones(root)
	require.NoError(t, err)

	var got []string
	for _, z := range zones {
		got = append(got, z.Name)
	}
	assert.Equal(t, []string{"package-0", "core", "dram", "psys"}, got)
	assert.Equal(t, DomainPP0, zones[1].Domain)
	assert.Equal(t, uint32(0), zones[2].Socket)
	assert.Equal(t, resources.Dram(0), zones[2].Domain.Resource(zones[2].Socket))
	assert.Equal(t, resources.LocalMachine(), zones[3].Domain.Resource(zones[3].Socket))

	_, err = DiscoverZones(t.TempDir())
	assert.Error(t, err)

	bad := t.TempDir()
	testutil.WriteTree(t, bad, map[string]string{"intel-rapl:0/name": "gpu\n"})
	_, err = DiscoverZones(bad)
	assert.Error(t, err)
}

func TestDomainOf(t *testing.T) {
	tests := []struct {
		name string
		want Domain
		ok   bool
	}{
		{"package-1", DomainPackage, true},
		{"core", DomainPP0, true},
		{"uncore", DomainPP1, true},
		{"dram", DomainDram, true},
		{"psys", DomainPlatform, true},
		{"mmio", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := domainOf(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestPowercapSource(t *testing.T) {
	root := fakePowercap(t)
	zones, err := DiscoverZones(root)
	require.NoError(t, err)

	reg := metrics.NewRegistry()
	metric := metrics.RegisterTyped[float64](reg, "rapl_consumed_energy", units.Joule, "")
	src, err := newPowercapSource(metric, zones, true)
	require.NoError(t, err)

	first := testutil.Poll(t, src, reg, measurement.Now())
	assert.Empty(t, first, "the first reading has no previous value")

	setEnergy(t, root, "intel-rapl:0", "3000000")
	setEnergy(t, root, "intel-rapl:0/intel-rapl:0:0", "1500000")
	setEnergy(t, root, "intel-rapl:0/intel-rapl:0:1", "100") // wrapped around max 1000
	setEnergy(t, root, "intel-rapl:1", "2500000")

	points := testutil.Poll(t, src, reg, measurement.Now())
	got := map[string]float64{}
	for _, p := range points {
		attr, ok := p.Attr("domain")
		require.True(t, ok)
		d, _ := attr.Str()
		v, ok := p.Value.Float64()
		require.True(t, ok)
		got[d+"@"+p.Resource.Kind()] = v
	}
	assert.Equal(t, map[string]float64{
		"package@cpu_package":          2,
		"pp0@cpu_package":              1,
		"dram@dram":                    0.0002,
		"platform@local_machine":       0.5,
		"package_total@local_machine":  2,
		"pp0_total@local_machine":      1,
		"dram_total@local_machine":     0.0002,
		"platform_total@local_machine": 0.5,
	}, got)
}

func TestPlugin_Start(t *testing.T) {
	root := fakePowercap(t)
	b, err := testutil.StartPlugin(t, Metadata(), config.NewTable(map[string]any{"powercap_path": root}))
	require.NoError(t, err)

	sources, _, _ := b.Len()
	assert.Equal(t, 1, sources)
	_, m, ok := b.Metrics().ByName("rapl_consumed_energy")
	require.True(t, ok)
	assert.Equal(t, metrics.F64, m.ValueType)
	assert.Equal(t, units.Joule, m.Unit)

	_, err = testutil.StartPlugin(t, Metadata(), config.NewTable(map[string]any{"powercap_path": t.TempDir()}))
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	p, err := Init(Metadata().DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), p.(*Plugin).cfg)

	_, err = Init(config.NewTable(map[string]any{"poll_interval": "0s"}))
	assert.Error(t, err)
}
