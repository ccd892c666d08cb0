// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package logout_test

import (
	"strings"
	"testing"

	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-dev/alumet/internal/plugins/logout"
	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/resources"
	"github.com/alumet-dev/alumet/pkg/testutil"
	"github.com/alumet-dev/alumet/pkg/units"
)

func TestOutput(t *testing.T) {
	reg := metrics.NewRegistry()
	energy := metrics.RegisterTyped[float64](reg, "rapl_consumed_energy", units.Joule, "")
	forks := metrics.RegisterTyped[uint64](reg, "kernel_new_forks", units.Unity, "")
	ts := measurement.Now()
	points := []measurement.Point{
		measurement.NewPoint(ts, energy, resources.CpuPackage(0), resources.LocalMachineConsumer(), 1.5).
			WithAttr("domain", measurement.StringAttr("package")),
		measurement.NewPoint(ts, forks, resources.LocalMachine(), resources.LocalMachineConsumer(), uint64(3)),
		measurement.NewPoint(ts, energy, resources.CpuPackage(1), resources.LocalMachineConsumer(), 2.0),
	}

	tests := []struct {
		name string
		cfg  logout.Config
		want int
	}{
		{"everything", logout.DefaultConfig(), 3},
		{"selected metrics", logout.Config{Metrics: []string{"rapl_*"}}, 2},
		{"truncated", logout.Config{Metrics: []string{"*"}, MaxPoints: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lines []string
			logger := funcr.New(func(prefix, args string) { lines = append(lines, args) }, funcr.Options{})
			require.NoError(t, testutil.Write(logout.NewOutput(tt.cfg, logger), reg, points...))

			n := 0
			for _, l := range lines {
				if strings.Contains(l, `"msg"="Measurement"`) {
					n++
				}
			}
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestInit(t *testing.T) {
	_, err := logout.Init(config.NewTable(map[string]any{"max_points": -1}))
	assert.Error(t, err)

	b, err := testutil.StartPlugin(t, logout.Metadata(), logout.Metadata().DefaultConfig())
	require.NoError(t, err)
	_, _, outputs := b.Len()
	assert.Equal(t, 1, outputs)
}
