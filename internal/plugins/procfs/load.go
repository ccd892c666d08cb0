// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package procfs

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/resources"
)

type loadMetrics struct {
	load1     metrics.TypedID[float64]
	load5     metrics.TypedID[float64]
	load15    metrics.TypedID[float64]
	running   metrics.TypedID[uint64]
	processes metrics.TypedID[uint64]
}

// loadSource reads the load averages of /proc/loadavg.
type loadSource struct {
	path    string
	metrics loadMetrics
}

var _ pipeline.Source = (*loadSource)(nil)

func (s *loadSource) Poll(acc *measurement.Accumulator, ts measurement.Timestamp) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	// Format: 0.00 0.01 0.05 1/234 5678
	// Where: 1min 5min 15min running/total lastpid
	fields := strings.Fields(string(data))
	if len(fields) < 5 {
		return fmt.Errorf("unexpected format in %s: %q", s.path, string(data))
	}

	var loads [3]float64
	for i := range loads {
		if loads[i], err = strconv.ParseFloat(fields[i], 64); err != nil {
			return fmt.Errorf("failed to parse load average %q: %w", fields[i], err)
		}
	}

	running, total, found := strings.Cut(fields[3], "/")
	if !found {
		return fmt.Errorf("unexpected process format: %s", fields[3])
	}
	nRunning, err := strconv.ParseUint(running, 10, 64)
	if err != nil {
		return fmt.Errorf("failed to parse running processes: %w", err)
	}
	nTotal, err := strconv.ParseUint(total, 10, 64)
	if err != nil {
		return fmt.Errorf("failed to parse total processes: %w", err)
	}

	machine, consumer := resources.LocalMachine(), resources.LocalMachineConsumer()
	points := []measurement.Point{
		measurement.NewPoint(ts, s.metrics.load1, machine, consumer, loads[0]),
		measurement.NewPoint(ts, s.metrics.load5, machine, consumer, loads[1]),
		measurement.NewPoint(ts, s.metrics.load15, machine, consumer, loads[2]),
		measurement.NewPoint(ts, s.metrics.running, machine, consumer, nRunning),
		measurement.NewPoint(ts, s.metrics.processes, machine, consumer, nTotal),
	}
	for _, p := range points {
		if err := acc.Push(p); err != nil {
			return err
		}
	}
	return nil
}
