// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package procfs

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/alumet-dev/alumet/pkg/counter"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/resources"
)

// Columns of the cpu lines of /proc/stat, in order. iowait is unreliable and not measured.
var cpuStates = []string{
	"user", "nice", "system", "idle", "iowait", "irq", "softirq", "steal", "guest", "guest_nice",
}

const iowaitColumn = 4

type kernelMetrics struct {
	cpuTime         metrics.TypedID[uint64]
	contextSwitches metrics.TypedID[uint64]
	newForks        metrics.TypedID[uint64]
	procsRunning    metrics.TypedID[uint64]
	procsBlocked    metrics.TypedID[uint64]
}

type cpuStateKey struct {
	cpu   string
	state int
}

// kernelSource reads the CPU and scheduler statistics of /proc/stat.
type kernelSource struct {
	path    string
	ticks   uint64
	metrics kernelMetrics

	cpuTimes        *counter.Set[cpuStateKey]
	contextSwitches *counter.Diff
	forks           *counter.Diff
}

var _ pipeline.Source = (*kernelSource)(nil)

func newKernelSource(path string, ticks uint64, m kernelMetrics) *kernelSource {
	return &kernelSource{
		path:            path,
		ticks:           ticks,
		metrics:         m,
		cpuTimes:        counter.NewSet[cpuStateKey](math.MaxUint64),
		contextSwitches: counter.NewU64(),
		forks:           counter.NewU64(),
	}
}

func (s *kernelSource) Poll(acc *measurement.Accumulator, ts measurement.Timestamp) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.path, err)
	}
	defer f.Close()

	consumer := resources.LocalMachineConsumer()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := fields[0]
		switch {
		case strings.HasPrefix(key, "cpu"):
			if err := s.pushCPU(acc, ts, key, fields[1:]); err != nil {
				return err
			}
		case key == "ctxt", key == "processes":
			v, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", key, err)
			}
			diff, id := s.contextSwitches, s.metrics.contextSwitches
			if key == "processes" {
				diff, id = s.forks, s.metrics.newForks
			}
			if delta, ok := diff.Update(v).Value(); ok {
				if err := acc.Push(measurement.NewPoint(ts, id, resources.LocalMachine(), consumer, delta)); err != nil {
					return err
				}
			}
		case key == "procs_running", key == "procs_blocked":
			v, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", key, err)
			}
			id := s.metrics.procsRunning
			if key == "procs_blocked" {
				id = s.metrics.procsBlocked
			}
			if err := acc.Push(measurement.NewPoint(ts, id, resources.LocalMachine(), consumer, v)); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	return nil
}

// pushCPU handles a "cpu" or "cpuN" line.
func (s *kernelSource) pushCPU(acc *measurement.Accumulator, ts measurement.Timestamp, key string, values []string) error {
	resource := resources.LocalMachine()
	if id := strings.TrimPrefix(key, "cpu"); id != "" {
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid cpu line %q: %w", key, err)
		}
		resource = resources.CpuCore(uint32(n))
	}
	consumer := resources.LocalMachineConsumer()

	for i, raw := range values {
		if i >= len(cpuStates) {
			break
		}
		if i == iowaitColumn {
			continue
		}
		jiffies, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse %s %s: %w", key, cpuStates[i], err)
		}
		delta, ok := s.cpuTimes.Update(cpuStateKey{cpu: key, state: i}, jiffies).Value()
		if !ok {
			continue
		}
		millis := delta * 1000 / s.ticks
		p := measurement.NewPoint(ts, s.metrics.cpuTime, resource, consumer, millis).
			WithAttr("cpu_state", measurement.StringAttr(cpuStates[i]))
		if err := acc.Push(p); err != nil {
			return err
		}
	}
	return nil
}
