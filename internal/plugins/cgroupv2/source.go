// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cgroupv2

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-logr/logr"

	"github.com/alumet-dev/alumet/pkg/counter"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/resources"
)

const (
	cpuStatFile       = "cpu.stat"
	memoryCurrentFile = "memory.current"
	memoryStatFile    = "memory.stat"
)

// statMetric maps one key of a flat keyed file to its metric.
type statMetric struct {
	key string
	id  metrics.TypedID[uint64]
}

type cgroupMetrics struct {
	cpu           []statMetric
	memory        bool
	memoryCurrent metrics.TypedID[uint64]
	memoryStat    []statMetric
}

func (m *cgroupMetrics) add(d metricDef, id metrics.TypedID[uint64]) {
	switch d.file {
	case cpuStatFile:
		m.cpu = append(m.cpu, statMetric{key: d.key, id: id})
	case memoryStatFile:
		m.memoryStat = append(m.memoryStat, statMetric{key: d.key, id: id})
	case memoryCurrentFile:
		m.memory = true
		m.memoryCurrent = id
	}
}

type cpuKey struct {
	cgroup string
	key    string
}

// cgroupSource walks the hierarchy at every poll, so that the cgroups created after the
// start are measured too.
type cgroupSource struct {
	root    string
	include []string
	metrics cgroupMetrics
	logger  logr.Logger

	cpu   *counter.Set[cpuKey]
	known map[string]struct{}
}

var _ pipeline.Source = (*cgroupSource)(nil)

func newCgroupSource(root string, include []string, m cgroupMetrics, logger logr.Logger) *cgroupSource {
	return &cgroupSource{
		root:    root,
		include: include,
		metrics: m,
		logger:  logger,
		cpu:     counter.NewSet[cpuKey](math.MaxUint64),
		known:   make(map[string]struct{}),
	}
}

func (s *cgroupSource) Poll(acc *measurement.Accumulator, ts measurement.Timestamp) error {
	groups, err := s.discover()
	if err != nil {
		return err
	}

	live := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		err := s.measure(acc, ts, g)
		if errors.Is(err, fs.ErrNotExist) {
			// removed since the walk
			continue
		}
		if err != nil {
			return err
		}
		live[g] = struct{}{}
	}

	for g := range s.known {
		if _, ok := live[g]; ok {
			continue
		}
		s.logger.V(1).Info("Cgroup removed", "cgroup", g)
		for _, m := range s.metrics.cpu {
			s.cpu.Forget(cpuKey{cgroup: g, key: m.key})
		}
	}
	s.known = live
	return nil
}

// discover returns the path of the selected cgroups, relative to the root and starting with a
// slash, as in /proc/<pid>/cgroup.
func (s *cgroupSource) discover() ([]string, error) {
	var groups []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p != s.root && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() || p == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range s.include {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				groups = append(groups, "/"+rel)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk cgroup hierarchy %s: %w", s.root, err)
	}
	return groups, nil
}

func (s *cgroupSource) measure(acc *measurement.Accumulator, ts measurement.Timestamp, cgroup string) error {
	dir := filepath.Join(s.root, filepath.FromSlash(cgroup))
	resource := resources.LocalMachine()
	consumer := resources.ControlGroupConsumer(cgroup)

	stats, err := readFlatKeyed(filepath.Join(dir, cpuStatFile))
	if err != nil {
		return err
	}
	for _, m := range s.metrics.cpu {
		v, ok := stats[m.key]
		if !ok {
			continue
		}
		delta, ok := s.cpu.Update(cpuKey{cgroup: cgroup, key: m.key}, v).Value()
		if !ok {
			continue
		}
		if err := acc.Push(measurement.NewPoint(ts, m.id, resource, consumer, delta)); err != nil {
			return err
		}
	}

	if !s.metrics.memory {
		return nil
	}
	// The memory controller may be disabled for this cgroup.
	current, err := readUint(filepath.Join(dir, memoryCurrentFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := acc.Push(measurement.NewPoint(ts, s.metrics.memoryCurrent, resource, consumer, current)); err != nil {
		return err
	}
	stats, err = readFlatKeyed(filepath.Join(dir, memoryStatFile))
	if err != nil {
		return err
	}
	for _, m := range s.metrics.memoryStat {
		if v, ok := stats[m.key]; ok {
			if err := acc.Push(measurement.NewPoint(ts, m.id, resource, consumer, v)); err != nil {
				return err
			}
		}
	}
	return nil
}

// readFlatKeyed parses a file made of "key value" lines, like cpu.stat and memory.stat.
func readFlatKeyed(file string) (map[string]uint64, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[string]uint64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), " ")
		if !found {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s in %s: %w", key, filepath.Base(file), err)
		}
		values[key] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return values, nil
}

func readUint(file string) (uint64, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", file, err)
	}
	return v, nil
}
