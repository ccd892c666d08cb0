// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package procfs

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/resources"
	"github.com/alumet-dev/alumet/pkg/units"
)

// Byte is not one of the predefined units.
var unitByte = units.Custom("By", "B")

// memorySource reads the selected fields of /proc/meminfo.
type memorySource struct {
	path    string
	metrics map[string]metrics.TypedID[uint64]
}

var _ pipeline.Source = (*memorySource)(nil)

func (s *memorySource) Poll(acc *measurement.Accumulator, ts measurement.Timestamp) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.path, err)
	}
	defer f.Close()

	// Format: "MemTotal:       16384000 kB"
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, rest, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		id, ok := s.metrics[key]
		if !ok {
			continue
		}
		bytes, err := parseMeminfoValue(rest)
		if err != nil {
			return fmt.Errorf("failed to parse %s in %s: %w", key, s.path, err)
		}
		p := measurement.NewPoint(ts, id, resources.LocalMachine(), resources.LocalMachineConsumer(), bytes)
		if err := acc.Push(p); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	return nil
}

func parseMeminfoValue(s string) (uint64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, fmt.Errorf("unexpected value %q", strings.TrimSpace(s))
	}
	v, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, err
	}
	if len(fields) == 1 {
		return v, nil
	}
	switch fields[1] {
	case "B":
		return v, nil
	case "kB", "KiB":
		return v << 10, nil
	case "MB", "MiB":
		return v << 20, nil
	case "GB", "GiB":
		return v << 30, nil
	default:
		return 0, fmt.Errorf("unknown unit %q", fields[1])
	}
}

// snakeCase converts a meminfo key to a metric name component:
// "MemAvailable" becomes "mem_available" and "HugePages_Total" becomes "hugepages_total".
func snakeCase(key string) string {
	if strings.Contains(key, "_") {
		return strings.ToLower(key)
	}
	var b strings.Builder
	runes := []rune(key)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// memoryMetricName returns the metric measuring key, "Active(anon)" becomes "mem_active_anon".
func memoryMetricName(key string) string {
	name := strings.Trim(strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return r
		}
		return '_'
	}, snakeCase(key)), "_")
	if strings.HasPrefix(name, "mem_") {
		return name
	}
	return "mem_" + name
}
