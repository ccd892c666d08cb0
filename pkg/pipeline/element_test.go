// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-dev/alumet/pkg/measurement"
)

func TestParseName(t *testing.T) {
	n, err := ParseName("source/rapl/package-0")
	require.NoError(t, err)
	assert.Equal(t, Name{Kind: KindSource, Plugin: "rapl", Element: "package-0"}, n)
	assert.Equal(t, "source/rapl/package-0", n.String())

	for _, bad := range []string{"", "source/rapl", "probe/rapl/x", "output//x", "output/x/", "a/b/c/d"} {
		_, err := ParseName(bad)
		assert.ErrorIs(t, err, ErrInvalidName, bad)
	}
}

func TestPattern_Matches(t *testing.T) {
	names := []Name{
		{KindSource, "rapl", "package"},
		{KindSource, "procfs", "cpu"},
		{KindTransform, "procfs", "cpu"},
		{KindOutput, "csv", "file"},
	}
	tests := []struct {
		pattern string
		want    []bool
	}{
		{"source/*/*", []bool{true, true, false, false}},
		{"**", []bool{true, true, true, true}},
		{"procfs", []bool{false, true, true, false}},
		{"*/procfs/cpu", []bool{false, true, true, false}},
		{"output/**", []bool{false, false, false, true}},
		{"source/r*/*", []bool{true, false, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			p, err := ParsePattern(tt.pattern)
			require.NoError(t, err)
			for i, n := range names {
				assert.Equal(t, tt.want[i], p.Matches(n), n.String())
			}
		})
	}

	_, err := ParsePattern(" ")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = ParsePattern("source/[/x")
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.Panics(t, func() { MustPattern("") })
}

func TestBuilder_UniqueNames(t *testing.T) {
	b := NewBuilder(nil)
	noop := SourceFunc(func(*measurement.Accumulator, measurement.Timestamp) error { return nil })
	trigger := SourceTrigger{PollInterval: time.Second}

	var got []string
	for i := 0; i < 3; i++ {
		n, err := b.AddSource("procfs", "cpu", noop, trigger)
		require.NoError(t, err)
		got = append(got, n.String())
	}
	n, err := b.AddSource("other", "cpu", noop, trigger)
	require.NoError(t, err)
	got = append(got, n.String())
	assert.Equal(t, []string{"source/procfs/cpu", "source/procfs/cpu-2", "source/procfs/cpu-3", "source/other/cpu"}, got)

	_, err = b.AddSource("bad/plugin", "x", noop, trigger)
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = b.AddSource("procfs", "x", noop, SourceTrigger{})
	assert.ErrorIs(t, err, ErrInvalidTrigger)
	_, err = b.AddSource("procfs", "x", nil, trigger)
	assert.Error(t, err)

	sources, transforms, outputs := b.Len()
	assert.Equal(t, 4, sources)
	assert.Zero(t, transforms)
	assert.Zero(t, outputs)

	_, err = b.Build(DefaultConfig(), logr.Discard())
	require.NoError(t, err)
	_, err = b.AddOutput("late", "x", OutputFunc(func(measurement.View, *OutputContext) error { return nil }))
	assert.ErrorIs(t, err, ErrBuilt)
	_, err = b.Build(DefaultConfig(), logr.Discard())
	assert.ErrorIs(t, err, ErrBuilt)
}

func TestSourceTrigger_FlushRounds(t *testing.T) {
	tests := []struct {
		poll, flush time.Duration
		want        int
	}{
		{100 * time.Millisecond, 500 * time.Millisecond, 5},
		{time.Second, 0, 1},
		{time.Second, 500 * time.Millisecond, 1},
		{time.Second, 2500 * time.Millisecond, 2},
		{0, time.Second, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.poll, tt.flush), func(t *testing.T) {
			assert.Equal(t, tt.want, SourceTrigger{PollInterval: tt.poll, FlushInterval: tt.flush}.FlushRounds())
		})
	}
}

func TestFatal(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("write: %w", Fatal(base))
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsFatal(base))
	assert.NoError(t, Fatal(nil))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"queue size", func(c *Config) { c.QueueSize = 0 }},
		{"output queue size", func(c *Config) { c.OutputQueueSize = -1 }},
		{"drop policy", func(c *Config) { c.DropPolicy = "random" }},
		{"log interval", func(c *Config) { c.ErrorLogInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := NewBuilder(nil).Build(cfg, logr.Discard())
			assert.Error(t, err)
		})
	}
}
