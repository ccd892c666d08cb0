// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package testutil provides helpers for testing plugins and their elements.
package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

// RequireLinuxFilesystem skips the test unless /proc and /sys are mounted.
func RequireLinuxFilesystem(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("Test requires Linux")
	}
	if _, err := os.Stat("/proc/self"); err != nil {
		t.Skipf("Test requires /proc filesystem: %v", err)
	}
	if _, err := os.Stat("/sys/kernel"); err != nil {
		t.Skipf("Test requires /sys filesystem: %v", err)
	}
}

// WriteTree creates files under root, keyed by their slash separated relative path.
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

// StartPlugin initializes and starts one plugin the way the agent does, and returns the
// builder it registered its elements into.
func StartPlugin(t *testing.T, meta plugin.Metadata, cfg config.Table) (*pipeline.Builder, error) {
	t.Helper()
	m := plugin.NewManager(logr.Discard())
	if err := m.Init(meta, cfg); err != nil {
		return nil, err
	}
	b := pipeline.NewBuilder(nil)
	if err := m.StartAll(b, plugin.AgentInfo{RunID: "test-run", NodeName: "test-node", Version: "test"}); err != nil {
		return nil, err
	}
	return b, nil
}

// Poll polls s once into a buffer checked against schema and returns the points.
func Poll(t *testing.T, s pipeline.Source, schema measurement.Schema, ts measurement.Timestamp) []measurement.Point {
	t.Helper()
	buf := measurement.NewCheckedBuffer(0, schema)
	require.NoError(t, s.Poll(measurement.NewAccumulator(buf), ts))
	return buf.Points()
}

// Apply runs t on a buffer holding points and returns the result.
func Apply(t *testing.T, tr pipeline.Transform, registry *metrics.Registry, points ...measurement.Point) []measurement.Point {
	t.Helper()
	buf := measurement.NewCheckedBuffer(len(points), registry)
	for _, p := range points {
		require.NoError(t, buf.Push(p))
	}
	require.NoError(t, tr.Apply(buf, &pipeline.TransformContext{Metrics: registry}))
	return buf.Points()
}

// Write hands points to o as one buffer.
func Write(o pipeline.Output, registry *metrics.Registry, points ...measurement.Point) error {
	buf := measurement.NewBuffer(len(points))
	for _, p := range points {
		if err := buf.Push(p); err != nil {
			return err
		}
	}
	return o.Write(buf.View(), &pipeline.OutputContext{Metrics: registry})
}

// Capture is an output that keeps every point it receives.
type Capture struct {
	mu     sync.Mutex
	points []measurement.Point
	writes int
}

var _ pipeline.Output = (*Capture)(nil)

func (c *Capture) Write(view measurement.View, _ *pipeline.OutputContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	view.ForEach(func(p measurement.Point) { c.points = append(c.points, p) })
	c.writes++
	return nil
}

// Points returns a copy of the captured points.
func (c *Capture) Points() []measurement.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]measurement.Point(nil), c.points...)
}

// Writes returns the number of buffers received.
func (c *Capture) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// Clock creates tickers that only tick when the test says so.
type Clock struct {
	mu      sync.Mutex
	tickers []*ManualTicker
	created chan struct{}
}

// NewClock returns a Clock without tickers.
func NewClock() *Clock {
	return &Clock{created: make(chan struct{}, 64)}
}

// NewTicker is a pipeline.TickerFactory.
func (c *Clock) NewTicker(period time.Duration) pipeline.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	tk := &ManualTicker{Period: period, c: make(chan time.Time)}
	c.tickers = append(c.tickers, tk)
	c.created <- struct{}{}
	return tk
}

// WaitTickers blocks until n tickers have been created.
func (c *Clock) WaitTickers(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.created:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d tickers created", i, n)
		}
	}
}

// TickAll ticks every ticker once, in creation order.
func (c *Clock) TickAll() {
	c.mu.Lock()
	tickers := append([]*ManualTicker(nil), c.tickers...)
	c.mu.Unlock()
	for _, tk := range tickers {
		tk.Tick()
	}
}

// ManualTicker is a pipeline.Ticker driven by Tick.
type ManualTicker struct {
	Period time.Duration
	c      chan time.Time
}

func (t *ManualTicker) C() <-chan time.Time { return t.c }

func (t *ManualTicker) Stop() {}

// Tick blocks until the source goroutine received the tick.
func (t *ManualTicker) Tick() { t.c <- time.Now() }
