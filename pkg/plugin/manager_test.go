// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package plugin

import (
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/units"
)

// mockPlugin records its lifecycle calls into a shared journal
type mockPlugin struct {
	Base
	journal  *[]string
	startErr error
	start    func(ctx *StartContext) error
}

func (p *mockPlugin) Start(ctx *StartContext) error {
	*p.journal = append(*p.journal, "start "+p.PluginName)
	if p.start != nil {
		if err := p.start(ctx); err != nil {
			return err
		}
	}
	return p.startErr
}

func (p *mockPlugin) Stop() error {
	*p.journal = append(*p.journal, "stop "+p.PluginName)
	return nil
}

func (p *mockPlugin) Drop() error {
	*p.journal = append(*p.journal, "drop "+p.PluginName)
	return nil
}

func metadataFor(p *mockPlugin) Metadata {
	return Metadata{
		Name:    p.PluginName,
		Version: "0.1.0",
		Init:    func(config.Table) (Plugin, error) { return p, nil },
	}
}

func TestManager_Lifecycle(t *testing.T) {
	var journal []string
	a := &mockPlugin{Base: Base{PluginName: "a"}, journal: &journal}
	b := &mockPlugin{Base: Base{PluginName: "b"}, journal: &journal}

	m := NewManager(logr.Discard())
	require.NoError(t, m.Init(metadataFor(a), config.Table{}))
	require.NoError(t, m.Init(metadataFor(b), config.Table{}))
	assert.Equal(t, []Status{
		{Name: "a", Version: "0.1.0", State: "initialized"},
		{Name: "b", Version: "0.1.0", State: "initialized"},
	}, m.Statuses())

	require.NoError(t, m.StartAll(pipeline.NewBuilder(nil), AgentInfo{RunID: "run"}))
	assert.Equal(t, Started, m.Instances()[0].State())

	var dropped []string
	require.NoError(t, m.ShutdownAll(func(plugin string) error {
		journal = append(journal, "elements "+plugin)
		dropped = append(dropped, plugin)
		return nil
	}))

	assert.Equal(t, []string{
		"start a", "start b",
		"stop b", "elements b", "drop b",
		"stop a", "elements a", "drop a",
	}, journal)
	assert.Equal(t, []string{"b", "a"}, dropped)
	for _, s := range m.Statuses() {
		assert.Equal(t, "dropped", s.State)
	}

	// no phase can be repeated
	err := m.ShutdownAll(nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = m.StartAll(pipeline.NewBuilder(nil), AgentInfo{})
	assert.NoError(t, err)
	assert.Len(t, journal, 8)
}

func TestManager_InitFailureExcludesOnlyThatPlugin(t *testing.T) {
	var journal []string
	good := &mockPlugin{Base: Base{PluginName: "good"}, journal: &journal}

	m := NewManager(logr.Discard())
	err := m.Init(Metadata{Name: "broken", Init: func(config.Table) (Plugin, error) {
		return nil, errors.New("no rapl on this machine")
	}}, config.Table{})
	assert.ErrorContains(t, err, "no rapl on this machine")

	err = m.Init(Metadata{Name: "empty", Init: func(config.Table) (Plugin, error) { return nil, nil }}, config.Table{})
	assert.Error(t, err)

	require.NoError(t, m.Init(metadataFor(good), config.Table{}))
	assert.ErrorIs(t, m.Init(metadataFor(good), config.Table{}), ErrInvalidTransition)

	require.Len(t, m.Instances(), 1)
	require.NoError(t, m.StartAll(pipeline.NewBuilder(nil), AgentInfo{}))
	assert.Equal(t, []string{"start good"}, journal)
}

func TestManager_StartFailureAbortsStartup(t *testing.T) {
	var journal []string
	a := &mockPlugin{Base: Base{PluginName: "a"}, journal: &journal}
	b := &mockPlugin{Base: Base{PluginName: "b"}, journal: &journal, startErr: errors.New("port in use")}
	c := &mockPlugin{Base: Base{PluginName: "c"}, journal: &journal}

	m := NewManager(logr.Discard())
	for _, p := range []*mockPlugin{a, b, c} {
		require.NoError(t, m.Init(metadataFor(p), config.Table{}))
	}
	err := m.StartAll(pipeline.NewBuilder(nil), AgentInfo{})
	assert.ErrorContains(t, err, "port in use")
	assert.Equal(t, []string{"start a", "start b"}, journal)

	// only the started plugin is stopped, every plugin is dropped
	require.NoError(t, m.ShutdownAll(nil))
	assert.Equal(t, []string{"start a", "start b", "drop c", "drop b", "stop a", "drop a"}, journal)
}

func TestStartContext_ExpiresAfterStart(t *testing.T) {
	var journal []string
	var saved *StartContext
	var energy metrics.TypedID[float64]
	p := &mockPlugin{Base: Base{PluginName: "rapl"}, journal: &journal, start: func(ctx *StartContext) error {
		saved = ctx
		var err error
		energy, err = RegisterTyped[float64](ctx, "energy_joules", units.Joule, "energy")
		if err != nil {
			return err
		}
		_, m, ok := ctx.Metrics().ByName("energy_joules")
		assert.True(t, ok)
		assert.Equal(t, units.Joule, m.Unit)
		assert.Equal(t, "run-1", ctx.Agent().RunID)

		_, err = ctx.AddSource("zones", pipeline.SourceFunc(func(acc *measurement.Accumulator, ts measurement.Timestamp) error {
			return nil
		}), pipeline.SourceTrigger{PollInterval: time.Second})
		return err
	}}

	b := pipeline.NewBuilder(nil)
	m := NewManager(logr.Discard())
	require.NoError(t, m.Init(metadataFor(p), config.Table{}))
	require.NoError(t, m.StartAll(b, AgentInfo{RunID: "run-1"}))

	sources, _, _ := b.Len()
	assert.Equal(t, 1, sources)
	vt, ok := b.Metrics().ValueTypeOf(energy.Raw())
	assert.True(t, ok)
	assert.Equal(t, metrics.F64, vt)

	_, err := saved.RegisterMetric("late", metrics.U64, units.Unity, "")
	assert.ErrorIs(t, err, ErrHandleExpired)
	_, err = RegisterTyped[uint64](saved, "late", units.Unity, "")
	assert.ErrorIs(t, err, ErrHandleExpired)
	_, err = saved.AddOutput("late", pipeline.OutputFunc(func(measurement.View, *pipeline.OutputContext) error { return nil }))
	assert.ErrorIs(t, err, ErrHandleExpired)
	_, err = saved.AddTransform("late", pipeline.TransformFunc(func(*measurement.Buffer, *pipeline.TransformContext) error { return nil }))
	assert.ErrorIs(t, err, ErrHandleExpired)
	_, err = saved.AddSource("late", pipeline.SourceFunc(func(*measurement.Accumulator, measurement.Timestamp) error { return nil }),
		pipeline.SourceTrigger{PollInterval: time.Second})
	assert.ErrorIs(t, err, ErrHandleExpired)
	assert.Equal(t, 1, b.Metrics().Len())
}

// preStartPlugin looks up a metric registered by a plugin started after it.
type preStartPlugin struct {
	mockPlugin
	found bool
}

func (p *preStartPlugin) PreStart(ctx *StartContext) error {
	*p.journal = append(*p.journal, "pre-start "+p.PluginName)
	_, _, p.found = ctx.Metrics().ByName("energy_joules")
	if !p.found {
		return errors.New("energy_joules not found")
	}
	_, err := RegisterTyped[float64](ctx, "energy_joules_sum", units.Joule, "")
	return err
}

func TestManager_PreStartSeesEveryMetric(t *testing.T) {
	var journal []string
	agg := &preStartPlugin{mockPlugin: mockPlugin{Base: Base{PluginName: "aggregation"}, journal: &journal}}
	rapl := &mockPlugin{Base: Base{PluginName: "rapl"}, journal: &journal, start: func(ctx *StartContext) error {
		_, err := RegisterTyped[float64](ctx, "energy_joules", units.Joule, "")
		return err
	}}

	b := pipeline.NewBuilder(nil)
	m := NewManager(logr.Discard())
	require.NoError(t, m.Init(Metadata{Name: "aggregation", Init: func(config.Table) (Plugin, error) { return agg, nil }}, config.Table{}))
	require.NoError(t, m.Init(metadataFor(rapl), config.Table{}))
	require.NoError(t, m.StartAll(b, AgentInfo{}))

	assert.Equal(t, []string{"start aggregation", "start rapl", "pre-start aggregation"}, journal)
	assert.True(t, agg.found)
	_, _, ok := b.Metrics().ByName("energy_joules_sum")
	assert.True(t, ok)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "started", Started.String())
	assert.Equal(t, "State(42)", State(42).String())
}
