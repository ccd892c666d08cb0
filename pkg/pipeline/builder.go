// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
)

// ErrBuilt is returned when an element is added to a builder that already built its engine.
var ErrBuilt = errors.New("pipeline already built")

// Builder collects the elements registered by plugins and builds the Engine.
// It is not safe for concurrent use; plugins are started one at a time.
type Builder struct {
	registry   *metrics.Registry
	names      namer
	sources    []*sourceEntry
	transforms []*transformEntry
	outputs    []*outputEntry
	built      bool
}

// NewBuilder returns a builder whose elements share registry. A nil registry is replaced by a
// new one.
func NewBuilder(registry *metrics.Registry) *Builder {
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	return &Builder{registry: registry}
}

// Metrics returns the metric registry of the pipeline.
func (b *Builder) Metrics() *metrics.Registry { return b.registry }

// AddSource registers a source of plugin. The returned name is unique in the pipeline.
func (b *Builder) AddSource(plugin, element string, s Source, trigger SourceTrigger) (Name, error) {
	if b.built {
		return Name{}, ErrBuilt
	}
	if s == nil {
		return Name{}, errors.New("nil source")
	}
	if err := trigger.validate(); err != nil {
		return Name{}, err
	}
	name, err := b.names.assign(KindSource, plugin, element)
	if err != nil {
		return Name{}, err
	}
	b.sources = append(b.sources, &sourceEntry{
		name:    name,
		source:  s,
		trigger: trigger,
		pollNow: make(chan struct{}, 1),
	})
	return name, nil
}

// AddTransform registers a transform of plugin. Transforms are applied in the order they are
// added.
func (b *Builder) AddTransform(plugin, element string, t Transform) (Name, error) {
	if b.built {
		return Name{}, ErrBuilt
	}
	if t == nil {
		return Name{}, errors.New("nil transform")
	}
	name, err := b.names.assign(KindTransform, plugin, element)
	if err != nil {
		return Name{}, err
	}
	entry := &transformEntry{name: name, transform: t}
	entry.enabled.Store(true)
	b.transforms = append(b.transforms, entry)
	return name, nil
}

// AddOutput registers an output of plugin.
func (b *Builder) AddOutput(plugin, element string, o Output) (Name, error) {
	if b.built {
		return Name{}, ErrBuilt
	}
	if o == nil {
		return Name{}, errors.New("nil output")
	}
	name, err := b.names.assign(KindOutput, plugin, element)
	if err != nil {
		return Name{}, err
	}
	entry := &outputEntry{name: name, output: o}
	entry.enabled.Store(true)
	b.outputs = append(b.outputs, entry)
	return name, nil
}

// Len returns the number of sources, transforms and outputs registered so far.
func (b *Builder) Len() (sources, transforms, outputs int) {
	return len(b.sources), len(b.transforms), len(b.outputs)
}

// DropComponents releases the elements registered by plugin when the engine is never built,
// for instance because a later plugin failed to start. Once built, the engine owns them.
func (b *Builder) DropComponents(plugin string) error {
	if b.built {
		return ErrBuilt
	}
	return dropComponents(plugin, b.sources, b.transforms, b.outputs)
}

// Option configures an Engine.
type Option func(*Engine)

// WithTickerFactory replaces the tickers that trigger source polls.
func WithTickerFactory(f TickerFactory) Option {
	return func(e *Engine) { e.newTicker = f }
}

// WithClock replaces the clock that timestamps polls.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Build creates the engine. The builder cannot be used afterwards.
func (b *Builder) Build(cfg Config, logger logr.Logger, opts ...Option) (*Engine, error) {
	if b.built {
		return nil, ErrBuilt
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	b.built = true

	e := &Engine{
		cfg:        cfg,
		logger:     logger.WithName("pipeline"),
		registry:   b.registry,
		sources:    b.sources,
		transforms: b.transforms,
		outputs:    b.outputs,
		queue:      newFlushQueue(cfg.QueueSize, cfg.DropPolicy),
		newTicker:  NewTimeTicker,
		now:        time.Now,
		done:       make(chan struct{}),
		abort:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	limit := rate.Inf
	if cfg.ErrorLogInterval > 0 {
		limit = rate.Every(cfg.ErrorLogInterval)
	}
	for _, s := range e.sources {
		s.limiter = rate.NewLimiter(limit, 1)
	}
	for _, o := range e.outputs {
		o.limiter = rate.NewLimiter(limit, 1)
		o.ch = make(chan measurement.View, cfg.OutputQueueSize)
	}
	return e, nil
}
