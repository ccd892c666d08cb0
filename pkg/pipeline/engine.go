// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
)

type elementState int32

const (
	stateRunning elementState = iota
	stateStopped
	stateDone
	stateFailed
)

type sourceEntry struct {
	name    Name
	source  Source
	trigger SourceTrigger
	pollNow chan struct{}
	limiter *rate.Limiter

	paused atomic.Bool
	state  atomic.Int32
	polls  atomic.Uint64
	errors atomic.Uint64
}

type transformEntry struct {
	name      Name
	transform Transform

	enabled atomic.Bool
	failed  atomic.Bool
	calls   atomic.Uint64
	errors  atomic.Uint64
}

type outputEntry struct {
	name    Name
	output  Output
	ch      chan measurement.View
	limiter *rate.Limiter

	enabled atomic.Bool
	failed  atomic.Bool
	calls   atomic.Uint64
	errors  atomic.Uint64
}

// Engine runs a built pipeline.
type Engine struct {
	cfg        Config
	logger     logr.Logger
	registry   *metrics.Registry
	sources    []*sourceEntry
	transforms []*transformEntry
	outputs    []*outputEntry
	queue      *flushQueue
	newTicker  TickerFactory
	now        func() time.Time

	started   atomic.Bool
	done      chan struct{}
	abort     chan struct{}
	abortOnce sync.Once

	// Metrics (thread-safe counters)
	polls           atomic.Uint64
	pollErrors      atomic.Uint64
	flushes         atomic.Uint64
	pointsFlushed   atomic.Uint64
	transformErrors atomic.Uint64
	writes          atomic.Uint64
	writeErrors     atomic.Uint64
}

// Metrics returns the metric registry shared by the elements.
func (e *Engine) Metrics() *metrics.Registry { return e.registry }

// Run starts every element and blocks until ctx is cancelled and the pipeline is drained.
//
// On cancellation the sources are stopped first, each one flushing what it accumulated since its
// last flush. The transforms then process every queued buffer, and Run returns once every
// output has written every buffer. After Run returns no element is called anymore.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("pipeline engine already started")
	}
	defer close(e.done)

	e.logger.Info("Starting pipeline",
		"sources", len(e.sources), "transforms", len(e.transforms), "outputs", len(e.outputs))

	var outputs sync.WaitGroup
	for _, o := range e.outputs {
		outputs.Add(1)
		go e.runOutput(o, &outputs)
	}

	transformsDone := make(chan struct{})
	go func() {
		defer close(transformsDone)
		e.transformLoop()
	}()

	var sources sync.WaitGroup
	for _, s := range e.sources {
		sources.Add(1)
		go func() {
			defer sources.Done()
			e.runSource(ctx, s)
		}()
	}

	<-ctx.Done()
	e.logger.Info("Stopping sources...")
	sources.Wait()

	e.queue.close()
	e.logger.Info("Draining transforms and outputs...")
	<-transformsDone
	outputs.Wait()

	e.logger.Info("Pipeline stopped", "flushes", e.flushes.Load(), "points", e.pointsFlushed.Load())
	return nil
}

// Abort makes Run return as soon as possible: buffers that still wait in a queue are dropped
// without being transformed or written, and count as dropped buffers in Stats. It is meant for
// shutdown timeouts; the transform and the outputs that are being called are not interrupted.
func (e *Engine) Abort() {
	e.abortOnce.Do(func() { close(e.abort) })
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) isStopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Engine) newBuffer() *measurement.Buffer {
	return measurement.NewCheckedBuffer(0, e.registry)
}

func (e *Engine) runSource(ctx context.Context, s *sourceEntry) {
	logger := e.logger.WithValues("source", s.name.String())
	ticker := e.newTicker(s.trigger.PollInterval)
	defer ticker.Stop()

	rounds := s.trigger.FlushRounds()
	buf := e.newBuffer()
	acc := measurement.NewAccumulator(buf)
	flush := func() {
		if buf.IsEmpty() {
			return
		}
		e.flush(buf, logger)
		buf = e.newBuffer()
		acc = measurement.NewAccumulator(buf)
	}

	logger.V(1).Info("Source started",
		"poll_interval", s.trigger.PollInterval, "flush_rounds", rounds)
	polled := 0
	for {
		select {
		case <-ctx.Done():
			flush()
			s.state.CompareAndSwap(int32(stateRunning), int32(stateStopped))
			return
		case <-ticker.C():
			if s.paused.Load() {
				continue
			}
		case <-s.pollNow:
		}

		stop := e.poll(s, acc, logger)
		polled++
		if polled >= rounds || stop {
			polled = 0
			flush()
		}
		if stop {
			return
		}
	}
}

// poll calls the source once and reports whether it must not be polled again.
func (e *Engine) poll(s *sourceEntry, acc *measurement.Accumulator, logger logr.Logger) bool {
	err := s.source.Poll(acc, measurement.FromTime(e.now()))
	s.polls.Add(1)
	e.polls.Add(1)

	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSourceDone):
		logger.Info("Source finished")
		s.state.Store(int32(stateDone))
		return true
	case IsFatal(err):
		s.errors.Add(1)
		e.pollErrors.Add(1)
		logger.Error(err, "Source failed, it will not be polled again")
		s.state.Store(int32(stateFailed))
		return true
	default:
		n := s.errors.Add(1)
		e.pollErrors.Add(1)
		if s.limiter.Allow() {
			logger.Error(err, "Failed to poll source", "errors", n)
		}
		return false
	}
}

func (e *Engine) flush(buf *measurement.Buffer, logger logr.Logger) {
	n := buf.Len()
	if err := e.queue.publish(buf, e.abort); err != nil {
		logger.V(1).Info("Flushed buffer dropped", "points", n, "reason", err.Error())
		return
	}
	e.flushes.Add(1)
	e.pointsFlushed.Add(uint64(n))
}

// transformLoop applies the transforms to each flushed buffer, then hands it to the outputs.
// It returns when the flush queue is closed and empty, after closing the output channels.
func (e *Engine) transformLoop() {
	defer func() {
		for _, o := range e.outputs {
			close(o.ch)
		}
	}()

	tctx := &TransformContext{Metrics: e.registry}
	for buf := range e.queue.ch {
		select {
		case <-e.abort:
			e.queue.dropped.Add(1)
			continue
		default:
		}
		e.applyTransforms(buf, tctx)
		if buf.IsEmpty() {
			continue
		}

		// From here on the buffer is shared by the outputs and never modified.
		view := buf.View()
		for _, o := range e.outputs {
			if o.failed.Load() || !o.enabled.Load() {
				continue
			}
			select {
			case o.ch <- view:
			case <-e.abort:
				return
			}
		}
	}
}

func (e *Engine) applyTransforms(buf *measurement.Buffer, tctx *TransformContext) {
	for _, t := range e.transforms {
		if !t.enabled.Load() || t.failed.Load() {
			continue
		}
		tctx.Element = t.name
		t.calls.Add(1)
		err := t.transform.Apply(buf, tctx)
		if err == nil {
			continue
		}
		t.errors.Add(1)
		e.transformErrors.Add(1)
		if IsFatal(err) {
			t.failed.Store(true)
			e.logger.Error(err, "Transform failed, it is disabled", "transform", t.name.String())
			continue
		}
		e.logger.Error(err, "Transform rejected its input", "transform", t.name.String())
	}
}

func (e *Engine) runOutput(o *outputEntry, wg *sync.WaitGroup) {
	defer wg.Done()
	logger := e.logger.WithValues("output", o.name.String())
	octx := &OutputContext{Metrics: e.registry, Element: o.name}

	// The channel is drained even after a failure so that the transform goroutine never
	// blocks on a dead output.
	for view := range o.ch {
		if o.failed.Load() || !o.enabled.Load() {
			continue
		}
		select {
		case <-e.abort:
			continue
		default:
		}

		err := o.output.Write(view, octx)
		o.calls.Add(1)
		e.writes.Add(1)
		if err == nil {
			continue
		}
		n := o.errors.Add(1)
		e.writeErrors.Add(1)
		if IsFatal(err) {
			o.failed.Store(true)
			logger.Error(err, "Output failed, it will not receive more measurements")
			continue
		}
		if o.limiter.Allow() {
			logger.Error(err, "Failed to write measurements", "points", view.Len(), "errors", n)
		}
	}
}

// DropComponents releases the elements registered by plugin that implement Dropper, in
// registration order. The engine must not be running.
func (e *Engine) DropComponents(plugin string) error {
	if e.started.Load() && !e.isStopped() {
		return ErrEngineRunning
	}
	return dropComponents(plugin, e.sources, e.transforms, e.outputs)
}

func dropComponents(plugin string, sources []*sourceEntry, transforms []*transformEntry, outputs []*outputEntry) error {
	var errs []error
	drop := func(name Name, v any) {
		if name.Plugin != plugin {
			return
		}
		if d, ok := v.(Dropper); ok {
			if err := d.Drop(); err != nil {
				errs = append(errs, &elementError{name: name, err: err})
			}
		}
	}
	for _, s := range sources {
		drop(s.name, s.source)
	}
	for _, t := range transforms {
		drop(t.name, t.transform)
	}
	for _, o := range outputs {
		drop(o.name, o.output)
	}
	return errors.Join(errs...)
}

type elementError struct {
	name Name
	err  error
}

func (e *elementError) Error() string { return e.name.String() + ": " + e.err.Error() }

func (e *elementError) Unwrap() error { return e.err }
