// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pipeline moves measurements from sources, through transforms, to outputs.
//
// Each source is polled by its own goroutine on its poll interval. Points are accumulated in a
// buffer that is flushed every flush interval into a queue. A single goroutine takes the
// flushed buffers out of the queue and applies the transforms in registration order, then
// hands the buffer to every output concurrently, as a read-only View.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
)

var (
	// ErrSourceDone is returned by a source that has nothing more to measure.
	// The engine stops polling it without reporting an error.
	ErrSourceDone = errors.New("source done")

	// ErrEngineStopped is returned when controlling an engine that is no longer running.
	ErrEngineStopped = errors.New("pipeline engine stopped")

	// ErrEngineRunning is returned by operations that require a stopped engine.
	ErrEngineRunning = errors.New("pipeline engine still running")

	// ErrInvalidTrigger is returned for a source registered with a non-positive poll interval.
	ErrInvalidTrigger = errors.New("invalid source trigger")
)

// FatalError marks an error after which the element that returned it is not called again.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so that the engine stops the failing element. Errors that are not fatal are
// logged and the element is called again on the next tick or buffer.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err, or an error it wraps, was created by Fatal.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Source produces measurement points when polled.
type Source interface {
	// Poll pushes the current measurements into acc. ts is the time of the poll.
	// Points pushed before an error is returned are kept.
	Poll(acc *measurement.Accumulator, ts measurement.Timestamp) error
}

// Transform modifies, adds or removes points of a flushed buffer.
type Transform interface {
	Apply(buf *measurement.Buffer, ctx *TransformContext) error
}

// Output delivers a flushed buffer somewhere.
type Output interface {
	Write(view measurement.View, ctx *OutputContext) error
}

// Dropper is implemented by elements and plugins that hold resources to release once the
// engine will not call them anymore.
type Dropper interface {
	Drop() error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(acc *measurement.Accumulator, ts measurement.Timestamp) error

func (f SourceFunc) Poll(acc *measurement.Accumulator, ts measurement.Timestamp) error {
	return f(acc, ts)
}

// TransformFunc adapts a function to the Transform interface.
type TransformFunc func(buf *measurement.Buffer, ctx *TransformContext) error

func (f TransformFunc) Apply(buf *measurement.Buffer, ctx *TransformContext) error {
	return f(buf, ctx)
}

// OutputFunc adapts a function to the Output interface.
type OutputFunc func(view measurement.View, ctx *OutputContext) error

func (f OutputFunc) Write(view measurement.View, ctx *OutputContext) error {
	return f(view, ctx)
}

// SourceTrigger tells when a source is polled and when its points are flushed.
type SourceTrigger struct {
	PollInterval time.Duration
	// FlushInterval is rounded down to a multiple of PollInterval. Zero means flush after
	// every poll.
	FlushInterval time.Duration
}

// FlushRounds returns the number of polls between two flushes.
func (t SourceTrigger) FlushRounds() int {
	if t.PollInterval <= 0 {
		return 1
	}
	return max(1, int(t.FlushInterval/t.PollInterval))
}

func (t SourceTrigger) validate() error {
	if t.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %s", ErrInvalidTrigger, t.PollInterval)
	}
	if t.FlushInterval < 0 {
		return fmt.Errorf("%w: negative flush interval %s", ErrInvalidTrigger, t.FlushInterval)
	}
	return nil
}

// MetricReader gives read access to the metric definitions.
type MetricReader interface {
	Lookup(id metrics.RawID) (metrics.Metric, bool)
	ByName(name string) (metrics.RawID, metrics.Metric, bool)
}

var _ MetricReader = (*metrics.Registry)(nil)

// TransformContext is passed to every Transform.Apply call.
type TransformContext struct {
	Metrics MetricReader
	// Element is the name of the transform being applied.
	Element Name
}

// OutputContext is passed to every Output.Write call.
type OutputContext struct {
	Metrics MetricReader
	// Element is the name of the output being called.
	Element Name
}
