// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package measurement

import (
	"errors"
	"fmt"

	"github.com/alumet-dev/alumet/pkg/metrics"
)

var (
	// ErrUnknownMetric is returned when a point refers to a metric that has not been registered.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrValueTypeMismatch is returned when the value of a point does not have the type
	// declared by its metric.
	ErrValueTypeMismatch = errors.New("value type does not match the metric definition")

	// ErrBufferIterating is returned when a buffer is modified from inside ForEach.
	ErrBufferIterating = errors.New("buffer modified during iteration")
)

// Schema gives the declared value type of metrics. *metrics.Registry implements it.
type Schema interface {
	ValueTypeOf(id metrics.RawID) (metrics.ValueType, bool)
}

var _ Schema = (*metrics.Registry)(nil)

// Buffer is an ordered sequence of points.
//
// A Buffer has a single owner at a time: the engine while flushing, then each transform in
// turn. It is not safe for concurrent use, except for concurrent reads through View.
type Buffer struct {
	points    []Point
	schema    Schema
	iterating int
}

// NewBuffer returns an empty buffer that accepts any point.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{points: make([]Point, 0, capacity)}
}

// NewCheckedBuffer returns an empty buffer that rejects points whose metric is unknown to
// schema or whose value type differs from the metric definition.
func NewCheckedBuffer(capacity int, schema Schema) *Buffer {
	b := NewBuffer(capacity)
	b.schema = schema
	return b
}

// Check verifies that p agrees with schema.
func Check(schema Schema, p Point) error {
	vt, ok := schema.ValueTypeOf(p.Metric)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownMetric, p.Metric)
	}
	if vt != p.Value.Type() {
		return fmt.Errorf("%w: metric %d is %s, got %s", ErrValueTypeMismatch, p.Metric, vt, p.Value.Type())
	}
	return nil
}

// Push appends p at the end of the buffer.
func (b *Buffer) Push(p Point) error {
	if b.iterating > 0 {
		return ErrBufferIterating
	}
	if b.schema != nil {
		if err := Check(b.schema, p); err != nil {
			return err
		}
	}
	b.points = append(b.points, p)
	return nil
}

// Len returns the number of points.
func (b *Buffer) Len() int { return len(b.points) }

// IsEmpty reports whether the buffer has no point.
func (b *Buffer) IsEmpty() bool { return len(b.points) == 0 }

// Reserve makes room for at least n more points without reallocating.
func (b *Buffer) Reserve(n int) {
	if n <= cap(b.points)-len(b.points) {
		return
	}
	grown := make([]Point, len(b.points), len(b.points)+n)
	copy(grown, b.points)
	b.points = grown
}

// At returns the i-th point.
func (b *Buffer) At(i int) Point { return b.points[i] }

// ForEach calls visit on every point, in order. The buffer must not be modified by visit:
// Push, Replace, Retain and Merge fail with ErrBufferIterating until ForEach returns.
func (b *Buffer) ForEach(visit func(Point)) {
	b.iterating++
	defer func() { b.iterating-- }()
	for _, p := range b.points {
		visit(p)
	}
}

// Points returns a copy of the points.
func (b *Buffer) Points() []Point {
	return append([]Point(nil), b.points...)
}

// Replace overwrites the i-th point.
func (b *Buffer) Replace(i int, p Point) error {
	if b.iterating > 0 {
		return ErrBufferIterating
	}
	if b.schema != nil {
		if err := Check(b.schema, p); err != nil {
			return err
		}
	}
	b.points[i] = p
	return nil
}

// Retain keeps only the points for which keep returns true, preserving their order.
func (b *Buffer) Retain(keep func(Point) bool) error {
	if b.iterating > 0 {
		return ErrBufferIterating
	}
	kept := b.points[:0]
	for _, p := range b.points {
		if keep(p) {
			kept = append(kept, p)
		}
	}
	clear(b.points[len(kept):])
	b.points = kept
	return nil
}

// Merge moves every point of other at the end of b. other is left empty.
func (b *Buffer) Merge(other *Buffer) error {
	if b.iterating > 0 || other.iterating > 0 {
		return ErrBufferIterating
	}
	if b.schema != nil {
		for _, p := range other.points {
			if err := Check(b.schema, p); err != nil {
				return err
			}
		}
	}
	b.points = append(b.points, other.points...)
	other.Clear()
	return nil
}

// Clear removes every point.
func (b *Buffer) Clear() {
	clear(b.points)
	b.points = b.points[:0]
}

// View returns a read-only view of the buffer.
func (b *Buffer) View() View { return View{b: b} }

// View is a read-only view of a Buffer. Several goroutines may read the same view as long as
// nobody modifies the underlying buffer.
type View struct {
	b *Buffer
}

// Len returns the number of points.
func (v View) Len() int { return len(v.b.points) }

// IsEmpty reports whether there is no point.
func (v View) IsEmpty() bool { return len(v.b.points) == 0 }

// At returns the i-th point.
func (v View) At(i int) Point { return v.b.points[i] }

// ForEach calls visit on every point, in order.
func (v View) ForEach(visit func(Point)) {
	for _, p := range v.b.points {
		visit(p)
	}
}

// Accumulator collects the points produced by a source. Points can only be pushed: a source
// cannot read what it, or another source, produced in the same flush window.
type Accumulator struct {
	buf *Buffer
}

// NewAccumulator returns an accumulator that appends to buf.
func NewAccumulator(buf *Buffer) *Accumulator {
	return &Accumulator{buf: buf}
}

// Push appends p.
func (a *Accumulator) Push(p Point) error {
	return a.buf.Push(p)
}
