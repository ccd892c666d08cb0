// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package aggregation

import (
	"time"

	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/resources"
)

// Function combines the values of one window.
type Function string

const (
	Sum  Function = "sum"
	Mean Function = "mean"
)

var functions = map[Function]func([]measurement.Point) measurement.Value{
	Sum:  sum,
	Mean: mean,
}

func sum(points []measurement.Point) measurement.Value {
	if _, isFloat := points[0].Value.Float64(); isFloat {
		var total float64
		for _, p := range points {
			total += p.Value.AsFloat64()
		}
		return measurement.F64(total)
	}
	var total uint64
	for _, p := range points {
		v, _ := p.Value.Uint64()
		total += v
	}
	return measurement.U64(total)
}

func mean(points []measurement.Point) measurement.Value {
	total := sum(points)
	if v, ok := total.Uint64(); ok {
		return measurement.U64(v / uint64(len(points)))
	}
	return measurement.F64(total.AsFloat64() / float64(len(points)))
}

type seriesKey struct {
	metric   metrics.RawID
	resource resources.Resource
	consumer resources.Consumer
	attrs    string
}

// Transform holds the points of each series until their window is complete, then emits one
// point per window, timestamped at the start of the window.
type Transform struct {
	interval  time.Duration
	combine   func([]measurement.Point) measurement.Value
	dropInput bool

	outputs map[metrics.RawID]metrics.RawID
	pending map[seriesKey][]measurement.Point
	order   []seriesKey
}

var _ pipeline.Transform = (*Transform)(nil)

// NewTransform returns a transform that aggregates nothing until Aggregate is called.
func NewTransform(interval time.Duration, fn Function, dropInput bool) *Transform {
	return &Transform{
		interval:  interval,
		combine:   functions[fn],
		dropInput: dropInput,
		outputs:   make(map[metrics.RawID]metrics.RawID),
		pending:   make(map[seriesKey][]measurement.Point),
	}
}

// Aggregate makes the transform aggregate the points of in into points of out.
// It must be called before the pipeline runs.
func (t *Transform) Aggregate(in, out metrics.RawID) {
	t.outputs[in] = out
}

func (t *Transform) Apply(buf *measurement.Buffer, _ *pipeline.TransformContext) error {
	if len(t.outputs) == 0 {
		return nil
	}
	buf.ForEach(func(p measurement.Point) {
		if _, ok := t.outputs[p.Metric]; !ok {
			return
		}
		key := seriesKey{metric: p.Metric, resource: p.Resource, consumer: p.Consumer, attrs: p.AttributesKey()}
		if _, seen := t.pending[key]; !seen {
			t.order = append(t.order, key)
		}
		t.pending[key] = append(t.pending[key], p)
	})

	if t.dropInput {
		if err := buf.Retain(func(p measurement.Point) bool {
			_, aggregated := t.outputs[p.Metric]
			return !aggregated
		}); err != nil {
			return err
		}
	}

	for _, key := range t.order {
		for _, p := range t.flushWindows(key) {
			if err := buf.Push(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushWindows emits the complete windows of a series. A window is complete once a point
// at or after its end has been received.
func (t *Transform) flushWindows(key seriesKey) []measurement.Point {
	values := t.pending[key]
	var out []measurement.Point
	for len(values) > 0 {
		start := values[0].Timestamp.Truncate(t.interval)
		if values[len(values)-1].Timestamp.Sub(start) < t.interval {
			break
		}
		end := 0
		for end < len(values) && values[end].Timestamp.Sub(start) < t.interval {
			end++
		}
		window := values[:end]
		first := window[0]
		p := measurement.NewUntypedPoint(start, t.outputs[key.metric], first.Resource, first.Consumer, t.combine(window)).
			WithAttrs(first.Attributes()...)
		out = append(out, p)
		values = values[end:]
	}
	t.pending[key] = values
	return out
}
