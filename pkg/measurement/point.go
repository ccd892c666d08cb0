// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package measurement

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/resources"
)

// Point is one observation of a metric.
//
// Points are values. Pushing a Point into a Buffer or an Accumulator stores a copy, and the
// With* methods return a new Point without touching the attributes of the receiver, so a point
// held by a buffer cannot be changed through another copy.
type Point struct {
	Timestamp Timestamp
	Metric    metrics.RawID
	Resource  resources.Resource
	Consumer  resources.Consumer
	Value     Value

	// sorted by key, keys are unique
	attrs []Attribute
}

// NewPoint creates a point whose value type is checked at compile time.
func NewPoint[T metrics.Numeric](
	ts Timestamp,
	metric metrics.TypedID[T],
	resource resources.Resource,
	consumer resources.Consumer,
	value T,
) Point {
	return Point{
		Timestamp: ts,
		Metric:    metric.Raw(),
		Resource:  resource,
		Consumer:  consumer,
		Value:     ValueOf(value),
	}
}

// NewUntypedPoint creates a point from a raw metric id. The agreement between the value and
// the metric definition is checked when the point is pushed into a checked buffer.
func NewUntypedPoint(
	ts Timestamp,
	metric metrics.RawID,
	resource resources.Resource,
	consumer resources.Consumer,
	value Value,
) Point {
	return Point{
		Timestamp: ts,
		Metric:    metric,
		Resource:  resource,
		Consumer:  consumer,
		Value:     value,
	}
}

// WithAttr returns a copy of p with the attribute set. An existing attribute with the same key
// is replaced.
func (p Point) WithAttr(key string, value AttributeValue) Point {
	i, found := p.search(key)
	attrs := make([]Attribute, 0, len(p.attrs)+1)
	attrs = append(attrs, p.attrs[:i]...)
	attrs = append(attrs, Attribute{Key: key, Value: value})
	if found {
		attrs = append(attrs, p.attrs[i+1:]...)
	} else {
		attrs = append(attrs, p.attrs[i:]...)
	}
	p.attrs = attrs
	return p
}

// WithAttrs returns a copy of p with all the given attributes set.
func (p Point) WithAttrs(attrs ...Attribute) Point {
	for _, a := range attrs {
		p = p.WithAttr(a.Key, a.Value)
	}
	return p
}

// WithoutAttr returns a copy of p without the attribute key.
func (p Point) WithoutAttr(key string) Point {
	i, found := p.search(key)
	if !found {
		return p
	}
	attrs := make([]Attribute, 0, len(p.attrs)-1)
	attrs = append(attrs, p.attrs[:i]...)
	attrs = append(attrs, p.attrs[i+1:]...)
	p.attrs = attrs
	return p
}

// WithValue returns a copy of p with another value.
func (p Point) WithValue(v Value) Point {
	p.Value = v
	return p
}

// WithMetric returns a copy of p attached to another metric.
func (p Point) WithMetric(id metrics.RawID, v Value) Point {
	p.Metric = id
	p.Value = v
	return p
}

// Attr returns the value of the attribute key.
func (p Point) Attr(key string) (AttributeValue, bool) {
	i, found := p.search(key)
	if !found {
		return AttributeValue{}, false
	}
	return p.attrs[i].Value, true
}

// Attributes returns a copy of the attributes, sorted by key.
func (p Point) Attributes() []Attribute {
	return append([]Attribute(nil), p.attrs...)
}

// AttributeCount returns the number of attributes.
func (p Point) AttributeCount() int { return len(p.attrs) }

// AttributesKey returns a string that identifies the set of attributes of p.
// Two points have the same key if and only if they have the same attributes.
func (p Point) AttributesKey() string {
	var sb strings.Builder
	for _, a := range p.attrs {
		fmt.Fprintf(&sb, "%q=%d:%q;", a.Key, a.Value.kind, a.Value.String())
	}
	return sb.String()
}

func (p Point) search(key string) (int, bool) {
	i := sort.Search(len(p.attrs), func(i int) bool { return p.attrs[i].Key >= key })
	return i, i < len(p.attrs) && p.attrs[i].Key == key
}

func (p Point) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s metric=%d resource=%s consumer=%s value=%s",
		p.Timestamp, p.Metric, p.Resource, p.Consumer, p.Value)
	for _, a := range p.attrs {
		fmt.Fprintf(&sb, " %s=%s", a.Key, a.Value)
	}
	return sb.String()
}
