// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package export holds the conventions shared by the outputs: metric naming and the flat
// representation of a point.
package export

import (
	"fmt"
	"strings"

	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/units"
)

// Keys of the identity fields of a point.
const (
	KeyResourceKind = "resource_kind"
	KeyResourceID   = "resource_id"
	KeyConsumerKind = "consumer_kind"
	KeyConsumerID   = "consumer_id"
)

// MetricName returns the name of m, followed by "_<unit>" when withUnit is set and the metric
// has a unit.
func MetricName(m metrics.Metric, withUnit bool) string {
	if !withUnit || (m.Unit.Kind() == units.KindUnity && m.Unit.Prefix() == units.Plain) {
		return m.Name
	}
	return m.Name + "_" + m.Unit.UniqueName()
}

// DisplayMetricName is MetricName with the display name of the unit, e.g. "energy_mJ".
func DisplayMetricName(m metrics.Metric) string {
	if m.Unit.Kind() == units.KindUnity && m.Unit.Prefix() == units.Plain {
		return m.Name
	}
	return m.Name + "_" + m.Unit.DisplayName()
}

// Lookup returns the definition of the metric of p.
func Lookup(reader pipeline.MetricReader, p measurement.Point) (metrics.Metric, error) {
	m, ok := reader.Lookup(p.Metric)
	if !ok {
		return metrics.Metric{}, fmt.Errorf("%w: id %d", measurement.ErrUnknownMetric, p.Metric)
	}
	return m, nil
}

// Record is the flat form of a point.
type Record struct {
	Metric       string         `json:"metric" bson:"metric"`
	Unit         string         `json:"unit,omitempty" bson:"unit,omitempty"`
	Timestamp    int64          `json:"timestamp" bson:"timestamp"`
	Value        any            `json:"value" bson:"value"`
	ResourceKind string         `json:"resource_kind" bson:"resource_kind"`
	ResourceID   string         `json:"resource_id" bson:"resource_id"`
	ConsumerKind string         `json:"consumer_kind" bson:"consumer_kind"`
	ConsumerID   string         `json:"consumer_id" bson:"consumer_id"`
	Attributes   map[string]any `json:"attributes,omitempty" bson:"attributes,omitempty"`
}

// NewRecord flattens p; the timestamp is in nanoseconds since the epoch.
func NewRecord(m metrics.Metric, p measurement.Point, withUnit bool) Record {
	r := Record{
		Metric:       MetricName(m, withUnit),
		Unit:         m.Unit.UniqueName(),
		Timestamp:    p.Timestamp.UnixNano(),
		ResourceKind: p.Resource.Kind(),
		ResourceID:   p.Resource.ID(),
		ConsumerKind: p.Consumer.Kind(),
		ConsumerID:   p.Consumer.ID(),
	}
	if v, ok := p.Value.Uint64(); ok {
		r.Value = v
	} else {
		r.Value = p.Value.AsFloat64()
	}
	if p.AttributeCount() > 0 {
		r.Attributes = make(map[string]any, p.AttributeCount())
		for _, a := range p.Attributes() {
			r.Attributes[a.Key] = a.Value.Any()
		}
	}
	return r
}

// SanitizeName replaces the characters that are not allowed in metric and label names of
// most time series databases by underscores.
func SanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, s)
}
