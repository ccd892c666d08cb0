// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"fmt"

	"github.com/alumet-dev/alumet/pkg/units"
)

// ValueType is the type of the values measured for a metric.
type ValueType uint8

const (
	F64 ValueType = iota + 1
	U64
)

func (t ValueType) String() string {
	switch t {
	case F64:
		return "f64"
	case U64:
		return "u64"
	default:
		return fmt.Sprintf("ValueType(%d)", uint8(t))
	}
}

// Numeric is the set of Go types that a metric value can have.
type Numeric interface {
	float64 | uint64
}

// ValueTypeOf returns the ValueType matching T.
func ValueTypeOf[T Numeric]() ValueType {
	var zero T
	switch any(zero).(type) {
	case float64:
		return F64
	default:
		return U64
	}
}

// RawID identifies a registered metric. Ids are allocated sequentially and never reused.
type RawID uint64

// TypedID is a RawID whose value type is known at compile time.
type TypedID[T Numeric] struct {
	raw RawID
}

// Raw returns the untyped id.
func (id TypedID[T]) Raw() RawID { return id.raw }

// Metric is the definition of a metric.
type Metric struct {
	Name        string
	Unit        units.Unit
	ValueType   ValueType
	Description string
}

func (m Metric) String() string {
	if u := m.Unit.UniqueName(); u != "" && u != "1" {
		return fmt.Sprintf("%s (%s, %s)", m.Name, m.ValueType, u)
	}
	return fmt.Sprintf("%s (%s)", m.Name, m.ValueType)
}
