// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config provides read-only views over configuration trees loaded from TOML or YAML.
//
// Getters never fail: they return the zero value and false when the key is missing, and also
// when the value exists with another type. Callers that need a structured configuration use
// Table.Decode instead.
package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is the syntax of a configuration file.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatOf guesses the format of a file from its extension. Unknown extensions are TOML.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Table is an immutable mapping from keys to configuration values.
// The zero Table is empty.
type Table struct {
	m map[string]any
}

// Array is an immutable sequence of configuration values.
type Array struct {
	items []any
}

// NewTable wraps m. Values are normalized: integers become int64, floats float64 and nested
// maps Table-compatible maps. m is copied.
func NewTable(m map[string]any) Table {
	n, _ := normalize(m).(map[string]any)
	return Table{m: n}
}

// Parse reads a configuration tree in the given format.
func Parse(data []byte, format Format) (Table, error) {
	raw := map[string]any{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Table{}, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &raw); err != nil {
			return Table{}, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return Table{}, fmt.Errorf("unsupported config format %q", format)
	}
	return NewTable(raw), nil
}

// Load reads the file at path. The format is chosen from the extension.
func Load(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, err
	}
	t, err := Parse(data, FormatOf(path))
	if err != nil {
		return Table{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// FromStruct converts a tagged struct into a Table, going through TOML. It is the usual way
// for a plugin to expose its default configuration.
func FromStruct(v any) (Table, error) {
	data, err := toml.Marshal(v)
	if err != nil {
		return Table{}, fmt.Errorf("encode config: %w", err)
	}
	return Parse(data, FormatTOML)
}

// MustFromStruct is like FromStruct but panics on error.
func MustFromStruct(v any) Table {
	t, err := FromStruct(v)
	if err != nil {
		panic(err)
	}
	return t
}

// Decode fills the struct pointed to by v from the table. Fields are matched by their toml
// tag. Keys that match no field are an error.
func (t Table) Decode(v any) error {
	data, err := t.Marshal(FormatTOML)
	if err != nil {
		return err
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Marshal encodes the table in the given format.
func (t Table) Marshal(format Format) ([]byte, error) {
	m := t.m
	if m == nil {
		m = map[string]any{}
	}
	switch format {
	case FormatYAML:
		return yaml.Marshal(m)
	case FormatTOML:
		return toml.Marshal(m)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
}

// Len returns the number of keys.
func (t Table) Len() int { return len(t.m) }

// Has reports whether key is present, whatever its type.
func (t Table) Has(key string) bool {
	_, ok := t.m[key]
	return ok
}

// Keys returns the keys in lexical order.
func (t Table) Keys() []string {
	keys := make([]string, 0, len(t.m))
	for k := range t.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the raw value of key.
func (t Table) Get(key string) (any, bool) {
	v, ok := t.m[key]
	return v, ok
}

func (t Table) Int(key string) (int64, bool) { return asInt(t.m[key]) }

func (t Table) Float(key string) (float64, bool) { return asFloat(t.m[key]) }

func (t Table) Bool(key string) (bool, bool) {
	b, ok := t.m[key].(bool)
	return b, ok
}

func (t Table) String(key string) (string, bool) {
	s, ok := t.m[key].(string)
	return s, ok
}

func (t Table) Table(key string) (Table, bool) {
	m, ok := t.m[key].(map[string]any)
	if !ok {
		return Table{}, false
	}
	return Table{m: m}, true
}

func (t Table) Array(key string) (Array, bool) {
	items, ok := t.m[key].([]any)
	if !ok {
		return Array{}, false
	}
	return Array{items: items}, true
}

// Duration reads a duration written as a Go duration string ("1s", "250ms").
func (t Table) Duration(key string) (time.Duration, bool) { return asDuration(t.m[key]) }

// With returns a copy of t where key is set to value.
func (t Table) With(key string, value any) Table {
	m := make(map[string]any, len(t.m)+1)
	for k, v := range t.m {
		m[k] = v
	}
	m[key] = normalize(value)
	return Table{m: m}
}

// Without returns a copy of t without key.
func (t Table) Without(key string) Table {
	m := make(map[string]any, len(t.m))
	for k, v := range t.m {
		if k != key {
			m[k] = v
		}
	}
	return Table{m: m}
}

// Map returns a deep copy of the table as plain Go values.
func (t Table) Map() map[string]any {
	m, _ := normalize(t.m).(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m
}

func (a Array) Len() int { return len(a.items) }

func (a Array) Int(i int) (int64, bool) { return asInt(a.at(i)) }

func (a Array) Float(i int) (float64, bool) { return asFloat(a.at(i)) }

func (a Array) Bool(i int) (bool, bool) {
	b, ok := a.at(i).(bool)
	return b, ok
}

func (a Array) String(i int) (string, bool) {
	s, ok := a.at(i).(string)
	return s, ok
}

func (a Array) Table(i int) (Table, bool) {
	m, ok := a.at(i).(map[string]any)
	if !ok {
		return Table{}, false
	}
	return Table{m: m}, true
}

func (a Array) Array(i int) (Array, bool) {
	items, ok := a.at(i).([]any)
	if !ok {
		return Array{}, false
	}
	return Array{items: items}, true
}

func (a Array) Duration(i int) (time.Duration, bool) { return asDuration(a.at(i)) }

// Strings returns the elements of the array if all of them are strings.
func (a Array) Strings() ([]string, bool) {
	out := make([]string, 0, len(a.items))
	for _, v := range a.items {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func (a Array) at(i int) any {
	if i < 0 || i >= len(a.items) {
		return nil
	}
	return a.items[i]
}

func asInt(v any) (int64, bool) {
	i, ok := v.(int64)
	return i, ok
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func asDuration(v any) (time.Duration, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

// normalize deep-copies v, converting the types produced by the TOML and YAML decoders to a
// single representation.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = normalize(e)
		}
		return m
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = normalize(e)
		}
		return m
	case Table:
		return normalize(x.m)
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = normalize(e)
		}
		return s
	case []string:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = e
		}
		return s
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case float32:
		return float64(x)
	case time.Duration:
		return x.String()
	default:
		return v
	}
}
