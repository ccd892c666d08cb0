// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package influxdb writes the measurements to InfluxDB 2 with the line protocol.
package influxdb

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-logr/logr"
	"github.com/influxdata/line-protocol/v2/lineprotocol"

	"github.com/alumet-dev/alumet/internal/plugins/export"
	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

const (
	Name    = "influxdb"
	Version = "0.1.0"
)

// Attribute placements.
const (
	AsTag   = "tag"
	AsField = "field"
)

// Tags written on every line. Attributes with these keys, or with the key valueField, are
// prefixed with reservedPrefix.
var reservedTags = []string{"resource_kind", "resource_id", "resource_consumer_kind", "resource_consumer_id"}

const (
	valueField     = "value"
	reservedPrefix = "alumet_attribute__"
)

func init() {
	plugin.Register(Metadata())
}

// Metadata declares the plugin.
func Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:          Name,
		Version:       Version,
		Init:          Init,
		DefaultConfig: func() config.Table { return config.MustFromStruct(DefaultConfig()) },
	}
}

type Config struct {
	Host   string `toml:"host"`
	Token  string `toml:"token"`
	Org    string `toml:"org"`
	Bucket string `toml:"bucket"`

	// AttributesAs is the default placement of the attributes, "tag" or "field".
	AttributesAs string `toml:"attributes_as"`
	// AttributesAsTags and AttributesAsFields override AttributesAs for some keys.
	AttributesAsTags   []string `toml:"attributes_as_tags"`
	AttributesAsFields []string `toml:"attributes_as_fields"`

	Gzip         bool            `toml:"gzip"`
	Timeout      config.Duration `toml:"timeout"`
	MaxRetries   int             `toml:"max_retries"`
	RetryWaitMin config.Duration `toml:"retry_wait_min"`
	RetryWaitMax config.Duration `toml:"retry_wait_max"`
	// TestWrite sends an empty write at startup so that a wrong configuration fails early.
	TestWrite bool `toml:"test_write"`
}

func DefaultConfig() Config {
	return Config{
		Host:         "http://localhost:8086",
		Token:        "FILL ME",
		Org:          "FILL ME",
		Bucket:       "FILL ME",
		AttributesAs: AsField,
		Gzip:         true,
		Timeout:      config.Duration(10 * time.Second),
		MaxRetries:   3,
		RetryWaitMin: config.Duration(500 * time.Millisecond),
		RetryWaitMax: config.Duration(10 * time.Second),
		TestWrite:    true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Host == "" || c.Org == "" || c.Bucket == "" {
		errs = append(errs, errors.New("host, org and bucket are required"))
	}
	if c.AttributesAs != AsTag && c.AttributesAs != AsField {
		errs = append(errs, fmt.Errorf("attributes_as must be %q or %q, got %q", AsTag, AsField, c.AttributesAs))
	}
	for _, k := range c.AttributesAsTags {
		if slices.Contains(c.AttributesAsFields, k) {
			errs = append(errs, fmt.Errorf("attribute %q is both a tag and a field", k))
		}
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	return errors.Join(errs...)
}

type Plugin struct {
	plugin.Base
	cfg Config
}

// Init decodes and validates the configuration.
func Init(tbl config.Table) (plugin.Plugin, error) {
	cfg := DefaultConfig()
	if err := tbl.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid %s configuration: %w", Name, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Plugin{Base: plugin.Base{PluginName: Name, PluginVersion: Version}, cfg: cfg}, nil
}

func (p *Plugin) Start(ctx *plugin.StartContext) error {
	out, err := NewOutput(p.cfg, ctx.Logger())
	if err != nil {
		return err
	}
	if p.cfg.TestWrite {
		ctx.Logger().Info("Testing connection to InfluxDB", "host", p.cfg.Host)
		if err := out.client.write(context.Background(), nil); err != nil {
			return fmt.Errorf("cannot write to InfluxDB host %s in org %s and bucket %s: %w",
				p.cfg.Host, p.cfg.Org, p.cfg.Bucket, err)
		}
	}
	_, err = ctx.AddOutput("http", out)
	return err
}

// Output sends every buffer in one write request.
type Output struct {
	client *client
	logger logr.Logger

	attributesAsTags bool
	tags             map[string]bool
	fields           map[string]bool
}

var _ pipeline.Output = (*Output)(nil)

func NewOutput(cfg Config, logger logr.Logger) (*Output, error) {
	c, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	o := &Output{
		client:           c,
		logger:           logger,
		attributesAsTags: cfg.AttributesAs == AsTag,
		tags:             make(map[string]bool),
		fields:           make(map[string]bool),
	}
	for _, k := range cfg.AttributesAsTags {
		o.tags[k] = true
	}
	for _, k := range cfg.AttributesAsFields {
		o.fields[k] = true
	}
	return o, nil
}

func (o *Output) isTag(key string) bool {
	if o.attributesAsTags {
		return !o.fields[key]
	}
	return o.tags[key]
}

func (o *Output) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	if view.IsEmpty() {
		return nil
	}
	data, err := o.encode(view, ctx.Metrics)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	o.logger.V(2).Info("Line protocol data", "data", string(data))
	return o.client.write(context.Background(), data)
}

type tag struct {
	key, value string
}

type field struct {
	key   string
	value lineprotocol.Value
}

func (o *Output) encode(view measurement.View, reader pipeline.MetricReader) ([]byte, error) {
	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Nanosecond)

	var (
		tags   []tag
		fields []field
	)
	for i := 0; i < view.Len(); i++ {
		p := view.At(i)
		m, err := export.Lookup(reader, p)
		if err != nil {
			return nil, err
		}
		value, ok := pointValue(p.Value)
		if !ok {
			o.logger.V(1).Info("Skipping point that InfluxDB cannot store", "metric", m.Name, "value", p.Value.String())
			continue
		}

		tags = append(tags[:0],
			tag{reservedTags[0], p.Resource.Kind()},
			tag{reservedTags[1], p.Resource.ID()},
			tag{reservedTags[2], p.Consumer.Kind()},
			tag{reservedTags[3], p.Consumer.ID()},
		)
		fields = fields[:0]
		for _, a := range p.Attributes() {
			key := a.Key
			if o.isTag(key) {
				if slices.Contains(reservedTags, key) {
					key = reservedPrefix + key
				}
				tags = append(tags, tag{key, a.Value.String()})
				continue
			}
			if key == valueField {
				key = reservedPrefix + key
			}
			if v, ok := attributeValue(a.Value); ok {
				fields = append(fields, field{key, v})
			}
		}
		// Tag keys must be written in lexical order.
		slices.SortFunc(tags, func(a, b tag) int { return cmp.Compare(a.key, b.key) })

		enc.StartLine(m.Name)
		for _, t := range tags {
			if t.value != "" {
				enc.AddTag(t.key, t.value)
			}
		}
		for _, f := range fields {
			enc.AddField(f.key, f.value)
		}
		enc.AddField(valueField, value)
		enc.EndLine(p.Timestamp.Time())
	}
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode line protocol: %w", err)
	}
	return enc.Bytes(), nil
}

// pointValue is false for NaN and infinite values, the line protocol has no representation for them.
func pointValue(v measurement.Value) (lineprotocol.Value, bool) {
	if u, ok := v.Uint64(); ok {
		return lineprotocol.UintValue(u), true
	}
	return lineprotocol.FloatValue(v.AsFloat64())
}

func attributeValue(a measurement.AttributeValue) (lineprotocol.Value, bool) {
	switch a.Kind() {
	case measurement.AttrU64:
		v, _ := a.Uint64()
		return lineprotocol.UintValue(v), true
	case measurement.AttrF64:
		v, _ := a.Float64()
		return lineprotocol.FloatValue(v)
	case measurement.AttrBool:
		v, _ := a.Bool()
		return lineprotocol.BoolValue(v), true
	default:
		return lineprotocol.StringValue(a.String())
	}
}
