// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kafka publishes every point as a JSON message to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/alumet-dev/alumet/internal/plugins/export"
	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

const (
	Name    = "kafka"
	Version = "0.1.0"

	// RunIDHeader carries the run id of the agent that produced the message.
	RunIDHeader = "alumet-run-id"
)

var compressions = map[string]kafkago.Compression{
	"none":   0,
	"gzip":   kafkago.Gzip,
	"snappy": kafkago.Snappy,
	"lz4":    kafkago.Lz4,
	"zstd":   kafkago.Zstd,
}

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
	Brokers      []string        `toml:"brokers"`
	Topic        string          `toml:"topic"`
	Compression  string          `toml:"compression"`
	BatchSize    int             `toml:"batch_size"`
	BatchTimeout config.Duration `toml:"batch_timeout"`
	WriteTimeout config.Duration `toml:"write_timeout"`
	// MaxRetries is the number of retries of a failed write, with an exponential backoff
	// starting at RetryBackoff.
	MaxRetries   int             `toml:"max_retries"`
	RetryBackoff config.Duration `toml:"retry_backoff"`
	AppendUnit   bool            `toml:"append_unit_to_metric_name"`
}

func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "alumet",
		Compression:  "none",
		BatchSize:    100,
		BatchTimeout: config.Duration(10 * time.Millisecond),
		WriteTimeout: config.Duration(10 * time.Second),
		MaxRetries:   3,
		RetryBackoff: config.Duration(100 * time.Millisecond),
		AppendUnit:   false,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("at least one broker is required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic must not be empty"))
	}
	if _, ok := compressions[c.Compression]; !ok {
		errs = append(errs, fmt.Errorf("unknown compression %q", c.Compression))
	}
	if c.BatchSize <= 0 || c.WriteTimeout <= 0 || c.RetryBackoff <= 0 {
		errs = append(errs, errors.New("batch_size, write_timeout and retry_backoff must be positive"))
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
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(p.cfg.Brokers...),
		Topic:        p.cfg.Topic,
		Balancer:     &kafkago.Hash{},
		BatchSize:    p.cfg.BatchSize,
		BatchTimeout: p.cfg.BatchTimeout.Std(),
		WriteTimeout: p.cfg.WriteTimeout.Std(),
		RequiredAcks: kafkago.RequireAll,
		Compression:  compressions[p.cfg.Compression],
		// retries are done by the output, with a backoff
		MaxAttempts: 1,
	}
	out := NewOutput(p.cfg, w, ctx.Agent().RunID, ctx.Logger())
	_, err := ctx.AddOutput("producer", out)
	return err
}

// MessageWriter is the part of kafka.Writer used by the output.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Output sends one message per point: the key is the metric name and the value the JSON
// export.Record of the point.
type Output struct {
	cfg    Config
	writer MessageWriter
	runID  string
	logger logr.Logger
}

var (
	_ pipeline.Output  = (*Output)(nil)
	_ pipeline.Dropper = (*Output)(nil)
)

func NewOutput(cfg Config, w MessageWriter, runID string, logger logr.Logger) *Output {
	return &Output{cfg: cfg, writer: w, runID: runID, logger: logger}
}

func (o *Output) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	if view.IsEmpty() {
		return nil
	}
	msgs := make([]kafkago.Message, 0, view.Len())
	for i := 0; i < view.Len(); i++ {
		p := view.At(i)
		m, err := export.Lookup(ctx.Metrics, p)
		if err != nil {
			return err
		}
		rec := export.NewRecord(m, p, o.cfg.AppendUnit)
		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", rec.Metric, err)
		}
		msgs = append(msgs, kafkago.Message{
			Key:     []byte(rec.Metric),
			Value:   value,
			Time:    p.Timestamp.Time(),
			Headers: []kafkago.Header{{Key: RunIDHeader, Value: []byte(o.runID)}},
		})
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryBackoff.Std()
	attempt := 0
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		attempt++
		err := o.writer.WriteMessages(context.Background(), msgs...)
		if err != nil && attempt <= o.cfg.MaxRetries {
			o.logger.V(1).Info("Failed to publish, retrying", "attempt", attempt, "error", err.Error())
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(o.cfg.MaxRetries+1)))
	if err != nil {
		return fmt.Errorf("failed to publish %d messages to %s after %d attempts: %w", len(msgs), o.cfg.Topic, attempt, err)
	}
	return nil
}

// Drop flushes the pending messages and closes the connections.
func (o *Output) Drop() error {
	return o.writer.Close()
}
