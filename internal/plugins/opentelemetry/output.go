// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package opentelemetry

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	metricSDK "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/alumet-dev/alumet/internal/plugins/export"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
)

const instrumentationName = "github.com/alumet-dev/alumet"

// Output records every point in a gauge named after its metric. The meter provider exports
// the last value of each gauge periodically.
type Output struct {
	config   Config
	logger   logr.Logger
	provider *metricSDK.MeterProvider
	meter    metric.Meter

	mu     sync.Mutex
	gauges map[metrics.RawID]metric.Float64Gauge

	pointsRecorded atomic.Uint64
	errorsCount    atomic.Uint64
	startTime      time.Time
}

var (
	_ pipeline.Output  = (*Output)(nil)
	_ pipeline.Dropper = (*Output)(nil)
)

// NewOutput creates the OTLP gRPC exporter. The connection is established lazily.
func NewOutput(cfg Config, logger logr.Logger) (*Output, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTimeout(cfg.Timeout.Std()),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}
	if cfg.Compression == CompressionGZip {
		opts = append(opts, otlpmetricgrpc.WithCompressor(cfg.Compression.String()))
	}
	opts = append(opts, otlpmetricgrpc.WithRetry(otlpmetricgrpc.RetryConfig{
		Enabled:         cfg.Retry.Enabled,
		InitialInterval: cfg.Retry.InitialBackoff.Std(),
		MaxInterval:     cfg.Retry.MaxBackoff.Std(),
		MaxElapsedTime:  cfg.Retry.maxElapsed(),
	}))

	exporter, err := otlpmetricgrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	reader := metricSDK.NewPeriodicReader(exporter, metricSDK.WithInterval(cfg.ExportInterval.Std()))
	return newOutput(cfg, logger, reader), nil
}

func newOutput(cfg Config, logger logr.Logger, reader metricSDK.Reader) *Output {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)
	provider := metricSDK.NewMeterProvider(
		metricSDK.WithReader(reader),
		metricSDK.WithResource(res),
	)
	return &Output{
		config:    cfg,
		logger:    logger,
		provider:  provider,
		meter:     provider.Meter(instrumentationName),
		gauges:    make(map[metrics.RawID]metric.Float64Gauge),
		startTime: time.Now(),
	}
}

func (o *Output) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	bg := context.Background()
	for i := 0; i < view.Len(); i++ {
		p := view.At(i)
		gauge, err := o.gauge(p, ctx.Metrics)
		if err != nil {
			o.errorsCount.Add(1)
			return err
		}
		gauge.Record(bg, p.Value.AsFloat64(), metric.WithAttributes(o.attributes(p)...))
	}
	o.pointsRecorded.Add(uint64(view.Len()))
	return nil
}

func (o *Output) gauge(p measurement.Point, reader pipeline.MetricReader) (metric.Float64Gauge, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g, ok := o.gauges[p.Metric]; ok {
		return g, nil
	}
	m, err := export.Lookup(reader, p)
	if err != nil {
		return nil, err
	}
	g, err := o.meter.Float64Gauge(o.instrumentName(m),
		metric.WithDescription(m.Description),
		metric.WithUnit(m.Unit.UniqueName()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gauge for %s: %w", m.Name, err)
	}
	o.gauges[p.Metric] = g
	return g, nil
}

func (o *Output) instrumentName(m metrics.Metric) string {
	name := m.Name
	switch {
	case o.config.AppendUnit && o.config.UseDisplayName:
		name = export.DisplayMetricName(m)
	case o.config.AppendUnit:
		name = export.MetricName(m, true)
	}
	return o.config.Prefix + export.SanitizeName(name) + o.config.Suffix
}

func (o *Output) attributes(p measurement.Point) []attribute.KeyValue {
	kv := []attribute.KeyValue{
		attribute.String("resource_kind", p.Resource.Kind()),
		attribute.String("resource_id", p.Resource.ID()),
		attribute.String("resource_consumer_kind", p.Consumer.Kind()),
		attribute.String("resource_consumer_id", p.Consumer.ID()),
	}
	if !o.config.AddAttributesToLabels {
		return kv
	}
	for _, a := range p.Attributes() {
		key := export.SanitizeName(a.Key)
		switch v := a.Value.Any().(type) {
		case uint64:
			if v > math.MaxInt64 {
				kv = append(kv, attribute.String(key, a.Value.String()))
			} else {
				kv = append(kv, attribute.Int64(key, int64(v)))
			}
		case float64:
			kv = append(kv, attribute.Float64(key, v))
		case bool:
			kv = append(kv, attribute.Bool(key, v))
		default:
			kv = append(kv, attribute.String(key, a.Value.String()))
		}
	}
	return kv
}

// Drop exports the pending values and shuts the meter provider down.
func (o *Output) Drop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := o.provider.Shutdown(ctx)
	o.logger.Info("OpenTelemetry output stopped",
		"points_recorded", o.pointsRecorded.Load(),
		"errors", o.errorsCount.Load(),
		"uptime", time.Since(o.startTime))
	return err
}
