// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package prometheusexporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alumet-dev/alumet/internal/plugins/export"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
)

// Labels of every series.
var identityLabels = []string{"resource_kind", "resource_id", "resource_consumer_kind", "resource_consumer_id"}

type series struct {
	desc   *prometheus.Desc
	values []string
	value  float64
}

// gauges is a prometheus.Collector over the last value of every series.
// The label set of a series is only known when its first point arrives, so the collector is
// unchecked: Describe sends nothing.
type gauges struct {
	mu     sync.RWMutex
	series map[string]*series
	descs  map[string]*prometheus.Desc
}

var _ prometheus.Collector = (*gauges)(nil)

func newGauges() *gauges {
	return &gauges{series: make(map[string]*series), descs: make(map[string]*prometheus.Desc)}
}

func (g *gauges) Describe(chan<- *prometheus.Desc) {}

func (g *gauges) Collect(ch chan<- prometheus.Metric) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.series {
		ch <- prometheus.MustNewConstMetric(s.desc, prometheus.GaugeValue, s.value, s.values...)
	}
}

// set stores the value of the series identified by name and labels, sorted by name.
func (g *gauges) set(name, help string, labels [][2]string, v float64) {
	names := make([]string, len(labels))
	values := make([]string, len(labels))
	var key strings.Builder
	key.WriteString(name)
	for i, l := range labels {
		names[i], values[i] = l[0], l[1]
		fmt.Fprintf(&key, "\xff%s\xfe%s", l[0], l[1])
	}
	descKey := name + "\xff" + strings.Join(names, "\xff")

	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.series[key.String()]; ok {
		s.value = v
		return
	}
	desc, ok := g.descs[descKey]
	if !ok {
		desc = prometheus.NewDesc(name, help, names, nil)
		g.descs[descKey] = desc
	}
	g.series[key.String()] = &series{desc: desc, values: values, value: v}
}

func (g *gauges) len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.series)
}

// Output updates the gauges and serves them over HTTP.
type Output struct {
	cfg      Config
	logger   logr.Logger
	gauges   *gauges
	registry *prometheus.Registry

	listener net.Listener
	server   *http.Server
	done     chan struct{}
}

var (
	_ pipeline.Output  = (*Output)(nil)
	_ pipeline.Dropper = (*Output)(nil)
)

// NewOutput listens on the configured address and serves /metrics until Drop.
func NewOutput(cfg Config, logger logr.Logger) (*Output, error) {
	o := &Output{
		cfg:      cfg,
		logger:   logger,
		gauges:   newGauges(),
		registry: prometheus.NewRegistry(),
		done:     make(chan struct{}),
	}
	if err := o.registry.Register(o.gauges); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", cfg.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.addr(), err)
	}
	o.listener = ln

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{
		ErrorLog: promLogger{logger},
	}))
	o.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		defer close(o.done)
		logger.Info("Prometheus exporter listening", "url", "http://"+ln.Addr().String()+"/metrics")
		if err := o.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Prometheus exporter stopped")
		}
	}()
	return o, nil
}

// Addr returns the address the exporter listens on.
func (o *Output) Addr() net.Addr { return o.listener.Addr() }

func (o *Output) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	for i := 0; i < view.Len(); i++ {
		p := view.At(i)
		m, err := export.Lookup(ctx.Metrics, p)
		if err != nil {
			return err
		}
		o.gauges.set(o.metricName(m), helpOf(m), o.labels(p), p.Value.AsFloat64())
	}
	return nil
}

func (o *Output) metricName(m metrics.Metric) string {
	name := m.Name
	switch {
	case o.cfg.AppendUnit && o.cfg.UseDisplayName:
		name = export.DisplayMetricName(m)
	case o.cfg.AppendUnit:
		name = export.MetricName(m, true)
	}
	return o.cfg.Prefix + export.SanitizeName(name) + o.cfg.Suffix
}

func helpOf(m metrics.Metric) string {
	if m.Description == "" {
		return m.Name
	}
	return m.Description
}

func (o *Output) labels(p measurement.Point) [][2]string {
	labels := [][2]string{
		{identityLabels[0], p.Resource.Kind()},
		{identityLabels[1], p.Resource.ID()},
		{identityLabels[2], p.Consumer.Kind()},
		{identityLabels[3], p.Consumer.ID()},
	}
	if o.cfg.AddAttributesToLabels {
		for _, a := range p.Attributes() {
			key := labelName(a.Key)
			if slices.Contains(identityLabels, key) {
				continue
			}
			labels = append(labels, [2]string{key, a.Value.String()})
		}
	}
	slices.SortStableFunc(labels, func(a, b [2]string) int { return strings.Compare(a[0], b[0]) })
	return slices.CompactFunc(labels, func(a, b [2]string) bool { return a[0] == b[0] })
}

// labelName sanitizes key; colons are allowed in metric names only.
func labelName(key string) string {
	name := strings.ReplaceAll(export.SanitizeName(key), ":", "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "_" + name
	}
	return name
}

// Drop stops the HTTP server.
func (o *Output) Drop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := o.server.Shutdown(ctx)
	<-o.done
	return err
}

// promLogger adapts logr to promhttp.Logger.
type promLogger struct {
	logger logr.Logger
}

func (l promLogger) Println(v ...any) {
	l.logger.Error(errors.New(fmt.Sprint(v...)), "Failed to serve metrics")
}
