// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "alumet_pipeline"

// statsCollector exposes the engine counters, read at each scrape.
type statsCollector struct {
	engine Engine

	polls           *prometheus.Desc
	pollErrors      *prometheus.Desc
	flushes         *prometheus.Desc
	pointsFlushed   *prometheus.Desc
	droppedBuffers  *prometheus.Desc
	transformErrors *prometheus.Desc
	writes          *prometheus.Desc
	writeErrors     *prometheus.Desc
	queueLength     *prometheus.Desc
	running         *prometheus.Desc
	elementCalls    *prometheus.Desc
	elementErrors   *prometheus.Desc
}

var _ prometheus.Collector = (*statsCollector)(nil)

func newStatsCollector(engine Engine) *statsCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &statsCollector{
		engine:          engine,
		polls:           desc("polls_total", "Number of source polls."),
		pollErrors:      desc("poll_errors_total", "Number of failed source polls."),
		flushes:         desc("flushes_total", "Number of flushed buffers."),
		pointsFlushed:   desc("points_flushed_total", "Number of flushed measurement points."),
		droppedBuffers:  desc("dropped_buffers_total", "Number of buffers dropped because the queue was full."),
		transformErrors: desc("transform_errors_total", "Number of failed transform applications."),
		writes:          desc("writes_total", "Number of output writes."),
		writeErrors:     desc("write_errors_total", "Number of failed output writes."),
		queueLength:     desc("queue_length", "Number of flushed buffers waiting for the transforms."),
		running:         desc("running", "1 when the pipeline is running."),
		elementCalls:    desc("element_calls_total", "Number of calls of each element.", "element", "kind", "plugin", "state"),
		elementErrors:   desc("element_errors_total", "Number of errors of each element.", "element", "kind", "plugin", "state"),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.polls, c.pollErrors, c.flushes, c.pointsFlushed, c.droppedBuffers,
		c.transformErrors, c.writes, c.writeErrors, c.queueLength, c.running,
		c.elementCalls, c.elementErrors,
	} {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.engine.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.polls, s.Polls)
	counter(c.pollErrors, s.PollErrors)
	counter(c.flushes, s.Flushes)
	counter(c.pointsFlushed, s.PointsFlushed)
	counter(c.droppedBuffers, s.DroppedBuffers)
	counter(c.transformErrors, s.TransformErrors)
	counter(c.writes, s.Writes)
	counter(c.writeErrors, s.WriteErrors)
	ch <- prometheus.MustNewConstMetric(c.queueLength, prometheus.GaugeValue, float64(s.QueueLength))
	running := 0.0
	if s.Running {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running)

	for _, el := range c.engine.Elements() {
		labels := []string{el.Name, string(el.Kind), el.Plugin, el.State}
		ch <- prometheus.MustNewConstMetric(c.elementCalls, prometheus.CounterValue, float64(el.Calls), labels...)
		ch <- prometheus.MustNewConstMetric(c.elementErrors, prometheus.CounterValue, float64(el.Errors), labels...)
	}
}
