// Package metrics exposes decode session statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xaionaro-go/asyncdecoder"
)

const namespace = "asyncdecoder"

type StatsSource interface {
	GetStats() *asyncdecoder.Stats
}

type counterDesc struct {
	name  string
	help  string
	value func(*asyncdecoder.Stats) uint64
}

func newCounterDesc(
	name string,
	help string,
	value func(*asyncdecoder.Stats) uint64,
) counterDesc {
	return counterDesc{
		name:  prometheus.BuildFQName(namespace, "", name),
		help:  help,
		value: value,
	}
}

var counterDescs = []counterDesc{
	newCounterDesc("input_buffers_queued_total", "Input buffers handed to the engine",
		func(s *asyncdecoder.Stats) uint64 { return s.Input.BuffersQueued }),
	newCounterDesc("input_bytes_total", "Sample bytes handed to the engine",
		func(s *asyncdecoder.Stats) uint64 { return s.Input.Bytes }),
	newCounterDesc("output_buffers_released_total", "Output buffers released back to the engine",
		func(s *asyncdecoder.Stats) uint64 { return s.Output.BuffersReleased }),
	newCounterDesc("output_format_changes_total", "Output format change notifications",
		func(s *asyncdecoder.Stats) uint64 { return s.Output.FormatChanges }),
	newCounterDesc("frames_rendered_total", "Images accepted by the image reader",
		func(s *asyncdecoder.Stats) uint64 { return s.Frames.Rendered }),
	newCounterDesc("frames_delivered_total", "Images handed to the consumer",
		func(s *asyncdecoder.Stats) uint64 { return s.Frames.Delivered }),
	newCounterDesc("frames_dropped_total", "Images dropped by the acquire-latest policy or on close",
		func(s *asyncdecoder.Stats) uint64 { return s.Frames.Dropped }),
	newCounterDesc("frames_rejected_total", "Images rejected because the consumer fell behind",
		func(s *asyncdecoder.Stats) uint64 { return s.Frames.Rejected }),
	newCounterDesc("consumer_errors_total", "Images the consumer failed on",
		func(s *asyncdecoder.Stats) uint64 { return s.Frames.ConsumerErrors }),
	newCounterDesc("tasks_executed_total", "Tasks run by the session worker",
		func(s *asyncdecoder.Stats) uint64 { return s.TasksExecuted }),
	newCounterDesc("task_failures_total", "Tasks that failed or panicked",
		func(s *asyncdecoder.Stats) uint64 { return s.TaskFailures }),
	newCounterDesc("engine_errors_total", "Asynchronous errors reported by the engine",
		func(s *asyncdecoder.Stats) uint64 { return s.EngineErrors }),
	newCounterDesc("protocol_violations_total", "Engine notifications received after the end of stream",
		func(s *asyncdecoder.Stats) uint64 { return s.ProtocolViolations }),
}

// Collector reads the statistics on every scrape, so it never goes stale.
// Each collector labels its series with the session name.
type Collector struct {
	source StatsSource
	descs  []*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(name string, source StatsSource) *Collector {
	c := &Collector{
		source: source,
	}
	labels := prometheus.Labels{"session": name}
	for _, d := range counterDescs {
		c.descs = append(c.descs, prometheus.NewDesc(d.name, d.help, nil, labels))
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.descs {
		ch <- desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.GetStats()
	if stats == nil {
		return
	}
	for idx, d := range counterDescs {
		ch <- prometheus.MustNewConstMetric(c.descs[idx], prometheus.CounterValue, float64(d.value(stats)))
	}
}
