// Package metrics collects in-process counters, gauges and histograms for
// the ledger node and reports the health of its components.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
)

// maxHistogramSamples bounds the samples kept per histogram.
const maxHistogramSamples = 1000

// Metric represents the last observation of a single metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// HistogramSummary aggregates the retained samples of a histogram.
type HistogramSummary struct {
	Count float64 `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
}

// Summary is a point-in-time view of every metric.
type Summary struct {
	Counters   map[string]int64            `json:"counters"`
	Gauges     map[string]float64          `json:"gauges"`
	Histograms map[string]HistogramSummary `json:"histograms"`
}

// Collector manages metrics collection
type Collector struct {
	mu         sync.RWMutex
	metrics    map[string]*Metric
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		metrics:    make(map[string]*Metric),
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// IncrementCounter increments a counter metric
func (c *Collector) IncrementCounter(name string, labels map[string]string) {
	c.AddCounter(name, 1, labels)
}

// AddCounter adds delta to a counter metric
func (c *Collector) AddCounter(name string, delta int64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := makeKey(name, labels)
	c.counters[key] += delta
	c.updateMetric(key, name, Counter, float64(c.counters[key]), labels)
}

// SetGauge sets a gauge metric value
func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := makeKey(name, labels)
	c.gauges[key] = value
	c.updateMetric(key, name, Gauge, value, labels)
}

// RecordHistogram records a value in a histogram
func (c *Collector) RecordHistogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := makeKey(name, labels)
	values := append(c.histograms[key], value)
	if len(values) > maxHistogramSamples {
		values = values[len(values)-maxHistogramSamples:]
	}
	c.histograms[key] = values

	c.updateMetric(key, name, Histogram, value, labels)
}

// Counter returns the current value of a counter.
func (c *Collector) Counter(name string, labels map[string]string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[makeKey(name, labels)]
}

// GetMetric retrieves a metric by name and labels
func (c *Collector) GetMetric(name string, labels map[string]string) *Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.metrics[makeKey(name, labels)]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// GetAllMetrics returns all collected metrics ordered by key
func (c *Collector) GetAllMetrics() []*Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.metrics))
	for key := range c.metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	metrics := make([]*Metric, 0, len(keys))
	for _, key := range keys {
		cp := *c.metrics[key]
		metrics = append(metrics, &cp)
	}
	return metrics
}

// Summary returns a summary of all metrics
func (c *Collector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := Summary{
		Counters:   make(map[string]int64, len(c.counters)),
		Gauges:     make(map[string]float64, len(c.gauges)),
		Histograms: make(map[string]HistogramSummary, len(c.histograms)),
	}
	for key, v := range c.counters {
		summary.Counters[key] = v
	}
	for key, v := range c.gauges {
		summary.Gauges[key] = v
	}
	for key, values := range c.histograms {
		if len(values) == 0 {
			continue
		}
		h := HistogramSummary{
			Count: float64(len(values)),
			Min:   values[0],
			Max:   values[0],
		}
		for _, value := range values {
			if value < h.Min {
				h.Min = value
			}
			if value > h.Max {
				h.Max = value
			}
			h.Sum += value
		}
		h.Avg = h.Sum / h.Count
		summary.Histograms[key] = h
	}
	return summary
}

// Reset resets all metrics
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics = make(map[string]*Metric)
	c.counters = make(map[string]int64)
	c.gauges = make(map[string]float64)
	c.histograms = make(map[string][]float64)
}

// makeKey creates a deterministic key for a metric name and labels
func makeKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range names {
		b.WriteString("_")
		b.WriteString(k)
		b.WriteString("_")
		b.WriteString(labels[k])
	}
	return b.String()
}

func (c *Collector) updateMetric(key, name string, metricType MetricType,
	value float64, labels map[string]string) {

	var cp map[string]string
	if len(labels) > 0 {
		cp = make(map[string]string, len(labels))
		for k, v := range labels {
			cp[k] = v
		}
	}
	c.metrics[key] = &Metric{
		Name:      name,
		Type:      metricType,
		Value:     value,
		Labels:    cp,
		Timestamp: time.Now(),
	}
}

// Predefined metric names
const (
	MetricAdmitted       = "tx_admitted"
	MetricRejected       = "tx_rejected"
	MetricExecuted       = "tx_executed"
	MetricRollbacks      = "transfers_rolled_back"
	MetricDuplicates     = "tx_duplicates"
	MetricVerifyTime     = "tx_verify_time"
	MetricBlockApplyTime = "block_apply_time"
	MetricBlockHeight    = "block_height"
	MetricMempoolSize    = "mempool_size"
	MetricRateLimited    = "rpc_rate_limited"
	MetricErrorCount     = "error_count"
	MetricCircuitCompile = "circuit_compile_time"
)

// RecordAdmission counts a submitted transaction of kind by admission
// outcome.
func (c *Collector) RecordAdmission(kind string, admitted bool) {
	labels := map[string]string{"kind": kind}
	if admitted {
		c.IncrementCounter(MetricAdmitted, labels)
	} else {
		c.IncrementCounter(MetricRejected, labels)
	}
}

// RecordExecution counts an executed transaction by outcome, which is
// either "ok" or the name of its error code.
func (c *Collector) RecordExecution(kind, outcome string) {
	c.IncrementCounter(MetricExecuted, map[string]string{
		"kind":    kind,
		"outcome": outcome,
	})
}

func (c *Collector) RecordVerify(duration time.Duration) {
	c.RecordHistogram(MetricVerifyTime, duration.Seconds(), nil)
}

// RecordBlock records the application of a block.
func (c *Collector) RecordBlock(height uint64, duration time.Duration,
	rollbacks, duplicates int) {

	c.SetGauge(MetricBlockHeight, float64(height), nil)
	c.RecordHistogram(MetricBlockApplyTime, duration.Seconds(), nil)
	if rollbacks > 0 {
		c.AddCounter(MetricRollbacks, int64(rollbacks), nil)
	}
	if duplicates > 0 {
		c.AddCounter(MetricDuplicates, int64(duplicates), nil)
	}
}

func (c *Collector) SetMempoolSize(n int) {
	c.SetGauge(MetricMempoolSize, float64(n), nil)
}

func (c *Collector) RecordCircuitCompile(duration time.Duration) {
	c.RecordHistogram(MetricCircuitCompile, duration.Seconds(), nil)
}

func (c *Collector) RecordError(errorType string) {
	c.IncrementCounter(MetricErrorCount, map[string]string{"type": errorType})
}
