package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Timer   MetricType = "timer"
)

// Metric is the aggregate of every sample recorded under one name and label set.
type Metric struct {
	Name    string            `json:"name"`
	Type    MetricType        `json:"type"`
	Labels  map[string]string `json:"labels,omitempty"`
	Count   int               `json:"count"`
	Value   float64           `json:"value"`
	Unit    string            `json:"unit,omitempty"`
	Updated time.Time         `json:"updated"`
}

// Collector aggregates deployment metrics in memory until flushed.
type Collector struct {
	mu      sync.Mutex
	enabled bool
	metrics map[string]*Metric
}

// NewCollector creates a new telemetry collector
func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled, metrics: map[string]*Metric{}}
}

// Counter adds value to a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(name, Counter, "", value, labels)
}

// Timer records a duration in milliseconds
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(name, Timer, "ms", float64(d.Milliseconds()), labels)
}

func (c *Collector) add(name string, typ MetricType, unit string, value float64, labels map[string]string) {
	if c == nil || !c.enabled {
		return
	}
	key := seriesKey(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metrics[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: labels, Unit: unit}
		c.metrics[key] = m
	}
	m.Count++
	m.Value += value
	m.Updated = time.Now()
}

func seriesKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + labels[k])
	}
	return b.String()
}

// Snapshot returns the current aggregates sorted by name.
func (c *Collector) Snapshot() []Metric {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Metric, 0, len(c.metrics))
	for _, m := range c.metrics {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return seriesKey("", out[i].Labels) < seriesKey("", out[j].Labels)
	})
	return out
}

// Flush writes every aggregate to the logger and resets the collector.
func (c *Collector) Flush() {
	if c == nil || !c.enabled {
		return
	}
	metrics := c.Snapshot()
	c.mu.Lock()
	c.metrics = map[string]*Metric{}
	c.mu.Unlock()

	for _, m := range metrics {
		log.Info().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Int("count", m.Count).
			Float64("value", m.Value).
			Str("unit", m.Unit).
			Interface("labels", m.Labels).
			Msg("telemetry_metric")
	}
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool) {
	globalMu.Lock()
	globalCollector = NewCollector(enabled)
	globalMu.Unlock()
}

// GetGlobal returns the global collector
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, d time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, d, labels)
}

// Shutdown flushes the global collector
func Shutdown() {
	GetGlobal().Flush()
}
