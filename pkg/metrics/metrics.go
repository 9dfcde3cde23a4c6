// Package metrics defines the collector interface the engine reports
// through and a simple in-memory implementation for embedding and tests.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Collector captures counters and gauges. Memory sorts labels into the key
// used for storage, so distinct label sets are distinct series.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
}

// Memory is an in-process Collector backed by plain maps under a mutex,
// suitable for embedding and for assertions in tests. The /stats admin
// endpoint does not read it; it reports engine.Stats.
type Memory struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewMemory returns an empty in-memory collector.
func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, ",%s=%s", k, labels[k])
	}
	return b.String()
}

// IncCounter adds delta to the named counter series.
func (m *Memory) IncCounter(name string, labels map[string]string, delta float64) {
	key := seriesKey(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] += delta
}

// SetGauge sets the named gauge series to value.
func (m *Memory) SetGauge(name string, labels map[string]string, value float64) {
	key := seriesKey(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[key] = value
}

// Counter returns the current value of a counter series.
func (m *Memory) Counter(name string, labels map[string]string) float64 {
	key := seriesKey(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

// Gauge returns the current value of a gauge series.
func (m *Memory) Gauge(name string, labels map[string]string) float64 {
	key := seriesKey(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[key]
}

// noop discards every observation; used where a Collector is required but
// the caller did not configure one.
type noop struct{}

// Noop returns a Collector that discards everything.
func Noop() Collector { return noop{} }

func (noop) IncCounter(string, map[string]string, float64) {}
func (noop) SetGauge(string, map[string]string, float64)   {}
