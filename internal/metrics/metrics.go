// Package metrics provides trivial atomic connection counters. Metrics
// are explicitly out of core scope (see spec); no scrape endpoint or
// collector registry is implemented here — only the counters a mode
// runner increments as connections open and close.
package metrics

import "sync/atomic"

// Metrics holds process-wide connection counters, updated with relaxed
// atomic operations on the hot path.
type Metrics struct {
	opened atomic.Uint64
	closed atomic.Uint64
}

// New returns a zeroed Metrics.
func New() *Metrics {
	return &Metrics{}
}

// ConnOpened increments the opened-connection counter.
func (m *Metrics) ConnOpened() {
	m.opened.Add(1)
}

// ConnClosed increments the closed-connection counter.
func (m *Metrics) ConnClosed() {
	m.closed.Add(1)
}

// Opened returns the total number of connections opened.
func (m *Metrics) Opened() uint64 {
	return m.opened.Load()
}

// Closed returns the total number of connections closed.
func (m *Metrics) Closed() uint64 {
	return m.closed.Load()
}

// Active returns the current in-flight connection count.
func (m *Metrics) Active() uint64 {
	o, c := m.opened.Load(), m.closed.Load()
	if c > o {
		return 0
	}
	return o - c
}
