package resync

import (
	"sync/atomic"
	"time"
)

// Counter is an abstract increment-only sink, so the coordinator stays
// decoupled from any particular telemetry system.
type Counter interface {
	Increment()
}

// Gauge is an abstract scalar sink.
type Gauge interface {
	Set(v uint32)
}

// AtomicCounter is the in-process Counter used outside tests.
type AtomicCounter struct {
	n atomic.Uint64
}

func (c *AtomicCounter) Increment() {
	c.n.Add(1)
}

func (c *AtomicCounter) Value() uint64 {
	return c.n.Load()
}

// AtomicGauge is the in-process Gauge used outside tests.
type AtomicGauge struct {
	v atomic.Uint32
}

func (g *AtomicGauge) Set(v uint32) {
	g.v.Store(v)
}

func (g *AtomicGauge) Value() uint32 {
	return g.v.Load()
}

// NopCounter discards increments.
type NopCounter struct{}

func (NopCounter) Increment() {}

// NopGauge discards writes.
type NopGauge struct{}

func (NopGauge) Set(uint32) {}

// nowMillis returns current time in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
