package metrics

import "sync/atomic"

// counterBox is a lock-free uint64 counter, used to mirror Prometheus
// counters (which do not expose their current value) for Snapshot.
type counterBox struct {
	v uint64
}

func (c *counterBox) inc() { atomic.AddUint64(&c.v, 1) }
func (c *counterBox) get() uint64 { return atomic.LoadUint64(&c.v) }

// gaugeBox is a lock-free uint64 gauge, used to mirror Prometheus gauges
// (which also do not expose their current value) for Snapshot.
type gaugeBox struct {
	v uint64
}

func (g *gaugeBox) set(v uint64) { atomic.StoreUint64(&g.v, v) }
func (g *gaugeBox) get() uint64  { return atomic.LoadUint64(&g.v) }
