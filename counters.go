package popbox

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionCounters receives connection gauge updates. Every Inc is matched by
// exactly one Dec for the same protocol.
type ConnectionCounters interface {
	Inc(protocol string)
	Dec(protocol string)
}

// AtomicCounters is an in-process ConnectionCounters implementation
type AtomicCounters struct {
	active      atomic.Int64
	mu          sync.Mutex
	perProtocol map[string]*atomic.Int64
}

// NewAtomicCounters creates zeroed counters
func NewAtomicCounters() *AtomicCounters {
	return &AtomicCounters{
		perProtocol: make(map[string]*atomic.Int64),
	}
}

// Inc increments the active and the protocol gauge
func (c *AtomicCounters) Inc(protocol string) {
	c.active.Add(1)
	c.protocol(protocol).Add(1)
}

// Dec decrements the active and the protocol gauge
func (c *AtomicCounters) Dec(protocol string) {
	c.active.Add(-1)
	c.protocol(protocol).Add(-1)
}

// Active returns the number of open connections over all protocols
func (c *AtomicCounters) Active() int64 {
	return c.active.Load()
}

// Protocol returns the number of open connections for one protocol
func (c *AtomicCounters) Protocol(protocol string) int64 {
	return c.protocol(protocol).Load()
}

func (c *AtomicCounters) protocol(protocol string) *atomic.Int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	counter, exists := c.perProtocol[protocol]
	if !exists {
		counter = &atomic.Int64{}
		c.perProtocol[protocol] = counter
	}
	return counter
}

// PrometheusCounters exports connection gauges to Prometheus
type PrometheusCounters struct {
	active      prometheus.Gauge
	perProtocol *prometheus.GaugeVec
}

// NewPrometheusCounters creates the gauges and registers them with reg
func NewPrometheusCounters(reg prometheus.Registerer) (*PrometheusCounters, error) {
	c := &PrometheusCounters{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "popbox_active_connections",
			Help: "Open remote mailbox connections.",
		}),
		perProtocol: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "popbox_protocol_connections",
			Help: "Open remote mailbox connections by protocol.",
		}, []string{"protocol"}),
	}
	if err := reg.Register(c.active); err != nil {
		return nil, err
	}
	if err := reg.Register(c.perProtocol); err != nil {
		reg.Unregister(c.active)
		return nil, err
	}
	return c, nil
}

// Inc increments the active and the protocol gauge
func (c *PrometheusCounters) Inc(protocol string) {
	c.active.Inc()
	c.perProtocol.WithLabelValues(protocol).Inc()
}

// Dec decrements the active and the protocol gauge
func (c *PrometheusCounters) Dec(protocol string) {
	c.active.Dec()
	c.perProtocol.WithLabelValues(protocol).Dec()
}

// nopCounters discards updates
type nopCounters struct{}

func (nopCounters) Inc(string) {}
func (nopCounters) Dec(string) {}

var (
	_ ConnectionCounters = (*AtomicCounters)(nil)
	_ ConnectionCounters = (*PrometheusCounters)(nil)
)
