// Package metrics implements Prometheus metrics.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MbufStats mirrors the buffer arena counters (allocations, drops, frees).
	MbufStats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_mbuf_stats_total",
			Help: "Buffer arena statistics by counter name",
		},
		[]string{"counter"},
	)

	// IPStats mirrors the IP layer counters (badsum, tooshort, fragdropped, ...).
	IPStats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_ip_stats_total",
			Help: "IPv4 statistics by counter name",
		},
		[]string{"counter"},
	)

	// ICMPStats mirrors the ICMP counters.
	ICMPStats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_icmp_stats_total",
			Help: "ICMP statistics by counter name",
		},
		[]string{"counter"},
	)

	// UDPStats mirrors the UDP counters.
	UDPStats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_udp_stats_total",
			Help: "UDP statistics by counter name",
		},
		[]string{"counter"},
	)

	// TCPStats mirrors the TCP counters (rcvdupack, rexmttimeo, ...).
	TCPStats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_tcp_stats_total",
			Help: "TCP statistics by counter name",
		},
		[]string{"counter"},
	)

	// MbufInUse tracks pooled nodes currently handed out, by pool.
	MbufInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netstack_mbuf_in_use",
			Help: "Number of buffer nodes and clusters currently allocated",
		},
		[]string{"pool"},
	)

	// ReassemblyActiveDatagrams tracks datagrams awaiting fragment reassembly.
	ReassemblyActiveDatagrams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstack_ip_reassembly_active_datagrams",
			Help: "Number of IPv4 datagrams in the reassembly queue",
		},
	)

	// PCBCount tracks protocol control blocks per protocol.
	PCBCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netstack_pcb_count",
			Help: "Number of protocol control blocks by protocol",
		},
		[]string{"proto"},
	)

	// IngressQueueDrops counts frames dropped because an ingress worker queue was full.
	IngressQueueDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_ingress_queue_drops_total",
			Help: "Inbound frames dropped at a full ingress worker queue",
		},
		[]string{"iface"},
	)
)

// Counter is a statistics counter readable in-process and mirrored to a
// Prometheus vector under a fixed label.
type Counter struct {
	v    atomic.Uint64
	prom prometheus.Counter
}

// NewCounter binds a counter to vec{counter=name}. A nil vec keeps the counter local.
func NewCounter(vec *prometheus.CounterVec, name string) *Counter {
	c := &Counter{}
	if vec != nil {
		c.prom = vec.WithLabelValues(name)
	}
	return c
}

// Inc adds one.
func (c *Counter) Inc() {
	c.v.Add(1)
	if c.prom != nil {
		c.prom.Inc()
	}
}

// Add adds n.
func (c *Counter) Add(n uint64) {
	c.v.Add(n)
	if c.prom != nil {
		c.prom.Add(float64(n))
	}
}

// Load returns the in-process value.
func (c *Counter) Load() uint64 {
	return c.v.Load()
}

// CounterSet is a named group of counters, used to snapshot a protocol's
// statistics for the control plane.
type CounterSet struct {
	names    []string
	counters map[string]*Counter
	vec      *prometheus.CounterVec
}

// NewCounterSet creates an empty set mirrored into vec.
func NewCounterSet(vec *prometheus.CounterVec) *CounterSet {
	return &CounterSet{counters: make(map[string]*Counter), vec: vec}
}

// Counter returns the counter registered under name, creating it on first use.
// Registration happens at construction time; it is not safe to race with Snapshot.
func (s *CounterSet) Counter(name string) *Counter {
	if c, ok := s.counters[name]; ok {
		return c
	}
	c := NewCounter(s.vec, name)
	s.counters[name] = c
	s.names = append(s.names, name)
	return c
}

// Snapshot returns the current values keyed by counter name.
func (s *CounterSet) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(s.names))
	for _, n := range s.names {
		out[n] = s.counters[n].Load()
	}
	return out
}
