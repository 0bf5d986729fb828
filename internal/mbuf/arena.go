// Package mbuf implements the packet buffer arena: fixed-size pooled buffer
// nodes with optional pooled cluster storage, linked into chains (one packet)
// and packet queues.
package mbuf

import (
	"fmt"
	"sync"
	"sync/atomic"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/metrics"
)

const (
	// InlineSize is the data capacity of a node without a cluster.
	InlineSize = 224

	// ClusterSize is the capacity of an external cluster.
	ClusterSize = 2048

	// MinClusterSize is the payload size from which callers should attach a
	// cluster rather than chain several inline nodes.
	MinClusterSize = InlineSize

	// LinkHeaderSpace is the leading space protocols leave in a fresh header
	// node so the link collaborator can prepend its framing without a new node.
	LinkHeaderSpace = 16
)

// Config sizes the two pools.
type Config struct {
	Mbufs    int // node pool capacity
	Clusters int // cluster pool capacity
}

// DefaultConfig is used when a zero Config is passed to NewArena.
var DefaultConfig = Config{Mbufs: 4096, Clusters: 1024}

// pool is a bounded free list guarded by its own lock. Items are created
// lazily up to limit; get never blocks.
type pool[T any] struct {
	mu    sync.Mutex
	free  []*T
	limit int
	made  int
	inUse atomic.Int64
}

func (p *pool[T]) get() *T {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		x := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.inUse.Add(1)
		return x
	}
	if p.made >= p.limit {
		return nil
	}
	p.made++
	p.inUse.Add(1)
	return new(T)
}

func (p *pool[T]) put(x *T) {
	p.mu.Lock()
	p.free = append(p.free, x)
	p.mu.Unlock()
	p.inUse.Add(-1)
}

// Stats are the arena counters.
type Stats struct {
	set *metrics.CounterSet

	Mbufs    *metrics.Counter // node allocations
	Clusters *metrics.Counter // cluster allocations
	Drops    *metrics.Counter // allocations refused because a pool was empty
	Frees    *metrics.Counter // nodes returned
	Copies   *metrics.Counter // bytes copied by Copy/Pullup
}

func newStats() *Stats {
	s := &Stats{set: metrics.NewCounterSet(metrics.MbufStats)}
	s.Mbufs = s.set.Counter("mbufs")
	s.Clusters = s.set.Counter("clusters")
	s.Drops = s.set.Counter("drops")
	s.Frees = s.set.Counter("frees")
	s.Copies = s.set.Counter("copies")
	return s
}

// Snapshot returns the counters keyed by name.
func (s *Stats) Snapshot() map[string]uint64 { return s.set.Snapshot() }

// Arena owns the node pool and the cluster pool.
type Arena struct {
	nodes    pool[Mbuf]
	clusters pool[cluster]
	stats    *Stats
}

// NewArena creates an arena with the given pool capacities.
func NewArena(cfg Config) *Arena {
	if cfg.Mbufs <= 0 {
		cfg.Mbufs = DefaultConfig.Mbufs
	}
	if cfg.Clusters <= 0 {
		cfg.Clusters = DefaultConfig.Clusters
	}
	a := &Arena{stats: newStats()}
	a.nodes.limit = cfg.Mbufs
	a.clusters.limit = cfg.Clusters
	return a
}

// Stats returns the arena counters.
func (a *Arena) Stats() *Stats { return a.stats }

// InUse reports allocated nodes and clusters.
func (a *Arena) InUse() (nodes, clusters int) {
	return int(a.nodes.inUse.Load()), int(a.clusters.inUse.Load())
}

// PublishInUse exports the in-use counts to the buffer gauges.
func (a *Arena) PublishInUse() {
	n, c := a.InUse()
	metrics.MbufInUse.WithLabelValues("mbuf").Set(float64(n))
	metrics.MbufInUse.WithLabelValues("cluster").Set(float64(c))
}

// Get returns a zeroed node of type t. It fails with core.ErrNoBuffers when
// the node pool is exhausted; it never blocks.
func (a *Arena) Get(t Type) (*Mbuf, error) {
	m := a.nodes.get()
	if m == nil {
		a.stats.Drops.Inc()
		return nil, fmt.Errorf("mbuf: node pool exhausted: %w", core.ErrNoBuffers)
	}
	*m = Mbuf{arena: a, typ: t}
	a.stats.Mbufs.Inc()
	return m, nil
}

// GetHeader returns a zeroed node carrying packet metadata.
func (a *Arena) GetHeader(t Type) (*Mbuf, error) {
	m, err := a.Get(t)
	if err != nil {
		return nil, err
	}
	m.flags |= FlagPktHdr
	return m, nil
}

// GetCluster returns a node with a cluster already attached.
func (a *Arena) GetCluster(t Type, pkthdr bool) (*Mbuf, error) {
	var m *Mbuf
	var err error
	if pkthdr {
		m, err = a.GetHeader(t)
	} else {
		m, err = a.Get(t)
	}
	if err != nil {
		return nil, err
	}
	if err := m.AddCluster(); err != nil {
		m.Free()
		return nil, err
	}
	return m, nil
}

func (a *Arena) getCluster() (*cluster, error) {
	c := a.clusters.get()
	if c == nil {
		a.stats.Drops.Inc()
		return nil, fmt.Errorf("mbuf: cluster pool exhausted: %w", core.ErrNoBuffers)
	}
	c.refs.Store(1)
	a.stats.Clusters.Inc()
	return c, nil
}

func (a *Arena) putCluster(c *cluster) {
	if c.refs.Add(-1) == 0 {
		a.clusters.put(c)
	}
}

func (a *Arena) putNode(m *Mbuf) {
	*m = Mbuf{typ: TypeFree}
	a.nodes.put(m)
	a.stats.Frees.Inc()
}
