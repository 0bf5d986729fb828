package stack

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/metrics"
	"firestige.xyz/netstack/internal/netif"
)

// InputFunc consumes one inbound frame on a worker goroutine.
type InputFunc func(ifp *netif.Interface, frame []byte)

type frame struct {
	ifp  *netif.Interface
	data []byte
}

type worker struct {
	id    int
	queue chan frame
}

// IngressStats describe the ingress workers.
type IngressStats struct {
	Published uint64 `json:"published" yaml:"published"`
	Processed uint64 `json:"processed" yaml:"processed"`
	Dropped   uint64 `json:"dropped" yaml:"dropped"`
	Workers   int    `json:"workers" yaml:"workers"`
	Queued    []int  `json:"queued" yaml:"queued"`
}

// Ingress shards inbound frames onto worker queues. Frames of one flow
// always land on the same worker, so a flow is processed in arrival order.
type Ingress struct {
	workers []*worker
	nodes   []string
	ring    *hashring.HashRing
	input   InputFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	published atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
}

// NewIngress starts n workers with queues of queueLen frames each.
func NewIngress(n, queueLen int, input InputFunc) *Ingress {
	n = max(n, 1)
	g := &Ingress{
		workers: make([]*worker, n),
		nodes:   make([]string, n),
		input:   input,
	}
	for i := range n {
		g.nodes[i] = "worker-" + strconv.Itoa(i)
	}
	g.ring = hashring.New(g.nodes)

	for i := range n {
		w := &worker{id: i, queue: make(chan frame, queueLen)}
		g.workers[i] = w
		g.wg.Add(1)
		go g.run(w)
	}
	return g
}

// Publish queues data received on ifp. A full queue drops the frame.
func (g *Ingress) Publish(ifp *netif.Interface, data []byte) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return false
	}
	w := g.workers[g.workerFor(flowKey(data))]
	select {
	case w.queue <- frame{ifp: ifp, data: data}:
		g.published.Add(1)
		return true
	default:
		g.dropped.Add(1)
		ifp.Stats.InDrops.Add(1)
		metrics.IngressQueueDrops.WithLabelValues(ifp.Name).Inc()
		return false
	}
}

// Close stops accepting frames and waits for the workers to drain.
func (g *Ingress) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	for _, w := range g.workers {
		close(w.queue)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// Stats returns the worker counters.
func (g *Ingress) Stats() IngressStats {
	st := IngressStats{
		Published: g.published.Load(),
		Processed: g.processed.Load(),
		Dropped:   g.dropped.Load(),
		Workers:   len(g.workers),
		Queued:    make([]int, len(g.workers)),
	}
	for i, w := range g.workers {
		st.Queued[i] = len(w.queue)
	}
	return st
}

func (g *Ingress) workerFor(key string) int {
	node, ok := g.ring.GetNode(key)
	if !ok {
		return 0
	}
	for i, n := range g.nodes {
		if n == node {
			return i
		}
	}
	return 0
}

func (g *Ingress) run(w *worker) {
	defer g.wg.Done()
	slog.Debug("ingress worker started", "worker", w.id)
	for f := range w.queue {
		g.input(f.ifp, f.data)
		g.processed.Add(1)
	}
	slog.Debug("ingress worker stopped", "worker", w.id)
}

// flowKey is the raw address pair and protocol of an IPv4 packet, plus the
// port pair for unfragmented TCP and UDP. Anything shorter than a header
// shares one key.
func flowKey(data []byte) string {
	if len(data) < 20 || data[0]>>4 != 4 {
		return ""
	}
	proto := data[9]
	fragmented := data[6]&0x3f != 0 || data[7] != 0
	hlen := int(data[0]&0x0f) * 4
	if !fragmented && (proto == core.ProtocolTCP || proto == core.ProtocolUDP) && len(data) >= hlen+4 {
		return string(data[9:10]) + string(data[12:20]) + string(data[hlen:hlen+4])
	}
	return string(data[9:10]) + string(data[12:20])
}
