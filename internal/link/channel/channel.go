// Package channel provides in-memory link endpoints. Outbound packets are
// copied into a channel; inbound packets are injected by the owner. Two
// endpoints joined with Connect behave like a wire, and a loopback endpoint
// turns its own output into input.
package channel

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/netif"
)

// Endpoint stores outbound packets in C and allows injection of inbound
// ones.
type Endpoint struct {
	C chan []byte

	mu     sync.RWMutex
	rx     netif.RxFunc
	closed bool
	done   chan struct{}

	drops atomic.Uint64
}

// New creates an endpoint whose outbound queue holds size packets.
func New(size int) *Endpoint {
	return &Endpoint{C: make(chan []byte, size), done: make(chan struct{})}
}

// NewLoopback creates an endpoint that delivers every outbound packet back
// to its own receive function from a separate goroutine.
func NewLoopback(size int) *Endpoint {
	e := New(size)
	go func() {
		for frame := range e.C {
			e.Inject(frame)
		}
	}()
	return e
}

// Output copies each packet of m into the outbound queue. A full queue
// drops the packet and the ones after it.
func (e *Endpoint) Output(ifp *netif.Interface, m *mbuf.Mbuf, _ netip.Addr) error {
	var frames [][]byte
	for p := m; p != nil; p = p.NextPkt() {
		frames = append(frames, mbuf.Bytes(p))
	}
	mbuf.FreePackets(m)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("channel: %s: %w", ifp.Name, core.ErrNetworkUnreachable)
	}
	for i, frame := range frames {
		select {
		case e.C <- frame:
		default:
			e.drops.Add(uint64(len(frames) - i))
			return fmt.Errorf("channel: %s queue full: %w", ifp.Name, core.ErrNoBuffers)
		}
	}
	return nil
}

// Attach installs the receive function.
func (e *Endpoint) Attach(rx netif.RxFunc) {
	e.mu.Lock()
	e.rx = rx
	e.mu.Unlock()
}

// Inject delivers an inbound frame. It reports false when nothing is
// attached or the endpoint is closed.
func (e *Endpoint) Inject(frame []byte) bool {
	e.mu.RLock()
	rx, closed := e.rx, e.closed
	e.mu.RUnlock()
	if rx == nil || closed {
		return false
	}
	rx(frame)
	return true
}

// Drops returns the number of packets lost to a full queue.
func (e *Endpoint) Drops() uint64 { return e.drops.Load() }

// Done is closed when the endpoint closes.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Close stops the endpoint. Queued packets are discarded.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.C)
	close(e.done)
	return nil
}

// Connect forwards the output of each endpoint into the other until ctx is
// done or either endpoint closes.
func Connect(ctx context.Context, a, b *Endpoint) {
	go pump(ctx, a, b)
	go pump(ctx, b, a)
}

func pump(ctx context.Context, from, to *Endpoint) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-to.done:
			return
		case frame, ok := <-from.C:
			if !ok {
				return
			}
			to.Inject(frame)
		}
	}
}
