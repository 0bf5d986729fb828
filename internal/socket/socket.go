// Package socket is the socket layer between applications and the
// transport protocols: connection state, listen queues, blocking sends and
// receives over the socket buffers.
package socket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/pcb"
	"firestige.xyz/netstack/internal/sockbuf"
)

// Type is the socket type.
type Type uint8

const (
	TypeStream Type = iota + 1
	TypeDatagram
)

func (t Type) String() string {
	switch t {
	case TypeStream:
		return "stream"
	case TypeDatagram:
		return "dgram"
	}
	return "unknown"
}

// State is the connection state seen by the socket layer.
type State uint16

const (
	StateConnected State = 1 << iota
	StateConnecting
	StateDisconnecting
	StateCantSendMore
	StateCantRcvMore
	StateNoFD // closed by the user, protocol may still hold it
)

// Options are socket-level options.
type Options uint16

const (
	OptAcceptConn Options = 1 << iota
	OptReuseAddr
	OptReusePort
	OptKeepAlive
	OptBroadcast
	OptLinger
	OptDontRoute
	OptNoDelay
)

// MaxBacklog caps listen queue limits.
const MaxBacklog = 128

// Protocol is the user-request interface a transport implements.
type Protocol interface {
	// Attach creates protocol state for so and reserves its buffers.
	Attach(so *Socket) error
	// Detach releases the user's hold on so; the protocol may keep it
	// until the connection is gone.
	Detach(so *Socket)
	Bind(so *Socket, local core.Endpoint) error
	Listen(so *Socket) error
	// Connect starts a connection; stream protocols complete it
	// asynchronously.
	Connect(so *Socket, remote core.Endpoint) error
	Disconnect(so *Socket) error
	// Shutdown closes the sending direction.
	Shutdown(so *Socket) error
	// Send takes ownership of m. to is nil for connected sends.
	Send(so *Socket, m *mbuf.Mbuf, to *core.Endpoint) error
	// Received reports that the user drained the receive buffer.
	Received(so *Socket)
	// Abort drops the connection immediately.
	Abort(so *Socket)
}

const (
	queueNone = iota
	queueIncomplete
	queueComplete
)

// Socket is one endpoint.
type Socket struct {
	typ   Type
	proto Protocol
	arena *mbuf.Arena
	sbMax int

	mu     sync.Mutex
	state  State
	opts   Options
	linger time.Duration
	err    error
	wake   chan struct{}

	Snd sockbuf.Buffer
	Rcv sockbuf.Buffer

	// PCB is set by the protocol on attach.
	PCB *pcb.PCB

	// listen queues, guarded by the listener's mu
	head   *Socket
	queued int
	q0     []*Socket
	q      []*Socket
	qlimit int
}

// New creates a socket of type typ attached to proto. sbMax bounds the
// buffer reservations.
func New(typ Type, proto Protocol, arena *mbuf.Arena, sbMax int) (*Socket, error) {
	so := &Socket{typ: typ, proto: proto, arena: arena, sbMax: sbMax}
	if err := proto.Attach(so); err != nil {
		return nil, err
	}
	return so, nil
}

// Type returns the socket type.
func (so *Socket) Type() Type { return so.typ }

// Arena returns the buffer arena data is copied into.
func (so *Socket) Arena() *mbuf.Arena { return so.arena }

// Protocol returns the attached protocol.
func (so *Socket) Protocol() Protocol { return so.proto }

// Reserve sets both buffer high watermarks.
func (so *Socket) Reserve(snd, rcv int) error {
	if err := so.Snd.Reserve(snd, so.sbMax); err != nil {
		return err
	}
	if err := so.Rcv.Reserve(rcv, so.sbMax); err != nil {
		so.Snd.Release()
		return err
	}
	so.Rcv.SetLoWat(1)
	so.Snd.SetLoWat(min(mbuf.ClusterSize, so.Snd.HiWat()))
	return nil
}

// State returns the connection state flags.
func (so *Socket) State() State {
	so.mu.Lock()
	defer so.mu.Unlock()
	return so.state
}

// Options returns the socket options.
func (so *Socket) Options() Options {
	so.mu.Lock()
	defer so.mu.Unlock()
	return so.opts
}

// SetOption turns o on or off.
func (so *Socket) SetOption(o Options, on bool) {
	so.mu.Lock()
	if on {
		so.opts |= o
	} else {
		so.opts &^= o
	}
	opts := so.opts
	so.mu.Unlock()
	if so.PCB != nil && o&(OptReuseAddr|OptReusePort) != 0 {
		var po pcb.Options
		if opts&OptReuseAddr != 0 {
			po |= pcb.ReuseAddr
		}
		if opts&OptReusePort != 0 {
			po |= pcb.ReusePort
		}
		so.PCB.Registry().SetOptions(so.PCB, pcb.ReuseAddr|pcb.ReusePort, po)
	}
}

// SetLinger enables lingering on close for d; zero d makes close abort
// the connection.
func (so *Socket) SetLinger(on bool, d time.Duration) {
	so.mu.Lock()
	so.linger = d
	so.mu.Unlock()
	so.SetOption(OptLinger, on)
}

// Linger returns the linger setting.
func (so *Socket) Linger() (bool, time.Duration) {
	so.mu.Lock()
	defer so.mu.Unlock()
	return so.opts&OptLinger != 0, so.linger
}

// LocalAddr returns the bound endpoint.
func (so *Socket) LocalAddr() core.Endpoint {
	if so.PCB == nil {
		return core.Endpoint{}
	}
	return so.PCB.Local
}

// RemoteAddr returns the connected endpoint.
func (so *Socket) RemoteAddr() core.Endpoint {
	if so.PCB == nil {
		return core.Endpoint{}
	}
	return so.PCB.Remote
}

// SetError stores an asynchronous error, read by the next operation.
func (so *Socket) SetError(err error) {
	so.mu.Lock()
	so.err = err
	so.wakeupLocked()
	so.mu.Unlock()
	so.Rcv.Wakeup()
	so.Snd.Wakeup()
}

// Error returns and clears the pending error.
func (so *Socket) Error() error {
	so.mu.Lock()
	defer so.mu.Unlock()
	err := so.err
	so.err = nil
	return err
}

func (so *Socket) wakeupLocked() {
	if so.wake != nil {
		close(so.wake)
		so.wake = nil
	}
}

func (so *Socket) waiterLocked() <-chan struct{} {
	if so.wake == nil {
		so.wake = make(chan struct{})
	}
	return so.wake
}

func (so *Socket) wakeAll() {
	so.mu.Lock()
	so.wakeupLocked()
	so.mu.Unlock()
	so.Rcv.Wakeup()
	so.Snd.Wakeup()
}

// ClearState clears state flags, as when a datagram socket forgets its
// peer.
func (so *Socket) ClearState(s State) {
	so.mu.Lock()
	so.state &^= s
	so.mu.Unlock()
}

// IsConnecting marks a connection attempt in progress.
func (so *Socket) IsConnecting() {
	so.mu.Lock()
	so.state &^= StateConnected | StateDisconnecting
	so.state |= StateConnecting
	so.mu.Unlock()
}

// IsConnected marks the connection established. A socket spawned by a
// listener moves to the listener's complete queue.
func (so *Socket) IsConnected() {
	so.mu.Lock()
	so.state &^= StateConnecting | StateDisconnecting
	so.state |= StateConnected
	so.mu.Unlock()
	if head := so.head; head != nil {
		head.mu.Lock()
		if so.queued == queueIncomplete {
			head.q0 = remove(head.q0, so)
			head.q = append(head.q, so)
			so.queued = queueComplete
			head.wakeupLocked()
		}
		head.mu.Unlock()
		head.Rcv.Wakeup()
	}
	so.wakeAll()
}

// IsDisconnecting marks both directions shut while the protocol finishes
// closing.
func (so *Socket) IsDisconnecting() {
	so.mu.Lock()
	so.state &^= StateConnecting
	so.state |= StateDisconnecting | StateCantRcvMore | StateCantSendMore
	so.mu.Unlock()
	so.Snd.SetState(sockbuf.StateCantMore)
	so.Rcv.SetState(sockbuf.StateCantMore)
	so.wakeAll()
}

// IsDisconnected marks the connection gone.
func (so *Socket) IsDisconnected() {
	so.mu.Lock()
	so.state &^= StateConnecting | StateConnected | StateDisconnecting
	so.state |= StateCantRcvMore | StateCantSendMore
	so.mu.Unlock()
	so.Snd.SetState(sockbuf.StateCantMore)
	so.Rcv.SetState(sockbuf.StateCantMore)
	so.wakeAll()
}

// CantSendMore shuts the sending direction.
func (so *Socket) CantSendMore() {
	so.mu.Lock()
	so.state |= StateCantSendMore
	so.mu.Unlock()
	so.Snd.SetState(sockbuf.StateCantMore)
	so.wakeAll()
}

// CantRcvMore shuts the receiving direction, as on a received FIN.
func (so *Socket) CantRcvMore() {
	so.mu.Lock()
	so.state |= StateCantRcvMore
	so.mu.Unlock()
	so.Rcv.SetState(sockbuf.StateCantMore)
	so.wakeAll()
}

// NewConn creates a socket for a connection arriving on listener head and
// places it on the incomplete queue. It returns nil when the queues are
// full or the protocol refuses the attach.
func (head *Socket) NewConn() *Socket {
	head.mu.Lock()
	if head.opts&OptAcceptConn == 0 || len(head.q0)+len(head.q) > 3*head.qlimit/2 {
		head.mu.Unlock()
		return nil
	}
	so := &Socket{
		typ:    head.typ,
		proto:  head.proto,
		arena:  head.arena,
		sbMax:  head.sbMax,
		opts:   head.opts &^ OptAcceptConn,
		linger: head.linger,
		head:   head,
		queued: queueIncomplete,
	}
	head.q0 = append(head.q0, so)
	head.mu.Unlock()
	if err := head.proto.Attach(so); err != nil {
		head.mu.Lock()
		head.q0 = remove(head.q0, so)
		head.mu.Unlock()
		return nil
	}
	return so
}

// Dequeue removes so from its listener's queues, as when the protocol
// drops an embryonic connection.
func (so *Socket) Dequeue() {
	head := so.head
	if head == nil {
		return
	}
	head.mu.Lock()
	switch so.queued {
	case queueIncomplete:
		head.q0 = remove(head.q0, so)
	case queueComplete:
		head.q = remove(head.q, so)
	}
	so.queued = queueNone
	head.mu.Unlock()
}

// Queued reports whether so still waits on a listener queue.
func (so *Socket) Queued() bool {
	if so.head == nil {
		return false
	}
	so.head.mu.Lock()
	defer so.head.mu.Unlock()
	return so.queued != queueNone
}

// QueueLen returns the incomplete and complete queue lengths.
func (so *Socket) QueueLen() (incomplete, complete int) {
	so.mu.Lock()
	defer so.mu.Unlock()
	return len(so.q0), len(so.q)
}

func remove(q []*Socket, so *Socket) []*Socket {
	for i, s := range q {
		if s == so {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}

// Bind assigns the local endpoint.
func (so *Socket) Bind(local core.Endpoint) error {
	return so.proto.Bind(so, local)
}

// Listen starts accepting connections with the given backlog.
func (so *Socket) Listen(backlog int) error {
	if so.typ != TypeStream {
		return fmt.Errorf("socket: listen on %s socket: %w", so.typ, core.ErrOperationNotSupported)
	}
	if err := so.proto.Listen(so); err != nil {
		return err
	}
	backlog = max(0, min(backlog, MaxBacklog))
	so.mu.Lock()
	so.opts |= OptAcceptConn
	so.qlimit = backlog
	so.mu.Unlock()
	return nil
}

// Accept waits for a completed connection.
func (so *Socket) Accept(ctx context.Context) (*Socket, error) {
	for {
		so.mu.Lock()
		if so.opts&OptAcceptConn == 0 {
			so.mu.Unlock()
			return nil, fmt.Errorf("socket: accept on non-listening socket: %w", core.ErrInvalidArgument)
		}
		if len(so.q) > 0 {
			child := so.q[0]
			so.q = so.q[1:]
			child.queued = queueNone
			so.mu.Unlock()
			return child, nil
		}
		if err := so.err; err != nil {
			so.err = nil
			so.mu.Unlock()
			return nil, err
		}
		if so.state&StateCantRcvMore != 0 {
			so.mu.Unlock()
			return nil, fmt.Errorf("socket: accept: %w", core.ErrConnectionAborted)
		}
		ch := so.waiterLocked()
		so.mu.Unlock()
		if err := so.Rcv.Wait(ctx, ch); err != nil {
			return nil, err
		}
	}
}

// Connect connects to remote. Stream sockets wait for the handshake to
// finish; datagram sockets only record the peer.
func (so *Socket) Connect(ctx context.Context, remote core.Endpoint) error {
	st, opts := so.State(), so.Options()
	if opts&OptAcceptConn != 0 {
		return fmt.Errorf("socket: connect on listening socket: %w", core.ErrOperationNotSupported)
	}
	if st&(StateConnected|StateConnecting) != 0 {
		if so.typ == TypeStream {
			return fmt.Errorf("socket: connect %s: %w", remote, core.ErrAlreadyConnected)
		}
		if err := so.proto.Disconnect(so); err != nil {
			return err
		}
	}
	if err := so.proto.Connect(so, remote); err != nil {
		return err
	}
	if so.typ != TypeStream {
		return nil
	}
	for {
		so.mu.Lock()
		if err := so.err; err != nil {
			so.err = nil
			so.mu.Unlock()
			return err
		}
		if so.state&StateConnected != 0 {
			so.mu.Unlock()
			return nil
		}
		if so.state&StateConnecting == 0 {
			so.mu.Unlock()
			return fmt.Errorf("socket: connect %s: %w", remote, core.ErrConnectionRefused)
		}
		ch := so.waiterLocked()
		so.mu.Unlock()
		if err := so.Snd.Wait(ctx, ch); err != nil {
			return err
		}
	}
}

// Shutdown closes the read side, the write side, or both.
func (so *Socket) Shutdown(read, write bool) error {
	if read {
		so.CantRcvMore()
		so.Rcv.Flush()
	}
	if write {
		return so.proto.Shutdown(so)
	}
	return nil
}

// Close releases the socket. Pending connections of a listener are
// aborted. With linger on and a positive timeout, Close waits for the
// disconnect to finish or the timeout to pass.
func (so *Socket) Close(ctx context.Context) error {
	so.mu.Lock()
	pending := append(append([]*Socket(nil), so.q0...), so.q...)
	so.q0, so.q = nil, nil
	for _, c := range pending {
		c.queued = queueNone
	}
	st, opts, linger := so.state, so.opts, so.linger
	so.state |= StateNoFD
	so.mu.Unlock()
	for _, c := range pending {
		so.proto.Abort(c)
	}

	var err error
	if opts&OptLinger != 0 && linger > 0 && st&StateConnected != 0 {
		if err = so.proto.Disconnect(so); err == nil {
			err = so.waitDisconnected(ctx, linger)
		}
	}
	so.proto.Detach(so)
	return err
}

func (so *Socket) waitDisconnected(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	for {
		so.mu.Lock()
		if so.state&StateConnected == 0 {
			so.mu.Unlock()
			return nil
		}
		ch := so.waiterLocked()
		so.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil
		}
	}
}
