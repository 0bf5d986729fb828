// Package sockbuf implements the per-direction socket buffer: a queue of
// buffer-chain records with byte and overhead accounting, watermarks and
// blocking waits.
package sockbuf

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/mbuf"
)

const (
	// nodeCost is the overhead charged for every node held by a buffer.
	nodeCost = 256

	// DefaultMax is the global ceiling used when none is configured.
	DefaultMax = 256 * 1024

	addrRecordLen = 6
)

// State flags.
type State uint8

const (
	// StateCantMore marks the direction as shut: no more data will be
	// added (receive) or accepted (send).
	StateCantMore State = 1 << iota
	// StateNoIntr makes waits ignore context cancellation.
	StateNoIntr
)

// Buffer is one direction of a socket. Records are linked through NextPkt;
// nodes within a record through Next. The zero value is an empty buffer with
// no reservation.
type Buffer struct {
	mu      sync.Mutex
	mb      *mbuf.Mbuf // first record
	cc      int        // bytes in buffer
	hiwat   int
	mbcnt   int // overhead charged for held nodes
	mbmax   int
	lowat   int
	state   State
	timeout time.Duration
	wake    chan struct{}
}

// Reserve sets the high watermark to cc after checking it against the
// global ceiling limit, and derives the overhead limit.
func (sb *Buffer) Reserve(cc, limit int) error {
	if limit <= 0 {
		limit = DefaultMax
	}
	if cc <= 0 || cc > limit*mbuf.ClusterSize/(nodeCost+mbuf.ClusterSize) {
		return fmt.Errorf("sockbuf: reserve %d over ceiling %d: %w", cc, limit, core.ErrNoBufferSpace)
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.hiwat = cc
	sb.mbmax = min(cc*2, limit)
	if sb.lowat > sb.hiwat {
		sb.lowat = sb.hiwat
	}
	return nil
}

// Release drops all data and the reservation.
func (sb *Buffer) Release() {
	sb.Flush()
	sb.mu.Lock()
	sb.hiwat, sb.mbmax = 0, 0
	sb.mu.Unlock()
}

// HiWat returns the high watermark.
func (sb *Buffer) HiWat() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.hiwat
}

// LoWat returns the low watermark.
func (sb *Buffer) LoWat() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.lowat
}

// SetLoWat sets the low watermark, clamped to the high watermark.
func (sb *Buffer) SetLoWat(n int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if n > sb.hiwat {
		n = sb.hiwat
	}
	if n < 1 {
		n = 1
	}
	sb.lowat = n
}

// SetTimeout bounds every blocking wait; zero waits forever.
func (sb *Buffer) SetTimeout(d time.Duration) {
	sb.mu.Lock()
	sb.timeout = d
	sb.mu.Unlock()
}

// Len returns the number of bytes held.
func (sb *Buffer) Len() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.cc
}

// Overhead returns the node overhead currently charged.
func (sb *Buffer) Overhead() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.mbcnt
}

// Space returns how many more bytes may be added before the buffer is full
// by either byte count or overhead.
func (sb *Buffer) Space() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.space()
}

func (sb *Buffer) space() int {
	return max(0, min(sb.hiwat-sb.cc, sb.mbmax-sb.mbcnt))
}

// State returns the state flags.
func (sb *Buffer) State() State {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.state
}

// SetState sets state flags and wakes waiters.
func (sb *Buffer) SetState(s State) {
	sb.mu.Lock()
	sb.state |= s
	sb.wakeupLocked()
	sb.mu.Unlock()
}

// CantMore reports whether the direction has been shut.
func (sb *Buffer) CantMore() bool { return sb.State()&StateCantMore != 0 }

// Head returns the first record without removing it. The caller must not
// modify the chain.
func (sb *Buffer) Head() *mbuf.Mbuf {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.mb
}

func (sb *Buffer) alloc(m *mbuf.Mbuf) {
	sb.cc += m.Len()
	sb.mbcnt += nodeCost
	if m.HasCluster() {
		sb.mbcnt += mbuf.ClusterSize
	}
}

func (sb *Buffer) free(m *mbuf.Mbuf) {
	sb.cc -= m.Len()
	sb.mbcnt -= nodeCost
	if m.HasCluster() {
		sb.mbcnt -= mbuf.ClusterSize
	}
}

func (sb *Buffer) lastRecord() *mbuf.Mbuf {
	r := sb.mb
	for r != nil && r.NextPkt() != nil {
		r = r.NextPkt()
	}
	return r
}

// Append adds chain m to the last record, unless that record is closed by
// an end-of-record marker, in which case m starts a new record.
func (sb *Buffer) Append(m *mbuf.Mbuf) {
	if m == nil {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if r := sb.lastRecord(); r != nil {
		n := r
		for {
			if n.Flags()&mbuf.FlagEOR != 0 {
				sb.appendRecordLocked(m)
				return
			}
			if n.Next() == nil {
				break
			}
			n = n.Next()
		}
		sb.compress(m, n)
	} else {
		sb.compress(m, nil)
	}
	sb.wakeupLocked()
}

// AppendRecord adds chain m as a new record.
func (sb *Buffer) AppendRecord(m *mbuf.Mbuf) {
	if m == nil {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.appendRecordLocked(m)
}

func (sb *Buffer) appendRecordLocked(m *mbuf.Mbuf) {
	rest := m.Next()
	m.SetNext(nil)
	m.ClearFlags(mbuf.FlagPktHdr)
	sb.alloc(m)
	if last := sb.lastRecord(); last != nil {
		last.SetNextPkt(m)
	} else {
		sb.mb = m
	}
	eor := m.Flags() & mbuf.FlagEOR
	m.ClearFlags(mbuf.FlagEOR)
	if rest != nil {
		rest.SetFlags(eor)
	} else {
		m.SetFlags(eor)
	}
	sb.compress(rest, m)
	sb.wakeupLocked()
}

// AppendAddr adds a datagram record made of the sender address followed by
// data. It reports false, leaving m with the caller, when there is no room
// or no node for the address.
func (sb *Buffer) AppendAddr(from core.Endpoint, m *mbuf.Mbuf) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	size := addrRecordLen
	if m != nil {
		size += mbuf.ChainLen(m)
	}
	if size > sb.space() {
		return false
	}
	var a *mbuf.Arena
	if m != nil {
		a = m.Arena()
	}
	if a == nil {
		return false
	}
	name, err := a.Get(mbuf.TypeSoname)
	if err != nil {
		return false
	}
	raw := name.Extend(addrRecordLen)
	from4 := from.Addr.As4()
	copy(raw, from4[:])
	binary.BigEndian.PutUint16(raw[4:], from.Port)
	name.SetNext(m)
	sb.appendRecordLocked(name)
	return true
}

// RecordAddr decodes the sender address of a record built by AppendAddr.
func RecordAddr(r *mbuf.Mbuf) (core.Endpoint, bool) {
	if r == nil || r.Type() != mbuf.TypeSoname || r.Len() != addrRecordLen {
		return core.Endpoint{}, false
	}
	d := r.Data()
	return core.Endpoint{
		Addr: netip.AddrFrom4([4]byte(d[:4])),
		Port: binary.BigEndian.Uint16(d[4:]),
	}, true
}

// compress appends chain m after node n of the current record, folding
// small nodes into n's trailing space and discarding empty ones. An
// end-of-record marker is carried to the last node and never folded over.
func (sb *Buffer) compress(m, n *mbuf.Mbuf) {
	var eor mbuf.Flags
	for m != nil {
		eor |= m.Flags() & mbuf.FlagEOR
		if m.Len() == 0 {
			o := m.Next()
			if o == nil {
				o = n
			}
			if eor == 0 || (o != nil && o.Type() == m.Type()) {
				m = m.Free()
				continue
			}
		}
		if n != nil && !n.HasCluster() && n.Flags()&mbuf.FlagEOR == 0 &&
			n.Type() == m.Type() && n.TrailingSpace() >= m.Len() {
			n.Append(m.Data())
			sb.cc += m.Len()
			m = m.Free()
			continue
		}
		m.ClearFlags(mbuf.FlagPktHdr)
		if n != nil {
			n.SetNext(m)
		} else {
			sb.mb = m
		}
		sb.alloc(m)
		n = m
		m.ClearFlags(mbuf.FlagEOR)
		m = m.Next()
		n.SetNext(nil)
	}
	if eor != 0 && n != nil {
		n.SetFlags(eor)
	}
}

// Drop removes the first n bytes, spanning records as needed. Emptied
// nodes are freed.
func (sb *Buffer) Drop(n int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	m := sb.mb
	var next *mbuf.Mbuf
	if m != nil {
		next = m.NextPkt()
	}
	for n > 0 {
		if m == nil {
			if next == nil {
				break
			}
			m = next
			next = m.NextPkt()
			continue
		}
		if m.Len() > n {
			mbuf.TrimHead(m, n)
			sb.cc -= n
			break
		}
		n -= m.Len()
		sb.free(m)
		m = m.Free()
	}
	for m != nil && m.Len() == 0 {
		sb.free(m)
		m = m.Free()
	}
	if m != nil {
		sb.mb = m
		m.SetNextPkt(next)
	} else {
		sb.mb = next
	}
	sb.wakeupLocked()
}

// DropRecord frees the first record.
func (sb *Buffer) DropRecord() {
	if r := sb.TakeRecord(); r != nil {
		mbuf.FreeChain(r)
	}
}

// TakeRecord unlinks and returns the first record; ownership moves to the
// caller.
func (sb *Buffer) TakeRecord() *mbuf.Mbuf {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	r := sb.mb
	if r == nil {
		return nil
	}
	sb.mb = r.NextPkt()
	r.SetNextPkt(nil)
	for n := r; n != nil; n = n.Next() {
		sb.free(n)
	}
	sb.wakeupLocked()
	return r
}

// Flush frees every record.
func (sb *Buffer) Flush() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for r := sb.mb; r != nil; {
		next := r.NextPkt()
		r.SetNextPkt(nil)
		for n := r; n != nil; n = n.Next() {
			sb.free(n)
		}
		mbuf.FreeChain(r)
		r = next
	}
	sb.mb = nil
	sb.wakeupLocked()
}

// CopyOut copies len(dst) bytes starting at off within the first record.
func (sb *Buffer) CopyOut(off int, dst []byte) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.mb == nil {
		if len(dst) == 0 {
			return nil
		}
		return fmt.Errorf("sockbuf: copy from empty buffer: %w", core.ErrInvalidArgument)
	}
	return mbuf.CopyData(sb.mb, off, dst)
}

// Copy returns a new chain sharing storage with n bytes at off of the first
// record. Used to build retransmissions without disturbing the buffer.
func (sb *Buffer) Copy(off, n int) (*mbuf.Mbuf, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.mb == nil {
		return nil, fmt.Errorf("sockbuf: copy from empty buffer: %w", core.ErrInvalidArgument)
	}
	return mbuf.Copy(sb.mb, off, n)
}

// Wakeup releases every goroutine blocked in a wait.
func (sb *Buffer) Wakeup() {
	sb.mu.Lock()
	sb.wakeupLocked()
	sb.mu.Unlock()
}

func (sb *Buffer) wakeupLocked() {
	if sb.wake != nil {
		close(sb.wake)
		sb.wake = nil
	}
}

func (sb *Buffer) waiterLocked() <-chan struct{} {
	if sb.wake == nil {
		sb.wake = make(chan struct{})
	}
	return sb.wake
}

// WaitForSpace blocks until at least n bytes fit, the direction is shut, or
// any state change wakes the buffer. Callers re-check their condition in a
// loop.
func (sb *Buffer) WaitForSpace(ctx context.Context, n int) error {
	sb.mu.Lock()
	if sb.space() >= n || sb.state&StateCantMore != 0 {
		sb.mu.Unlock()
		return nil
	}
	return sb.waitUnlock(ctx)
}

// WaitForData blocks until at least n bytes are held, the direction is shut,
// or any state change wakes the buffer.
func (sb *Buffer) WaitForData(ctx context.Context, n int) error {
	sb.mu.Lock()
	if (sb.mb != nil && sb.cc >= n) || sb.state&StateCantMore != 0 {
		sb.mu.Unlock()
		return nil
	}
	return sb.waitUnlock(ctx)
}

// Waiter returns a channel closed on the next wakeup. It lets callers that
// check conditions under their own lock register before releasing it.
func (sb *Buffer) Waiter() <-chan struct{} {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.waiterLocked()
}

// Wait blocks on a channel obtained from Waiter, honouring the buffer
// timeout and ctx.
func (sb *Buffer) Wait(ctx context.Context, ch <-chan struct{}) error {
	sb.mu.Lock()
	timeout, noIntr := sb.timeout, sb.state&StateNoIntr != 0
	sb.mu.Unlock()
	return wait(ctx, ch, timeout, noIntr)
}

func (sb *Buffer) waitUnlock(ctx context.Context) error {
	ch := sb.waiterLocked()
	timeout, noIntr := sb.timeout, sb.state&StateNoIntr != 0
	sb.mu.Unlock()
	return wait(ctx, ch, timeout, noIntr)
}

func wait(ctx context.Context, ch <-chan struct{}, timeout time.Duration, noIntr bool) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	done := ctx.Done()
	if noIntr {
		done = nil
	}
	select {
	case <-ch:
		return nil
	case <-expired:
		return core.ErrWouldBlock
	case <-done:
		return ctx.Err()
	}
}

// Validate checks that the byte count matches the held chains.
func (sb *Buffer) Validate() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	total, overhead := 0, 0
	for r := sb.mb; r != nil; r = r.NextPkt() {
		for n := r; n != nil; n = n.Next() {
			total += n.Len()
			overhead += nodeCost
			if n.HasCluster() {
				overhead += mbuf.ClusterSize
			}
		}
	}
	if total != sb.cc || overhead != sb.mbcnt {
		return fmt.Errorf("sockbuf: cc %d/%d mbcnt %d/%d: %w", sb.cc, total, sb.mbcnt, overhead, core.ErrInvalidArgument)
	}
	return nil
}
