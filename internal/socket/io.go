package socket

import (
	"context"
	"fmt"
	"io"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/sockbuf"
)

// Send writes p to a connected socket. Stream sockets block for buffer
// space and may return a short count together with an error; datagram
// sockets send p as one datagram.
func (so *Socket) Send(ctx context.Context, p []byte) (int, error) {
	if so.typ == TypeDatagram {
		return so.sendDatagram(p, nil)
	}
	sent := 0
	for sent < len(p) {
		ch := so.Snd.Waiter()
		so.mu.Lock()
		st, err := so.state, so.err
		so.err = nil
		so.mu.Unlock()
		switch {
		case st&StateCantSendMore != 0:
			return sent, fmt.Errorf("socket: send: %w", core.ErrBrokenPipe)
		case err != nil:
			return sent, err
		case st&StateConnected == 0:
			return sent, fmt.Errorf("socket: send: %w", core.ErrNotConnected)
		}
		resid := len(p) - sent
		space := so.Snd.Space()
		if space <= 0 || (space < resid && space < so.Snd.LoWat()) {
			if err := so.Snd.Wait(ctx, ch); err != nil {
				return sent, err
			}
			continue
		}
		chunk := min(space, resid)
		m, err := mbuf.FromBytes(so.arena, p[sent:sent+chunk], 0)
		if err != nil {
			return sent, err
		}
		if err := so.proto.Send(so, m, nil); err != nil {
			return sent, err
		}
		sent += chunk
	}
	return sent, nil
}

// SendTo sends p as one datagram to to.
func (so *Socket) SendTo(_ context.Context, p []byte, to core.Endpoint) (int, error) {
	if so.typ != TypeDatagram {
		return 0, fmt.Errorf("socket: sendto on %s socket: %w", so.typ, core.ErrOperationNotSupported)
	}
	return so.sendDatagram(p, &to)
}

func (so *Socket) sendDatagram(p []byte, to *core.Endpoint) (int, error) {
	so.mu.Lock()
	st, err := so.state, so.err
	so.err = nil
	so.mu.Unlock()
	switch {
	case st&StateCantSendMore != 0:
		return 0, fmt.Errorf("socket: send: %w", core.ErrBrokenPipe)
	case err != nil:
		return 0, err
	case to == nil && st&StateConnected == 0:
		return 0, fmt.Errorf("socket: send: %w", core.ErrNotConnected)
	case to != nil && st&StateConnected != 0:
		return 0, fmt.Errorf("socket: sendto on connected socket: %w", core.ErrAlreadyConnected)
	case len(p) > so.Snd.HiWat():
		return 0, fmt.Errorf("socket: %d byte datagram: %w", len(p), core.ErrMessageTooLarge)
	}
	m, err := mbuf.FromBytes(so.arena, p, 0)
	if err != nil {
		return 0, err
	}
	if err := so.proto.Send(so, m, to); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Receive reads from the socket. Stream sockets return whatever is
// buffered, blocking while empty, and io.EOF once the peer has closed.
// Datagram sockets return one datagram, truncated to len(p).
func (so *Socket) Receive(ctx context.Context, p []byte) (int, error) {
	n, _, err := so.ReceiveFrom(ctx, p)
	return n, err
}

// ReceiveFrom is Receive that also reports the sender of a datagram.
func (so *Socket) ReceiveFrom(ctx context.Context, p []byte) (int, core.Endpoint, error) {
	for {
		ch := so.Rcv.Waiter()
		if so.typ == TypeDatagram {
			if r := so.Rcv.TakeRecord(); r != nil {
				n, from := readRecord(r, p)
				return n, from, nil
			}
		} else if avail := so.Rcv.Len(); avail > 0 {
			n := min(len(p), avail)
			if err := so.Rcv.CopyOut(0, p[:n]); err != nil {
				return 0, core.Endpoint{}, err
			}
			so.Rcv.Drop(n)
			so.proto.Received(so)
			return n, so.RemoteAddr(), nil
		}

		so.mu.Lock()
		st, err := so.state, so.err
		so.err = nil
		so.mu.Unlock()
		switch {
		case err != nil:
			return 0, core.Endpoint{}, err
		case st&StateCantRcvMore != 0:
			return 0, core.Endpoint{}, io.EOF
		case so.typ == TypeStream && st&(StateConnected|StateConnecting) == 0:
			return 0, core.Endpoint{}, fmt.Errorf("socket: receive: %w", core.ErrNotConnected)
		case len(p) == 0:
			return 0, core.Endpoint{}, nil
		}
		if err := so.Rcv.Wait(ctx, ch); err != nil {
			return 0, core.Endpoint{}, err
		}
	}
}

// readRecord copies a datagram record into p and frees it.
func readRecord(r *mbuf.Mbuf, p []byte) (int, core.Endpoint) {
	defer mbuf.FreeChain(r)
	from, ok := sockbuf.RecordAddr(r)
	data := r
	if ok {
		data = r.Next()
	}
	n := min(len(p), mbuf.ChainLen(data))
	if n > 0 {
		_ = mbuf.CopyData(data, 0, p[:n])
	}
	return n, from
}
