package tcp

import (
	"errors"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/header"
	"firestige.xyz/netstack/internal/ip"
	"firestige.xyz/netstack/internal/pcb"
	"firestige.xyz/netstack/internal/socket"
)

// drop aborts the connection, sending an RST if the peer knows about it,
// and reports err to the socket. A nil err leaves the socket error alone.
func (c *Conn) drop(err error) {
	p := c.proto
	if haveRcvdSyn(c.state) {
		c.state = Closed
		c.output()
		p.stats.Drops.Inc()
	} else {
		p.stats.ConnDrops.Inc()
	}
	if err != nil {
		c.so.SetError(err)
	}
	c.close()
}

// close releases the connection: queued segments, timers, the PCB and
// the listener queue slot. The Conn stays reachable from its socket but
// nothing will find it through the registry.
func (c *Conn) close() {
	if c.closed {
		return
	}
	p := c.proto
	p.trace.user(c, c.state, "close")
	c.reass.flush()
	c.cancelTimers()
	c.state = Closed
	c.closed = true
	c.so.IsDisconnected()
	c.so.Dequeue()
	c.so.Snd.Flush()
	if c.so.State()&socket.StateNoFD != 0 {
		c.so.Rcv.Flush()
	}
	p.pcbs.Detach(c.pcb)
	p.stats.Closed.Inc()
}

// quench shrinks the congestion window to one segment.
func (c *Conn) quench() {
	c.sndCwnd = uint32(c.maxSeg)
}

// notify records a reported error. Transient routing errors are ignored on
// an established connection; otherwise the error is kept soft until the
// connection has been retrying for a while.
func (c *Conn) notify(err error) {
	if c.state == Established && (errors.Is(err, core.ErrHostUnreachable) ||
		errors.Is(err, core.ErrNetworkUnreachable) || errors.Is(err, core.ErrHostDown)) {
		return
	}
	if c.state < Established && c.rxtShift > 3 && c.softErr != nil {
		c.so.SetError(err)
	} else {
		c.softErr = err
	}
}

// ControlInput applies an ICMP-reported condition to the connections the
// quoted segment belongs to.
func (p *Protocol) ControlInput(cmd ip.Control, dst netip.Addr, quoted []byte) {
	var lport, fport uint16
	if len(quoted) >= header.IPv4MinHeaderLen {
		oip := header.IPv4(quoted)
		if hl := oip.HeaderLen(); len(quoted) >= hl+4 {
			th := header.TCP(quoted[hl:])
			lport, fport = th.SrcPort(), th.DstPort()
		}
	}
	local := core.Endpoint{Port: lport}
	locked := func(fn func(c *Conn)) func(*pcb.PCB, error) {
		return func(pc *pcb.PCB, _ error) {
			c := conn(pc)
			if c == nil {
				return
			}
			c.mu.Lock()
			if !c.closed {
				fn(c)
			}
			c.mu.Unlock()
		}
	}
	switch {
	case cmd == ip.ControlQuench:
		p.pcbs.Notify(dst, fport, local, nil, locked((*Conn).quench))
	case cmd.IsRedirect() || cmd == ip.ControlIfDown || cmd == ip.ControlRouteDead:
		p.pcbs.Notify(dst, 0, core.Endpoint{}, nil, locked(func(c *Conn) {
			c.pcb.Route.Release()
		}))
	default:
		err := cmd.Err()
		if err == nil {
			return
		}
		p.pcbs.Notify(dst, fport, local, err, locked(func(c *Conn) {
			c.notify(err)
		}))
	}
}

// usrClosed moves the connection forward after the user closed the send
// side.
func (c *Conn) usrClosed() {
	switch c.state {
	case Closed, Listen, SynSent:
		c.close()
		return
	case SynReceived, Established:
		c.state = FinWait1
	case CloseWait:
		c.state = LastAck
	}
	if c.state >= FinWait2 {
		c.so.IsDisconnected()
	}
}

// disconnect starts an orderly release, or an abortive one when the
// socket lingers with a zero timeout.
func (c *Conn) disconnect() {
	if c.state < Established {
		c.close()
		return
	}
	if on, d := c.so.Linger(); on && d == 0 {
		c.drop(nil)
		return
	}
	c.so.IsDisconnecting()
	c.so.Rcv.Flush()
	c.usrClosed()
	if !c.closed {
		c.output()
	}
}
