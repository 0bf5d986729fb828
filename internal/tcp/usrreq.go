package tcp

import (
	"fmt"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/pcb"
	"firestige.xyz/netstack/internal/socket"
)

// Attach creates the PCB and control block for so.
func (p *Protocol) Attach(so *socket.Socket) error {
	if so.PCB != nil {
		return fmt.Errorf("tcp: attach: %w", core.ErrInvalidArgument)
	}
	if so.Snd.HiWat() == 0 || so.Rcv.HiWat() == 0 {
		if err := so.Reserve(p.cfg.SendSpace, p.cfg.RecvSpace); err != nil {
			return err
		}
	}
	pc := p.pcbs.Alloc(so)
	so.PCB = pc
	p.newConn(so, pc)
	return nil
}

// lock returns the locked control block of so, or an error when the
// connection is already gone.
func (p *Protocol) lock(so *socket.Socket, op string) (*Conn, error) {
	c := conn(so.PCB)
	if c == nil {
		return nil, fmt.Errorf("tcp: %s: %w", op, core.ErrInvalidArgument)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("tcp: %s: %w", op, core.ErrNotConnected)
	}
	return c, nil
}

// Detach hands the connection over to the protocol: a synchronized
// connection closes in the background, anything else goes at once.
func (p *Protocol) Detach(so *socket.Socket) {
	c := conn(so.PCB)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		ostate := c.state
		if c.state > Listen {
			c.disconnect()
		} else {
			c.close()
		}
		p.trace.user(c, ostate, "detach")
	}
	if c.closed {
		so.Snd.Flush()
		so.Rcv.Flush()
	}
}

// Bind binds the local endpoint.
func (p *Protocol) Bind(so *socket.Socket, local core.Endpoint) error {
	c, err := p.lock(so, "bind")
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	if c.state != Closed {
		return fmt.Errorf("tcp: bind: %w", core.ErrInvalidArgument)
	}
	return p.pcbs.Bind(c.pcb, local)
}

// Listen moves the connection to LISTEN, binding an ephemeral port when
// none was chosen.
func (p *Protocol) Listen(so *socket.Socket) error {
	c, err := p.lock(so, "listen")
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	if c.state != Closed && c.state != Listen {
		return fmt.Errorf("tcp: listen in %s: %w", c.state, core.ErrInvalidArgument)
	}
	if c.pcb.Local.Port == 0 {
		if err := p.pcbs.Bind(c.pcb, core.Endpoint{}); err != nil {
			return err
		}
	}
	p.pcbs.SetOptions(c.pcb, pcb.Listening, pcb.Listening)
	c.state = Listen
	p.trace.user(c, Closed, "listen")
	return nil
}

// Connect sends the SYN. The handshake completes asynchronously.
func (p *Protocol) Connect(so *socket.Socket, remote core.Endpoint) error {
	c, err := p.lock(so, "connect")
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	if c.state != Closed {
		return fmt.Errorf("tcp: connect in %s: %w", c.state, core.ErrAlreadyConnected)
	}
	if err := p.pcbs.Connect(c.pcb, remote); err != nil {
		return err
	}
	so.IsConnecting()
	p.stats.ConnAttempt.Inc()
	c.state = SynSent
	c.timers[TimerKeep] = p.t.keepInit
	c.iss = p.newISS()
	c.sendSeqInit()
	c.requestScale()
	p.trace.user(c, Closed, "connect")
	if err := c.output(); err != nil {
		c.close()
		return fmt.Errorf("tcp: connect %s: %w", remote, err)
	}
	return nil
}

// Disconnect starts closing the connection.
func (p *Protocol) Disconnect(so *socket.Socket) error {
	c, err := p.lock(so, "disconnect")
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	ostate := c.state
	c.disconnect()
	p.trace.user(c, ostate, "disconnect")
	return nil
}

// Shutdown sends FIN once queued data is out.
func (p *Protocol) Shutdown(so *socket.Socket) error {
	so.CantSendMore()
	c, err := p.lock(so, "shutdown")
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	ostate := c.state
	c.usrClosed()
	p.trace.user(c, ostate, "shutdown")
	if c.closed {
		return nil
	}
	return c.output()
}

// Send queues m on the send buffer and pushes out what the windows allow.
func (p *Protocol) Send(so *socket.Socket, m *mbuf.Mbuf, to *core.Endpoint) error {
	if to != nil {
		mbuf.FreeChain(m)
		return fmt.Errorf("tcp: send: %w", core.ErrAlreadyConnected)
	}
	c, err := p.lock(so, "send")
	if err != nil {
		mbuf.FreeChain(m)
		return err
	}
	defer c.mu.Unlock()
	so.Snd.Append(m)
	return c.output()
}

// Received lets output advertise the space the user just freed.
func (p *Protocol) Received(so *socket.Socket) {
	c, err := p.lock(so, "rcvd")
	if err != nil {
		return
	}
	defer c.mu.Unlock()
	c.output()
}

// Abort drops the connection of a socket that was never accepted.
func (p *Protocol) Abort(so *socket.Socket) {
	c := conn(so.PCB)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.drop(core.ErrConnectionAborted)
	}
	so.Snd.Flush()
	so.Rcv.Flush()
}
