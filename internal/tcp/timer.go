package tcp

import (
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/pcb"
	"firestige.xyz/netstack/internal/socket"
)

// handles snapshots the registry so timers run without its lock. A
// connection closed after the snapshot resolves to nil.
func (p *Protocol) handles() []pcb.Handle {
	pcs := p.pcbs.List()
	hs := make([]pcb.Handle, len(pcs))
	for i, pc := range pcs {
		hs[i] = pc.Handle()
	}
	return hs
}

// each runs fn on every live connection with its lock held.
func (p *Protocol) each(fn func(c *Conn)) {
	for _, h := range p.handles() {
		c := conn(p.pcbs.Get(h))
		if c == nil {
			continue
		}
		c.mu.Lock()
		if !c.closed {
			fn(c)
		}
		c.mu.Unlock()
	}
}

// SlowTick counts down the connection timers and fires the expired ones.
// It is meant to run SlowHz times a second.
func (p *Protocol) SlowTick() {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()
	p.each(func(c *Conn) {
		for i := range c.timers {
			if c.timers[i] == 0 {
				continue
			}
			if c.timers[i]--; c.timers[i] == 0 {
				c.timeout(i)
				if c.closed {
					return
				}
			}
		}
		c.idle++
		if c.rtt != 0 {
			c.rtt++
		}
	})
	p.iss.Add(p.t.issIncr)
	p.now.Add(1)
}

// FastTick sends the delayed acknowledgments.
func (p *Protocol) FastTick() {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()
	p.each(func(c *Conn) {
		if c.flags&flagDelAck == 0 {
			return
		}
		c.flags &^= flagDelAck
		c.flags |= flagAckNow
		p.stats.DelAck.Inc()
		c.output()
	})
}

func (c *Conn) timeout(timer int) {
	p := c.proto
	switch timer {
	case Timer2MSL:
		// FIN_WAIT_2 keeps waiting while the peer looks alive
		if c.state != TimeWait && c.idle <= p.t.maxIdle {
			c.timers[Timer2MSL] = p.t.keepIntvl
		} else {
			c.close()
		}

	case TimerRexmt:
		if c.rxtShift++; c.rxtShift > maxRxtShift {
			c.rxtShift = maxRxtShift
			p.stats.TimeoutDrop.Inc()
			p.log.Info("connection timed out", "local", c.pcb.Local, "remote", c.pcb.Remote, "state", c.state)
			c.drop(c.timeoutErr())
			return
		}
		p.stats.RexmtTimeo.Inc()
		c.rxtCur = rangeSet(c.rexmtVal()*backoff[c.rxtShift], c.rttMin, p.t.rexmtMax)
		c.timers[TimerRexmt] = c.rxtCur
		if c.rxtShift > maxRxtShift/4 {
			// the route may be bad and the estimate stale
			c.pcb.Route.Release()
			c.rttVar += c.srtt >> rttShift
			c.srtt = 0
		}
		c.sndNxt = c.sndUna
		c.rtt = 0
		maxSeg := uint32(c.maxSeg)
		win := max(2, min(c.sndWnd, c.sndCwnd)/2/maxSeg)
		c.sndCwnd = maxSeg
		c.sndSSThresh = win * maxSeg
		c.dupAcks = 0
		c.output()

	case TimerPersist:
		p.stats.PersistTimeo.Inc()
		c.setPersist()
		c.force = true
		c.output()
		c.force = false

	case TimerKeep:
		p.stats.KeepTimeo.Inc()
		if c.state < Established {
			c.keepDrop()
			return
		}
		if c.so.Options()&socket.OptKeepAlive == 0 || c.state > CloseWait {
			c.timers[TimerKeep] = p.t.keepIdle
			return
		}
		if c.idle >= p.t.keepIdle+p.t.maxIdle {
			c.keepDrop()
			return
		}
		// an old sequence number forces the peer to answer with an ACK
		p.stats.KeepProbe.Inc()
		p.respond(c, c.pcb.Local, c.pcb.Remote, c.rcvNxt, c.sndUna-1, flagACK)
		c.timers[TimerKeep] = p.t.keepIntvl
	}
}

func (c *Conn) keepDrop() {
	c.proto.stats.KeepDrops.Inc()
	c.proto.log.Info("keepalive dropped connection", "local", c.pcb.Local, "remote", c.pcb.Remote, "state", c.state)
	c.drop(c.timeoutErr())
}

// timeoutErr prefers the last soft error over a bare timeout.
func (c *Conn) timeoutErr() error {
	if c.softErr != nil {
		return c.softErr
	}
	return core.ErrTimedOut
}

// xmitTimer folds an RTT sample, in slow ticks, into the smoothed
// estimators and recomputes the retransmit timeout.
func (c *Conn) xmitTimer(rtt int) {
	c.proto.stats.RTTUpdated.Inc()
	if c.srtt != 0 {
		// srtt gains 1/8 of the error, rttvar 1/4 of its deviation
		delta := rtt - 1 - c.srtt>>rttShift
		if c.srtt += delta; c.srtt <= 0 {
			c.srtt = 1
		}
		if delta < 0 {
			delta = -delta
		}
		delta -= c.rttVar >> rttVarShift
		if c.rttVar += delta; c.rttVar <= 0 {
			c.rttVar = 1
		}
	} else {
		c.srtt = rtt << rttShift
		c.rttVar = rtt << (rttVarShift - 1)
	}
	c.rtt = 0
	c.rxtShift = 0
	c.rxtCur = rangeSet(c.rexmtVal(), c.rttMin, c.proto.t.rexmtMax)
	c.softErr = nil
}
