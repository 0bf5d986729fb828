package tcp

import (
	"errors"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/header"
	"firestige.xyz/netstack/internal/ip"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/route"
	"firestige.xyz/netstack/internal/socket"
)

// output sends as many segments as the windows and the connection state
// allow. c.mu must be held.
func (c *Conn) output() error {
	if c.so.Options()&socket.OptNoDelay != 0 {
		c.flags |= flagNoDelay
	} else {
		c.flags &^= flagNoDelay
	}
	idle := c.sndMax == c.sndUna
	if idle && c.idle >= c.rxtCur {
		// restart from slow start after an idle period
		c.sndCwnd = uint32(c.maxSeg)
	}
	for {
		more, err := c.outputSegment(idle)
		if err != nil || !more {
			return err
		}
	}
}

// outputSegment decides whether a segment is due and sends at most one.
// It reports whether more data is ready to go.
func (c *Conn) outputSegment(idle bool) (bool, error) {
	p := c.proto
	so := c.so
	sbcc := so.Snd.Len()
	off := int(c.sndNxt - c.sndUna)
	win := int(min(c.sndWnd, c.sndCwnd))
	flags := outFlags[c.state]

	if c.force {
		if win == 0 {
			// probe a zero window with one byte, holding FIN back while
			// data remains
			if off < sbcc {
				flags &^= flagFIN
			}
			win = 1
		} else {
			c.timers[TimerPersist] = 0
			c.rxtShift = 0
		}
	}

	length := min(sbcc, win) - off
	if length < 0 {
		// FIN sent or window shrank: wait for the window to reopen
		length = 0
		if win == 0 {
			c.timers[TimerRexmt] = 0
			c.sndNxt = c.sndUna
		}
	}
	if flags&flagRST != 0 {
		length = 0
	}
	// options come out of each segment's payload
	seg := c.maxSeg - c.optLen(flags)
	more := false
	if length > seg {
		length = seg
		more = true
		if sbcc > win && min(sbcc, win)-off-length < seg {
			// the window tail is less than a segment: wait for it to open
			more = false
		}
	}
	if seqLT(c.sndNxt+uint32(length), c.sndUna+uint32(sbcc)) {
		flags &^= flagFIN
	}
	rwin := max(0, so.Rcv.Space())

	if !c.due(length, seg, off, sbcc, rwin, idle, flags) {
		if sbcc > 0 && c.timers[TimerRexmt] == 0 && c.timers[TimerPersist] == 0 {
			c.rxtShift = 0
			c.setPersist()
		}
		return false, nil
	}

	var optBuf [header.TCPMaxHeaderLen - header.TCPMinHeaderLen]byte
	opts := optBuf[:0]
	if flags&flagSYN != 0 {
		c.sndNxt = c.iss
		if c.flags&flagNoOpt == 0 {
			opts = header.AppendMSS(opts, uint16(c.mss(0)))
			if c.flags&flagReqScale != 0 && (flags&flagACK == 0 || c.flags&flagRcvdScale != 0) {
				opts = header.AppendWScale(opts, c.requestRScale)
			}
		}
	}
	if c.flags&(flagReqTstmp|flagNoOpt) == flagReqTstmp && flags&flagRST == 0 &&
		(flags&(flagSYN|flagACK) == flagSYN || c.flags&flagRcvdTstmp != 0) {
		opts = header.AppendTimestamp(opts, p.now.Load(), c.tsRecent)
	}
	hdrLen := headerLen + len(opts)

	st := p.stats
	switch {
	case length > 0:
		switch {
		case c.force && length == 1:
			st.SndProbe.Inc()
		case seqLT(c.sndNxt, c.sndMax):
			st.SndRexmitPack.Inc()
			st.SndRexmitByte.Add(uint64(length))
		default:
			st.SndPack.Inc()
			st.SndByte.Add(uint64(length))
		}
	case c.flags&flagAckNow != 0:
		st.SndAcks.Inc()
	case flags&(flagSYN|flagFIN|flagRST) != 0:
		st.SndCtrl.Inc()
	default:
		st.SndWinUp.Inc()
	}

	m, err := p.ip.Arena().GetHeader(mbuf.TypeHeader)
	if err != nil {
		return false, err
	}
	m.Reserve(mbuf.LinkHeaderSpace)
	b := m.Extend(hdrLen)
	if length > 0 {
		if length <= mbuf.InlineSize-mbuf.LinkHeaderSpace-hdrLen {
			if err := so.Snd.CopyOut(off, m.Extend(length)); err != nil {
				mbuf.FreeChain(m)
				return false, err
			}
		} else {
			data, err := so.Snd.Copy(off, length)
			if err != nil {
				mbuf.FreeChain(m)
				return false, err
			}
			mbuf.Cat(m, data)
		}
		if off+length == sbcc {
			flags |= flagPSH
		}
	}

	// a retransmitted FIN reuses its sequence number
	if flags&flagFIN != 0 && c.flags&flagSentFin != 0 && c.sndNxt == c.sndMax {
		c.sndNxt--
	}
	seq := c.sndMax
	if length > 0 || flags&(flagSYN|flagFIN) != 0 || c.timers[TimerPersist] != 0 {
		seq = c.sndNxt
	}

	// receiver side silly window avoidance
	if rwin < so.Rcv.HiWat()/4 && rwin < c.maxSeg {
		rwin = 0
	}
	rwin = min(rwin, maxWin<<c.rcvScale)
	rwin = max(rwin, int(int32(c.rcvAdv-c.rcvNxt)))

	pc := c.pcb
	header.IPv4(b).Encode(&header.IPv4Fields{
		HeaderLen: header.IPv4MinHeaderLen,
		TOS:       pc.TOS,
		TotalLen:  uint16(hdrLen + length),
		TTL:       pc.TTL,
		Protocol:  core.ProtocolTCP,
		Src:       pc.Local.Addr,
		Dst:       pc.Remote.Addr,
	})
	th := header.TCP(b[header.IPv4MinHeaderLen:])
	th.Encode(&header.TCPFields{
		SrcPort:    pc.Local.Port,
		DstPort:    pc.Remote.Port,
		Seq:        seq,
		Ack:        c.rcvNxt,
		DataOffset: header.TCPMinHeaderLen + len(opts),
		Flags:      flags,
		Window:     uint16(rwin >> c.rcvScale),
	})
	copy(th[header.TCPMinHeaderLen:], opts)
	tcpLen := hdrLen - header.IPv4MinHeaderLen + length
	sum := header.PseudoHeaderSum(pc.Local.Addr, pc.Remote.Addr, core.ProtocolTCP, uint16(tcpLen))
	th.SetChecksum(header.Fold(header.SumChain(m, header.IPv4MinHeaderLen, tcpLen, sum)))

	if !c.force || c.timers[TimerPersist] == 0 {
		start := c.sndNxt
		c.sndNxt += synFin(flags)
		if flags&flagFIN != 0 {
			c.flags |= flagSentFin
		}
		c.sndNxt += uint32(length)
		if seqGT(c.sndNxt, c.sndMax) {
			c.sndMax = c.sndNxt
			if c.rtt == 0 {
				c.rtt = 1
				c.rtSeq = start
				st.SegsTimed.Inc()
			}
		}
		if c.timers[TimerRexmt] == 0 && c.sndNxt != c.sndUna {
			c.timers[TimerRexmt] = c.rxtCur
			if c.timers[TimerPersist] != 0 {
				c.timers[TimerPersist] = 0
				c.rxtShift = 0
			}
		}
	} else if end := c.sndNxt + uint32(length); seqGT(end, c.sndMax) {
		c.sndMax = end
	}

	p.trace.output(c, seq, c.rcvNxt, length, flags)

	var oflags ip.OutputFlags
	if so.Options()&socket.OptDontRoute != 0 {
		oflags |= ip.RouteToIf
	}
	if err := p.ip.Output(m, pc.IPOptions, &pc.Route, oflags); err != nil {
		switch {
		case errors.Is(err, core.ErrNoBuffers):
			c.quench()
			return false, nil
		case (errors.Is(err, core.ErrHostUnreachable) || errors.Is(err, core.ErrNetworkUnreachable)) &&
			haveRcvdSyn(c.state):
			c.softErr = err
			return false, nil
		}
		return false, err
	}
	st.SndTotal.Inc()

	if rwin > 0 && seqGT(c.rcvNxt+uint32(rwin), c.rcvAdv) {
		c.rcvAdv = c.rcvNxt + uint32(rwin)
	}
	c.lastAckSent = c.rcvNxt
	c.flags &^= flagAckNow | flagDelAck
	return more, nil
}

// due reports whether a segment should go out now.
func (c *Conn) due(length, seg, off, sbcc, rwin int, idle bool, flags uint8) bool {
	if length > 0 {
		// sender silly window avoidance
		switch {
		case length >= seg:
			return true
		case (idle || c.flags&flagNoDelay != 0) && length+off >= sbcc:
			return true
		case c.force:
			return true
		case length >= int(c.maxSndWnd/2):
			return true
		case seqLT(c.sndNxt, c.sndMax):
			return true
		}
	}
	if rwin > 0 {
		// a window update worth sending
		adv := min(rwin, maxWin<<c.rcvScale) - int(int32(c.rcvAdv-c.rcvNxt))
		if adv >= 2*c.maxSeg || 2*adv >= c.so.Rcv.HiWat() {
			return true
		}
	}
	if c.flags&flagAckNow != 0 || flags&(flagSYN|flagRST) != 0 {
		return true
	}
	return flags&flagFIN != 0 && (c.flags&flagSentFin == 0 || c.sndNxt == c.sndUna)
}

// optLen is the length of the options outputSegment attaches to a
// segment carrying flags.
func (c *Conn) optLen(flags uint8) int {
	if c.flags&flagNoOpt != 0 {
		return 0
	}
	n := 0
	if flags&flagSYN != 0 {
		n += header.TCPOptLenMSS
		if c.flags&flagReqScale != 0 && (flags&flagACK == 0 || c.flags&flagRcvdScale != 0) {
			n += 1 + header.TCPOptLenWScale
		}
	}
	if c.flags&flagReqTstmp != 0 && flags&flagRST == 0 &&
		(flags&(flagSYN|flagACK) == flagSYN || c.flags&flagRcvdTstmp != 0) {
		n += header.TCPOptLenTSAppA
	}
	return n
}

// setPersist arms the persist timer with the backed-off interval.
func (c *Conn) setPersist() {
	t := (c.srtt>>2 + c.rttVar) >> 1
	c.timers[TimerPersist] = rangeSet(t*backoff[c.rxtShift], c.proto.t.persMin, c.proto.t.persMax)
	if c.rxtShift < maxRxtShift {
		c.rxtShift++
	}
}

// respond sends a bare control segment that is not part of the normal
// output flow: resets and keepalive probes. c may be nil.
func (p *Protocol) respond(c *Conn, local, remote core.Endpoint, ack, seq uint32, flags uint8) {
	m, err := p.ip.Arena().GetHeader(mbuf.TypeHeader)
	if err != nil {
		return
	}
	m.Reserve(mbuf.LinkHeaderSpace)
	b := m.Extend(headerLen)

	var (
		win uint16
		ro  *route.Cache
		ttl = p.ip.DefaultTTL()
	)
	if c != nil {
		win = uint16(min(max(0, c.so.Rcv.Space())>>c.rcvScale, maxWin))
		ro = &c.pcb.Route
		ttl = c.pcb.TTL
	}
	header.IPv4(b).Encode(&header.IPv4Fields{
		HeaderLen: header.IPv4MinHeaderLen,
		TotalLen:  headerLen,
		TTL:       ttl,
		Protocol:  core.ProtocolTCP,
		Src:       local.Addr,
		Dst:       remote.Addr,
	})
	th := header.TCP(b[header.IPv4MinHeaderLen:])
	th.Encode(&header.TCPFields{
		SrcPort: local.Port,
		DstPort: remote.Port,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  win,
	})
	sum := header.PseudoHeaderSum(local.Addr, remote.Addr, core.ProtocolTCP, header.TCPMinHeaderLen)
	th.SetChecksum(header.Fold(header.SumChain(m, header.IPv4MinHeaderLen, header.TCPMinHeaderLen, sum)))
	if c != nil {
		p.trace.respond(c, seq, ack, flags)
	}
	if err := p.ip.Output(m, nil, ro, 0); err != nil {
		p.log.Debug("respond failed", "remote", remote, "error", err)
		return
	}
	p.stats.SndTotal.Inc()
	if flags&flagRST != 0 {
		p.stats.SndCtrl.Inc()
	}
}

// mss derives the maximum segment size from the route to the peer and the
// peer's offer, sizing the socket buffers to whole segments. It returns
// the value to advertise.
func (c *Conn) mss(offer int) int {
	p := c.proto
	pc := c.pcb
	dst := pc.Remote.Addr
	if !pc.Route.Valid(dst) {
		h, err := p.ip.Routes().Resolve(dst)
		if err != nil {
			return p.cfg.MSSDefault
		}
		pc.Route.Set(dst, h)
	}
	mss := pc.Route.Entry().MTU() - headerLen
	if _, _, local := p.ip.Interfaces().WithNet(dst); !local && !p.ip.Interfaces().IsLocal(dst) {
		mss = min(mss, p.cfg.MSSDefault)
	}
	if offer > 0 {
		mss = min(mss, offer)
	}
	mss = max(mss, 32)
	if mss < c.maxSeg || offer != 0 {
		if bufsize := c.so.Snd.HiWat(); bufsize < mss {
			mss = bufsize
		} else {
			c.so.Snd.Reserve(roundUp(bufsize, mss), p.cfg.SBMax)
		}
		c.maxSeg = mss
		if bufsize := c.so.Rcv.HiWat(); bufsize > mss {
			c.so.Rcv.Reserve(roundUp(bufsize, mss), p.cfg.SBMax)
		}
	}
	c.sndCwnd = uint32(mss)
	return mss
}

func roundUp(n, unit int) int {
	return (n + unit - 1) / unit * unit
}
