package tcp

import (
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/header"
	"firestige.xyz/netstack/internal/ip"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/pcb"
	"firestige.xyz/netstack/internal/socket"
)

const (
	flagFIN = header.TCPFlagFIN
	flagSYN = header.TCPFlagSYN
	flagRST = header.TCPFlagRST
	flagPSH = header.TCPFlagPSH
	flagACK = header.TCPFlagACK
	flagURG = header.TCPFlagURG
)

// segment is an inbound segment with its header fields in host order and
// data holding only the payload.
type segment struct {
	src   core.Endpoint
	dst   core.Endpoint
	seq   uint32
	ack   uint32
	len   int
	flags uint8
	win   uint16
	urp   uint16
	bcast bool

	optLen int
	opts   [header.TCPMaxHeaderLen - header.TCPMinHeaderLen]byte

	data *mbuf.Mbuf

	// iss is set when a SYN reincarnates a TIME_WAIT connection.
	iss uint32
}

func (s *segment) options() []byte { return s.opts[:s.optLen] }

func (s *segment) free() {
	mbuf.FreeChain(s.data)
	s.data = nil
}

// synFin counts the sequence space taken by SYN and FIN.
func synFin(flags uint8) uint32 {
	var n uint32
	if flags&flagSYN != 0 {
		n++
	}
	if flags&flagFIN != 0 {
		n++
	}
	return n
}

// disposition tells input how to finish with a segment.
type disposition int

const (
	dispDone disposition = iota
	dispDrop
	dispDropAfterAck
	dispDropWithReset
	dispReincarnate
)

type tsInfo struct {
	present bool
	val     uint32
	ecr     uint32
}

// Input processes a segment delivered by the IP layer. The first hlen
// bytes of m are the IP header.
func (p *Protocol) Input(m *mbuf.Mbuf, hlen int) {
	p.stats.RcvTotal.Inc()
	seg := p.parse(m, hlen)
	if seg == nil {
		return
	}
	p.input(seg)
}

func (p *Protocol) parse(m *mbuf.Mbuf, hlen int) *segment {
	if hlen > header.IPv4MinHeaderLen {
		ip.StripOptions(m)
		hlen = header.IPv4MinHeaderLen
	}
	var err error
	if m, err = mbuf.Pullup(m, hlen+header.TCPMinHeaderLen); err != nil {
		p.stats.RcvShort.Inc()
		return nil
	}
	iph := header.IPv4(m.Data())
	tlen := int(iph.TotalLen()) - hlen
	if tlen < header.TCPMinHeaderLen {
		p.stats.RcvShort.Inc()
		mbuf.FreeChain(m)
		return nil
	}
	sum := header.PseudoHeaderSum(iph.Src(), iph.Dst(), core.ProtocolTCP, uint16(tlen))
	if header.Fold(header.SumChain(m, hlen, tlen, sum)) != 0 {
		p.stats.RcvBadSum.Inc()
		p.log.Debug("bad checksum", "src", iph.Src(), "dst", iph.Dst())
		mbuf.FreeChain(m)
		return nil
	}
	off := header.TCP(m.Data()[hlen:]).DataOffset()
	if off < header.TCPMinHeaderLen || off > tlen {
		p.stats.RcvBadOff.Inc()
		mbuf.FreeChain(m)
		return nil
	}
	if off > header.TCPMinHeaderLen {
		if m, err = mbuf.Pullup(m, hlen+off); err != nil {
			p.stats.RcvShort.Inc()
			return nil
		}
		iph = header.IPv4(m.Data())
	}
	th := header.TCP(m.Data()[hlen:])
	seg := &segment{
		src:   core.Endpoint{Addr: iph.Src(), Port: th.SrcPort()},
		dst:   core.Endpoint{Addr: iph.Dst(), Port: th.DstPort()},
		seq:   th.Seq(),
		ack:   th.Ack(),
		len:   tlen - off,
		flags: th.Flags(),
		win:   th.Window(),
		urp:   th.Urgent(),
		bcast: m.Flags()&(mbuf.FlagBcast|mbuf.FlagMcast) != 0,
	}
	seg.optLen = copy(seg.opts[:], th.Options())
	mbuf.TrimHead(m, hlen+off)
	seg.data = m
	return seg
}

// input finds the connection for seg and runs it through the state
// machine.
func (p *Protocol) input(seg *segment) {
	for {
		c := conn(p.pcbs.Lookup(seg.src, seg.dst, pcb.LookupWildcard))
		if c == nil {
			p.stats.NoPort.Inc()
			p.dropWithReset(nil, seg)
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			p.dropWithReset(nil, seg)
			return
		}
		if c.state == Closed {
			c.mu.Unlock()
			seg.free()
			return
		}
		ostate := c.state
		var d disposition
		if c.state == Listen {
			nc, ld := c.listenInput(seg)
			c.mu.Unlock()
			if nc == nil {
				p.dispose(nil, seg, ld)
				return
			}
			c = nc
			c.updateRcvWnd()
			c.trimAfterSyn(seg)
			d = c.step6(seg, uint32(seg.win), false)
		} else {
			d = c.segmentInput(seg)
		}
		if d == dispReincarnate {
			c.mu.Unlock()
			continue
		}
		p.trace.input(ostate, c, seg)
		p.dispose(c, seg, d)
		c.mu.Unlock()
		return
	}
}

// dispose finishes with seg after the state machine ran. c is locked, or
// nil when no connection is left to answer for.
func (p *Protocol) dispose(c *Conn, seg *segment, d disposition) {
	if c != nil && c.closed {
		c = nil
	}
	switch d {
	case dispDropAfterAck:
		if seg.flags&flagRST == 0 && c != nil {
			c.flags |= flagAckNow
			c.output()
		}
	case dispDropWithReset:
		p.dropWithReset(c, seg)
		return
	}
	seg.free()
}

// dropWithReset answers seg with an RST unless seg is itself an RST or was
// not addressed to a single host.
func (p *Protocol) dropWithReset(c *Conn, seg *segment) {
	defer seg.free()
	if seg.flags&flagRST != 0 || seg.bcast || seg.dst.Addr.IsMulticast() ||
		p.ip.Interfaces().IsBroadcast(seg.dst.Addr) {
		return
	}
	if seg.flags&flagACK != 0 {
		p.respond(c, seg.dst, seg.src, 0, seg.ack, flagRST)
		return
	}
	ack := seg.seq + uint32(seg.len) + synFin(seg.flags)
	p.respond(c, seg.dst, seg.src, ack, 0, flagRST|flagACK)
}

// listenInput handles a segment arriving on a listening connection. On
// success it returns the spawned connection, locked.
func (c *Conn) listenInput(seg *segment) (*Conn, disposition) {
	p := c.proto
	switch {
	case seg.flags&flagRST != 0:
		return nil, dispDrop
	case seg.flags&flagACK != 0:
		return nil, dispDropWithReset
	case seg.flags&flagSYN == 0:
		return nil, dispDrop
	case seg.bcast || seg.dst.Addr.IsMulticast() || seg.src.Addr.IsMulticast() ||
		p.ip.Interfaces().IsBroadcast(seg.src.Addr):
		return nil, dispDrop
	}
	so := c.so.NewConn()
	if so == nil {
		p.stats.ListenDrop.Inc()
		p.log.Debug("listen queue overflow", "local", c.pcb.Local)
		return nil, dispDrop
	}
	nc := conn(so.PCB)
	nc.mu.Lock()
	p.pcbs.SetLocal(nc.pcb, seg.dst)
	if err := p.pcbs.Connect(nc.pcb, seg.src); err != nil {
		nc.close()
		nc.mu.Unlock()
		return nil, dispDrop
	}
	nc.requestScale()
	nc.doOptions(seg)
	if seg.iss != 0 {
		nc.iss = seg.iss
	} else {
		nc.iss = p.newISS()
	}
	nc.irs = seg.seq
	nc.sendSeqInit()
	nc.rcvSeqInit()
	nc.flags |= flagAckNow
	nc.state = SynReceived
	nc.timers[TimerKeep] = p.t.keepInit
	p.stats.Accepts.Inc()
	return nc, dispDone
}

// updateRcvWnd sets the receive window to the buffer space, never
// shrinking what was already advertised.
func (c *Conn) updateRcvWnd() {
	win := max(0, c.so.Rcv.Space())
	c.rcvWnd = uint32(max(win, int(int32(c.rcvAdv-c.rcvNxt))))
}

// trimAfterSyn steps past the SYN and drops data beyond the window.
func (c *Conn) trimAfterSyn(seg *segment) {
	seg.seq++
	if uint32(seg.len) > c.rcvWnd {
		todrop := seg.len - int(c.rcvWnd)
		mbuf.TrimTail(seg.data, todrop)
		seg.len = int(c.rcvWnd)
		seg.flags &^= flagFIN
		c.proto.stats.RcvPackAfterWin.Inc()
		c.proto.stats.RcvByteAfterWin.Add(uint64(todrop))
	}
	c.sndWL1 = seg.seq - 1
	c.rcvUp = seg.seq
}

// doOptions applies the options of seg. Timestamps on a SYN are recorded
// as the peer's opening value.
func (c *Conn) doOptions(seg *segment) tsInfo {
	opts := seg.options()
	if len(opts) == 0 {
		return tsInfo{}
	}
	syn := seg.flags&flagSYN != 0
	if !syn {
		if val, ecr, ok := header.ParseTSAppA(opts); ok {
			return tsInfo{present: true, val: val, ecr: ecr}
		}
	}
	o := header.ParseTCPOptions(opts, syn)
	if o.HasMSS {
		c.mss(int(o.MSS))
	}
	if o.HasWS {
		c.flags |= flagRcvdScale
		c.requestedSScale = min(o.WScale, maxWinShift)
	}
	if !o.HasTS {
		return tsInfo{}
	}
	if syn {
		c.flags |= flagRcvdTstmp
		c.tsRecent = o.TSVal
		c.tsRecentAge = c.proto.now.Load()
	}
	return tsInfo{present: true, val: o.TSVal, ecr: o.TSEcr}
}

// applyScale enables window scaling once both sides offered it.
func (c *Conn) applyScale() {
	if c.flags&(flagReqScale|flagRcvdScale) == flagReqScale|flagRcvdScale {
		c.sndScale = c.requestedSScale
		c.rcvScale = c.requestRScale
	}
}

// segmentInput runs seg through the state machine of a non-listening
// connection.
func (c *Conn) segmentInput(seg *segment) disposition {
	p := c.proto
	tiwin := uint32(seg.win)
	if seg.flags&flagSYN == 0 {
		tiwin <<= c.sndScale
	}

	c.idle = 0
	if haveEstablished(c.state) {
		c.timers[TimerKeep] = p.t.keepIdle
	}
	ts := c.doOptions(seg)

	if c.predict(seg, tiwin, ts) {
		return dispDone
	}

	c.updateRcvWnd()

	if c.state == SynSent {
		if d, ok := c.synSentInput(seg); !ok {
			return d
		}
		c.trimAfterSyn(seg)
		return c.step6(seg, tiwin, false)
	}

	// PAWS
	if ts.present && seg.flags&flagRST == 0 && c.tsRecent != 0 && seqLT(ts.val, c.tsRecent) {
		if p.now.Load()-c.tsRecentAge > p.t.pawsIdle {
			c.tsRecent = 0
		} else {
			p.stats.RcvDupPack.Inc()
			p.stats.RcvDupByte.Add(uint64(seg.len))
			p.stats.PAWSDrop.Inc()
			return dispDropAfterAck
		}
	}

	if todrop := int(int32(c.rcvNxt - seg.seq)); todrop > 0 {
		if seg.flags&flagSYN != 0 {
			seg.flags &^= flagSYN
			seg.seq++
			if seg.urp > 1 {
				seg.urp--
			} else {
				seg.flags &^= flagURG
			}
			todrop--
		}
		if todrop > seg.len || (todrop == seg.len && seg.flags&flagFIN == 0) {
			// entirely duplicate: ack it, keeping a trailing FIN out
			seg.flags &^= flagFIN
			c.flags |= flagAckNow
			todrop = seg.len
			p.stats.RcvDupPack.Inc()
			p.stats.RcvDupByte.Add(uint64(todrop))
		} else {
			p.stats.RcvPartDupPack.Inc()
			p.stats.RcvPartDupByte.Add(uint64(todrop))
		}
		mbuf.TrimHead(seg.data, todrop)
		seg.seq += uint32(todrop)
		seg.len -= todrop
		if int(seg.urp) > todrop {
			seg.urp -= uint16(todrop)
		} else {
			seg.flags &^= flagURG
			seg.urp = 0
		}
	}

	// data for a socket that is gone
	if c.so.State()&socket.StateNoFD != 0 && c.state > CloseWait && seg.len > 0 {
		c.close()
		p.stats.RcvAfterClose.Inc()
		return dispDropWithReset
	}

	if todrop := int(int32(seg.seq + uint32(seg.len) - (c.rcvNxt + c.rcvWnd))); todrop > 0 {
		p.stats.RcvPackAfterWin.Inc()
		if todrop >= seg.len {
			p.stats.RcvByteAfterWin.Add(uint64(seg.len))
			if seg.flags&flagSYN != 0 && c.state == TimeWait && seqGT(seg.seq, c.rcvNxt) {
				seg.iss = c.sndNxt + issIncr
				c.close()
				return dispReincarnate
			}
			if c.rcvWnd == 0 && seg.seq == c.rcvNxt {
				c.flags |= flagAckNow
				p.stats.RcvWinProbe.Inc()
			} else {
				return dispDropAfterAck
			}
		} else {
			p.stats.RcvByteAfterWin.Add(uint64(todrop))
		}
		mbuf.TrimTail(seg.data, todrop)
		seg.len -= todrop
		seg.flags &^= flagPSH | flagFIN
	}

	if ts.present && seqLEQ(seg.seq, c.lastAckSent) &&
		seqLT(c.lastAckSent, seg.seq+uint32(seg.len)+synFin(seg.flags)) {
		c.tsRecentAge = p.now.Load()
		c.tsRecent = ts.val
	}

	if seg.flags&flagRST != 0 {
		switch c.state {
		case SynReceived:
			c.so.SetError(core.ErrConnectionRefused)
			c.state = Closed
			p.stats.Drops.Inc()
		case Established, FinWait1, FinWait2, CloseWait:
			c.so.SetError(core.ErrConnectionReset)
			c.state = Closed
			p.stats.Drops.Inc()
		}
		c.close()
		return dispDrop
	}

	if seg.flags&flagSYN != 0 {
		c.drop(core.ErrConnectionReset)
		return dispDropWithReset
	}

	if seg.flags&flagACK == 0 {
		return dispDrop
	}

	needOutput := false
	switch c.state {
	case SynReceived:
		if seqGT(c.sndUna, seg.ack) || seqGT(seg.ack, c.sndMax) {
			return dispDropWithReset
		}
		p.stats.Connects.Inc()
		c.so.IsConnected()
		c.state = Established
		c.applyScale()
		c.reassemble(nil)
		c.sndWL1 = seg.seq - 1
		fallthrough
	case Established, FinWait1, FinWait2, CloseWait, Closing, LastAck, TimeWait:
		if d, ok := c.ackInput(seg, tiwin, ts, &needOutput); !ok {
			return d
		}
	}
	return c.step6(seg, tiwin, needOutput)
}

// predict is the header prediction fast path for an established
// connection receiving either a pure ACK for outstanding data or the next
// in-order data with nothing else to do.
func (c *Conn) predict(seg *segment, tiwin uint32, ts tsInfo) bool {
	p := c.proto
	if c.state != Established ||
		seg.flags&(flagSYN|flagFIN|flagRST|flagURG|flagACK) != flagACK ||
		(ts.present && !seqGEQ(ts.val, c.tsRecent)) ||
		seg.seq != c.rcvNxt || tiwin == 0 || tiwin != c.sndWnd ||
		c.sndNxt != c.sndMax {
		return false
	}
	if ts.present && seqLEQ(seg.seq, c.lastAckSent) && seqLT(c.lastAckSent, seg.seq+uint32(seg.len)) {
		c.tsRecentAge = p.now.Load()
		c.tsRecent = ts.val
	}
	if seg.len == 0 {
		if !seqGT(seg.ack, c.sndUna) || !seqLEQ(seg.ack, c.sndMax) || c.sndCwnd < c.sndWnd {
			return false
		}
		p.stats.PredAck.Inc()
		if ts.present {
			c.xmitTimer(int(int32(p.now.Load()-ts.ecr)) + 1)
		} else if c.rtt != 0 && seqGT(seg.ack, c.rtSeq) {
			c.xmitTimer(c.rtt)
		}
		acked := int(seg.ack - c.sndUna)
		p.stats.RcvAckPack.Inc()
		p.stats.RcvAckByte.Add(uint64(acked))
		c.so.Snd.Drop(acked)
		c.sndUna = seg.ack
		c.sndWL2 = seg.ack
		if c.sndUna == c.sndMax {
			c.timers[TimerRexmt] = 0
		} else if c.timers[TimerPersist] == 0 {
			c.timers[TimerRexmt] = c.rxtCur
		}
		if c.so.Snd.Len() > 0 {
			c.output()
		}
		return true
	}
	if seg.ack != c.sndUna || len(c.reass) != 0 || seg.len > c.so.Rcv.Space() {
		return false
	}
	p.stats.PredDat.Inc()
	c.rcvNxt += uint32(seg.len)
	p.stats.RcvPack.Inc()
	p.stats.RcvByte.Add(uint64(seg.len))
	c.so.Rcv.Append(seg.data)
	seg.data = nil
	c.so.Rcv.Wakeup()
	c.flags |= flagDelAck
	return true
}

// synSentInput handles the reply to our SYN. It reports false when input
// should stop with the returned disposition.
func (c *Conn) synSentInput(seg *segment) (disposition, bool) {
	p := c.proto
	if seg.flags&flagACK != 0 && (seqLEQ(seg.ack, c.iss) || seqGT(seg.ack, c.sndMax)) {
		return dispDropWithReset, false
	}
	if seg.flags&flagRST != 0 {
		if seg.flags&flagACK != 0 {
			c.drop(core.ErrConnectionRefused)
		}
		return dispDrop, false
	}
	if seg.flags&flagSYN == 0 {
		return dispDrop, false
	}
	if seg.flags&flagACK != 0 {
		c.sndUna = seg.ack
		if seqLT(c.sndNxt, c.sndUna) {
			c.sndNxt = c.sndUna
		}
	}
	c.timers[TimerRexmt] = 0
	c.irs = seg.seq
	c.rcvSeqInit()
	c.flags |= flagAckNow
	if seg.flags&flagACK != 0 && seqGT(c.sndUna, c.iss) {
		p.stats.Connects.Inc()
		c.so.IsConnected()
		c.state = Established
		c.applyScale()
		c.reassemble(nil)
		if c.rtt != 0 {
			c.xmitTimer(c.rtt)
		}
	} else {
		// simultaneous open
		c.state = SynReceived
	}
	return dispDone, true
}

// ackInput processes the acknowledgment field. It reports false when
// input should stop with the returned disposition.
func (c *Conn) ackInput(seg *segment, tiwin uint32, ts tsInfo, needOutput *bool) (disposition, bool) {
	p := c.proto
	maxSeg := uint32(c.maxSeg)
	if seqLEQ(seg.ack, c.sndUna) {
		if seg.len != 0 || tiwin != c.sndWnd {
			c.dupAcks = 0
			return dispDone, true
		}
		p.stats.RcvDupAck.Inc()
		switch {
		case c.timers[TimerRexmt] == 0 || seg.ack != c.sndUna:
			c.dupAcks = 0
		case c.dupAcks+1 == p.cfg.RexmtThresh:
			c.dupAcks++
			onxt := c.sndNxt
			win := max(2, min(c.sndWnd, c.sndCwnd)/2/maxSeg)
			c.sndSSThresh = win * maxSeg
			c.timers[TimerRexmt] = 0
			c.rtt = 0
			c.sndNxt = seg.ack
			c.sndCwnd = maxSeg
			c.output()
			c.sndCwnd = c.sndSSThresh + maxSeg*uint32(c.dupAcks)
			if seqGT(onxt, c.sndNxt) {
				c.sndNxt = onxt
			}
			return dispDrop, false
		case c.dupAcks >= p.cfg.RexmtThresh:
			c.dupAcks++
			c.sndCwnd += maxSeg
			c.output()
			return dispDrop, false
		default:
			c.dupAcks++
		}
		return dispDone, true
	}

	// leaving fast recovery deflates the window
	if c.dupAcks >= p.cfg.RexmtThresh && c.sndCwnd > c.sndSSThresh {
		c.sndCwnd = c.sndSSThresh
	}
	c.dupAcks = 0
	if seqGT(seg.ack, c.sndMax) {
		p.stats.RcvAckTooMuch.Inc()
		return dispDropAfterAck, false
	}
	acked := int(seg.ack - c.sndUna)
	p.stats.RcvAckPack.Inc()
	p.stats.RcvAckByte.Add(uint64(acked))

	if ts.present {
		c.xmitTimer(int(int32(p.now.Load()-ts.ecr)) + 1)
	} else if c.rtt != 0 && seqGT(seg.ack, c.rtSeq) {
		c.xmitTimer(c.rtt)
	}

	if seg.ack == c.sndMax {
		c.timers[TimerRexmt] = 0
		*needOutput = true
	} else if c.timers[TimerPersist] == 0 {
		c.timers[TimerRexmt] = c.rxtCur
	}

	// slow start below ssthresh, linear growth above
	cw := c.sndCwnd
	incr := maxSeg
	if cw > c.sndSSThresh {
		incr = incr * incr / cw
	}
	c.sndCwnd = min(cw+incr, uint32(maxWin)<<c.sndScale)

	ourFinAcked := false
	if cc := c.so.Snd.Len(); acked > cc {
		c.sndWnd -= uint32(cc)
		c.so.Snd.Drop(cc)
		ourFinAcked = true
	} else {
		c.so.Snd.Drop(acked)
		c.sndWnd -= uint32(acked)
	}
	c.sndUna = seg.ack
	if seqLT(c.sndNxt, c.sndUna) {
		c.sndNxt = c.sndUna
	}

	switch c.state {
	case FinWait1:
		if ourFinAcked {
			// a fully closed socket will never read again
			if c.so.State()&socket.StateCantRcvMore != 0 {
				c.so.IsDisconnected()
				c.timers[Timer2MSL] = p.t.maxIdle
			}
			c.state = FinWait2
		}
	case Closing:
		if ourFinAcked {
			c.enterTimeWait()
		}
	case LastAck:
		if ourFinAcked {
			c.close()
			return dispDrop, false
		}
	case TimeWait:
		c.timers[Timer2MSL] = 2 * p.t.msl
		return dispDropAfterAck, false
	}
	return dispDone, true
}

func (c *Conn) enterTimeWait() {
	c.state = TimeWait
	c.cancelTimers()
	c.timers[Timer2MSL] = 2 * c.proto.t.msl
	c.so.IsDisconnected()
}

// step6 updates the send window, queues data and processes FIN.
func (c *Conn) step6(seg *segment, tiwin uint32, needOutput bool) disposition {
	p := c.proto
	if seg.flags&flagACK != 0 && (seqLT(c.sndWL1, seg.seq) ||
		(c.sndWL1 == seg.seq && (seqLT(c.sndWL2, seg.ack) ||
			(c.sndWL2 == seg.ack && tiwin > c.sndWnd)))) {
		if seg.len == 0 && c.sndWL2 == seg.ack && tiwin > c.sndWnd {
			p.stats.RcvWinUpd.Inc()
		}
		c.sndWnd = tiwin
		c.sndWL1 = seg.seq
		c.sndWL2 = seg.ack
		c.maxSndWnd = max(c.maxSndWnd, c.sndWnd)
		needOutput = true
	}

	// urgent data is left inline; only keep the pointer moving
	if seqGT(c.rcvNxt, c.rcvUp) {
		c.rcvUp = c.rcvNxt
	}

	if (seg.len > 0 || seg.flags&flagFIN != 0) && !haveRcvdFin(c.state) {
		if seg.seq == c.rcvNxt && len(c.reass) == 0 && c.state == Established {
			c.flags |= flagDelAck
			c.rcvNxt += uint32(seg.len)
			p.stats.RcvPack.Inc()
			p.stats.RcvByte.Add(uint64(seg.len))
			if seg.len > 0 {
				c.so.Rcv.Append(seg.data)
				seg.data = nil
				c.so.Rcv.Wakeup()
			}
		} else {
			// the queue keeps its own copy; FIN counts once delivered
			queued := *seg
			seg.data = nil
			seg.flags = seg.flags&^flagFIN | c.reassemble(&queued)
			c.flags |= flagAckNow
		}
	} else {
		seg.free()
		seg.flags &^= flagFIN
	}

	if seg.flags&flagFIN != 0 {
		if !haveRcvdFin(c.state) {
			c.so.CantRcvMore()
			c.flags |= flagAckNow
			c.rcvNxt++
		}
		switch c.state {
		case SynReceived, Established:
			c.state = CloseWait
		case FinWait1:
			c.state = Closing
		case FinWait2:
			c.enterTimeWait()
		case TimeWait:
			c.timers[Timer2MSL] = 2 * p.t.msl
		}
	}

	if needOutput || c.flags&flagAckNow != 0 {
		c.output()
	}
	return dispDone
}
