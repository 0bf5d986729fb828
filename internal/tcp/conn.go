package tcp

import (
	"sync"

	"firestige.xyz/netstack/internal/header"
	"firestige.xyz/netstack/internal/pcb"
	"firestige.xyz/netstack/internal/socket"
)

// State is a connection state. The order matters: comparisons separate
// synchronized states from the rest.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	CloseWait
	FinWait1
	Closing
	LastAck
	FinWait2
	TimeWait
)

var stateNames = [...]string{
	Closed:      "CLOSED",
	Listen:      "LISTEN",
	SynSent:     "SYN_SENT",
	SynReceived: "SYN_RCVD",
	Established: "ESTABLISHED",
	CloseWait:   "CLOSE_WAIT",
	FinWait1:    "FIN_WAIT_1",
	Closing:     "CLOSING",
	LastAck:     "LAST_ACK",
	FinWait2:    "FIN_WAIT_2",
	TimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

func haveRcvdSyn(s State) bool     { return s >= SynReceived }
func haveEstablished(s State) bool { return s >= Established }

func haveRcvdFin(s State) bool {
	switch s {
	case CloseWait, Closing, LastAck, TimeWait:
		return true
	}
	return false
}

// outFlags are the control bits output sends in each state.
var outFlags = [...]uint8{
	Closed:      header.TCPFlagRST | header.TCPFlagACK,
	Listen:      0,
	SynSent:     header.TCPFlagSYN,
	SynReceived: header.TCPFlagSYN | header.TCPFlagACK,
	Established: header.TCPFlagACK,
	CloseWait:   header.TCPFlagACK,
	FinWait1:    header.TCPFlagFIN | header.TCPFlagACK,
	Closing:     header.TCPFlagFIN | header.TCPFlagACK,
	LastAck:     header.TCPFlagFIN | header.TCPFlagACK,
	FinWait2:    header.TCPFlagACK,
	TimeWait:    header.TCPFlagACK,
}

// Timer indexes.
const (
	TimerRexmt = iota
	TimerPersist
	TimerKeep
	Timer2MSL
	numTimers
)

var timerNames = [numTimers]string{"rexmt", "persist", "keep", "2msl"}

const (
	maxRxtShift = 12
	rttShift    = 3 // srtt is kept scaled by 8
	rttVarShift = 2 // rttvar is kept scaled by 4
	maxWinShift = header.TCPMaxWinShift
	maxWin      = header.TCPMaxWin

	// headerLen is the IP plus TCP header without options.
	headerLen = header.IPv4MinHeaderLen + header.TCPMinHeaderLen
)

var backoff = [maxRxtShift + 1]int{1, 2, 4, 8, 16, 32, 64, 64, 64, 64, 64, 64, 64}

type connFlags uint16

const (
	flagAckNow connFlags = 1 << iota
	flagDelAck
	flagNoDelay
	flagNoOpt
	flagSentFin
	flagReqScale
	flagRcvdScale
	flagReqTstmp
	flagRcvdTstmp
)

// Conn is the TCP control block of one connection. All fields are guarded
// by mu.
type Conn struct {
	mu    sync.Mutex
	proto *Protocol
	pcb   *pcb.PCB
	so    *socket.Socket

	state    State
	timers   [numTimers]int
	rxtShift int
	rxtCur   int
	dupAcks  int
	maxSeg   int
	force    bool
	flags    connFlags
	softErr  error
	closed   bool // detached from the registry

	// send sequence space
	sndUna uint32
	sndNxt uint32
	sndUp  uint32
	sndWL1 uint32
	sndWL2 uint32
	iss    uint32
	sndWnd uint32
	sndMax uint32

	// receive sequence space
	rcvWnd uint32
	rcvNxt uint32
	rcvUp  uint32
	irs    uint32
	rcvAdv uint32

	// congestion control
	sndCwnd     uint32
	sndSSThresh uint32
	maxSndWnd   uint32

	// RTT estimation, in slow ticks
	idle   int
	rtt    int
	rtSeq  uint32
	srtt   int
	rttVar int
	rttMin int

	sndScale        uint8
	rcvScale        uint8
	requestRScale   uint8
	requestedSScale uint8

	tsRecent    uint32
	tsRecentAge uint32
	lastAckSent uint32

	reass reassQueue
}

func (p *Protocol) newConn(so *socket.Socket, pc *pcb.PCB) *Conn {
	c := &Conn{
		proto:       p,
		pcb:         pc,
		so:          so,
		maxSeg:      p.cfg.MSSDefault,
		rttVar:      p.t.srttDflt << rttVarShift,
		rttMin:      p.t.rttMin,
		sndCwnd:     maxWin << maxWinShift,
		sndSSThresh: maxWin << maxWinShift,
	}
	if p.cfg.DoRFC1323 {
		c.flags = flagReqScale | flagReqTstmp
	}
	c.rxtCur = rangeSet((c.srtt>>2+p.t.srttDflt<<2)>>1, p.t.rttMin, p.t.rexmtMax)
	pc.TTL = p.ip.DefaultTTL()
	pc.Private = c
	return c
}

func rangeSet(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func (c *Conn) sendSeqInit() {
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.sndMax = c.iss
	c.sndUp = c.iss
}

func (c *Conn) rcvSeqInit() {
	c.rcvNxt = c.irs + 1
	c.rcvAdv = c.rcvNxt
}

// requestScale picks the window shift needed to advertise the whole
// receive buffer.
func (c *Conn) requestScale() {
	for c.requestRScale < maxWinShift && maxWin<<c.requestRScale < c.so.Rcv.HiWat() {
		c.requestRScale++
	}
}

// rexmtVal is the unclamped retransmit timeout, srtt + 4*rttvar.
func (c *Conn) rexmtVal() int {
	return c.srtt>>rttShift + c.rttVar
}

func (c *Conn) cancelTimers() {
	c.timers = [numTimers]int{}
}

// State returns the connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Timer returns the remaining slow ticks of timer i, zero when idle.
func (c *Conn) Timer(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i]
}

// Info is a snapshot of a connection for diagnostics.
type Info struct {
	Local      string         `json:"local" yaml:"local"`
	Remote     string         `json:"remote" yaml:"remote"`
	State      string         `json:"state" yaml:"state"`
	SendQ      int            `json:"send_q" yaml:"send_q"`
	RecvQ      int            `json:"recv_q" yaml:"recv_q"`
	MaxSeg     int            `json:"mss" yaml:"mss"`
	Cwnd       uint32         `json:"cwnd" yaml:"cwnd"`
	SSThresh   uint32         `json:"ssthresh" yaml:"ssthresh"`
	SRTT       int            `json:"srtt_ticks" yaml:"srtt_ticks"`
	RxtCur     int            `json:"rto_ticks" yaml:"rto_ticks"`
	Timers     map[string]int `json:"timers,omitempty" yaml:"timers,omitempty"`
	Incomplete int            `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`
	Complete   int            `json:"complete,omitempty" yaml:"complete,omitempty"`
}

func (c *Conn) info() Info {
	in := Info{
		Local:    c.pcb.Local.String(),
		Remote:   c.pcb.Remote.String(),
		State:    c.state.String(),
		SendQ:    c.so.Snd.Len(),
		RecvQ:    c.so.Rcv.Len(),
		MaxSeg:   c.maxSeg,
		Cwnd:     c.sndCwnd,
		SSThresh: c.sndSSThresh,
		SRTT:     c.srtt >> rttShift,
		RxtCur:   c.rxtCur,
	}
	for i, v := range c.timers {
		if v == 0 {
			continue
		}
		if in.Timers == nil {
			in.Timers = make(map[string]int)
		}
		in.Timers[timerNames[i]] = v
	}
	if c.state == Listen {
		in.Incomplete, in.Complete = c.so.QueueLen()
	}
	return in
}

// Connections returns a snapshot of every connection in ring order.
func (p *Protocol) Connections() []Info {
	var out []Info
	for _, pc := range p.pcbs.List() {
		c := conn(pc)
		if c == nil {
			continue
		}
		c.mu.Lock()
		out = append(out, c.info())
		c.mu.Unlock()
	}
	return out
}

// seq comparisons in modulo 2^32 sequence space.
func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool  { return int32(a-b) > 0 }
func seqGEQ(a, b uint32) bool { return int32(a-b) >= 0 }

func seqMax(a, b uint32) uint32 {
	if seqGT(a, b) {
		return a
	}
	return b
}
