// Package tcp implements the TCP engine: connection control blocks, the
// segment-processing state machine, output with retransmission, RTT
// estimation, Reno congestion control and the slow/fast timers.
package tcp

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/ip"
	"firestige.xyz/netstack/internal/metrics"
	"firestige.xyz/netstack/internal/pcb"
	"firestige.xyz/netstack/internal/socket"
)

// Stats are the TCP counters.
type Stats struct {
	set *metrics.CounterSet

	ConnAttempt     *metrics.Counter
	Accepts         *metrics.Counter
	Connects        *metrics.Counter
	Drops           *metrics.Counter
	ConnDrops       *metrics.Counter
	Closed          *metrics.Counter
	SegsTimed       *metrics.Counter
	RTTUpdated      *metrics.Counter
	DelAck          *metrics.Counter
	TimeoutDrop     *metrics.Counter
	RexmtTimeo      *metrics.Counter
	PersistTimeo    *metrics.Counter
	KeepTimeo       *metrics.Counter
	KeepProbe       *metrics.Counter
	KeepDrops       *metrics.Counter
	SndTotal        *metrics.Counter
	SndPack         *metrics.Counter
	SndByte         *metrics.Counter
	SndRexmitPack   *metrics.Counter
	SndRexmitByte   *metrics.Counter
	SndAcks         *metrics.Counter
	SndProbe        *metrics.Counter
	SndWinUp        *metrics.Counter
	SndCtrl         *metrics.Counter
	RcvTotal        *metrics.Counter
	RcvPack         *metrics.Counter
	RcvByte         *metrics.Counter
	RcvBadSum       *metrics.Counter
	RcvBadOff       *metrics.Counter
	RcvShort        *metrics.Counter
	RcvDupPack      *metrics.Counter
	RcvDupByte      *metrics.Counter
	RcvPartDupPack  *metrics.Counter
	RcvPartDupByte  *metrics.Counter
	RcvOOPack       *metrics.Counter
	RcvOOByte       *metrics.Counter
	RcvPackAfterWin *metrics.Counter
	RcvByteAfterWin *metrics.Counter
	RcvAfterClose   *metrics.Counter
	RcvWinProbe     *metrics.Counter
	RcvDupAck       *metrics.Counter
	RcvAckTooMuch   *metrics.Counter
	RcvAckPack      *metrics.Counter
	RcvAckByte      *metrics.Counter
	RcvWinUpd       *metrics.Counter
	PAWSDrop        *metrics.Counter
	PredAck         *metrics.Counter
	PredDat         *metrics.Counter
	ListenDrop      *metrics.Counter
	NoPort          *metrics.Counter
}

func newStats() *Stats {
	s := &Stats{set: metrics.NewCounterSet(metrics.TCPStats)}
	c := s.set.Counter
	s.ConnAttempt = c("connattempt")
	s.Accepts = c("accepts")
	s.Connects = c("connects")
	s.Drops = c("drops")
	s.ConnDrops = c("conndrops")
	s.Closed = c("closed")
	s.SegsTimed = c("segstimed")
	s.RTTUpdated = c("rttupdated")
	s.DelAck = c("delack")
	s.TimeoutDrop = c("timeoutdrop")
	s.RexmtTimeo = c("rexmttimeo")
	s.PersistTimeo = c("persisttimeo")
	s.KeepTimeo = c("keeptimeo")
	s.KeepProbe = c("keepprobe")
	s.KeepDrops = c("keepdrops")
	s.SndTotal = c("sndtotal")
	s.SndPack = c("sndpack")
	s.SndByte = c("sndbyte")
	s.SndRexmitPack = c("sndrexmitpack")
	s.SndRexmitByte = c("sndrexmitbyte")
	s.SndAcks = c("sndacks")
	s.SndProbe = c("sndprobe")
	s.SndWinUp = c("sndwinup")
	s.SndCtrl = c("sndctrl")
	s.RcvTotal = c("rcvtotal")
	s.RcvPack = c("rcvpack")
	s.RcvByte = c("rcvbyte")
	s.RcvBadSum = c("rcvbadsum")
	s.RcvBadOff = c("rcvbadoff")
	s.RcvShort = c("rcvshort")
	s.RcvDupPack = c("rcvduppack")
	s.RcvDupByte = c("rcvdupbyte")
	s.RcvPartDupPack = c("rcvpartduppack")
	s.RcvPartDupByte = c("rcvpartdupbyte")
	s.RcvOOPack = c("rcvoopack")
	s.RcvOOByte = c("rcvoobyte")
	s.RcvPackAfterWin = c("rcvpackafterwin")
	s.RcvByteAfterWin = c("rcvbyteafterwin")
	s.RcvAfterClose = c("rcvafterclose")
	s.RcvWinProbe = c("rcvwinprobe")
	s.RcvDupAck = c("rcvdupack")
	s.RcvAckTooMuch = c("rcvacktoomuch")
	s.RcvAckPack = c("rcvackpack")
	s.RcvAckByte = c("rcvackbyte")
	s.RcvWinUpd = c("rcvwinupd")
	s.PAWSDrop = c("pawsdrop")
	s.PredAck = c("predack")
	s.PredDat = c("preddat")
	s.ListenDrop = c("listendrop")
	s.NoPort = c("noport")
	return s
}

// Snapshot returns the counters keyed by name.
func (s *Stats) Snapshot() map[string]uint64 { return s.set.Snapshot() }

// Config holds the TCP tunables. Durations are rounded to slow ticks.
type Config struct {
	MSSDefault  int
	DoRFC1323   bool
	RTTMin      time.Duration
	RexmtMax    time.Duration
	KeepInit    time.Duration
	KeepIdle    time.Duration
	KeepIntvl   time.Duration
	KeepCount   int
	MSL         time.Duration
	RexmtThresh int

	SendSpace int
	RecvSpace int
	SBMax     int

	// SlowHz is the slow tick rate the timers are counted in.
	SlowHz int

	// DebugTraceBytes sizes the trace ring; zero disables tracing.
	DebugTraceBytes int64
}

// DefaultConfig matches the classic BSD tunables.
var DefaultConfig = Config{
	MSSDefault:  512,
	DoRFC1323:   true,
	RTTMin:      time.Second,
	RexmtMax:    64 * time.Second,
	KeepInit:    75 * time.Second,
	KeepIdle:    2 * time.Hour,
	KeepIntvl:   75 * time.Second,
	KeepCount:   8,
	MSL:         30 * time.Second,
	RexmtThresh: 3,
	SendSpace:   8192,
	RecvSpace:   8192,
	SlowHz:      2,
}

// ticks holds the tunables converted to slow ticks.
type ticks struct {
	rttMin    int
	rexmtMax  int
	keepInit  int
	keepIdle  int
	keepIntvl int
	maxIdle   int
	msl       int
	srttDflt  int
	persMin   int
	persMax   int
	pawsIdle  uint32
	issIncr   uint32
}

func (cfg *Config) ticks() ticks {
	hz := cfg.SlowHz
	conv := func(d time.Duration) int {
		return max(1, int(d*time.Duration(hz)/time.Second))
	}
	t := ticks{
		rttMin:    conv(cfg.RTTMin),
		rexmtMax:  conv(cfg.RexmtMax),
		keepInit:  conv(cfg.KeepInit),
		keepIdle:  conv(cfg.KeepIdle),
		keepIntvl: conv(cfg.KeepIntvl),
		msl:       conv(cfg.MSL),
		srttDflt:  conv(3 * time.Second),
		persMin:   conv(5 * time.Second),
		persMax:   conv(60 * time.Second),
		pawsIdle:  uint32(24 * 24 * 60 * 60 * hz),
		issIncr:   issIncr / uint32(hz),
	}
	t.maxIdle = cfg.KeepCount * t.keepIntvl
	return t
}

func (cfg *Config) applyDefaults() {
	d := DefaultConfig
	if cfg.MSSDefault <= 0 {
		cfg.MSSDefault = d.MSSDefault
	}
	if cfg.RTTMin <= 0 {
		cfg.RTTMin = d.RTTMin
	}
	if cfg.RexmtMax <= 0 {
		cfg.RexmtMax = d.RexmtMax
	}
	if cfg.KeepInit <= 0 {
		cfg.KeepInit = d.KeepInit
	}
	if cfg.KeepIdle <= 0 {
		cfg.KeepIdle = d.KeepIdle
	}
	if cfg.KeepIntvl <= 0 {
		cfg.KeepIntvl = d.KeepIntvl
	}
	if cfg.KeepCount <= 0 {
		cfg.KeepCount = d.KeepCount
	}
	if cfg.MSL <= 0 {
		cfg.MSL = d.MSL
	}
	if cfg.RexmtThresh <= 0 {
		cfg.RexmtThresh = d.RexmtThresh
	}
	if cfg.SendSpace <= 0 {
		cfg.SendSpace = d.SendSpace
	}
	if cfg.RecvSpace <= 0 {
		cfg.RecvSpace = d.RecvSpace
	}
	if cfg.SlowHz <= 0 {
		cfg.SlowHz = d.SlowHz
	}
}

// issIncr is the per-second advance of the initial send sequence.
const issIncr = 125 * 1024

// Protocol is the TCP instance attached to one IP layer.
type Protocol struct {
	cfg   Config
	t     ticks
	ip    *ip.Layer
	pcbs  *pcb.Registry
	stats *Stats
	log   *slog.Logger
	trace *tracer

	iss atomic.Uint32
	now atomic.Uint32 // timestamp clock, one unit per slow tick

	// tickMu keeps slow and fast ticks from interleaving.
	tickMu sync.Mutex
}

// New creates the protocol and registers it for protocol number 6.
func New(cfg Config, l *ip.Layer, ports pcb.Config) (*Protocol, error) {
	cfg.applyDefaults()
	p := &Protocol{
		cfg:   cfg,
		t:     cfg.ticks(),
		ip:    l,
		pcbs:  pcb.New("tcp", ports, l.Routes(), l.Interfaces()),
		stats: newStats(),
		log:   slog.Default().With("component", "tcp"),
	}
	if cfg.DebugTraceBytes > 0 {
		tr, err := newTracer(cfg.DebugTraceBytes)
		if err != nil {
			return nil, fmt.Errorf("tcp: debug trace: %w", err)
		}
		p.trace = tr
	}
	p.iss.Store(rand.Uint32())
	p.now.Store(1)
	if err := l.Register(core.ProtocolTCP, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Stats returns the TCP counters.
func (p *Protocol) Stats() *Stats { return p.stats }

// Registry returns the PCB registry.
func (p *Protocol) Registry() *pcb.Registry { return p.pcbs }

// Config returns the effective configuration.
func (p *Protocol) Config() Config { return p.cfg }

// Socket creates a stream socket.
func (p *Protocol) Socket() (*socket.Socket, error) {
	return socket.New(socket.TypeStream, p, p.ip.Arena(), p.cfg.SBMax)
}

// Trace returns the debug trace ring contents, oldest first.
func (p *Protocol) Trace() string {
	if p.trace == nil {
		return ""
	}
	return p.trace.String()
}

// newISS returns an initial send sequence and advances the generator.
func (p *Protocol) newISS() uint32 {
	return p.iss.Add(issIncr/2) - issIncr/2
}

func conn(pc *pcb.PCB) *Conn {
	if pc == nil {
		return nil
	}
	c, _ := pc.Private.(*Conn)
	return c
}

func owner(pc *pcb.PCB) *socket.Socket {
	so, _ := pc.Owner.(*socket.Socket)
	return so
}
