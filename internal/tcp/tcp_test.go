package tcp

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/ip"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/pcb"
	"firestige.xyz/netstack/internal/route"
	"firestige.xyz/netstack/internal/socket"
)

// captureLink records every transmitted datagram.
type captureLink struct {
	mu   sync.Mutex
	pkts [][]byte
}

func (c *captureLink) Output(_ *netif.Interface, m *mbuf.Mbuf, _ netip.Addr) error {
	c.mu.Lock()
	for p := m; p != nil; p = p.NextPkt() {
		c.pkts = append(c.pkts, mbuf.Bytes(p))
	}
	c.mu.Unlock()
	mbuf.FreePackets(m)
	return nil
}

func (c *captureLink) Attach(netif.RxFunc) {}
func (c *captureLink) Close() error        { return nil }

func (c *captureLink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pkts)
}

func (c *captureLink) packet(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pkts[i]
}

const peerPort = 40000

var (
	localIP = net.IP{10, 0, 0, 1}
	peerIP  = net.IP{10, 0, 0, 2}
)

type testEnv struct {
	arena *mbuf.Arena
	layer *ip.Layer
	tcp   *Protocol
	eth0  *netif.Interface
	wire  *captureLink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := DefaultConfig
	cfg.DebugTraceBytes = 16 << 10
	return newTestEnvConfig(t, cfg)
}

func newTestEnvConfig(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{arena: mbuf.NewArena(mbuf.DefaultConfig), wire: &captureLink{}}
	ifaces := netif.NewTable()
	routes := route.NewTable()
	env.eth0 = netif.New("eth0", 1500, netif.FlagUp|netif.FlagBroadcast, env.wire)
	require.NoError(t, env.eth0.AddAddress(netip.MustParsePrefix("10.0.0.1/24")))
	require.NoError(t, ifaces.Add(env.eth0))
	_, err := routes.Add(netip.MustParsePrefix("10.0.0.0/24"), netip.Addr{}, env.eth0, route.FlagStatic)
	require.NoError(t, err)

	env.layer = ip.New(ip.DefaultConfig, env.arena, ifaces, routes)
	env.tcp, err = New(cfg, env.layer, pcb.DefaultConfig)
	require.NoError(t, err)
	return env
}

func (env *testEnv) socket(t *testing.T) *socket.Socket {
	t.Helper()
	so, err := env.tcp.Socket()
	require.NoError(t, err)
	t.Cleanup(func() { _ = so.Close(context.Background()) })
	return so
}

func ep(s string) core.Endpoint {
	ap := netip.MustParseAddrPort(s)
	return core.Endpoint{Addr: ap.Addr(), Port: ap.Port()}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// inject delivers a segment from the peer to the IP layer.
func (env *testEnv) inject(t *testing.T, th *layers.TCP, payload []byte) {
	t.Helper()
	iph := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    peerIP,
		DstIP:    localIP,
	}
	require.NoError(t, th.SetNetworkLayerForChecksum(iph))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, iph, th, gopacket.Payload(payload)))
	m, err := mbuf.FromBytes(env.arena, buf.Bytes(), env.eth0.Index)
	require.NoError(t, err)
	env.layer.Input(env.eth0, m)
}

// last decodes the most recent transmitted segment.
func (env *testEnv) last(t *testing.T) *layers.TCP {
	t.Helper()
	n := env.wire.count()
	require.Positive(t, n, "nothing transmitted")
	return decodeTCP(t, env.wire.packet(n-1))
}

func decodeTCP(t *testing.T, b []byte) *layers.TCP {
	t.Helper()
	pkt := gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.Default)
	th, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok, "not a TCP segment")
	return th
}

func mssOption(mss uint16) layers.TCPOption {
	return layers.TCPOption{
		OptionType:   layers.TCPOptionKindMSS,
		OptionLength: 4,
		OptionData:   []byte{byte(mss >> 8), byte(mss)},
	}
}

// established runs a passive open for a peer with initial sequence 1000
// and returns the accepted socket and our initial sequence.
func (env *testEnv) established(t *testing.T) (*socket.Socket, uint32) {
	t.Helper()
	child, _, iss := env.open(t, 65535, []layers.TCPOption{mssOption(1460)}, nil)
	return child, iss
}

// open is established with the peer's window and options chosen by the
// caller. It also returns the listener.
func (env *testEnv) open(t *testing.T, win uint16, synOpts, ackOpts []layers.TCPOption) (*socket.Socket, *socket.Socket, uint32) {
	t.Helper()
	l := env.socket(t)
	require.NoError(t, l.Bind(ep("0.0.0.0:80")))
	require.NoError(t, l.Listen(5))

	env.inject(t, &layers.TCP{
		SrcPort: peerPort, DstPort: 80, Seq: 1000, SYN: true, Window: win,
		Options: synOpts,
	}, nil)
	synAck := env.last(t)
	require.True(t, synAck.SYN && synAck.ACK)
	iss := synAck.Seq

	env.inject(t, &layers.TCP{
		SrcPort: peerPort, DstPort: 80, Seq: 1001, Ack: iss + 1, ACK: true, Window: win,
		Options: ackOpts,
	}, nil)
	child, err := l.Accept(testCtx(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = child.Close(context.Background()) })
	return child, l, iss
}

func connOf(so *socket.Socket) *Conn { return conn(so.PCB) }

func TestPassiveOpen(t *testing.T) {
	env := newTestEnv(t)
	l := env.socket(t)
	require.NoError(t, l.Bind(ep("0.0.0.0:80")))
	require.NoError(t, l.Listen(5))

	env.inject(t, &layers.TCP{
		SrcPort: peerPort, DstPort: 80, Seq: 1000, SYN: true, Window: 65535,
		Options: []layers.TCPOption{mssOption(1460)},
	}, nil)
	synAck := env.last(t)
	assert.True(t, synAck.SYN)
	assert.True(t, synAck.ACK)
	assert.Equal(t, uint32(1001), synAck.Ack)
	assert.Equal(t, layers.TCPPort(80), synAck.SrcPort)
	require.NotEmpty(t, synAck.Options)
	assert.EqualValues(t, layers.TCPOptionKindMSS, synAck.Options[0].OptionType)

	incomplete, complete := l.QueueLen()
	assert.Equal(t, 1, incomplete)
	assert.Equal(t, 0, complete)

	env.inject(t, &layers.TCP{
		SrcPort: peerPort, DstPort: 80, Seq: 1001, Ack: synAck.Seq + 1, ACK: true, Window: 65535,
	}, nil)
	child, err := l.Accept(testCtx(t))
	require.NoError(t, err)
	defer child.Close(context.Background())

	c := connOf(child)
	assert.Equal(t, Established, c.State())
	assert.Equal(t, 1460, c.maxSeg)
	assert.Equal(t, ep("10.0.0.2:40000"), child.RemoteAddr())
	assert.Equal(t, uint64(1), env.tcp.Stats().Accepts.Load())
	assert.Equal(t, uint64(1), env.tcp.Stats().Connects.Load())
	assert.Contains(t, env.tcp.Trace(), "SYN_RCVD->ESTABLISHED")
}

func TestActiveOpen(t *testing.T) {
	env := newTestEnv(t)
	so := env.socket(t)
	require.NoError(t, env.tcp.Connect(so, ep("10.0.0.2:80")))

	syn := env.last(t)
	require.True(t, syn.SYN)
	assert.False(t, syn.ACK)
	kinds := map[layers.TCPOptionKind]bool{}
	for _, o := range syn.Options {
		kinds[o.OptionType] = true
	}
	assert.True(t, kinds[layers.TCPOptionKindMSS])
	assert.True(t, kinds[layers.TCPOptionKindWindowScale])
	assert.True(t, kinds[layers.TCPOptionKindTimestamps])
	assert.Equal(t, SynSent, connOf(so).State())

	env.inject(t, &layers.TCP{
		SrcPort: 80, DstPort: syn.SrcPort, Seq: 5000, Ack: syn.Seq + 1, SYN: true, ACK: true, Window: 32768,
		Options: []layers.TCPOption{mssOption(1200)},
	}, nil)
	c := connOf(so)
	assert.Equal(t, Established, c.State())
	assert.NotZero(t, so.State()&socket.StateConnected)
	assert.Equal(t, 1200, c.maxSeg)
	assert.Equal(t, uint32(32768), c.sndWnd)

	ack := env.last(t)
	assert.True(t, ack.ACK)
	assert.False(t, ack.SYN)
	assert.Equal(t, uint32(5001), ack.Ack)
}

func TestEchoThenCloseReachesTimeWait(t *testing.T) {
	env := newTestEnv(t)
	child, iss := env.established(t)
	c := connOf(child)

	env.inject(t, &layers.TCP{
		SrcPort: peerPort, DstPort: 80, Seq: 1001, Ack: iss + 1, ACK: true, PSH: true, Window: 65535,
	}, []byte("hello"))
	buf := make([]byte, 16)
	n, err := child.Receive(testCtx(t), buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = child.Send(testCtx(t), buf[:n])
	require.NoError(t, err)
	echo := env.last(t)
	assert.Equal(t, []byte("hello"), echo.Payload)
	assert.Equal(t, iss+1, echo.Seq)
	assert.Equal(t, uint32(1006), echo.Ack)

	require.NoError(t, child.Close(context.Background()))
	fin := env.last(t)
	assert.True(t, fin.FIN)
	assert.Equal(t, iss+6, fin.Seq)
	assert.Equal(t, FinWait1, c.State())

	env.inject(t, &layers.TCP{
		SrcPort: peerPort, DstPort: 80, Seq: 1006, Ack: iss + 7, ACK: true, Window: 65535,
	}, nil)
	assert.Equal(t, FinWait2, c.State())

	env.inject(t, &layers.TCP{
		SrcPort: peerPort, DstPort: 80, Seq: 1006, Ack: iss + 7, ACK: true, FIN: true, Window: 65535,
	}, nil)
	assert.Equal(t, TimeWait, c.State())
	assert.Equal(t, 2*env.tcp.t.msl, c.Timer(Timer2MSL))
	assert.Equal(t, uint32(1007), env.last(t).Ack)

	// a retransmitted FIN restarts the wait and is acked again
	env.inject(t, &layers.TCP{
		SrcPort: peerPort, DstPort: 80, Seq: 1006, Ack: iss + 7, ACK: true, FIN: true, Window: 65535,
	}, nil)
	assert.Equal(t, TimeWait, c.State())

	for range 2 * env.tcp.t.msl {
		env.tcp.SlowTick()
	}
	assert.Equal(t, Closed, c.State())
	assert.Zero(t, env.tcp.Registry().Len()-1, "only the listener is left")
}

func TestRetransmitTimeout(t *testing.T) {
	env := newTestEnv(t)
	child, iss := env.established(t)
	c := connOf(child)

	data := bytes.Repeat([]byte{0xab}, 100)
	_, err := child.Send(testCtx(t), data)
	require.NoError(t, err)
	first := env.last(t)
	require.Equal(t, data, first.Payload)
	require.Equal(t, iss+1, first.Seq)

	c.mu.Lock()
	wnd, cwnd, mss := c.sndWnd, c.sndCwnd, uint32(c.maxSeg)
	c.mu.Unlock()

	sent := env.wire.count()
	for i := 0; i < 20 && env.wire.count() == sent; i++ {
		env.tcp.SlowTick()
	}
	require.Equal(t, sent+1, env.wire.count(), "no retransmission")
	again := env.last(t)
	assert.Equal(t, first.Seq, again.Seq)
	assert.Equal(t, first.Payload, again.Payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, max(2, min(wnd, cwnd)/2/mss)*mss, c.sndSSThresh)
	assert.Equal(t, mss, c.sndCwnd)
	assert.Equal(t, 1, c.rxtShift)
	assert.Equal(t, uint64(1), env.tcp.Stats().RexmtTimeo.Load())
}

func TestFastRetransmit(t *testing.T) {
	env := newTestEnv(t)
	child, iss := env.established(t)
	c := connOf(child)

	data := bytes.Repeat([]byte{1}, 2*1460)
	_, err := child.Send(testCtx(t), data)
	require.NoError(t, err)
	require.GreaterOrEqual(t, env.wire.count(), 2)
	assert.Len(t, env.last(t).Payload, 1460)

	c.mu.Lock()
	wnd, cwnd := c.sndWnd, c.sndCwnd
	c.mu.Unlock()

	dup := func() {
		env.inject(t, &layers.TCP{
			SrcPort: peerPort, DstPort: 80, Seq: 1001, Ack: iss + 1, ACK: true, Window: 65535,
		}, nil)
	}
	sent := env.wire.count()
	dup()
	dup()
	assert.Equal(t, sent, env.wire.count(), "two duplicates are not enough")
	dup()
	require.Equal(t, sent+1, env.wire.count(), "exactly one segment is resent")
	re := env.last(t)
	assert.Equal(t, iss+1, re.Seq)
	assert.Len(t, re.Payload, 1460)

	c.mu.Lock()
	defer c.mu.Unlock()
	ssthresh := max(2, min(wnd, cwnd)/2/1460) * 1460
	assert.Equal(t, ssthresh, c.sndSSThresh)
	// the window is inflated by the three segments that left the network
	assert.Equal(t, ssthresh+3*1460, c.sndCwnd)
	assert.Equal(t, iss+1+2*1460, c.sndNxt)
}

func TestResetAbortsConnection(t *testing.T) {
	env := newTestEnv(t)
	child, _ := env.established(t)

	env.inject(t, &layers.TCP{
		SrcPort: peerPort, DstPort: 80, Seq: 1001, RST: true, Window: 0,
	}, nil)
	assert.Equal(t, Closed, connOf(child).State())
	assert.ErrorIs(t, child.Error(), core.ErrConnectionReset)

	_, err := child.Send(testCtx(t), []byte("x"))
	assert.Error(t, err)
}

func TestLingerZeroClosesWithReset(t *testing.T) {
	env := newTestEnv(t)
	child, iss := env.established(t)
	child.SetLinger(true, 0)
	require.NoError(t, child.Close(context.Background()))

	rst := env.last(t)
	assert.True(t, rst.RST)
	assert.Equal(t, iss+1, rst.Seq)
	assert.Equal(t, Closed, connOf(child).State())
	assert.Equal(t, uint64(1), env.tcp.Stats().Drops.Load())
}

func TestSegmentWithoutListenerIsReset(t *testing.T) {
	env := newTestEnv(t)
	env.inject(t, &layers.TCP{
		SrcPort: peerPort, DstPort: 9999, Seq: 77, SYN: true, Window: 1024,
	}, nil)
	rst := env.last(t)
	assert.True(t, rst.RST)
	assert.True(t, rst.ACK)
	assert.Equal(t, uint32(78), rst.Ack)
	assert.Equal(t, uint64(1), env.tcp.Stats().NoPort.Load())

	// an RST is never answered
	sent := env.wire.count()
	env.inject(t, &layers.TCP{SrcPort: peerPort, DstPort: 9999, Seq: 78, RST: true}, nil)
	assert.Equal(t, sent, env.wire.count())
}

func TestListenQueueLimit(t *testing.T) {
	env := newTestEnv(t)
	l := env.socket(t)
	require.NoError(t, l.Bind(ep("0.0.0.0:80")))
	require.NoError(t, l.Listen(1))

	for i := range 3 {
		env.inject(t, &layers.TCP{
			SrcPort: layers.TCPPort(peerPort + i), DstPort: 80, Seq: 1000, SYN: true, Window: 4096,
		}, nil)
	}
	incomplete, _ := l.QueueLen()
	assert.Equal(t, 2, incomplete)
	assert.Equal(t, uint64(1), env.tcp.Stats().ListenDrop.Load())
}

func TestXmitTimer(t *testing.T) {
	env := newTestEnv(t)
	so := env.socket(t)
	c := connOf(so)

	c.xmitTimer(4)
	assert.Equal(t, 4<<rttShift, c.srtt)
	assert.Equal(t, 4<<(rttVarShift-1), c.rttVar)
	assert.Equal(t, rangeSet(4+8, c.rttMin, env.tcp.t.rexmtMax), c.rxtCur)

	// a steady sample pulls srtt toward it by an eighth of the error
	c.xmitTimer(12)
	assert.Equal(t, 32+(12-1-4), c.srtt)
	assert.Zero(t, c.rtt)
}

func TestReassembleOutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	child, iss := env.established(t)
	c := connOf(child)

	seg := func(seq uint32, payload string) {
		env.inject(t, &layers.TCP{
			SrcPort: peerPort, DstPort: 80, Seq: seq, Ack: iss + 1, ACK: true, Window: 65535,
		}, []byte(payload))
	}
	seg(1006, "world")
	seg(1003, "llo")
	c.mu.Lock()
	assert.Len(t, c.reass, 2)
	assert.Equal(t, uint32(1001), c.rcvNxt)
	c.mu.Unlock()
	assert.Equal(t, uint32(1001), env.last(t).Ack, "out-of-order data is acked at once")

	seg(1001, "he")
	c.mu.Lock()
	assert.Empty(t, c.reass)
	assert.Equal(t, uint32(1011), c.rcvNxt)
	c.mu.Unlock()

	buf := make([]byte, 32)
	n, err := child.Receive(testCtx(t), buf)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(buf[:n]))
}

func TestSeqCompare(t *testing.T) {
	assert.True(t, seqLT(0xfffffff0, 0x10))
	assert.True(t, seqGT(0x10, 0xfffffff0))
	assert.True(t, seqLEQ(5, 5))
	assert.True(t, seqGEQ(5, 5))
	assert.Equal(t, uint32(0x10), seqMax(0xfffffff0, 0x10))
}
