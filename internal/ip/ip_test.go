package ip

import (
	"bytes"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/header"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/route"
)

type captureLink struct {
	mu    sync.Mutex
	pkts  [][]byte
	hops  []netip.Addr
	calls int
}

func (c *captureLink) Output(_ *netif.Interface, m *mbuf.Mbuf, nextHop netip.Addr) error {
	c.mu.Lock()
	c.calls++
	for p := m; p != nil; p = p.NextPkt() {
		c.pkts = append(c.pkts, mbuf.Bytes(p))
		c.hops = append(c.hops, nextHop)
	}
	c.mu.Unlock()
	mbuf.FreePackets(m)
	return nil
}

func (c *captureLink) Attach(netif.RxFunc) {}
func (c *captureLink) Close() error        { return nil }

type recorder struct {
	got [][]byte
}

func (r *recorder) Input(m *mbuf.Mbuf, hlen int) {
	r.got = append(r.got, mbuf.Bytes(m))
	mbuf.FreeChain(m)
}

func (r *recorder) ControlInput(Control, netip.Addr, []byte) {}

type report struct {
	typ, code uint8
	extra     uint32
}

type reporter struct {
	reports []report
}

func (r *reporter) ReportError(_ *mbuf.Mbuf, typ, code uint8, extra uint32, _ *netif.Interface) {
	r.reports = append(r.reports, report{typ, code, extra})
}

type testEnv struct {
	layer *Layer
	arena *mbuf.Arena
	eth0  *netif.Interface
	eth1  *netif.Interface
	link0 *captureLink
	link1 *captureLink
	proto *recorder
	icmp  *reporter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		arena: mbuf.NewArena(mbuf.DefaultConfig),
		link0: &captureLink{},
		link1: &captureLink{},
		proto: &recorder{},
		icmp:  &reporter{},
	}
	ifaces := netif.NewTable()
	env.eth0 = netif.New("eth0", 1500, netif.FlagUp|netif.FlagBroadcast, env.link0)
	require.NoError(t, env.eth0.AddAddress(netip.MustParsePrefix("10.0.0.1/24")))
	require.NoError(t, ifaces.Add(env.eth0))
	env.eth1 = netif.New("eth1", 1500, netif.FlagUp|netif.FlagBroadcast, env.link1)
	require.NoError(t, env.eth1.AddAddress(netip.MustParsePrefix("192.168.1.1/24")))
	require.NoError(t, ifaces.Add(env.eth1))

	routes := route.NewTable()
	_, err := routes.Add(netip.MustParsePrefix("10.0.0.0/24"), netip.Addr{}, env.eth0, route.FlagStatic)
	require.NoError(t, err)
	_, err = routes.Add(netip.MustParsePrefix("192.168.1.0/24"), netip.Addr{}, env.eth1, route.FlagStatic)
	require.NoError(t, err)
	_, err = routes.Add(netip.MustParsePrefix("172.16.0.0/16"), netip.MustParseAddr("10.0.0.254"), env.eth0, route.FlagStatic)
	require.NoError(t, err)

	env.layer = New(DefaultConfig, env.arena, ifaces, routes)
	require.NoError(t, env.layer.Register(core.ProtocolUDP, env.proto))
	env.layer.SetErrorReporter(env.icmp)
	return env
}

func (env *testEnv) datagram(t *testing.T, src, dst string, id, fo uint16, ttl uint8, payload []byte) *mbuf.Mbuf {
	t.Helper()
	b := make([]byte, header.IPv4MinHeaderLen+len(payload))
	header.IPv4(b).Encode(&header.IPv4Fields{
		TotalLen:    uint16(len(b)),
		ID:          id,
		FlagsOffset: fo,
		TTL:         ttl,
		Protocol:    core.ProtocolUDP,
		Src:         netip.MustParseAddr(src),
		Dst:         netip.MustParseAddr(dst),
	})
	copy(b[header.IPv4MinHeaderLen:], payload)
	m, err := mbuf.FromBytes(env.arena, b, env.eth0.Index)
	require.NoError(t, err)
	return m
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

func TestInput_ReassemblesOutOfOrderFragments(t *testing.T) {
	env := newTestEnv(t)
	payload := pattern(3000)
	frag := func(i int, mf bool) *mbuf.Mbuf {
		fo := uint16(i * 1000 / 8)
		if mf {
			fo |= header.IPv4FlagMF
		}
		return env.datagram(t, "10.0.0.2", "10.0.0.1", 77, fo, 64, payload[i*1000:(i+1)*1000])
	}

	env.layer.Input(env.eth0, frag(1, true))
	env.layer.Input(env.eth0, frag(0, true))
	assert.Empty(t, env.proto.got)
	assert.Equal(t, 1, env.layer.ReassemblyLen())
	env.layer.Input(env.eth0, frag(2, false))

	require.Len(t, env.proto.got, 1)
	got := header.IPv4(env.proto.got[0])
	assert.Equal(t, uint16(3020), got.TotalLen())
	assert.False(t, got.MoreFragments())
	assert.True(t, got.ChecksumValid())
	assert.Equal(t, payload, []byte(got[header.IPv4MinHeaderLen:]))
	assert.Equal(t, 0, env.layer.ReassemblyLen())
	assert.Equal(t, uint64(1), env.layer.Stats().Reassembled.Load())
	assert.Equal(t, uint64(3), env.layer.Stats().Fragments.Load())
}

func TestInput_OverlapKeepsEarlierBytes(t *testing.T) {
	a := bytes.Repeat([]byte{'A'}, 16)
	b := bytes.Repeat([]byte{'B'}, 16)

	t.Run("first fragment earlier", func(t *testing.T) {
		env := newTestEnv(t)
		env.layer.Input(env.eth0, env.datagram(t, "10.0.0.2", "10.0.0.1", 1, header.IPv4FlagMF, 64, a))
		env.layer.Input(env.eth0, env.datagram(t, "10.0.0.2", "10.0.0.1", 1, 1, 64, b))
		require.Len(t, env.proto.got, 1)
		want := append(bytes.Repeat([]byte{'A'}, 16), bytes.Repeat([]byte{'B'}, 8)...)
		assert.Equal(t, want, env.proto.got[0][header.IPv4MinHeaderLen:])
	})

	t.Run("second fragment earlier", func(t *testing.T) {
		env := newTestEnv(t)
		env.layer.Input(env.eth0, env.datagram(t, "10.0.0.2", "10.0.0.1", 1, 1, 64, b))
		env.layer.Input(env.eth0, env.datagram(t, "10.0.0.2", "10.0.0.1", 1, header.IPv4FlagMF, 64, a))
		require.Len(t, env.proto.got, 1)
		want := append(bytes.Repeat([]byte{'A'}, 8), bytes.Repeat([]byte{'B'}, 16)...)
		assert.Equal(t, want, env.proto.got[0][header.IPv4MinHeaderLen:])
	})
}

func TestInput_ReassemblyTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.layer.Input(env.eth0, env.datagram(t, "10.0.0.2", "10.0.0.1", 9, header.IPv4FlagMF, 64, pattern(64)))
	require.Equal(t, 1, env.layer.ReassemblyLen())
	ticks := int(DefaultConfig.ReassemblyTimeout.Seconds()) * DefaultConfig.SlowHz
	for i := 0; i < ticks; i++ {
		env.layer.SlowTick()
	}
	assert.Equal(t, 0, env.layer.ReassemblyLen())
	assert.Equal(t, uint64(1), env.layer.Stats().FragTimeout.Load())
	nodes, clusters := env.arena.InUse()
	assert.Zero(t, nodes)
	assert.Zero(t, clusters)
}

func TestInput_BadChecksum(t *testing.T) {
	env := newTestEnv(t)
	m := env.datagram(t, "10.0.0.2", "10.0.0.1", 1, 0, 64, []byte("payload"))
	m.Data()[8]++ // ttl
	env.layer.Input(env.eth0, m)
	assert.Empty(t, env.proto.got)
	assert.Equal(t, uint64(1), env.layer.Stats().BadSum.Load())
	assert.Equal(t, uint64(1), env.eth0.Stats.InErrors.Load())
}

func TestInput_TrimsLinkPadding(t *testing.T) {
	env := newTestEnv(t)
	b := make([]byte, 20+4+10)
	header.IPv4(b).Encode(&header.IPv4Fields{
		TotalLen: 24, TTL: 64, Protocol: core.ProtocolUDP,
		Src: netip.MustParseAddr("10.0.0.2"), Dst: netip.MustParseAddr("10.0.0.1"),
	})
	copy(b[20:], "data")
	m, err := mbuf.FromBytes(env.arena, b, env.eth0.Index)
	require.NoError(t, err)
	env.layer.Input(env.eth0, m)
	require.Len(t, env.proto.got, 1)
	assert.Len(t, env.proto.got[0], 24)
}

func TestInput_UnknownProtocol(t *testing.T) {
	env := newTestEnv(t)
	b := make([]byte, 24)
	header.IPv4(b).Encode(&header.IPv4Fields{
		TotalLen: 24, TTL: 64, Protocol: 99,
		Src: netip.MustParseAddr("10.0.0.2"), Dst: netip.MustParseAddr("10.0.0.1"),
	})
	m, err := mbuf.FromBytes(env.arena, b, env.eth0.Index)
	require.NoError(t, err)
	env.layer.Input(env.eth0, m)
	assert.Equal(t, uint64(1), env.layer.Stats().NoProto.Load())
	require.Len(t, env.icmp.reports, 1)
	assert.Equal(t, report{header.ICMPUnreach, header.ICMPUnreachProtocol, 0}, env.icmp.reports[0])
}

func TestInput_NotForUsWithoutForwarding(t *testing.T) {
	env := newTestEnv(t)
	env.layer.Input(env.eth0, env.datagram(t, "10.0.0.2", "192.168.1.9", 1, 0, 64, []byte("x")))
	assert.Equal(t, uint64(1), env.layer.Stats().CantForward.Load())
	assert.Empty(t, env.link1.pkts)
}

func TestForward_DecrementsTTL(t *testing.T) {
	env := newTestEnv(t)
	env.layer.SetForwarding(true)
	env.layer.Input(env.eth0, env.datagram(t, "10.0.0.2", "192.168.1.9", 1, 0, 64, []byte("relay")))

	require.Len(t, env.link1.pkts, 1)
	out := header.IPv4(env.link1.pkts[0])
	assert.Equal(t, uint8(63), out.TTL())
	assert.True(t, out.ChecksumValid())
	assert.Equal(t, netip.MustParseAddr("192.168.1.9"), env.link1.hops[0])
	assert.Equal(t, uint64(1), env.layer.Stats().Forward.Load())
	assert.Empty(t, env.icmp.reports)
}

func TestForward_TTLExpired(t *testing.T) {
	env := newTestEnv(t)
	env.layer.SetForwarding(true)
	env.layer.Input(env.eth0, env.datagram(t, "10.0.0.2", "192.168.1.9", 1, 0, 1, []byte("relay")))
	assert.Empty(t, env.link1.pkts)
	require.Len(t, env.icmp.reports, 1)
	assert.Equal(t, uint8(header.ICMPTimeExceeded), env.icmp.reports[0].typ)
}

func TestForward_SendsRedirectOnSameInterface(t *testing.T) {
	env := newTestEnv(t)
	env.layer.SetForwarding(true)
	env.layer.Input(env.eth0, env.datagram(t, "10.0.0.2", "172.16.5.5", 1, 0, 64, []byte("relay")))

	require.Len(t, env.link0.pkts, 1)
	assert.Equal(t, netip.MustParseAddr("10.0.0.254"), env.link0.hops[0])
	require.Len(t, env.icmp.reports, 1)
	r := env.icmp.reports[0]
	assert.Equal(t, uint8(header.ICMPRedirect), r.typ)
	assert.Equal(t, uint8(header.ICMPRedirectHost), r.code)
	assert.Equal(t, uint32(10<<24|254), r.extra)
	assert.Equal(t, uint64(1), env.layer.Stats().RedirectSent.Load())
}

func TestForward_NeedFragWhenDF(t *testing.T) {
	env := newTestEnv(t)
	env.layer.SetForwarding(true)
	require.NoError(t, env.eth1.SetMTU(576))
	env.layer.Input(env.eth0, env.datagram(t, "10.0.0.2", "192.168.1.9", 1, header.IPv4FlagDF, 64, pattern(1000)))
	assert.Empty(t, env.link1.pkts)
	require.Len(t, env.icmp.reports, 1)
	assert.Equal(t, report{header.ICMPUnreach, header.ICMPUnreachNeedFrag, 576}, env.icmp.reports[0])
}

func (env *testEnv) outbound(t *testing.T, dst string, fo uint16, payload []byte) *mbuf.Mbuf {
	t.Helper()
	b := make([]byte, header.IPv4MinHeaderLen+len(payload))
	ip := header.IPv4(b)
	ip.SetTotalLen(uint16(len(b)))
	ip.SetFlagsOffset(fo)
	ip.SetProtocol(core.ProtocolUDP)
	ip.SetSrc(netip.IPv4Unspecified())
	ip.SetDst(netip.MustParseAddr(dst))
	copy(b[header.IPv4MinHeaderLen:], payload)
	m, err := mbuf.FromBytes(env.arena, b, 0)
	require.NoError(t, err)
	return m
}

func TestOutput_Fragments(t *testing.T) {
	env := newTestEnv(t)
	payload := pattern(3000)
	require.NoError(t, env.layer.Output(env.outbound(t, "10.0.0.2", 0, payload), nil, nil, 0))

	require.Len(t, env.link0.pkts, 3)
	var joined []byte
	var id uint16
	for i, raw := range env.link0.pkts {
		pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
		ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		require.True(t, ok)
		assert.Equal(t, "10.0.0.1", ip.SrcIP.String())
		assert.Equal(t, uint16(i*1480/8), ip.FragOffset)
		if i < 2 {
			assert.Equal(t, layers.IPv4MoreFragments, ip.Flags)
		} else {
			assert.Equal(t, layers.IPv4Flag(0), ip.Flags)
		}
		if i == 0 {
			id = ip.Id
		}
		assert.Equal(t, id, ip.Id)
		assert.True(t, header.IPv4(raw).ChecksumValid())
		joined = append(joined, raw[ip.IHL*4:ip.Length]...)
	}
	assert.Equal(t, payload, joined)
	assert.Equal(t, 1, env.link0.calls, "the fragments reach the link as one chain")
	assert.Equal(t, uint64(3), env.eth0.Stats.OutPackets.Load())
	assert.Equal(t, uint64(1), env.layer.Stats().Fragmented.Load())
	assert.Equal(t, uint64(3), env.layer.Stats().OFragments.Load())
}

// refuseLink fails every transmission.
type refuseLink struct {
	calls int
}

func (r *refuseLink) Output(_ *netif.Interface, m *mbuf.Mbuf, _ netip.Addr) error {
	r.calls++
	mbuf.FreePackets(m)
	return core.ErrNoBuffers
}

func (r *refuseLink) Attach(netif.RxFunc) {}
func (r *refuseLink) Close() error        { return nil }

func TestOutput_FragmentChainFreedOnLinkError(t *testing.T) {
	env := &testEnv{arena: mbuf.NewArena(mbuf.DefaultConfig)}
	link := &refuseLink{}
	ifp := netif.New("eth0", 1500, netif.FlagUp, link)
	require.NoError(t, ifp.AddAddress(netip.MustParsePrefix("10.0.0.1/24")))
	ifaces := netif.NewTable()
	require.NoError(t, ifaces.Add(ifp))
	routes := route.NewTable()
	_, err := routes.Add(netip.MustParsePrefix("10.0.0.0/24"), netip.Addr{}, ifp, route.FlagStatic)
	require.NoError(t, err)
	layer := New(DefaultConfig, env.arena, ifaces, routes)

	err = layer.Output(env.outbound(t, "10.0.0.2", 0, pattern(3000)), nil, nil, 0)
	assert.ErrorIs(t, err, core.ErrNoBuffers)
	assert.Equal(t, 1, link.calls)
	assert.Equal(t, uint64(1), ifp.Stats.OutErrors.Load())
	nodes, clusters := env.arena.InUse()
	assert.Zero(t, nodes)
	assert.Zero(t, clusters)
}

func TestOutput_FragmentsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	payload := pattern(4000)
	require.NoError(t, env.layer.Output(env.outbound(t, "10.0.0.2", 0, payload), nil, nil, 0))

	rx := newTestEnv(t)
	for i := len(env.link0.pkts) - 1; i >= 0; i-- {
		raw := env.link0.pkts[i]
		header.IPv4(raw).SetDst(netip.MustParseAddr("10.0.0.1"))
		ip := header.IPv4(raw)
		ip.SetChecksum(0)
		ip.SetChecksum(ip.ComputeChecksum())
		m, err := mbuf.FromBytes(rx.arena, raw, rx.eth0.Index)
		require.NoError(t, err)
		rx.layer.Input(rx.eth0, m)
	}
	require.Len(t, rx.proto.got, 1)
	assert.Equal(t, payload, rx.proto.got[0][header.IPv4MinHeaderLen:])
}

func TestOutput_DontFragment(t *testing.T) {
	env := newTestEnv(t)
	err := env.layer.Output(env.outbound(t, "10.0.0.2", header.IPv4FlagDF, pattern(3000)), nil, nil, 0)
	assert.ErrorIs(t, err, core.ErrMessageTooLarge)
	assert.Empty(t, env.link0.pkts)
	assert.Equal(t, uint64(1), env.layer.Stats().CantFrag.Load())
	nodes, clusters := env.arena.InUse()
	assert.Zero(t, nodes)
	assert.Zero(t, clusters)
}

func TestOutput_NoRoute(t *testing.T) {
	env := newTestEnv(t)
	err := env.layer.Output(env.outbound(t, "8.8.8.8", 0, []byte("x")), nil, nil, 0)
	assert.ErrorIs(t, err, core.ErrNetworkUnreachable)
	assert.Equal(t, uint64(1), env.layer.Stats().NoRoute.Load())
}

func TestOutput_Broadcast(t *testing.T) {
	env := newTestEnv(t)
	err := env.layer.Output(env.outbound(t, "10.0.0.255", 0, []byte("x")), nil, nil, 0)
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	require.NoError(t, env.layer.Output(env.outbound(t, "10.0.0.255", 0, []byte("x")), nil, nil, AllowBroadcast))
	assert.Len(t, env.link0.pkts, 1)
}

func TestOutput_RouteCacheReuse(t *testing.T) {
	env := newTestEnv(t)
	var ro route.Cache
	defer ro.Release()
	dst := netip.MustParseAddr("10.0.0.2")
	require.NoError(t, env.layer.Output(env.outbound(t, "10.0.0.2", 0, []byte("a")), nil, &ro, 0))
	e := ro.Entry()
	require.NotNil(t, e)
	require.NoError(t, env.layer.Output(env.outbound(t, "10.0.0.2", 0, []byte("b")), nil, &ro, 0))
	assert.Same(t, e, ro.Entry())
	assert.True(t, ro.Valid(dst))
	assert.Equal(t, uint64(1), e.Use())
}

func TestOutput_InsertsOptions(t *testing.T) {
	env := newTestEnv(t)
	opts := []byte{header.IPOptNOP, header.IPOptNOP, header.IPOptNOP, header.IPOptEOL}
	require.NoError(t, env.layer.Output(env.outbound(t, "10.0.0.2", 0, []byte("data")), opts, nil, 0))
	require.Len(t, env.link0.pkts, 1)
	out := header.IPv4(env.link0.pkts[0])
	assert.Equal(t, 24, out.HeaderLen())
	assert.Equal(t, uint16(28), out.TotalLen())
	assert.Equal(t, opts, []byte(out.Options()))
	assert.Equal(t, "data", string(out[24:]))
	assert.True(t, out.ChecksumValid())
}
