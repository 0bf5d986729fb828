package stack

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/config"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/link/channel"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/netif"
)

// rawPacket builds an IPv4 header followed by a port pair and one byte of
// payload. Only the fields flowKey reads are filled in.
func rawPacket(src, dst byte, sport, dport uint16, payload byte) []byte {
	b := make([]byte, 25)
	b[0] = 0x45
	b[9] = core.ProtocolUDP
	copy(b[12:16], []byte{10, 0, 0, src})
	copy(b[16:20], []byte{10, 0, 0, dst})
	b[20], b[21] = byte(sport>>8), byte(sport)
	b[22], b[23] = byte(dport>>8), byte(dport)
	b[24] = payload
	return b
}

func TestFlowKey(t *testing.T) {
	a := rawPacket(1, 2, 1000, 53, 0)
	assert.Equal(t, flowKey(a), flowKey(rawPacket(1, 2, 1000, 53, 9)), "payload is not part of the key")
	assert.NotEqual(t, flowKey(a), flowKey(rawPacket(1, 2, 1001, 53, 0)))
	assert.NotEqual(t, flowKey(a), flowKey(rawPacket(3, 2, 1000, 53, 0)))

	frag := rawPacket(1, 2, 1000, 53, 0)
	frag[6] = 0x20 // more fragments
	assert.Len(t, flowKey(frag), 9, "fragments are keyed without ports")
	assert.Empty(t, flowKey([]byte{0x45, 0}))
}

func TestIngress_PreservesFlowOrder(t *testing.T) {
	var mu sync.Mutex
	var got []byte
	g := NewIngress(4, 256, func(_ *netif.Interface, f []byte) {
		mu.Lock()
		got = append(got, f[24])
		mu.Unlock()
	})
	ifp := netif.New("eth0", 1500, netif.FlagUp, channel.New(1))
	for i := range 100 {
		require.True(t, g.Publish(ifp, rawPacket(1, 2, 4000, 80, byte(i))))
	}
	g.Close()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, byte(i), v)
	}
	st := g.Stats()
	assert.Equal(t, uint64(100), st.Published)
	assert.Equal(t, uint64(100), st.Processed)
	assert.Equal(t, 4, st.Workers)
}

func TestIngress_QueueFull(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	g := NewIngress(1, 1, func(*netif.Interface, []byte) {
		entered <- struct{}{}
		<-release
	})
	ifp := netif.New("eth0", 1500, netif.FlagUp, channel.New(1))

	require.True(t, g.Publish(ifp, rawPacket(1, 2, 1, 1, 0)))
	<-entered
	require.True(t, g.Publish(ifp, rawPacket(1, 2, 1, 1, 1)))
	assert.False(t, g.Publish(ifp, rawPacket(1, 2, 1, 1, 2)))
	assert.Equal(t, uint64(1), g.Stats().Dropped)
	assert.Equal(t, uint64(1), ifp.Stats.InDrops.Load())

	close(release)
	go func() {
		for range entered {
		}
	}()
	g.Close()
	assert.False(t, g.Publish(ifp, rawPacket(1, 2, 1, 1, 3)), "closed ingress rejects frames")
	close(entered)
}

func newConfig(t *testing.T, ifaces ...config.InterfaceConfig) *config.GlobalConfig {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Interfaces = ifaces
	cfg.Stack.IngressWorkers = 2
	cfg.Stack.FastHz = 20
	require.NoError(t, cfg.ValidateAndApplyDefaults())
	return cfg
}

func startStack(t *testing.T, cfg *config.GlobalConfig) *Stack {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestNew_InterfacesAndRoutes(t *testing.T) {
	cfg := newConfig(t,
		config.InterfaceConfig{Name: "lo0", Kind: config.KindLoopback, Address: "127.0.0.1/8"},
		config.InterfaceConfig{Name: "eth0", Address: "10.0.0.1/24", Sniff: true, SniffFilter: "tcp"},
	)
	cfg.Routes = []config.RouteConfig{{Destination: "0.0.0.0/0", Gateway: "10.0.0.254", Interface: "eth0"}}
	require.NoError(t, cfg.ValidateAndApplyDefaults())

	s, err := New(cfg)
	require.NoError(t, err)
	defer s.Stop()

	ifs := s.InterfaceInfo()
	require.Len(t, ifs, 2)
	assert.Equal(t, "lo0", ifs[0].Name)
	assert.Contains(t, ifs[0].Flags, "LOOPBACK")
	assert.Equal(t, []string{"127.0.0.1/8"}, ifs[0].Addresses)
	assert.Equal(t, "eth0", ifs[1].Name)
	assert.Contains(t, ifs[1].Flags, "BROADCAST")
	assert.Equal(t, 1500, ifs[1].MTU)

	routes := s.RouteInfo()
	require.Len(t, routes, 3)
	assert.Equal(t, "0.0.0.0/0", routes[2].Destination, "longest prefix first")
	assert.Equal(t, "10.0.0.254", routes[2].Gateway)
	assert.Contains(t, routes[2].Flags, "S")

	assert.NotNil(t, s.Link("eth0"))
	assert.Nil(t, s.Link("eth9"))
}

func TestNew_BadSniffFilter(t *testing.T) {
	cfg := newConfig(t, config.InterfaceConfig{Name: "eth0", Address: "10.0.0.1/24", Sniff: true, SniffFilter: "port 80"})
	_, err := New(cfg)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestStartStop(t *testing.T) {
	s, err := New(newConfig(t, config.InterfaceConfig{Name: "eth0", Address: "10.0.0.1/24"}))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), core.ErrInvalidArgument)

	stats := s.Stats()
	for _, k := range []string{"mbuf", "ip", "icmp", "udp", "tcp", "ingress"} {
		assert.Contains(t, stats, k)
	}
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

// poolGauge reads netstack_mbuf_in_use{pool=pool} from the default registry.
func poolGauge(t *testing.T, pool string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "netstack_mbuf_in_use" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "pool" && lp.GetValue() == pool {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("no netstack_mbuf_in_use sample for pool %q", pool)
	return 0
}

func TestSlowTickPublishesBufferGauges(t *testing.T) {
	s, err := New(newConfig(t, config.InterfaceConfig{Name: "eth0", Address: "10.0.0.1/24"}))
	require.NoError(t, err)
	defer s.Stop()

	m, err := mbuf.FromBytes(s.arena, make([]byte, 4000), 0)
	require.NoError(t, err)
	defer mbuf.FreeChain(m)
	s.slowTick()

	nodes, clusters := s.arena.InUse()
	assert.Positive(t, nodes)
	assert.Positive(t, clusters)
	assert.Equal(t, float64(nodes), poolGauge(t, "mbuf"))
	assert.Equal(t, float64(clusters), poolGauge(t, "cluster"))
}

func TestReload(t *testing.T) {
	cfg := newConfig(t, config.InterfaceConfig{Name: "eth0", Address: "10.0.0.1/24"})
	s, err := New(cfg)
	require.NoError(t, err)
	defer s.Stop()

	next := *cfg
	next.IP.Forwarding = true
	next.Routes = []config.RouteConfig{{Destination: "172.16.0.0/16", Gateway: "10.0.0.254", Interface: "eth0"}}
	require.NoError(t, s.Reload(&next))
	require.NoError(t, s.Reload(&next), "existing routes are kept")
	assert.Len(t, s.RouteInfo(), 2)
}

// pair starts two stacks whose eth0 links are wired together.
func pair(t *testing.T) (a, b *Stack) {
	t.Helper()
	a = startStack(t, newConfig(t, config.InterfaceConfig{Name: "eth0", Address: "10.0.0.1/24"}))
	b = startStack(t, newConfig(t, config.InterfaceConfig{Name: "eth0", Address: "10.0.0.2/24"}))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	channel.Connect(ctx, a.Link("eth0"), b.Link("eth0"))
	return a, b
}

func TestEndToEnd_TCPEcho(t *testing.T) {
	a, b := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := b.TCPSocket()
	require.NoError(t, err)
	require.NoError(t, ln.Bind(core.Endpoint{Port: 7}))
	require.NoError(t, ln.Listen(5))

	served := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			served <- err
			return
		}
		buf := make([]byte, 64)
		n, err := conn.Receive(ctx, buf)
		if err == nil {
			_, err = conn.Send(ctx, buf[:n])
		}
		served <- err
	}()

	so, err := a.TCPSocket()
	require.NoError(t, err)
	require.NoError(t, so.Connect(ctx, core.Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 7}))
	_, err = so.Send(ctx, []byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := so.Receive(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	require.NoError(t, <-served)

	var established bool
	for _, c := range a.Netstat().TCP {
		if strings.HasSuffix(c.Remote, ":7") && c.State == "ESTABLISHED" {
			established = true
		}
	}
	assert.True(t, established)
	assert.NotZero(t, a.TCP().Stats().Connects.Load())
	assert.NotZero(t, b.TCP().Stats().Accepts.Load())
}

func TestEndToEnd_UDP(t *testing.T) {
	a, b := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rx, err := b.UDPSocket()
	require.NoError(t, err)
	require.NoError(t, rx.Bind(core.Endpoint{Port: 53}))

	tx, err := a.UDPSocket()
	require.NoError(t, err)
	_, err = tx.SendTo(ctx, []byte("query"), core.Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 53})
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, from, err := rx.ReceiveFrom(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "query", string(buf[:n]))
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), from.Addr)
	assert.Len(t, b.Netstat().UDP, 1)
}

func TestLoopback_UDP(t *testing.T) {
	s := startStack(t, newConfig(t, config.InterfaceConfig{Name: "lo0", Kind: config.KindLoopback, Address: "127.0.0.1/8"}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rx, err := s.UDPSocket()
	require.NoError(t, err)
	require.NoError(t, rx.Bind(core.Endpoint{Addr: netip.MustParseAddr("127.0.0.1"), Port: 9}))
	tx, err := s.UDPSocket()
	require.NoError(t, err)
	_, err = tx.SendTo(ctx, []byte("self"), core.Endpoint{Addr: netip.MustParseAddr("127.0.0.1"), Port: 9})
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, _, err := rx.ReceiveFrom(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "self", string(buf[:n]))
}
