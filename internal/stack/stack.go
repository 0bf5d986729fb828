// Package stack assembles the data plane from configuration: buffer arena,
// interfaces and their links, routes, the IP layer with ICMP, UDP and TCP
// attached, the ingress workers and the protocol timers.
package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/netstack/internal/config"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/icmp"
	"firestige.xyz/netstack/internal/ip"
	"firestige.xyz/netstack/internal/link/channel"
	"firestige.xyz/netstack/internal/link/sniffer"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/pcb"
	"firestige.xyz/netstack/internal/route"
	"firestige.xyz/netstack/internal/socket"
	"firestige.xyz/netstack/internal/tcp"
	"firestige.xyz/netstack/internal/udp"
)

// Stack is one running network stack.
type Stack struct {
	cfg    *config.GlobalConfig
	arena  *mbuf.Arena
	ifaces *netif.Table
	routes *route.Table
	ip     *ip.Layer
	icmp   *icmp.Protocol
	udp    *udp.Protocol
	tcp    *tcp.Protocol
	links  map[string]*channel.Endpoint
	log    *slog.Logger

	mu      sync.Mutex
	ingress *Ingress
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New builds a stack from cfg. Nothing runs until Start.
func New(cfg *config.GlobalConfig) (*Stack, error) {
	s := &Stack{
		cfg:    cfg,
		arena:  mbuf.NewArena(mbuf.Config{Mbufs: cfg.Buffers.Mbufs, Clusters: cfg.Buffers.Clusters}),
		ifaces: netif.NewTable(),
		routes: route.NewTable(),
		links:  make(map[string]*channel.Endpoint),
		log:    slog.Default().With("component", "stack"),
	}

	s.ip = ip.New(ip.Config{
		Forwarding:        cfg.IP.Forwarding,
		SendRedirects:     cfg.IP.SendRedirects,
		DefaultTTL:        uint8(cfg.IP.DefaultTTL),
		ReassemblyTimeout: cfg.IP.Reassembly.Timeout,
		MaxFragments:      cfg.IP.Reassembly.MaxFragments,
		MaxDatagrams:      cfg.IP.Reassembly.MaxDatagrams,
		SlowHz:            cfg.Stack.SlowHz,
	}, s.arena, s.ifaces, s.routes)

	var err error
	if s.icmp, err = icmp.New(icmp.Config{ErrorRate: cfg.ICMP.ErrorRate, ErrorBurst: cfg.ICMP.ErrorBurst}, s.ip); err != nil {
		return nil, err
	}
	ports := pcb.Config{
		EphemeralFirst: uint16(cfg.TCP.EphemeralFirst),
		EphemeralLast:  uint16(cfg.TCP.EphemeralLast),
	}
	if s.udp, err = udp.New(udp.Config{
		SendSpace: cfg.Socket.UDPSendSpace,
		RecvSpace: cfg.Socket.UDPRecvSpace,
		SBMax:     cfg.Socket.SBMax,
		Checksum:  cfg.Socket.UDPChecksum,
	}, s.ip, ports); err != nil {
		return nil, err
	}
	if s.tcp, err = tcp.New(tcp.Config{
		MSSDefault:      cfg.TCP.MSSDefault,
		DoRFC1323:       cfg.TCP.DoRFC1323,
		RTTMin:          cfg.TCP.RTTMin,
		RexmtMax:        cfg.TCP.RexmtMax,
		KeepInit:        cfg.TCP.KeepInit,
		KeepIdle:        cfg.TCP.KeepIdle,
		KeepIntvl:       cfg.TCP.KeepIntvl,
		KeepCount:       cfg.TCP.KeepCount,
		MSL:             cfg.TCP.MSL,
		RexmtThresh:     cfg.TCP.RexmtThresh,
		SendSpace:       cfg.Socket.TCPSendSpace,
		RecvSpace:       cfg.Socket.TCPRecvSpace,
		SBMax:           cfg.Socket.SBMax,
		SlowHz:          cfg.Stack.SlowHz,
		DebugTraceBytes: cfg.TCP.DebugTraceBytes,
	}, s.ip, ports); err != nil {
		return nil, err
	}

	for _, ic := range cfg.Interfaces {
		if err := s.addInterface(ic); err != nil {
			s.closeLinks()
			return nil, err
		}
	}
	for _, rc := range cfg.Routes {
		if err := s.addRoute(rc); err != nil {
			s.closeLinks()
			return nil, err
		}
	}
	return s, nil
}

func (s *Stack) addInterface(ic config.InterfaceConfig) error {
	prefix, err := netip.ParsePrefix(ic.Address)
	if err != nil {
		return fmt.Errorf("stack: interface %s address %q: %w", ic.Name, ic.Address, core.ErrInvalidArgument)
	}

	var filter *sniffer.Filter
	if ic.Sniff {
		if filter, err = sniffer.CompileFilter(ic.SniffFilter); err != nil {
			return fmt.Errorf("stack: interface %s: %w", ic.Name, err)
		}
	}

	var ch *channel.Endpoint
	flags := netif.FlagUp | netif.FlagRunning
	if ic.Kind == config.KindLoopback {
		ch = channel.NewLoopback(s.cfg.Stack.QueueLen)
		flags |= netif.FlagLoopback
	} else {
		ch = channel.New(s.cfg.Stack.QueueLen)
		flags |= netif.FlagBroadcast
	}

	var link netif.LinkEndpoint = ch
	if filter != nil {
		link = sniffer.Wrap(ch, ic.Name, filter)
	}
	ifp := netif.New(ic.Name, ic.MTU, flags, link)
	if err := s.ifaces.Add(ifp); err != nil {
		ch.Close()
		return err
	}
	s.links[ic.Name] = ch
	if err := ifp.AddAddress(prefix); err != nil {
		return err
	}
	if _, err := s.routes.Add(prefix.Masked(), netip.Addr{}, ifp, 0); err != nil {
		return fmt.Errorf("stack: interface %s route: %w", ic.Name, err)
	}
	s.log.Info("interface configured", "iface", ic.Name, "kind", ic.Kind, "address", prefix, "mtu", ic.MTU, "sniff", ic.Sniff)
	return nil
}

func (s *Stack) addRoute(rc config.RouteConfig) error {
	dst, err := netip.ParsePrefix(rc.Destination)
	if err != nil {
		return fmt.Errorf("stack: route %q: %w", rc.Destination, core.ErrInvalidArgument)
	}
	var gw netip.Addr
	if rc.Gateway != "" {
		if gw, err = netip.ParseAddr(rc.Gateway); err != nil {
			return fmt.Errorf("stack: route %s gateway %q: %w", dst, rc.Gateway, core.ErrInvalidArgument)
		}
	}
	ifp := s.ifaces.ByName(rc.Interface)
	if ifp == nil {
		return fmt.Errorf("stack: route %s: unknown interface %q: %w", dst, rc.Interface, core.ErrInvalidArgument)
	}
	if _, err := s.routes.Add(dst, gw, ifp, route.FlagStatic); err != nil {
		return err
	}
	return nil
}

// Start attaches the links to the ingress workers and starts the timers.
func (s *Stack) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("stack: already started: %w", core.ErrInvalidArgument)
	}
	s.started = true

	s.ingress = NewIngress(s.cfg.Stack.IngressWorkers, s.cfg.Stack.QueueLen, s.input)
	for _, ifp := range s.ifaces.All() {
		ifp.Link().Attach(func(frame []byte) { s.ingress.Publish(ifp, frame) })
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.tickLoop(ctx, s.cfg.Stack.SlowHz, s.slowTick)
	go s.tickLoop(ctx, s.cfg.Stack.FastHz, s.tcp.FastTick)

	s.log.Info("stack started",
		"interfaces", len(s.ifaces.All()),
		"ingress_workers", s.cfg.Stack.IngressWorkers,
		"slow_hz", s.cfg.Stack.SlowHz,
		"fast_hz", s.cfg.Stack.FastHz)
	return nil
}

// Stop stops the timers, closes the links, drains the ingress workers and
// frees pending reassembly. A stopped stack cannot be restarted.
func (s *Stack) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	err := s.closeLinks()
	if s.ingress != nil {
		s.ingress.Close()
	}
	s.ip.Drain()
	s.log.Info("stack stopped")
	return err
}

func (s *Stack) closeLinks() error {
	var errs []error
	for _, ifp := range s.ifaces.All() {
		if err := ifp.Link().Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ifp.Name, err))
		}
	}
	return errors.Join(errs...)
}

// input copies a frame into the arena and hands it to IP.
func (s *Stack) input(ifp *netif.Interface, data []byte) {
	m, err := mbuf.FromBytes(s.arena, data, ifp.Index)
	if err != nil {
		ifp.Stats.InDrops.Add(1)
		s.log.Debug("ingress drop", "iface", ifp.Name, "len", len(data), "error", err)
		return
	}
	s.ip.Input(ifp, m)
}

func (s *Stack) tickLoop(ctx context.Context, hz int, fn func()) {
	defer s.wg.Done()
	t := time.NewTicker(time.Second / time.Duration(hz))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func (s *Stack) slowTick() {
	s.ip.SlowTick()
	s.tcp.SlowTick()
	s.arena.PublishInUse()
}

// Reload applies the settings that can change at runtime: forwarding and
// additional static routes. Routes already installed are left alone.
func (s *Stack) Reload(cfg *config.GlobalConfig) error {
	s.ip.SetForwarding(cfg.IP.Forwarding)
	var errs []error
	for _, rc := range cfg.Routes {
		if err := s.addRoute(rc); err != nil && !errors.Is(err, core.ErrAddressInUse) {
			errs = append(errs, err)
		}
	}
	s.log.Info("stack reloaded", "forwarding", cfg.IP.Forwarding, "routes", len(cfg.Routes))
	return errors.Join(errs...)
}

// TCPSocket creates a stream socket.
func (s *Stack) TCPSocket() (*socket.Socket, error) { return s.tcp.Socket() }

// UDPSocket creates a datagram socket.
func (s *Stack) UDPSocket() (*socket.Socket, error) { return s.udp.Socket() }

// Link returns the channel endpoint under interface name, for wiring
// stacks together.
func (s *Stack) Link(name string) *channel.Endpoint { return s.links[name] }

// Arena returns the buffer arena.
func (s *Stack) Arena() *mbuf.Arena { return s.arena }

// IP returns the IP layer.
func (s *Stack) IP() *ip.Layer { return s.ip }

// TCP returns the TCP protocol.
func (s *Stack) TCP() *tcp.Protocol { return s.tcp }

// UDP returns the UDP protocol.
func (s *Stack) UDP() *udp.Protocol { return s.udp }

// ICMP returns the ICMP protocol.
func (s *Stack) ICMP() *icmp.Protocol { return s.icmp }

// Interfaces returns the interface table.
func (s *Stack) Interfaces() *netif.Table { return s.ifaces }

// Routes returns the route table.
func (s *Stack) Routes() *route.Table { return s.routes }
