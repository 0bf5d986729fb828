// Package sniffer wraps a link endpoint and logs every packet that passes
// through it, decoded with gopacket and selected by a BPF filter.
package sniffer

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/netif"
)

// Endpoint is a logging link endpoint.
type Endpoint struct {
	lower  netif.LinkEndpoint
	name   string
	filter *Filter
	logger *slog.Logger

	logged atomic.Uint64
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger logs to l instead of the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// New wraps lower. Packets are logged at debug level under name when they
// match filter.
func New(lower netif.LinkEndpoint, name, filter string, opts ...Option) (*Endpoint, error) {
	f, err := CompileFilter(filter)
	if err != nil {
		return nil, err
	}
	return Wrap(lower, name, f, opts...), nil
}

// Wrap is New with an already compiled filter.
func Wrap(lower netif.LinkEndpoint, name string, f *Filter, opts ...Option) *Endpoint {
	e := &Endpoint{lower: lower, name: name, filter: f, logger: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Output logs each packet of m and forwards them.
func (e *Endpoint) Output(ifp *netif.Interface, m *mbuf.Mbuf, nextHop netip.Addr) error {
	if e.enabled() {
		for p := m; p != nil; p = p.NextPkt() {
			e.dump("send", mbuf.Bytes(p))
		}
	}
	return e.lower.Output(ifp, m, nextHop)
}

// Attach installs rx behind a logging receive function.
func (e *Endpoint) Attach(rx netif.RxFunc) {
	e.lower.Attach(func(frame []byte) {
		if e.enabled() {
			e.dump("recv", frame)
		}
		rx(frame)
	})
}

// Close closes the wrapped endpoint.
func (e *Endpoint) Close() error { return e.lower.Close() }

// Logged returns how many packets were logged.
func (e *Endpoint) Logged() uint64 { return e.logged.Load() }

func (e *Endpoint) enabled() bool {
	return e.logger.Enabled(context.Background(), slog.LevelDebug)
}

func (e *Endpoint) dump(dir string, frame []byte) {
	if !e.filter.Match(frame) {
		return
	}
	e.logged.Add(1)
	e.logger.Debug("packet", "iface", e.name, "dir", dir, "len", len(frame), "summary", Describe(frame))
}

// Describe renders an IPv4 packet as a one-line, tcpdump-like summary.
// A frame cut short or whose transport header does not decode is reported
// as malformed.
func Describe(frame []byte) string {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.DecodeOptions{NoCopy: true})
	ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok || pkt.Metadata().Truncated {
		return malformed(pkt)
	}
	if ip4.FragOffset != 0 || ip4.Flags&layers.IPv4MoreFragments != 0 {
		return fmt.Sprintf("%s > %s: %s frag id %d off %d len %d",
			ip4.SrcIP, ip4.DstIP, ip4.Protocol, ip4.Id, int(ip4.FragOffset)*8, len(ip4.Payload))
	}
	switch l := pkt.Layer(ip4.NextLayerType()).(type) {
	case *layers.TCP:
		return fmt.Sprintf("%s.%d > %s.%d: Flags [%s], seq %d, ack %d, win %d, length %d",
			ip4.SrcIP, l.SrcPort, ip4.DstIP, l.DstPort, tcpFlags(l), l.Seq, l.Ack, l.Window, len(l.Payload))
	case *layers.UDP:
		return fmt.Sprintf("%s.%d > %s.%d: UDP, length %d",
			ip4.SrcIP, l.SrcPort, ip4.DstIP, l.DstPort, len(l.Payload))
	case *layers.ICMPv4:
		return fmt.Sprintf("%s > %s: ICMP %s, id %d, seq %d, length %d",
			ip4.SrcIP, ip4.DstIP, l.TypeCode, l.Id, l.Seq, len(l.Payload))
	}
	switch ip4.Protocol {
	case layers.IPProtocolTCP, layers.IPProtocolUDP, layers.IPProtocolICMPv4:
		return malformed(pkt)
	}
	return fmt.Sprintf("%s > %s: %s, length %d", ip4.SrcIP, ip4.DstIP, ip4.Protocol, len(ip4.Payload))
}

func malformed(pkt gopacket.Packet) string {
	if el := pkt.ErrorLayer(); el != nil {
		return fmt.Sprintf("malformed: %v", el.Error())
	}
	return "malformed"
}

func tcpFlags(t *layers.TCP) string {
	var b strings.Builder
	for _, f := range []struct {
		on bool
		c  byte
	}{{t.SYN, 'S'}, {t.FIN, 'F'}, {t.RST, 'R'}, {t.PSH, 'P'}, {t.URG, 'U'}, {t.ACK, '.'}} {
		if f.on {
			b.WriteByte(f.c)
		}
	}
	if b.Len() == 0 {
		return "none"
	}
	return b.String()
}
