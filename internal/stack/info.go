package stack

import (
	"firestige.xyz/netstack/internal/route"
	"firestige.xyz/netstack/internal/tcp"
	"firestige.xyz/netstack/internal/udp"
)

// Stats returns every counter group keyed by layer.
func (s *Stack) Stats() map[string]map[string]uint64 {
	out := map[string]map[string]uint64{
		"mbuf": s.arena.Stats().Snapshot(),
		"ip":   s.ip.Stats().Snapshot(),
		"icmp": s.icmp.Stats().Snapshot(),
		"udp":  s.udp.Stats().Snapshot(),
		"tcp":  s.tcp.Stats().Snapshot(),
	}
	nodes, clusters := s.arena.InUse()
	out["mbuf"]["nodes_in_use"] = uint64(nodes)
	out["mbuf"]["clusters_in_use"] = uint64(clusters)
	out["ip"]["reassembling"] = uint64(s.ip.ReassemblyLen())

	s.mu.Lock()
	g := s.ingress
	s.mu.Unlock()
	if g != nil {
		st := g.Stats()
		out["ingress"] = map[string]uint64{
			"published": st.Published,
			"processed": st.Processed,
			"dropped":   st.Dropped,
		}
	}
	return out
}

// Netstat lists the protocol control blocks.
type Netstat struct {
	TCP []tcp.Info `json:"tcp" yaml:"tcp"`
	UDP []udp.Info `json:"udp" yaml:"udp"`
}

// Netstat returns every TCP connection and UDP endpoint.
func (s *Stack) Netstat() Netstat {
	return Netstat{TCP: s.tcp.Connections(), UDP: s.udp.Connections()}
}

// RouteInfo returns the route table.
func (s *Stack) RouteInfo() []route.Info { return s.routes.Snapshot() }

// InterfaceInfo describes one interface for the control plane.
type InterfaceInfo struct {
	Name       string   `json:"name" yaml:"name"`
	Index      int      `json:"index" yaml:"index"`
	MTU        int      `json:"mtu" yaml:"mtu"`
	Flags      string   `json:"flags" yaml:"flags"`
	Addresses  []string `json:"addresses" yaml:"addresses"`
	InPackets  uint64   `json:"in_packets" yaml:"in_packets"`
	InBytes    uint64   `json:"in_bytes" yaml:"in_bytes"`
	InDrops    uint64   `json:"in_drops" yaml:"in_drops"`
	InErrors   uint64   `json:"in_errors" yaml:"in_errors"`
	OutPackets uint64   `json:"out_packets" yaml:"out_packets"`
	OutBytes   uint64   `json:"out_bytes" yaml:"out_bytes"`
	OutErrors  uint64   `json:"out_errors" yaml:"out_errors"`
}

// InterfaceInfo returns every interface in index order.
func (s *Stack) InterfaceInfo() []InterfaceInfo {
	var out []InterfaceInfo
	for _, ifp := range s.ifaces.All() {
		in := InterfaceInfo{
			Name:       ifp.Name,
			Index:      ifp.Index,
			MTU:        ifp.MTU(),
			Flags:      ifp.Flags().String(),
			InPackets:  ifp.Stats.InPackets.Load(),
			InBytes:    ifp.Stats.InBytes.Load(),
			InDrops:    ifp.Stats.InDrops.Load(),
			InErrors:   ifp.Stats.InErrors.Load(),
			OutPackets: ifp.Stats.OutPackets.Load(),
			OutBytes:   ifp.Stats.OutBytes.Load(),
			OutErrors:  ifp.Stats.OutErrors.Load(),
		}
		for _, a := range ifp.Addresses() {
			in.Addresses = append(in.Addresses, a.Prefix.String())
		}
		out = append(out, in)
	}
	return out
}
