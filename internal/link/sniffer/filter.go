package sniffer

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/bpf"

	"firestige.xyz/netstack/internal/core"
)

// Filter is a compiled classic-BPF program over raw IPv4 packets.
type Filter struct {
	expr string
	vm   *bpf.VM
}

// CompileFilter compiles a tcpdump-style expression into BPF. Supported
// terms, all joined by an implicit "and":
//
//	ip | tcp | udp | icmp
//	src ADDR | dst ADDR | host ADDR
//	net CIDR
//
// An empty expression matches everything.
func CompileFilter(expr string) (*Filter, error) {
	f := &Filter{expr: strings.TrimSpace(expr)}
	if f.expr == "" {
		return f, nil
	}
	ins, err := compile(strings.Fields(strings.ToLower(f.expr)))
	if err != nil {
		return nil, fmt.Errorf("sniffer: filter %q: %w", f.expr, err)
	}
	vm, err := bpf.NewVM(ins)
	if err != nil {
		return nil, fmt.Errorf("sniffer: filter %q: %w", f.expr, err)
	}
	f.vm = vm
	return f, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// Match runs the program over packet.
func (f *Filter) Match(packet []byte) bool {
	if f == nil || f.vm == nil {
		return true
	}
	n, err := f.vm.Run(packet)
	return err == nil && n > 0
}

// program collects instructions whose false branch jumps to the final drop.
type program struct {
	ins   []bpf.Instruction
	drops []int
}

func (p *program) add(ins ...bpf.Instruction) { p.ins = append(p.ins, ins...) }

// requireEq falls through when A equals val and drops otherwise.
func (p *program) requireEq(val uint32) {
	p.drops = append(p.drops, len(p.ins))
	p.add(bpf.JumpIf{Cond: bpf.JumpEqual, Val: val})
}

func (p *program) finish() ([]bpf.Instruction, error) {
	accept := len(p.ins)
	p.add(bpf.RetConstant{Val: 0xffff}, bpf.RetConstant{Val: 0})
	drop := accept + 1
	for _, i := range p.drops {
		j := p.ins[i].(bpf.JumpIf)
		skip := drop - i - 1
		if skip > 0xff {
			return nil, fmt.Errorf("program too long: %w", core.ErrInvalidArgument)
		}
		j.SkipFalse = uint8(skip)
		p.ins[i] = j
	}
	return p.ins, nil
}

const (
	offProto = 9
	offSrc   = 12
	offDst   = 16
)

var protocols = map[string]uint32{
	"tcp":  uint32(core.ProtocolTCP),
	"udp":  uint32(core.ProtocolUDP),
	"icmp": uint32(core.ProtocolICMP),
}

func compile(tokens []string) ([]bpf.Instruction, error) {
	var p program
	// version nibble
	p.add(bpf.LoadAbsolute{Off: 0, Size: 1}, bpf.ALUOpConstant{Op: bpf.ALUOpShiftRight, Val: 4})
	p.requireEq(4)

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok {
		case "and", "ip":
		case "tcp", "udp", "icmp":
			p.add(bpf.LoadAbsolute{Off: offProto, Size: 1})
			p.requireEq(protocols[tok])
		case "src", "dst", "host", "net":
			if i+1 >= len(tokens) {
				return nil, fmt.Errorf("%s needs an argument: %w", tok, core.ErrInvalidArgument)
			}
			i++
			if err := p.address(tok, tokens[i]); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown term %q: %w", tok, core.ErrInvalidArgument)
		}
	}
	return p.finish()
}

func (p *program) address(kind, arg string) error {
	if kind == "net" {
		prefix, err := netip.ParsePrefix(arg)
		if err != nil || !prefix.Addr().Is4() {
			return fmt.Errorf("bad network %q: %w", arg, core.ErrInvalidArgument)
		}
		prefix = prefix.Masked()
		mask := ^uint32(0) << (32 - prefix.Bits())
		network := be32(prefix.Addr())
		// source in net accepts, else the destination must be
		p.add(
			bpf.LoadAbsolute{Off: offSrc, Size: 4},
			bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: mask},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: network, SkipTrue: 3},
			bpf.LoadAbsolute{Off: offDst, Size: 4},
			bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: mask},
		)
		p.requireEq(network)
		return nil
	}

	addr, err := netip.ParseAddr(arg)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("bad address %q: %w", arg, core.ErrInvalidArgument)
	}
	v := be32(addr)
	switch kind {
	case "src":
		p.add(bpf.LoadAbsolute{Off: offSrc, Size: 4})
		p.requireEq(v)
	case "dst":
		p.add(bpf.LoadAbsolute{Off: offDst, Size: 4})
		p.requireEq(v)
	case "host":
		p.add(
			bpf.LoadAbsolute{Off: offSrc, Size: 4},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: v, SkipTrue: 2},
			bpf.LoadAbsolute{Off: offDst, Size: 4},
		)
		p.requireEq(v)
	}
	return nil
}

func be32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
