package mbuf

import (
	"fmt"

	"firestige.xyz/netstack/internal/core"
)

// CopyAll asks Copy for everything from the offset to the end of the chain.
const CopyAll = -1

// Prepend makes room for n bytes at the front of the chain and returns the
// (possibly new) head. When the head has no leading space a new node is
// linked in front and takes over the packet metadata. On failure the whole
// chain is freed and nil is returned.
func Prepend(m *Mbuf, n int) (*Mbuf, error) {
	if m.LeadingSpace() >= n {
		m.off -= n
		m.n += n
		if m.flags&FlagPktHdr != 0 {
			m.hdr.Len += n
		}
		return m, nil
	}
	if n > InlineSize {
		FreeChain(m)
		return nil, fmt.Errorf("mbuf: prepend %d bytes: %w", n, core.ErrInvalidArgument)
	}
	head, err := m.arena.Get(m.typ)
	if err != nil {
		FreeChain(m)
		return nil, err
	}
	if m.flags&FlagPktHdr != 0 {
		head.moveHeader(m)
	}
	head.next = m
	head.AlignTail(n)
	head.n = n
	if head.flags&FlagPktHdr != 0 {
		head.hdr.Len += n
	}
	return head, nil
}

// moveHeader transfers packet metadata from src to m.
func (m *Mbuf) moveHeader(src *Mbuf) {
	m.hdr = src.hdr
	m.flags |= src.flags & (FlagPktHdr | FlagBcast | FlagMcast)
	src.flags &^= FlagPktHdr | FlagBcast | FlagMcast
	src.hdr = PacketHeader{}
	m.nextPkt, src.nextPkt = src.nextPkt, nil
}

// TrimHead removes n bytes from the front of the chain. Emptied nodes stay
// linked with zero length.
func TrimHead(m *Mbuf, n int) {
	head := m
	removed := 0
	for ; m != nil && n > 0; m = m.next {
		if m.n <= n {
			n -= m.n
			removed += m.n
			m.n = 0
			continue
		}
		m.off += n
		m.n -= n
		removed += n
		n = 0
	}
	if head.flags&FlagPktHdr != 0 {
		head.hdr.Len -= removed
	}
}

// TrimTail removes n bytes from the end of the chain.
func TrimTail(m *Mbuf, n int) {
	total := ChainLen(m)
	if n > total {
		n = total
	}
	keep := total - n
	head := m
	for ; m != nil; m = m.next {
		if m.n >= keep {
			m.n = keep
			keep = 0
			for r := m.next; r != nil; r = r.next {
				r.n = 0
			}
			break
		}
		keep -= m.n
	}
	if head.flags&FlagPktHdr != 0 {
		head.hdr.Len = total - n
	}
}

// CopyData copies len(dst) bytes starting at off in the chain into dst.
func CopyData(m *Mbuf, off int, dst []byte) error {
	for m != nil && off >= m.n {
		off -= m.n
		m = m.next
	}
	for len(dst) > 0 {
		if m == nil {
			return fmt.Errorf("mbuf: copy beyond chain end: %w", core.ErrInvalidArgument)
		}
		c := copy(dst, m.Data()[off:])
		dst = dst[c:]
		off = 0
		m = m.next
	}
	return nil
}

// CopyBack writes src into the chain at off, extending the chain with new
// zero-filled nodes when it is too short. A cluster shared with another chain
// is copied before it is written. The packet length covers whatever the chain
// grew to, even when an allocation fails part way.
func CopyBack(m *Mbuf, off int, src []byte) error {
	head := m
	defer func() {
		if head.flags&FlagPktHdr != 0 {
			head.hdr.Len = ChainLen(head)
		}
	}()
	for off > m.n {
		off -= m.n
		if m.next == nil {
			n, err := m.arena.Get(m.typ)
			if err != nil {
				return err
			}
			n.n = min(InlineSize, off+len(src))
			m.next = n
		}
		m = m.next
	}
	for len(src) > 0 {
		if off < m.n {
			if err := m.unshare(); err != nil {
				return err
			}
		}
		c := copy(m.Data()[off:], src)
		src = src[c:]
		off = 0
		if len(src) == 0 {
			break
		}
		if m.next == nil {
			n, err := m.arena.Get(m.typ)
			if err != nil {
				return err
			}
			if len(src) > InlineSize {
				if err := n.AddCluster(); err != nil {
					n.Free()
					return err
				}
			}
			n.n = min(n.Cap(), len(src))
			m.next = n
		}
		m = m.next
	}
	return nil
}

// Copy returns a new chain holding n bytes starting at off (n may be
// CopyAll). Cluster storage is shared by reference; inline bytes are copied.
// Packet metadata is copied when off is 0 and m is a packet head.
func Copy(m *Mbuf, off, n int) (*Mbuf, error) {
	a := m.arena
	copyHdr := off == 0 && m.flags&FlagPktHdr != 0
	src := m
	for off > 0 && src != nil {
		if off < src.n {
			break
		}
		off -= src.n
		src = src.next
	}
	var head, tail *Mbuf
	for n != 0 {
		if src == nil {
			if n == CopyAll {
				break
			}
			FreeChain(head)
			return nil, fmt.Errorf("mbuf: copy beyond chain end: %w", core.ErrInvalidArgument)
		}
		nm, err := a.Get(src.typ)
		if err != nil {
			FreeChain(head)
			return nil, err
		}
		if copyHdr {
			nm.flags |= src.flags & (FlagPktHdr | FlagBcast | FlagMcast)
			nm.hdr = src.hdr
			if n != CopyAll {
				nm.hdr.Len = n
			}
			copyHdr = false
		}
		take := src.n - off
		if n != CopyAll && n < take {
			take = n
		}
		if src.ext != nil {
			src.ext.refs.Add(1)
			nm.ext = src.ext
			nm.off = src.off + off
			nm.n = take
		} else {
			copy(nm.inline[:], src.Data()[off:off+take])
			nm.n = take
			a.stats.Copies.Add(uint64(take))
		}
		if head == nil {
			head = nm
		} else {
			tail.next = nm
		}
		tail = nm
		if n != CopyAll {
			n -= take
		}
		off = 0
		src = src.next
	}
	if head != nil && head.flags&FlagPktHdr != 0 && head.hdr.Len != ChainLen(head) {
		head.hdr.Len = ChainLen(head)
	}
	return head, nil
}

// Cat appends chain n to chain m. Bytes of n are folded into m's trailing
// space when they fit; otherwise n's nodes are linked in. The metadata
// length of m's head grows by the appended bytes and n loses its metadata.
func Cat(m, n *Mbuf) {
	if n == nil {
		return
	}
	added := ChainLen(n)
	n.flags &^= FlagPktHdr
	head := m
	m = Last(m)
	for n != nil {
		if n.ext != nil || m.TrailingSpace() < n.n {
			m.next = n
			break
		}
		copy(m.storage()[m.off+m.n:], n.Data())
		m.n += n.n
		n = n.Free()
	}
	if head.flags&FlagPktHdr != 0 {
		head.hdr.Len += added
	}
}

// Pullup makes the first n bytes of the chain contiguous in the head node
// and returns the new head. n may not exceed InlineSize unless the head
// already holds enough bytes. On failure the chain is freed.
func Pullup(m *Mbuf, n int) (*Mbuf, error) {
	if m.n >= n {
		return m, nil
	}
	if n > InlineSize {
		FreeChain(m)
		return nil, fmt.Errorf("mbuf: pullup %d bytes: %w", n, core.ErrInvalidArgument)
	}
	if ChainLen(m) < n {
		FreeChain(m)
		return nil, fmt.Errorf("mbuf: pullup %d bytes from short chain: %w", n, core.ErrPacketTooShort)
	}
	var head *Mbuf
	if m.ext == nil && m.off+n <= InlineSize {
		head = m
		m = m.next
		head.next = nil
	} else {
		var err error
		head, err = m.arena.Get(m.typ)
		if err != nil {
			FreeChain(m)
			return nil, err
		}
		if m.flags&FlagPktHdr != 0 {
			head.moveHeader(m)
		}
	}
	need := n - head.n
	for need > 0 && m != nil {
		take := min(need, m.n)
		copy(head.storage()[head.off+head.n:], m.Data()[:take])
		head.n += take
		head.arena.stats.Copies.Add(uint64(take))
		m.off += take
		m.n -= take
		need -= take
		if m.n == 0 {
			m = m.Free()
		}
	}
	head.next = m
	return head, nil
}

// FromBytes builds a packet chain from data, as a driver would for a received
// frame. Large payloads use clusters.
func FromBytes(a *Arena, data []byte, rcvIf int) (*Mbuf, error) {
	head, err := a.GetHeader(TypeData)
	if err != nil {
		return nil, err
	}
	head.hdr.RcvIf = rcvIf
	if len(data) > InlineSize {
		if err := head.AddCluster(); err != nil {
			head.Free()
			return nil, err
		}
	}
	m := head
	for {
		c := copy(m.storage()[m.off:], data)
		m.n = c
		head.hdr.Len += c
		data = data[c:]
		if len(data) == 0 {
			return head, nil
		}
		var nm *Mbuf
		if len(data) > InlineSize {
			nm, err = a.GetCluster(TypeData, false)
		} else {
			nm, err = a.Get(TypeData)
		}
		if err != nil {
			FreeChain(head)
			return nil, err
		}
		m.next = nm
		m = nm
	}
}

// Bytes returns a flat copy of the chain contents.
func Bytes(m *Mbuf) []byte {
	out := make([]byte, 0, ChainLen(m))
	for ; m != nil; m = m.next {
		out = append(out, m.Data()...)
	}
	return out
}

// Validate checks the chain invariants: a head's metadata length equals the
// sum of node lengths and no node's data exceeds its storage.
func Validate(m *Mbuf) error {
	for n := m; n != nil; n = n.next {
		if n.off < 0 || n.n < 0 || n.off+n.n > len(n.storage()) {
			return fmt.Errorf("mbuf: node data [%d,+%d) outside storage %d: %w",
				n.off, n.n, len(n.storage()), core.ErrInvalidArgument)
		}
		if n.typ == TypeFree {
			return fmt.Errorf("mbuf: free node linked in chain: %w", core.ErrInvalidArgument)
		}
	}
	if m != nil && m.flags&FlagPktHdr != 0 && m.hdr.Len != ChainLen(m) {
		return fmt.Errorf("mbuf: packet length %d != chain length %d: %w",
			m.hdr.Len, ChainLen(m), core.ErrInvalidArgument)
	}
	return nil
}
