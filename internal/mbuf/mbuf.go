package mbuf

import "sync/atomic"

// Type tags what a node carries.
type Type uint8

const (
	TypeFree Type = iota
	TypeData
	TypeHeader
	TypeSoname
	TypeControl
	TypeOOBData
)

func (t Type) String() string {
	switch t {
	case TypeFree:
		return "free"
	case TypeData:
		return "data"
	case TypeHeader:
		return "header"
	case TypeSoname:
		return "soname"
	case TypeControl:
		return "control"
	case TypeOOBData:
		return "oobdata"
	default:
		return "unknown"
	}
}

// Flags are per-node markers.
type Flags uint8

const (
	FlagPktHdr Flags = 1 << iota // first node of a packet, Header() is valid
	FlagEOR                      // end of record
	FlagBcast                    // received as link broadcast
	FlagMcast                    // received as link multicast
)

// PacketHeader is the metadata carried by the first node of a chain.
type PacketHeader struct {
	Len   int // sum of node lengths in the chain
	RcvIf int // receiving interface index, 0 for locally generated packets
}

type cluster struct {
	data [ClusterSize]byte
	refs atomic.Int32
}

// Mbuf is one node of a buffer chain. Storage is either the inline array or
// an attached cluster; the accessors hide which one is in use.
type Mbuf struct {
	next    *Mbuf
	nextPkt *Mbuf
	off     int
	n       int
	typ     Type
	flags   Flags
	hdr     PacketHeader
	ext     *cluster
	arena   *Arena
	inline  [InlineSize]byte
}

func (m *Mbuf) storage() []byte {
	if m.ext != nil {
		return m.ext.data[:]
	}
	return m.inline[:]
}

// Data returns the valid bytes of this node.
func (m *Mbuf) Data() []byte { return m.storage()[m.off : m.off+m.n] }

// Len returns the number of valid bytes in this node.
func (m *Mbuf) Len() int { return m.n }

// Cap returns the storage capacity of this node.
func (m *Mbuf) Cap() int { return len(m.storage()) }

// Next returns the next node of the same packet.
func (m *Mbuf) Next() *Mbuf { return m.next }

// SetNext links n after m within a packet. It does not touch packet metadata.
func (m *Mbuf) SetNext(n *Mbuf) { m.next = n }

// NextPkt returns the next packet (or record) in a queue.
func (m *Mbuf) NextPkt() *Mbuf { return m.nextPkt }

// SetNextPkt links the next packet in a queue.
func (m *Mbuf) SetNextPkt(n *Mbuf) { m.nextPkt = n }

// Type returns the node's type tag.
func (m *Mbuf) Type() Type { return m.typ }

// SetType retags the node.
func (m *Mbuf) SetType(t Type) { m.typ = t }

// Flags returns the node flags.
func (m *Mbuf) Flags() Flags { return m.flags }

// SetFlags sets f.
func (m *Mbuf) SetFlags(f Flags) { m.flags |= f }

// ClearFlags clears f.
func (m *Mbuf) ClearFlags(f Flags) { m.flags &^= f }

// Header returns the packet metadata, or nil when m is not a packet head.
func (m *Mbuf) Header() *PacketHeader {
	if m.flags&FlagPktHdr == 0 {
		return nil
	}
	return &m.hdr
}

// PktLen returns the recorded packet length for a packet head, otherwise
// the computed chain length.
func (m *Mbuf) PktLen() int {
	if m.flags&FlagPktHdr != 0 {
		return m.hdr.Len
	}
	return ChainLen(m)
}

// HasCluster reports whether the node uses external storage.
func (m *Mbuf) HasCluster() bool { return m.ext != nil }

// Arena returns the arena the node was allocated from.
func (m *Mbuf) Arena() *Arena { return m.arena }

func (m *Mbuf) writable() bool {
	return m.ext == nil || m.ext.refs.Load() == 1
}

// LeadingSpace returns free bytes before the data that may be written.
func (m *Mbuf) LeadingSpace() int {
	if !m.writable() {
		return 0
	}
	return m.off
}

// TrailingSpace returns free bytes after the data that may be written.
func (m *Mbuf) TrailingSpace() int {
	if !m.writable() {
		return 0
	}
	return len(m.storage()) - m.off - m.n
}

// Reserve moves the start of an empty node forward by n bytes, leaving
// room for headers to be prepended later.
func (m *Mbuf) Reserve(n int) {
	if m.n != 0 || n > len(m.storage()) {
		return
	}
	m.off = n
}

// AlignTail positions the data area of an empty node so that n bytes end
// at the end of its storage (room for prepends).
func (m *Mbuf) AlignTail(n int) {
	if m.n != 0 || n > len(m.storage()) {
		return
	}
	m.off = len(m.storage()) - n
}

// Extend grows the node by n bytes into its trailing space and returns the
// newly exposed bytes for the caller to fill. Packet metadata on a head node
// is kept in step.
func (m *Mbuf) Extend(n int) []byte {
	if n > m.TrailingSpace() {
		return nil
	}
	start := m.off + m.n
	m.n += n
	if m.flags&FlagPktHdr != 0 {
		m.hdr.Len += n
	}
	return m.storage()[start : start+n]
}

// Append copies as much of p as fits into the trailing space and returns the
// number of bytes copied. A head node's metadata length is kept in step.
func (m *Mbuf) Append(p []byte) int {
	room := m.TrailingSpace()
	if room <= 0 {
		return 0
	}
	if len(p) < room {
		room = len(p)
	}
	copy(m.Extend(room), p[:room])
	return room
}

// AddCluster attaches a cluster to an empty node.
func (m *Mbuf) AddCluster() error {
	if m.ext != nil {
		return nil
	}
	c, err := m.arena.getCluster()
	if err != nil {
		return err
	}
	m.ext = c
	m.off = 0
	return nil
}

// unshare gives m a private copy of its cluster when other chains hold a
// reference to it.
func (m *Mbuf) unshare() error {
	if m.writable() {
		return nil
	}
	c, err := m.arena.getCluster()
	if err != nil {
		return err
	}
	copy(c.data[m.off:m.off+m.n], m.ext.data[m.off:m.off+m.n])
	m.arena.putCluster(m.ext)
	m.ext = c
	return nil
}

// Free returns this node (and its cluster reference) to the arena and
// returns the next node of the chain.
func (m *Mbuf) Free() *Mbuf {
	next := m.next
	a := m.arena
	if a == nil {
		return next
	}
	if m.ext != nil {
		a.putCluster(m.ext)
	}
	a.putNode(m)
	return next
}

// FreeChain frees every node of the chain starting at m.
func FreeChain(m *Mbuf) {
	for m != nil {
		m = m.Free()
	}
}

// FreePackets frees a queue of packets linked through NextPkt.
func FreePackets(m *Mbuf) {
	for m != nil {
		next := m.nextPkt
		m.nextPkt = nil
		FreeChain(m)
		m = next
	}
}

// ChainLen sums node lengths from m to the end of the chain.
func ChainLen(m *Mbuf) int {
	n := 0
	for ; m != nil; m = m.next {
		n += m.n
	}
	return n
}

// Last returns the final node of the chain.
func Last(m *Mbuf) *Mbuf {
	for m != nil && m.next != nil {
		m = m.next
	}
	return m
}
