package ip

import (
	"container/list"
	"sync"

	"firestige.xyz/netstack/internal/header"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/metrics"
)

// fragKey identifies a datagram under reassembly.
type fragKey struct {
	src   [4]byte
	dst   [4]byte
	proto uint8
	id    uint16
}

// fragment is a received piece covering payload bytes [off, end). Only the
// piece at offset zero keeps its IP header (hlen bytes) in front of the
// payload.
type fragment struct {
	off  int
	end  int
	hlen int
	m    *mbuf.Mbuf
}

// datagram collects the fragments of one datagram, ordered by offset.
type datagram struct {
	frags list.List // of *fragment
	ttl   int
	final bool
	total int
}

// Reassembler holds incomplete datagrams. Overlapping bytes belong to the
// fragment that was processed first.
type Reassembler struct {
	mu           sync.Mutex
	entries      map[fragKey]*datagram
	ttl          int
	maxFrags     int
	maxDatagrams int
	stats        *Stats
}

func newReassembler(ttl, maxFrags, maxDatagrams int, stats *Stats) *Reassembler {
	if ttl <= 0 {
		ttl = 1
	}
	return &Reassembler{
		entries:      make(map[fragKey]*datagram),
		ttl:          ttl,
		maxFrags:     maxFrags,
		maxDatagrams: maxDatagrams,
		stats:        stats,
	}
}

// Len returns the number of datagrams being reassembled.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Process merges fragment m (IP header of hlen bytes contiguous in the
// head node) and returns the complete datagram once every byte from zero
// to the final fragment's end has arrived. It takes ownership of m.
func (r *Reassembler) Process(m *mbuf.Mbuf, hlen int) *mbuf.Mbuf {
	ip := header.IPv4(m.Data())
	off := ip.FragmentOffset()
	mf := ip.MoreFragments()
	plen := int(ip.TotalLen()) - hlen
	r.stats.Fragments.Inc()

	if (mf && (plen == 0 || plen&7 != 0)) || off+plen > header.IPv4MaxPacket {
		r.stats.FragDropped.Inc()
		mbuf.FreeChain(m)
		return nil
	}
	key := fragKey{src: ip.Src().As4(), dst: ip.Dst().As4(), proto: ip.Protocol(), id: ip.ID()}

	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.entries[key]
	if d == nil {
		if len(r.entries) >= r.maxDatagrams {
			r.stats.FragDropped.Inc()
			mbuf.FreeChain(m)
			return nil
		}
		d = &datagram{ttl: r.ttl}
		r.entries[key] = d
		metrics.ReassemblyActiveDatagrams.Inc()
	}
	if d.frags.Len() >= r.maxFrags {
		r.stats.FragDropped.Add(uint64(d.frags.Len() + 1))
		r.free(key, d)
		mbuf.FreeChain(m)
		return nil
	}

	f := &fragment{off: off, end: off + plen}
	if off == 0 {
		f.hlen = hlen
	} else {
		mbuf.TrimHead(m, hlen)
	}
	f.m = m
	if !mf {
		d.final = true
		d.total = f.end
	}
	if !r.insert(d, f) {
		r.stats.FragDropped.Inc()
		mbuf.FreeChain(m)
		return nil
	}
	if !d.complete() {
		return nil
	}
	delete(r.entries, key)
	metrics.ReassemblyActiveDatagrams.Dec()
	return r.build(d)
}

// insert places f in offset order. The predecessor keeps bytes it already
// holds; a successor partially overlapped keeps its bytes and f's tail is
// cut; a successor wholly inside f is removed after its bytes are written
// over f's copy. It reports false when f adds nothing.
func (r *Reassembler) insert(d *datagram, f *fragment) bool {
	var q *list.Element
	for e := d.frags.Front(); e != nil; e = e.Next() {
		if e.Value.(*fragment).off > f.off {
			q = e
			break
		}
	}
	var p *list.Element
	if q != nil {
		p = q.Prev()
	} else {
		p = d.frags.Back()
	}
	if p != nil {
		pf := p.Value.(*fragment)
		if i := pf.end - f.off; i > 0 {
			if i >= f.end-f.off {
				return false
			}
			mbuf.TrimHead(f.m, f.hlen+i)
			f.hlen = 0
			f.off += i
		}
	}
	for q != nil && f.end > q.Value.(*fragment).off {
		qf := q.Value.(*fragment)
		if f.end < qf.end {
			mbuf.TrimTail(f.m, f.end-qf.off)
			f.end = qf.off
			break
		}
		if err := mbuf.CopyBack(f.m, f.hlen+qf.off-f.off, mbuf.Bytes(qf.m)); err != nil {
			return false
		}
		next := q.Next()
		d.frags.Remove(q)
		mbuf.FreeChain(qf.m)
		q = next
	}
	if q != nil {
		d.frags.InsertBefore(f, q)
	} else {
		d.frags.PushBack(f)
	}
	return true
}

func (d *datagram) complete() bool {
	if !d.final {
		return false
	}
	next := 0
	for e := d.frags.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		if f.off != next {
			return false
		}
		next = f.end
	}
	return next == d.total
}

// build links the fragments into one datagram and rewrites its header.
func (r *Reassembler) build(d *datagram) *mbuf.Mbuf {
	first := d.frags.Front().Value.(*fragment)
	head := first.m
	hlen := first.hlen
	for e := d.frags.Front().Next(); e != nil; e = e.Next() {
		mbuf.Cat(head, e.Value.(*fragment).m)
	}
	if hlen+d.total > header.IPv4MaxPacket {
		r.stats.FragDropped.Inc()
		mbuf.FreeChain(head)
		return nil
	}
	ip := header.IPv4(head.Data())
	ip.SetTotalLen(uint16(hlen + d.total))
	ip.SetFlagsOffset(0)
	ip.SetChecksum(0)
	ip.SetChecksum(ip.ComputeChecksum())
	r.stats.Reassembled.Inc()
	return head
}

func (r *Reassembler) free(key fragKey, d *datagram) {
	for e := d.frags.Front(); e != nil; e = e.Next() {
		mbuf.FreeChain(e.Value.(*fragment).m)
	}
	d.frags.Init()
	delete(r.entries, key)
	metrics.ReassemblyActiveDatagrams.Dec()
}

func (r *Reassembler) slowTick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, d := range r.entries {
		d.ttl--
		if d.ttl <= 0 {
			r.stats.FragTimeout.Add(uint64(d.frags.Len()))
			r.free(key, d)
		}
	}
}

func (r *Reassembler) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, d := range r.entries {
		r.free(key, d)
	}
}
