package tcp

import (
	"firestige.xyz/netstack/internal/header"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/socket"
)

// reassQueue holds out-of-order segments sorted by sequence number. Queued
// segments never overlap.
type reassQueue []*segment

func (q *reassQueue) flush() {
	for _, s := range *q {
		s.free()
	}
	*q = nil
}

// reassemble inserts seg (nil only to flush data made deliverable by the
// arrival of a SYN) and appends every in-order segment to the receive
// buffer. It returns the FIN flag of the last segment delivered.
func (c *Conn) reassemble(seg *segment) uint8 {
	if seg != nil && !c.insert(seg) {
		return 0
	}
	if !haveEstablished(c.state) {
		return 0
	}
	q := c.reass
	if len(q) == 0 || q[0].seq != c.rcvNxt {
		return 0
	}
	var fin uint8
	n := 0
	for _, s := range q {
		if s.seq != c.rcvNxt {
			break
		}
		c.rcvNxt += uint32(s.len)
		fin = s.flags & header.TCPFlagFIN
		if c.so.State()&socket.StateCantRcvMore != 0 {
			s.free()
		} else {
			c.so.Rcv.Append(s.data)
			s.data = nil
		}
		n++
		if fin != 0 {
			break
		}
	}
	for i := range n {
		q[i] = nil
	}
	c.reass = q[n:]
	c.so.Rcv.Wakeup()
	return fin
}

// insert places seg in the queue, trimming the overlap with its
// neighbours. It reports false when seg was entirely duplicate.
func (c *Conn) insert(seg *segment) bool {
	st := c.proto.stats
	q := c.reass
	i := 0
	for i < len(q) && seqLEQ(q[i].seq, seg.seq) {
		i++
	}
	// the predecessor may cover part or all of seg
	if i > 0 {
		prev := q[i-1]
		if d := int(int32(prev.seq + uint32(prev.len) - seg.seq)); d > 0 {
			if d >= seg.len {
				st.RcvDupPack.Inc()
				st.RcvDupByte.Add(uint64(seg.len))
				seg.free()
				return false
			}
			mbuf.TrimHead(seg.data, d)
			seg.seq += uint32(d)
			seg.len -= d
		}
	}
	st.RcvOOPack.Inc()
	st.RcvOOByte.Add(uint64(seg.len))

	// trim or drop successors covered by seg
	j := i
	for j < len(q) {
		next := q[j]
		d := int(int32(seg.seq + uint32(seg.len) - next.seq))
		if d <= 0 {
			break
		}
		if d < next.len {
			mbuf.TrimHead(next.data, d)
			next.seq += uint32(d)
			next.len -= d
			break
		}
		next.free()
		j++
	}
	q = append(q[:i], append([]*segment{seg}, q[j:]...)...)
	c.reass = q
	return true
}
