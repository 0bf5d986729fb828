package tcp

import (
	"fmt"
	"strings"
	"sync"

	"github.com/armon/circbuf"
)

// tracer keeps the most recent state machine events in a fixed-size ring.
// Methods are no-ops on a nil tracer.
type tracer struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

func newTracer(size int64) (*tracer, error) {
	buf, err := circbuf.NewBuffer(size)
	if err != nil {
		return nil, err
	}
	return &tracer{buf: buf}, nil
}

func (t *tracer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.buf.String()
	// drop the partial line left by wraparound
	if t.buf.TotalWritten() > t.buf.Size() {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
	}
	return s
}

func (t *tracer) printf(format string, args ...any) {
	t.mu.Lock()
	fmt.Fprintf(t.buf, format, args...)
	t.mu.Unlock()
}

// conn formats the sequence variables of c.
func (t *tracer) conn(c *Conn, ostate State, act string) string {
	return fmt.Sprintf("%s %s->%s %s > %s rcv_nxt=%d rcv_wnd=%d snd_una=%d snd_nxt=%d snd_max=%d snd_wnd=%d cwnd=%d ssthresh=%d",
		act, ostate, c.state, c.pcb.Local, c.pcb.Remote,
		c.rcvNxt, c.rcvWnd, c.sndUna, c.sndNxt, c.sndMax, c.sndWnd, c.sndCwnd, c.sndSSThresh)
}

func (t *tracer) input(ostate State, c *Conn, seg *segment) {
	if t == nil {
		return
	}
	t.printf("%s | seg %d:%d(%d) ack %d win %d <%s>\n", t.conn(c, ostate, "input"),
		seg.seq, seg.seq+uint32(seg.len), seg.len, seg.ack, seg.win, flagString(seg.flags))
}

func (t *tracer) output(c *Conn, seq, ack uint32, n int, flags uint8) {
	if t == nil {
		return
	}
	t.printf("%s | seg %d:%d(%d) ack %d <%s>\n", t.conn(c, c.state, "output"),
		seq, seq+uint32(n), n, ack, flagString(flags))
}

func (t *tracer) respond(c *Conn, seq, ack uint32, flags uint8) {
	if t == nil {
		return
	}
	t.printf("%s | seg %d ack %d <%s>\n", t.conn(c, c.state, "respond"), seq, ack, flagString(flags))
}

func (t *tracer) user(c *Conn, ostate State, req string) {
	if t == nil {
		return
	}
	t.printf("%s | %s\n", t.conn(c, ostate, "user"), req)
}

func flagString(f uint8) string {
	var b strings.Builder
	for _, x := range []struct {
		bit  uint8
		name string
	}{
		{flagSYN, "SYN"}, {flagFIN, "FIN"}, {flagRST, "RST"},
		{flagPSH, "PSH"}, {flagACK, "ACK"}, {flagURG, "URG"},
	} {
		if f&x.bit == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(x.name)
	}
	return b.String()
}
