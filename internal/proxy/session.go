package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"pwn-gpsd/internal/protocol"
)

const maxClientLine = 64 * 1024

var (
	errQueueOverflow = errors.New("outbound queue full")
	errStalled       = errors.New("client stalled")
)

// session is one connected gpsd client. Fields other than out are owned by the loop.
type session struct {
	id       uint64
	conn     net.Conn
	addr     string
	watching bool
	watch    protocol.Watch
	out      *outbox
	done     chan struct{}
}

// outbox is a byte-bounded FIFO between the loop and a session writer.
type outbox struct {
	mu    sync.Mutex
	queue [][]byte
	bytes int
	max   int
	wake  chan struct{}
}

func newOutbox(max int) *outbox {
	return &outbox{max: max, wake: make(chan struct{}, 1)}
}

// push appends b. It reports false, queueing nothing, when b would exceed the byte bound.
func (o *outbox) push(b []byte) bool {
	o.mu.Lock()
	if o.bytes+len(b) > o.max {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, b)
	o.bytes += len(b)
	o.mu.Unlock()
	o.signal()
	return true
}

// requeue puts an unwritten remainder back at the head.
func (o *outbox) requeue(b []byte) {
	o.mu.Lock()
	o.queue = append([][]byte{b}, o.queue...)
	o.bytes += len(b)
	o.mu.Unlock()
	o.signal()
}

// take removes and returns everything queued as one buffer.
func (o *outbox) take() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil
	}
	buf := make([]byte, 0, o.bytes)
	for _, b := range o.queue {
		buf = append(buf, b...)
	}
	o.queue, o.bytes = nil, 0
	return buf
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bytes
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (s *Server) addSession(conn net.Conn) {
	s.nextID++
	sess := &session{
		id:   s.nextID,
		conn: conn,
		addr: conn.RemoteAddr().String(),
		out:  newOutbox(s.cfg.Listen.MaxQueueBytes),
		done: make(chan struct{}),
	}
	s.sessions[sess.id] = sess
	s.log.Info("client connected", "client", sess.addr, "id", sess.id)
	s.updateClientStatus()

	s.wg.Add(2)
	go s.readClient(sess)
	go s.writeClient(sess)
}

// closeSession drops a client. It is safe to call for an already closed id.
func (s *Server) closeSession(id uint64, reason error) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	close(sess.done)
	_ = sess.conn.Close()
	if reason != nil {
		s.log.Info("client disconnected", "client", sess.addr, "id", id, "reason", reason)
	} else {
		s.log.Debug("client closed", "client", sess.addr, "id", id)
	}
	s.updateClientStatus()
}

func (s *Server) updateClientStatus() {
	watching := 0
	for _, sess := range s.sessions {
		if sess.watching {
			watching++
		}
	}
	s.status.SetClients(len(s.sessions), watching)
}

// enqueue queues lines for one client, closing it on overflow.
func (s *Server) enqueue(sess *session, lines ...[]byte) {
	for _, b := range lines {
		if len(b) == 0 {
			continue
		}
		if !sess.out.push(b) {
			s.closeSession(sess.id, fmt.Errorf("%w (%d bytes pending)", errQueueOverflow, sess.out.len()))
			return
		}
	}
}

// fanout queues raw for every watching client.
func (s *Server) fanout(raw []byte) int {
	n := 0
	for _, sess := range s.sessions {
		if !sess.watching {
			continue
		}
		s.enqueue(sess, raw)
		n++
	}
	return n
}

func (s *Server) readClient(sess *session) {
	defer s.wg.Done()
	sc := bufio.NewScanner(sess.conn)
	sc.Buffer(make([]byte, 0, 1024), maxClientLine)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		if !s.post(func(s *Server) error {
			s.clientLine(sess.id, line)
			return nil
		}) {
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = errors.New("closed by client")
	}
	s.post(func(s *Server) error {
		s.closeSession(sess.id, err)
		return nil
	})
}

func (s *Server) writeClient(sess *session) {
	defer s.wg.Done()
	stalls := 0
	for {
		select {
		case <-sess.done:
			return
		case <-sess.out.wake:
		}
		buf := sess.out.take()
		if len(buf) == 0 {
			continue
		}
		_ = sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.Listen.WriteTimeout))
		n, err := sess.conn.Write(buf)
		if err == nil {
			stalls = 0
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			stalls++
			sess.out.requeue(buf[n:])
			if stalls < s.cfg.Listen.MaxStalls {
				continue
			}
			err = fmt.Errorf("%w after %d write timeouts", errStalled, stalls)
		}
		s.post(func(s *Server) error {
			s.closeSession(sess.id, err)
			return nil
		})
		return
	}
}
