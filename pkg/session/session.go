// Package session provides CRLF-framed TCP sessions and the watchdog
// that keeps them connected.
package session

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stargate-home/stargate/pkg/metrics"
	"github.com/stargate-home/stargate/pkg/util"
)

var log = util.ForModule("session")

const (
	readChunk   = 1024
	dialTimeout = 10 * time.Second
)

var crlf = []byte("\r\n")

// Session is one TCP connection framed as CRLF-terminated lines. A
// reader goroutine feeds Lines and a sender goroutine drains the send
// queue, so Send never blocks the caller. The consumer must drain
// Lines until it closes.
type Session struct {
	name string
	conn net.Conn

	lines chan string

	qmu    sync.Mutex
	qcond  *sync.Cond
	queue  []string
	closed bool

	// postSend runs on the sender goroutine after every write. The DSC
	// panel needs a gap between frames; see Gap.
	postSend func()

	failMu sync.Mutex
	onFail func(*Session)

	failed    atomic.Bool
	closeOnce sync.Once
	workers   sync.WaitGroup
}

// Dial connects to host:port and starts the session. postSend may be
// nil.
func Dial(name, host string, port int, postSend func()) (*Session, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s (%s:%d): %w", name, host, port, err)
	}
	return Wrap(name, conn, postSend), nil
}

// Wrap adopts an already-connected socket, typically after a raw login
// exchange that is not line-framed, and starts the session goroutines.
func Wrap(name string, conn net.Conn, postSend func()) *Session {
	s := &Session{
		name:     name,
		conn:     conn,
		lines:    make(chan string, 64),
		postSend: postSend,
	}
	s.qcond = sync.NewCond(&s.qmu)
	s.workers.Add(2)
	util.Go(name+"-reader", s.readLoop)
	util.Go(name+"-sender", s.sendLoop)
	log.WithField("session", name).Debugf("session open to %s", conn.RemoteAddr())
	return s
}

// Gap returns a postSend hook that sleeps for d after every write.
func Gap(d time.Duration) func() {
	return func() { time.Sleep(d) }
}

// Name returns the session's log name.
func (s *Session) Name() string { return s.name }

// Send queues one payload line for transmission; CRLF is appended by
// the sender. The queue is unbounded FIFO. Lines queued on a closed
// session are discarded.
func (s *Session) Send(line string) {
	s.qmu.Lock()
	if !s.closed {
		s.queue = append(s.queue, line)
		metrics.Default.SetSendQueueDepth(s.name, len(s.queue))
	}
	s.qmu.Unlock()
	s.qcond.Signal()
}

// Lines returns the received payload lines, CRLF stripped. The channel
// closes when the socket dies or Close is called.
func (s *Session) Lines() <-chan string { return s.lines }

// Close shuts the session down deliberately: the socket closes, Lines
// terminates, and queued sends are discarded. Idempotent. A deliberate
// close does not notify the watchdog.
func (s *Session) Close() { s.shutdown(nil) }

// Failed reports whether the session died from a read/write error
// rather than a deliberate Close.
func (s *Session) Failed() bool { return s.failed.Load() }

// Join blocks until the reader and sender goroutines have exited.
func (s *Session) Join() { s.workers.Wait() }

// notifyOnFailure installs the watchdog's failure callback. The
// callback fires at most once, and never for a deliberate Close.
func (s *Session) notifyOnFailure(fn func(*Session)) {
	s.failMu.Lock()
	s.onFail = fn
	s.failMu.Unlock()
}

func (s *Session) fail(err error) {
	s.shutdown(err)
}

// shutdown tears the session down exactly once. Whichever of Close,
// the reader, or the sender gets here first decides whether this was
// a failure; later callers are no-ops, so a read error racing a
// deliberate Close cannot mark the session failed.
func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.failed.Store(true)
			log.WithField("session", s.name).Warnf("session error: %v", err)
		} else {
			log.WithField("session", s.name).Debug("session closed")
		}
		s.conn.Close()

		s.qmu.Lock()
		s.closed = true
		s.queue = nil
		s.qcond.Broadcast()
		s.qmu.Unlock()

		if err != nil {
			s.failMu.Lock()
			onFail := s.onFail
			s.failMu.Unlock()
			if onFail != nil {
				onFail(s)
			}
		}
	})
}

// readLoop reads up to readChunk bytes at a time, splits the buffer on
// CRLF, and emits complete payload lines; the trailing partial line is
// retained for the next read.
func (s *Session) readLoop() {
	defer s.workers.Done()
	defer close(s.lines)

	var leftover []byte
	buf := make([]byte, readChunk)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			leftover = append(leftover, buf[:n]...)
			for {
				idx := bytes.Index(leftover, crlf)
				if idx < 0 {
					break
				}
				line := string(leftover[:idx])
				leftover = leftover[idx+2:]
				metrics.Default.RecordLineReceived(s.name)
				s.lines <- line
			}
		}
		if err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Session) sendLoop() {
	defer s.workers.Done()
	for {
		s.qmu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.qcond.Wait()
		}
		if s.closed {
			s.qmu.Unlock()
			return
		}
		line := s.queue[0]
		s.queue = s.queue[1:]
		metrics.Default.SetSendQueueDepth(s.name, len(s.queue))
		s.qmu.Unlock()

		if _, err := s.conn.Write(append([]byte(line), crlf...)); err != nil {
			s.fail(err)
			return
		}
		metrics.Default.RecordLineSent(s.name)
		if s.postSend != nil {
			s.postSend()
		}
	}
}
