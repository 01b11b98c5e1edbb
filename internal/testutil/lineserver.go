//go:build integration || e2e

package testutil

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// LineConn wraps one accepted socket with CRLF line framing, the
// framing every emulated panel and repeater speaks.
type LineConn struct {
	conn net.Conn
	r    *bufio.Reader
}

// ReadLine blocks for the next CRLF-terminated line and returns it
// without the terminator. Bare LF is tolerated.
func (c *LineConn) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Send writes one line with a CRLF terminator.
func (c *LineConn) Send(line string) error {
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}

// SendRaw writes bytes verbatim, for prompts that carry no terminator.
func (c *LineConn) SendRaw(s string) error {
	_, err := c.conn.Write([]byte(s))
	return err
}

// Close closes the underlying socket.
func (c *LineConn) Close() error { return c.conn.Close() }

// LineServer is a scriptable TCP endpoint for tests: every accepted
// connection runs the handler on its own goroutine until the handler
// returns or the server closes.
type LineServer struct {
	ln      net.Listener
	handler func(*LineConn)

	mu    sync.Mutex
	conns []net.Conn
	done  sync.WaitGroup
}

// NewLineServer listens on an ephemeral loopback port and serves
// handler. The server closes with the test.
func NewLineServer(t *testing.T, handler func(*LineConn)) *LineServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	s := &LineServer{ln: ln, handler: handler}
	s.done.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *LineServer) acceptLoop() {
	defer s.done.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.done.Add(1)
		go func() {
			defer s.done.Done()
			defer conn.Close()
			s.handler(&LineConn{conn: conn, r: bufio.NewReader(conn)})
		}()
	}
}

// Host returns the listen host, always loopback.
func (s *LineServer) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the chosen ephemeral port.
func (s *LineServer) Port() int {
	_, portStr, _ := net.SplitHostPort(s.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

// Close stops accepting, closes every live connection, and waits for
// the handlers to finish.
func (s *LineServer) Close() {
	s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.done.Wait()
}
