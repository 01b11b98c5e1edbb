package powerseries

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

type reflectorClient struct {
	conn net.Conn
	rd   *bufio.Reader
}

func dialReflector(t *testing.T, r *Reflector) *reflectorClient {
	t.Helper()
	conn, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatalf("dialing reflector: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &reflectorClient{conn: conn, rd: bufio.NewReader(conn)}
}

func (c *reflectorClient) send(t *testing.T, frame string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(frame + "\r\n")); err != nil {
		t.Fatalf("writing to reflector: %v", err)
	}
}

func (c *reflectorClient) expect(t *testing.T, want string) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.rd.ReadString('\n')
	if err != nil {
		t.Fatalf("reading from reflector: %v", err)
	}
	if got := strings.TrimRight(line, "\r\n"); got != want {
		t.Fatalf("received %q, want %q", got, want)
	}
}

func (c *reflectorClient) expectSilence(t *testing.T) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if line, err := c.rd.ReadString('\n'); err == nil {
		t.Fatalf("expected no traffic, received %q", line)
	}
	c.conn.SetReadDeadline(time.Time{})
}

func startTestReflector(t *testing.T) (*Reflector, chan string) {
	t.Helper()
	forwarded := make(chan string, 16)
	r, err := NewReflector("dsc-test", 0, "secret99", func(line string) { forwarded <- line })
	if err != nil {
		t.Fatalf("NewReflector: %v", err)
	}
	t.Cleanup(r.Close)
	return r, forwarded
}

func TestReflectorAuthExchange(t *testing.T) {
	r, forwarded := startTestReflector(t)
	client := dialReflector(t, r)

	client.expect(t, Encode(respLogin, loginAuthRequired))

	// Unauthenticated traffic goes nowhere.
	client.send(t, Encode(respZoneOpen, "003"))
	select {
	case line := <-forwarded:
		t.Fatalf("unauthenticated frame %q reached the panel", line)
	case <-time.After(50 * time.Millisecond):
	}

	client.send(t, Encode(cmdNetworkLogin, "wrong"))
	client.expect(t, Encode(respLogin, loginFailed))

	// A correct password passes even with a garbage checksum; real
	// clients checksum their login frames but not all do.
	client.send(t, "005secret99ZZ")
	client.expect(t, Encode(respLogin, loginAccepted))

	// Authenticated traffic passes through with its checksum intact.
	frame := Encode(cmdUserCommand, "12")
	client.send(t, frame)
	select {
	case got := <-forwarded:
		if got != frame {
			t.Fatalf("forwarded %q, want %q", got, frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame never reached the panel")
	}

	// Re-sent login frames are swallowed so children cannot disturb
	// the parent's authentication state.
	client.send(t, Encode(cmdNetworkLogin, "secret99"))
	client.expectSilence(t)
	select {
	case line := <-forwarded:
		t.Fatalf("login frame %q reached the panel", line)
	default:
	}
}

func TestReflectorFanOutOnlyToAuthenticated(t *testing.T) {
	r, _ := startTestReflector(t)

	authed := dialReflector(t, r)
	authed.expect(t, Encode(respLogin, loginAuthRequired))
	authed.send(t, Encode(cmdNetworkLogin, "secret99"))
	authed.expect(t, Encode(respLogin, loginAccepted))

	bystander := dialReflector(t, r)
	bystander.expect(t, Encode(respLogin, loginAuthRequired))

	frame := Encode(respZoneOpen, "003")
	r.ToChildren(frame)

	authed.expect(t, frame)
	bystander.expectSilence(t)
}

func TestReflectorDropsClosedChildren(t *testing.T) {
	r, _ := startTestReflector(t)
	client := dialReflector(t, r)
	client.expect(t, Encode(respLogin, loginAuthRequired))

	children := func() int {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.children)
	}
	deadline := time.Now().Add(5 * time.Second)
	for children() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("child never registered")
		}
		time.Sleep(time.Millisecond)
	}

	client.conn.Close()
	for children() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("closed child never removed")
		}
		time.Sleep(time.Millisecond)
	}
}
