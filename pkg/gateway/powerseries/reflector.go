package powerseries

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/stargate-home/stargate/pkg/session"
	"github.com/stargate-home/stargate/pkg/util"
)

// Login response data values; the wire forms come out of Encode.
const (
	loginFailed       = "0"
	loginAccepted     = "1"
	loginAuthRequired = "3"
)

// Reflector chains the panel's single-client integration port out to
// further Envisalink-style consumers: each accepted client runs the
// same 005 login exchange against the configured password, then sees
// every verified frame the panel sends and may send frames of its
// own, which pass through to the panel untouched.
type Reflector struct {
	name     string
	password string
	forward  func(line string) // to the panel

	ln net.Listener

	// mu is the send lock: it guards the child list, each child's
	// authenticated flag, and fan-out, so a child closing mid-send
	// cannot race its own removal.
	mu       sync.Mutex
	children []*reflectorChild
}

type reflectorChild struct {
	sess          *session.Session
	authenticated bool
}

// NewReflector starts listening and accepting chained clients.
// forward delivers client frames to the panel.
func NewReflector(name string, port int, password string, forward func(line string)) (*Reflector, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("reflector listen on %d: %w", port, err)
	}
	r := &Reflector{
		name:     name,
		password: password,
		forward:  forward,
		ln:       ln,
	}
	util.Go(name+"-reflector-accept", r.acceptLoop)
	log.Infof("reflector listening on %s", ln.Addr())
	return r, nil
}

// Addr returns the listening address.
func (r *Reflector) Addr() net.Addr { return r.ln.Addr() }

// Close stops accepting and hangs up on every child.
func (r *Reflector) Close() {
	r.ln.Close()
	r.mu.Lock()
	children := append([]*reflectorChild(nil), r.children...)
	r.mu.Unlock()
	for _, child := range children {
		child.sess.Close()
	}
}

func (r *Reflector) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			log.Debugf("reflector accept loop ending: %v", err)
			return
		}
		r.adopt(conn)
	}
}

// adopt wraps one accepted client in a session, greets it with the
// authentication-required banner, and starts its reader. Children get
// no watchdog; a client that wants back in reconnects on its own.
func (r *Reflector) adopt(conn net.Conn) {
	name := fmt.Sprintf("%s-child-%s", r.name, conn.RemoteAddr())
	sess := session.Wrap(name, conn, nil)
	child := &reflectorChild{sess: sess}
	r.mu.Lock()
	r.children = append(r.children, child)
	r.mu.Unlock()
	log.Infof("reflector accepted chained connection from %s", conn.RemoteAddr())

	sess.Send(Encode(respLogin, loginAuthRequired))
	util.Go(name+"-reader", func() {
		for line := range sess.Lines() {
			r.handleChildLine(child, line)
		}
		r.drop(child)
	})
}

// handleChildLine routes one frame from a chained client: login
// frames feed the auth exchange, everything else forwards to the
// panel once the client has authenticated.
func (r *Reflector) handleChildLine(child *reflectorChild, line string) {
	if strings.HasPrefix(line, "005") {
		r.handleChildAuth(child, line)
		return
	}
	r.mu.Lock()
	authenticated := child.authenticated
	r.mu.Unlock()
	if !authenticated {
		code := line
		if len(code) > 3 {
			code = line[:3]
		}
		log.Warnf("reflector child %s attempted command %s before authenticating", child.sess.Name(), code)
		return
	}
	r.forward(line)
}

// handleChildAuth checks a client 005 against the configured
// password. Only the password field is compared: real clients
// checksum these frames but the upstream module tolerates ones that
// do not, so the checksum is not verified here. Once a client is
// authenticated, further 005s are dropped rather than forwarded, so
// children can never disturb the parent's login state.
func (r *Reflector) handleChildAuth(child *reflectorChild, line string) {
	r.mu.Lock()
	authenticated := child.authenticated
	r.mu.Unlock()
	if authenticated {
		log.Warnf("reflector child %s re-sent a login frame, dropping it", child.sess.Name())
		return
	}

	password := line[3:]
	if len(password) >= 2 {
		password = password[:len(password)-2]
	}
	if password == r.password {
		r.mu.Lock()
		child.authenticated = true
		r.mu.Unlock()
		log.Infof("reflector child %s authenticated", child.sess.Name())
		child.sess.Send(Encode(respLogin, loginAccepted))
	} else {
		log.Warnf("reflector child %s failed authentication", child.sess.Name())
		child.sess.Send(Encode(respLogin, loginFailed))
	}
}

// ToChildren fans one verified panel frame out to every authenticated
// child, with its original checksum.
func (r *Reflector) ToChildren(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, child := range r.children {
		if child.authenticated {
			child.sess.Send(line)
		}
	}
}

func (r *Reflector) drop(child *reflectorChild) {
	r.mu.Lock()
	for i, c := range r.children {
		if c == child {
			r.children = append(r.children[:i], r.children[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	log.Infof("reflector lost chained connection %s", child.sess.Name())
}
