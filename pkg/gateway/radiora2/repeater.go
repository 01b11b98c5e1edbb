package radiora2

import (
	"bytes"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stargate-home/stargate/pkg/session"
	"github.com/stargate-home/stargate/pkg/util"
)

const (
	repeaterPort = 23
	loginTimeout = 15 * time.Second
)

// The repeater interleaves "GNET> " prompts with event lines. A prompt
// arrives with a trailing NUL the first time and behind a bare CR
// afterwards; either way it can prefix a real response, repeatedly.
var repeaterPrompts = []string{"GNET> \x00", "\rGNET> ", "GNET> "}

var (
	responseOutput = regexp.MustCompile(`^~OUTPUT,(\d+),1,(\d+\.\d+)`)
	// The LED pattern must be tried before the button pattern: a
	// button match also accepts LED reports (action 9).
	responseLED    = regexp.MustCompile(`^~DEVICE,(\d+),(\d+),9,(\d)`)
	responseButton = regexp.MustCompile(`^~DEVICE,(\d+),(\d+),(\d)`)
)

const (
	buttonActionPress   = 3
	buttonActionRelease = 4
)

// Repeater drives the integration protocol on the RadioRa2 main
// repeater: telnet login, event monitoring, the state cache, and
// command sends. Reconnects re-run the whole login sequence through
// the watchdog.
type Repeater struct {
	name     string
	host     string
	username string
	password string
	watchdog *session.Watchdog
	cache    *repeaterCache

	mu   sync.Mutex
	sess *session.Session
}

// NewRepeater prepares a repeater connection; Connect establishes it.
func NewRepeater(name, host, username, password string, watchdog *session.Watchdog) *Repeater {
	r := &Repeater{
		name:     name,
		host:     host,
		username: username,
		password: password,
		watchdog: watchdog,
	}
	r.cache = newRepeaterCache(r.send)
	return r
}

// Connect dials the repeater, performs the blocking telnet login,
// starts the line session, enables monitoring, and refreshes every
// watched entity. It doubles as the watchdog's reconnect thunk.
func (r *Repeater) Connect() error {
	addr := r.host
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, repeaterPort)
	}
	conn, err := net.DialTimeout("tcp", addr, loginTimeout)
	if err != nil {
		return fmt.Errorf("dial repeater %s: %w", addr, err)
	}
	if err := r.login(conn); err != nil {
		conn.Close()
		return err
	}

	sess := session.Wrap(r.name, conn, nil)
	r.mu.Lock()
	r.sess = sess
	r.mu.Unlock()
	r.watchdog.Add(sess, r.Connect)
	util.Go(r.name+"-dispatch", func() {
		for line := range sess.Lines() {
			r.handleLine(line)
		}
	})

	r.send("#MONITORING,255,1")
	r.cache.refreshAll()
	log.Infof("repeater %s connected", r.host)
	return nil
}

// login speaks the repeater's raw telnet prompt exchange on the bare
// socket, before line framing starts.
func (r *Repeater) login(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(loginTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := expect(conn, "login: "); err != nil {
		return fmt.Errorf("repeater login prompt: %w", err)
	}
	if _, err := conn.Write([]byte(r.username + "\r\n")); err != nil {
		return fmt.Errorf("sending username: %w", err)
	}
	if err := expect(conn, "password: "); err != nil {
		return fmt.Errorf("repeater password prompt: %w", err)
	}
	if _, err := conn.Write([]byte(r.password + "\r\n")); err != nil {
		return fmt.Errorf("sending password: %w", err)
	}
	// Good credentials produce a GNET prompt; bad ones re-prompt.
	marker, err := expectAny(conn, "\r\nGNET> ", "login: ")
	if err != nil {
		return fmt.Errorf("repeater login result: %w", err)
	}
	if marker != "\r\nGNET> " {
		return util.NewAuthError(r.name, "repeater rejected credentials")
	}
	return nil
}

// expect reads until marker appears in the stream.
func expect(conn net.Conn, marker string) error {
	_, err := expectAny(conn, marker)
	return err
}

// expectAny reads until one of the markers appears, returning which.
func expectAny(conn net.Conn, markers ...string) (string, error) {
	var buf []byte
	chunk := make([]byte, 256)
	for {
		for _, m := range markers {
			if bytes.Contains(buf, []byte(m)) {
				return m, nil
			}
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return "", fmt.Errorf("waiting for %q: %w", markers[0], err)
		}
	}
}

// Close tears the connection down deliberately; the watchdog will not
// resurrect it.
func (r *Repeater) Close() {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (r *Repeater) send(line string) {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess == nil {
		log.Warnf("dropping %q: repeater not connected", line)
		return
	}
	sess.Send(line)
}

// handleLine parses one received line: prompts stripped, then output,
// LED, and button reports recorded into the cache.
func (r *Repeater) handleLine(line string) {
	for stripped := true; stripped; {
		stripped = false
		for _, p := range repeaterPrompts {
			if strings.HasPrefix(line, p) {
				line = line[len(p):]
				stripped = true
			}
		}
	}
	if line == "" {
		return
	}

	if m := responseOutput.FindStringSubmatch(line); m != nil {
		iid, _ := strconv.Atoi(m[1])
		level, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			log.Warnf("bad output level in %q: %v", line, err)
			return
		}
		r.cache.recordOutput(iid, level)
		return
	}
	if m := responseLED.FindStringSubmatch(line); m != nil {
		iid, _ := strconv.Atoi(m[1])
		cid, _ := strconv.Atoi(m[2])
		state, _ := strconv.Atoi(m[3])
		r.cache.recordLED(iid, cid, state)
		return
	}
	if m := responseButton.FindStringSubmatch(line); m != nil {
		iid, _ := strconv.Atoi(m[1])
		cid, _ := strconv.Atoi(m[2])
		action, _ := strconv.Atoi(m[3])
		switch action {
		case buttonActionPress:
			r.cache.recordButton(iid, cid, 1)
		case buttonActionRelease:
			r.cache.recordButton(iid, cid, 0)
		default:
			log.Debugf("ignoring device action %d in %q", action, line)
		}
		return
	}
	if strings.HasPrefix(line, "~MONITORING") {
		log.Debugf("monitoring acknowledged: %s", line)
		return
	}
	log.Warnf("unmatched repeater line %q", line)
}

// SetOutputLevel commands an output to a level in percent.
func (r *Repeater) SetOutputLevel(iid int, level float64) {
	r.send(fmt.Sprintf("#OUTPUT,%d,1,%s", iid, formatLevel(level)))
}

// PulseOutput fires a pulsed contact closure once.
func (r *Repeater) PulseOutput(iid int) {
	r.send(fmt.Sprintf("#OUTPUT,%d,6", iid))
}

// SetButtonState presses or releases a keypad button remotely.
func (r *Repeater) SetButtonState(iid, bid int, pressed bool) {
	action := buttonActionRelease
	if pressed {
		action = buttonActionPress
	}
	r.send(fmt.Sprintf("#DEVICE,%d,%d,%d", iid, bid, action))
}

// SetLEDState lights or clears a keypad LED.
func (r *Repeater) SetLEDState(iid, lid int, on bool) {
	state := 0
	if on {
		state = 1
	}
	r.send(fmt.Sprintf("#DEVICE,%d,%d,9,%d", iid, lid, state))
}

// GetOutputLevel reads an output's cached level, blocking while stale.
func (r *Repeater) GetOutputLevel(iid int) float64 { return r.cache.getOutputLevel(iid) }

// GetButtonState reads a button's cached press state.
func (r *Repeater) GetButtonState(iid, bid int) bool { return r.cache.getButtonState(iid, bid) }

// GetLEDState reads an LED's cached state.
func (r *Repeater) GetLEDState(iid, lid int) bool { return r.cache.getLEDState(iid, lid) }

// formatLevel renders a level without a forced decimal point: 75
// stays "75", 52.5 stays "52.5". The repeater accepts both forms.
func formatLevel(level float64) string {
	return strconv.FormatFloat(level, 'f', -1, 64)
}
