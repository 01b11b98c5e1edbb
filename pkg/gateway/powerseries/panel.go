package powerseries

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/stargate-home/stargate/pkg/metrics"
	"github.com/stargate-home/stargate/pkg/session"
	"github.com/stargate-home/stargate/pkg/util"
)

const panelPort = 4025

// The panel chokes on back-to-back frames; the sender pauses after
// every write. Tests shorten it.
var panelSendGap = 500 * time.Millisecond

// Command numbers we send.
const (
	cmdStatusRequest = 1
	cmdNetworkLogin  = 5
	cmdUserCommand   = 20
	cmdArmAway       = 30
	cmdArmStay       = 31
	cmdDisarm        = 40
)

// Command numbers the panel sends.
const (
	respInvalidCommand = 501
	respLogin          = 505
	respZoneOpen       = 609
	respZoneRestored   = 610
	respPartitionReady = 650
	respPartitionArmed = 652
	respPartitionBusy  = 673
	respTroubleOn      = 840
	respTroubleOff     = 841
	respUserCommand    = 912
)

// Panel drives the Envisalink-style TCP integration interface: framed
// command exchange, network login, and the zone/partition status
// cache. Reconnects re-run login and a fresh global status request
// through the watchdog.
type Panel struct {
	name     string
	host     string
	password string
	watchdog *session.Watchdog
	cache    *panelCache
	handlers map[int]func(data string)

	// relay receives every verified frame except login responses;
	// the reflector chains them to downstream clients.
	relay func(line string)

	mu   sync.Mutex
	sess *session.Session
}

// NewPanel prepares a panel connection; Connect establishes it.
func NewPanel(name, host, password string, watchdog *session.Watchdog) *Panel {
	p := &Panel{
		name:     name,
		host:     host,
		password: password,
		watchdog: watchdog,
		cache:    newPanelCache(),
	}
	p.handlers = map[int]func(string){
		respInvalidCommand: p.onInvalidCommand,
		respLogin:          p.onLogin,
		respZoneOpen:       p.onZoneOpen,
		respZoneRestored:   p.onZoneRestored,
		respPartitionReady: p.onPartitionReady,
		respPartitionArmed: p.onPartitionArmed,
		respPartitionBusy:  p.onPartitionBusy,
		respTroubleOn:      p.onTroubleOn,
		respTroubleOff:     p.onTroubleOff,
		respUserCommand:    p.onUserCommand,
	}
	return p
}

// Relay installs the frame tap for the reflector. Must be set before
// Connect.
func (p *Panel) Relay(fn func(line string)) { p.relay = fn }

// Connect dials the panel, starts the framed session, logs in, and
// requests global status into a freshly staled cache. It doubles as
// the watchdog's reconnect thunk.
func (p *Panel) Connect() error {
	host, port := p.host, panelPort
	if h, ps, err := net.SplitHostPort(p.host); err == nil {
		if n, err := strconv.Atoi(ps); err == nil {
			host, port = h, n
		}
	}
	sess, err := session.Dial(p.name, host, port, session.Gap(panelSendGap))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sess = sess
	p.mu.Unlock()
	p.watchdog.Add(sess, p.Connect)
	util.Go(p.name+"-dispatch", func() {
		for line := range sess.Lines() {
			p.handleLine(line)
		}
	})

	p.Send(cmdNetworkLogin, p.password)
	p.cache.markAllStale()
	p.Send(cmdStatusRequest, "")
	log.Infof("panel %s connected", p.host)
	return nil
}

// Close tears the connection down deliberately; the watchdog will not
// resurrect it.
func (p *Panel) Close() {
	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// Send encodes and queues one command for the panel.
func (p *Panel) Send(command int, data string) {
	p.SendRaw(Encode(command, data))
}

// SendRaw queues an already-encoded frame. The reflector passes child
// traffic through here so frames keep their original checksum.
func (p *Panel) SendRaw(line string) {
	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()
	if sess == nil {
		log.Warnf("dropping %q: panel not connected", line)
		return
	}
	sess.Send(line)
}

// GetZoneStatus reads a zone's cached status (0 closed, 1 open),
// blocking while stale.
func (p *Panel) GetZoneStatus(zone int) int { return p.cache.getZoneStatus(zone) }

// GetPartitionStatus reads a partition's cached status enum, blocking
// while stale.
func (p *Panel) GetPartitionStatus(partition int) int {
	return p.cache.getPartitionStatus(partition)
}

// handleLine verifies one received frame and dispatches its handler.
// Verified frames except login responses also go to the reflector.
func (p *Panel) handleLine(line string) {
	frame, err := Decode(line)
	if err != nil {
		log.Warnf("dropping panel frame: %v", err)
		metrics.Default.RecordBadFrame(p.name)
		return
	}
	if handler, ok := p.handlers[frame.Command]; ok {
		handler(frame.Data)
	} else {
		log.Debugf("no handler for panel command %03d, ignoring", frame.Command)
	}
	if frame.Command != respLogin && p.relay != nil {
		p.relay(line)
	}
}

func (p *Panel) onInvalidCommand(string) {
	log.Warnf("panel complains of invalid command")
}

// onLogin checks the network login result: nonzero accepts. A bad
// password cannot be fixed by reconnecting, but the panel closes the
// socket on its own schedule and the watchdog keeps retrying either
// way; all we can add is a loud log line.
func (p *Panel) onLogin(data string) {
	result, err := strconv.Atoi(data)
	if err != nil || result == 0 {
		log.Errorf("panel rejected integration password (login response %q)", data)
		return
	}
	log.Infof("panel login accepted (%d)", result)
}

func (p *Panel) onZoneOpen(data string) {
	zone, err := strconv.Atoi(data)
	if err != nil {
		log.Warnf("bad zone number %q in open report", data)
		return
	}
	log.Infof("zone %d: open", zone)
	p.cache.recordZone(zone, 1)
}

func (p *Panel) onZoneRestored(data string) {
	zone, err := strconv.Atoi(data)
	if err != nil {
		log.Warnf("bad zone number %q in restore report", data)
		return
	}
	log.Infof("zone %d: closed", zone)
	p.cache.recordZone(zone, 0)
}

func (p *Panel) onPartitionReady(data string) {
	p.recordPartition(data, PartitionReady, "ready")
}

func (p *Panel) onPartitionArmed(data string) {
	p.recordPartition(data, PartitionArmed, "armed")
}

func (p *Panel) onPartitionBusy(data string) {
	p.recordPartition(data, PartitionBusy, "busy")
}

func (p *Panel) recordPartition(data string, status int, word string) {
	partition, err := strconv.Atoi(data)
	if err != nil {
		log.Warnf("bad partition number %q in %s report", data, word)
		return
	}
	log.Infof("partition %d: %s", partition, word)
	p.cache.recordPartition(partition, status)
}

func (p *Panel) onTroubleOn(data string) {
	log.Warnf("partition %s reports trouble", data)
}

func (p *Panel) onTroubleOff(data string) {
	log.Infof("partition %s trouble cleared", data)
}

// onUserCommand logs command-output activity: the panel reports the
// partition and which of the *1-*4 style user commands fired.
func (p *Panel) onUserCommand(data string) {
	if len(data) != 2 {
		log.Warnf("malformed user command report %q", data)
		return
	}
	log.Infof("user command %c invoked on partition %c", data[1], data[0])
}
