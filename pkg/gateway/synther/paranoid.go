package synther

import (
	"fmt"
	"sync"
	"time"

	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/timer"
	"github.com/stargate-home/stargate/pkg/util"
)

// ParanoidSpec raises a notification when a device sits in a state
// longer than it should.
type ParanoidSpec struct {
	Gateway string  `yaml:"gateway"`
	Device  string  `yaml:"device"` // gateway-scoped device id
	State   string  `yaml:"state"`  // the state being watched for
	Delay   float64 `yaml:"delay"`  // seconds the state must persist
	Notify  string  `yaml:"notify"` // recipients alias
}

// paranoid watches one device. While the watched state persists past
// the threshold exactly one alarm goes out; leaving the state sends a
// clearing notice only if an alarm was raised.
type paranoid struct {
	dev    *house.Device
	notify house.Notifier
	state  string
	alias  string
	wait   time.Duration
	timer  *timer.Timer

	mu        sync.Mutex
	token     timer.Token
	scheduled bool
	alarmed   bool
}

func newParanoid(h *house.House, spec ParanoidSpec) (*paranoid, error) {
	v := &util.ValidationBuilder{}
	v.Add(spec.Gateway != "", "gateway is required")
	v.Add(spec.Device != "", "device is required")
	v.Add(spec.State != "", "state is required")
	v.Add(spec.Delay > 0, "delay must be positive")
	v.Add(spec.Notify != "", "notify alias is required")
	if err := v.Build(); err != nil {
		return nil, err
	}
	dev, err := h.DeviceByGatewayAndID(spec.Gateway, spec.Device)
	if err != nil {
		return nil, err
	}
	if h.Notify == nil || !h.Notify.CanNotify(spec.Notify) {
		return nil, util.NewValidationError(fmt.Sprintf("no recipients configured for alias %q", spec.Notify))
	}
	p := &paranoid{
		dev:    dev,
		notify: h.Notify,
		state:  spec.State,
		alias:  spec.Notify,
		wait:   time.Duration(spec.Delay * float64(time.Second)),
		timer:  h.Timer,
	}
	p.evaluate()
	h.Bus.Subscribe(dev, p.onEvent)
	return p, nil
}

func (p *paranoid) onEvent(synthetic bool) { p.evaluate() }

// evaluate reconciles the watch with the device's current state. It
// runs once at build and again on every device event.
func (p *paranoid) evaluate() {
	bad := p.dev.IsInState(p.state)
	var clear bool
	p.mu.Lock()
	if bad {
		if !p.scheduled && !p.alarmed {
			p.token = p.timer.Schedule(p.wait, p.onExpiry)
			p.scheduled = true
		}
	} else {
		if p.scheduled {
			p.timer.Cancel(p.token)
			p.scheduled = false
		}
		if p.alarmed {
			p.alarmed = false
			clear = true
		}
	}
	p.mu.Unlock()
	if clear {
		p.send(
			util.CapitalizeFirst(fmt.Sprintf("%s %s alarm cleared", p.dev.Name, p.state)),
			fmt.Sprintf("%s is no longer %s.", p.dev.InternalName(), p.state),
		)
	}
}

// onExpiry fires once the threshold has passed. The alarmed flag flips
// under the same lock that drops the token, so a racing evaluate can
// never schedule a second alarm for the same episode.
func (p *paranoid) onExpiry() {
	bad := p.dev.IsInState(p.state)
	p.mu.Lock()
	p.scheduled = false
	alarm := bad && !p.alarmed
	if alarm {
		p.alarmed = true
	}
	p.mu.Unlock()
	if alarm {
		p.send(
			util.CapitalizeFirst(fmt.Sprintf("%s %s alarm", p.dev.Name, p.state)),
			fmt.Sprintf("%s has been %s for at least %s.", p.dev.InternalName(), p.state, p.wait),
		)
	}
}

// send delivers off the caller's goroutine; timer and dispatch
// goroutines must not wait on SMTP.
func (p *paranoid) send(subject, body string) {
	notify := p.notify
	alias := p.alias
	util.Go("paranoid-notify", func() {
		if err := notify.Notify(alias, subject, body); err != nil {
			log.Errorf("paranoid: notifying %q: %v", alias, err)
		}
	})
}
