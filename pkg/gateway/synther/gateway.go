// Package synther is the rules gateway: it owns no hardware, only
// cross-gateway automations that bind devices exposed by the other
// gateways and delegate to them.
package synther

import (
	"fmt"
	"sort"

	"github.com/stargate-home/stargate/pkg/config"
	"github.com/stargate-home/stargate/pkg/gateway"
	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/util"
)

var log = util.ForModule("synther")

func init() {
	gateway.Register("synther", plugin{})
}

// Rule specs reach the lighting and alarm gateways through their
// conventional config names.
const (
	lutronGateway = "radiora2"
	alarmGateway  = "powerseries"
)

// Config is the gateway's section under "gateways: synther:".
type Config struct {
	Bridges    []BridgeSpec    `yaml:"bridges"`
	LedBridges []LedBridgeSpec `yaml:"ledbridges"`
	Delays     []DelaySpec     `yaml:"delays"`
	Paranoid   []ParanoidSpec  `yaml:"paranoid"`
}

type plugin struct{}

// Dependencies lists every gateway the configured rules reference, so
// the loader initializes those first.
func (plugin) Dependencies(cfg *config.GatewayConfig) ([]string, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, fmt.Errorf("synther config: %w", err)
	}
	deps := make(map[string]bool)
	if len(c.Bridges) > 0 || len(c.LedBridges) > 0 {
		deps[lutronGateway] = true
		deps[alarmGateway] = true
	}
	if len(c.Delays) > 0 {
		deps[lutronGateway] = true
	}
	for _, p := range c.Paranoid {
		if p.Gateway != "" {
			deps[p.Gateway] = true
		}
	}
	out := make([]string, 0, len(deps))
	for d := range deps {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

func (plugin) Init(h *house.House, name string, cfg *config.GatewayConfig) (house.Gateway, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, fmt.Errorf("synther config: %w", err)
	}
	g := &Synthesizer{name: name}
	for i, spec := range c.Bridges {
		b, err := newBridge(h, spec)
		if err != nil {
			return nil, fmt.Errorf("bridge %d: %w", i, err)
		}
		g.bridges = append(g.bridges, b)
	}
	for i, spec := range c.LedBridges {
		lb, err := newLedBridge(h, spec)
		if err != nil {
			return nil, fmt.Errorf("ledbridge %d: %w", i, err)
		}
		g.ledBridges = append(g.ledBridges, lb)
	}
	for i, spec := range c.Delays {
		d, err := newDelay(h, spec)
		if err != nil {
			return nil, fmt.Errorf("delay %d: %w", i, err)
		}
		g.delays = append(g.delays, d)
	}
	for i, spec := range c.Paranoid {
		p, err := newParanoid(h, spec)
		if err != nil {
			return nil, fmt.Errorf("paranoid %d: %w", i, err)
		}
		g.watches = append(g.watches, p)
	}
	log.Infof("%s: %d bridges, %d ledbridges, %d delays, %d paranoid watches",
		name, len(g.bridges), len(g.ledBridges), len(g.delays), len(g.watches))
	return g, nil
}

// Synthesizer is the loaded rules gateway. It registers no devices of
// its own, so Lookup always misses.
type Synthesizer struct {
	name       string
	bridges    []*bridge
	ledBridges []*ledBridge
	delays     []*delay
	watches    []*paranoid
}

// ID returns the gateway's config name.
func (g *Synthesizer) ID() string { return g.name }

func (g *Synthesizer) Lookup(devID string) (*house.Device, error) {
	return nil, fmt.Errorf("%s device %q: %w", g.name, devID, util.ErrNotFound)
}
