// Package gateway wires gateway plugins into a house. Plugins register
// themselves at package init; LoadAll instantiates the gateways a
// config names, in dependency order.
package gateway

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stargate-home/stargate/pkg/config"
	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/util"
)

var log = util.ForModule("gateway")

// Plugin builds one kind of gateway. The config key under "gateways"
// both names the gateway instance and selects its plugin.
type Plugin interface {
	// Dependencies inspects the gateway's config section and names the
	// gateways that must be loaded before this one.
	Dependencies(cfg *config.GatewayConfig) ([]string, error)
	// Init builds the gateway: registers its areas and devices with the
	// house and starts its sessions. A gateway that fails here is
	// skipped, along with everything depending on it.
	Init(h *house.House, name string, cfg *config.GatewayConfig) (house.Gateway, error)
}

// Registry maps plugin names to their factories.
type Registry struct {
	mu      sync.Mutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty registry. Production code uses the
// package-level one; tests build their own.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin under name. Registering the same name twice
// panics: that is a wiring bug, not a runtime condition.
func (r *Registry) Register(name string, p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; ok {
		panic(fmt.Sprintf("gateway plugin %q registered twice", name))
	}
	r.plugins[name] = p
}

func (r *Registry) plugin(name string) (Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[name]
	return p, ok
}

var defaultRegistry = NewRegistry()

// Register adds a plugin to the default registry. Gateway packages
// call this from init; the daemon pulls them in with blank imports.
func Register(name string, p Plugin) {
	defaultRegistry.Register(name, p)
}

// LoadAll loads the configured gateways through the default registry.
func LoadAll(h *house.House, cfgs map[string]*config.GatewayConfig) (int, error) {
	return defaultRegistry.LoadAll(h, cfgs)
}

type pendingGateway struct {
	name    string
	plugin  Plugin
	cfg     *config.GatewayConfig
	waiting map[string]bool
}

// LoadAll instantiates every enabled gateway named in cfgs whose
// dependencies can be satisfied. Gateways load in dependency order;
// one failing to init drags everything depending on it down with it.
// Returns the number of gateways loaded; zero is an error, since a
// house without gateways has nothing to do.
func (r *Registry) LoadAll(h *house.House, cfgs map[string]*config.GatewayConfig) (int, error) {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	var ready []*pendingGateway
	pending := make(map[string]*pendingGateway)
	for _, name := range names {
		cfg := cfgs[name]
		if cfg.Disabled {
			log.Infof("gateway %q disabled, skipping", name)
			continue
		}
		p, ok := r.plugin(name)
		if !ok {
			log.Errorf("gateway %q: no such plugin", name)
			continue
		}
		deps, err := p.Dependencies(cfg)
		if err != nil {
			log.Errorf("gateway %q: reading dependencies: %v", name, err)
			continue
		}
		g := &pendingGateway{name: name, plugin: p, cfg: cfg, waiting: make(map[string]bool)}
		for _, d := range deps {
			if d != name {
				g.waiting[d] = true
			}
		}
		if len(g.waiting) == 0 {
			ready = append(ready, g)
		} else {
			pending[name] = g
		}
	}

	loaded := 0
	for len(ready) > 0 {
		g := ready[0]
		ready = ready[1:]
		log.Infof("loading gateway %q", g.name)
		gw, err := initPlugin(g.plugin, h, g.name, g.cfg)
		if err == nil {
			err = h.RegisterGateway(gw)
		}
		if err != nil {
			log.Errorf("gateway %q: %v", g.name, err)
			continue
		}
		loaded++
		// Promote gateways that were only waiting for this one.
		for _, name := range sortedKeys(pending) {
			p := pending[name]
			if !p.waiting[g.name] {
				continue
			}
			delete(p.waiting, g.name)
			if len(p.waiting) == 0 {
				delete(pending, name)
				ready = append(ready, p)
			}
		}
	}

	for _, name := range sortedKeys(pending) {
		g := pending[name]
		for _, dep := range sortedKeys(g.waiting) {
			log.Errorf("gateway %q: %v", name, util.NewDependencyError(name, dep))
		}
	}
	if loaded == 0 {
		return 0, fmt.Errorf("no gateways loaded")
	}
	return loaded, nil
}

// initPlugin runs a plugin's Init with a panic trap, so one broken
// plugin cannot take the daemon down during startup.
func initPlugin(p Plugin, h *house.House, name string, cfg *config.GatewayConfig) (gw house.Gateway, err error) {
	defer func() {
		if r := recover(); r != nil {
			gw, err = nil, fmt.Errorf("init panicked: %v", r)
		}
	}()
	return p.Init(h, name, cfg)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
