// Package radiora2 is the gateway plugin for a Lutron RadioRa2 main
// repeater: it loads the repeater's XML database, models its outputs
// and keypads as house devices, and keeps their state live over the
// integration protocol.
package radiora2

import (
	"fmt"
	"os"
	"strconv"

	"github.com/stargate-home/stargate/pkg/config"
	"github.com/stargate-home/stargate/pkg/gateway"
	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/util"
)

var log = util.ForModule("radiora2")

func init() {
	gateway.Register("radiora2", plugin{})
}

// Config is the gateway's section under "gateways: radiora2:".
type Config struct {
	Repeater RepeaterConfig `yaml:"repeater"`
}

// RepeaterConfig locates and authenticates the main repeater.
type RepeaterConfig struct {
	Hostname string `yaml:"hostname"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// CachedDatabase points at a local copy of DbXmlInfo.xml. When the
	// file exists it is used instead of fetching from the repeater;
	// after a live fetch the copy is refreshed.
	CachedDatabase string `yaml:"cached_database"`

	Layout LayoutConfig `yaml:"layout"`
}

// LayoutConfig tunes database interpretation.
type LayoutConfig struct {
	IgnoreKeypads []int `yaml:"ignore_keypads"`
}

type plugin struct{}

func (plugin) Dependencies(cfg *config.GatewayConfig) ([]string, error) {
	return nil, nil
}

func (plugin) Init(h *house.House, name string, cfg *config.GatewayConfig) (house.Gateway, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, fmt.Errorf("radiora2 config: %w", err)
	}
	v := &util.ValidationBuilder{}
	v.Add(c.Repeater.Hostname != "", "repeater.hostname is required")
	v.Add(c.Repeater.Username != "", "repeater.username is required")
	v.Add(c.Repeater.Password != "", "repeater.password is required")
	if err := v.Build(); err != nil {
		return nil, err
	}

	layout := NewLayout(c.Repeater.Layout.IgnoreKeypads)
	if err := loadLayout(layout, c.Repeater); err != nil {
		return nil, err
	}

	g := &Gateway{
		house:   h,
		name:    name,
		layout:  layout,
		devices: make(map[int]lutronDevice),
		byDevID: make(map[string]*house.Device),
	}
	g.repeater = NewRepeater(name, c.Repeater.Hostname, c.Repeater.Username, c.Repeater.Password, h.Watchdog)

	for _, la := range layout.Areas() {
		if err := g.bindArea(la); err != nil {
			return nil, err
		}
	}

	g.repeater.cache.subscribe(g.onUserAction)
	if err := g.repeater.Connect(); err != nil {
		return nil, err
	}
	return g, nil
}

func loadLayout(layout *Layout, rc RepeaterConfig) error {
	if rc.CachedDatabase != "" {
		if _, err := os.Stat(rc.CachedDatabase); err == nil {
			return layout.LoadCached(rc.CachedDatabase)
		}
		log.Infof("cached repeater database %s not present, fetching live", rc.CachedDatabase)
	}
	return layout.LoadLive(rc.Hostname, rc.CachedDatabase)
}

// Gateway is the loaded radiora2 plugin instance.
type Gateway struct {
	house    *house.House
	name     string
	layout   *Layout
	repeater *Repeater

	// Registered during init, read-only afterwards.
	devices map[int]lutronDevice
	byDevID map[string]*house.Device
}

// ID returns the gateway's config name.
func (g *Gateway) ID() string { return g.name }

// Lookup resolves an integration id (as a string) to its device.
func (g *Gateway) Lookup(devID string) (*house.Device, error) {
	d, ok := g.byDevID[devID]
	if !ok {
		return nil, fmt.Errorf("%s device %q: %w", g.name, devID, util.ErrNotFound)
	}
	return d, nil
}

// bindArea registers one layout area's outputs and control devices.
func (g *Gateway) bindArea(la *LayoutArea) error {
	area, err := g.house.AreaByName(la.Name)
	if err != nil {
		return err
	}
	for _, lo := range la.Outputs {
		od, err := g.newOutputDevice(area, lo)
		if err != nil {
			return err
		}
		g.repeater.cache.watchOutput(lo.IID)
		g.remember(lo.IID, od, od.dev)
	}
	for _, ld := range la.Devices {
		switch ld.Kind {
		case DeviceKeypad, DeviceRemote, DeviceRepeater:
			kd, err := g.newKeypadDevice(area, ld)
			if err != nil {
				return err
			}
			g.remember(ld.IID, kd, kd.dev)
		case DeviceMotionSensor:
			md, err := g.newMotionDevice(area, ld)
			if err != nil {
				return err
			}
			g.remember(ld.IID, md, md.dev)
		}
	}
	return nil
}

func (g *Gateway) remember(iid int, ld lutronDevice, dev *house.Device) {
	g.devices[iid] = ld
	g.byDevID[strconv.Itoa(iid)] = dev
}

// onUserAction fans one cache record out to the owning device. Runs on
// the repeater's dispatch goroutine.
func (g *Gateway) onUserAction(iid int, state float64, refresh bool, compID int) {
	d, ok := g.devices[iid]
	if !ok {
		log.Debugf("record for unknown integration id %d ignored", iid)
		return
	}
	d.record(state, refresh, compID)
}

// The synthesizer drives Lutron hardware through these.

// SetOutputLevel commands an output to a level in percent.
func (g *Gateway) SetOutputLevel(iid int, level float64) { g.repeater.SetOutputLevel(iid, level) }

// PulseOutput fires a pulsed contact closure.
func (g *Gateway) PulseOutput(iid int) { g.repeater.PulseOutput(iid) }

// SetLEDState lights or clears a keypad LED.
func (g *Gateway) SetLEDState(iid, lid int, on bool) { g.repeater.SetLEDState(iid, lid, on) }

// LEDState reads a keypad LED's cached state.
func (g *Gateway) LEDState(iid, lid int) bool { return g.repeater.GetLEDState(iid, lid) }

// ButtonState reads a keypad button's cached press state.
func (g *Gateway) ButtonState(iid, bid int) bool { return g.repeater.GetButtonState(iid, bid) }

// SetButtonState presses or releases a keypad button remotely.
func (g *Gateway) SetButtonState(iid, bid int, pressed bool) {
	g.repeater.SetButtonState(iid, bid, pressed)
}
