// Package vera is the gateway plugin for a MiCasaVerde Vera
// controller: it discovers rooms and door locks from the controller's
// summary data, models the locks as house devices, and keeps their
// state fresh by polling.
package vera

import (
	"fmt"
	"strconv"
	"time"

	"github.com/stargate-home/stargate/pkg/config"
	"github.com/stargate-home/stargate/pkg/gateway"
	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/util"
)

var log = util.ForModule("vera")

func init() {
	gateway.Register("vera", plugin{})
}

// Devices the controller reports outside any room land here.
const unassignedArea = "Vera devices"

// categoryDoorLock is the only summary category this gateway models.
const categoryDoorLock = "Door lock"

const defaultPollInterval = 60 * time.Second

// Config is the gateway's section under "gateways: vera:".
type Config struct {
	Gateway ControllerConfig `yaml:"gateway"`
}

// ControllerConfig locates the controller and tunes the poll cadence.
type ControllerConfig struct {
	Hostname string `yaml:"hostname"`

	// PollInterval is the summary poll cadence in seconds; 0 means the
	// default.
	PollInterval int `yaml:"poll_interval"`
}

type plugin struct{}

func (plugin) Dependencies(cfg *config.GatewayConfig) ([]string, error) {
	return nil, nil
}

func (plugin) Init(h *house.House, name string, cfg *config.GatewayConfig) (house.Gateway, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, fmt.Errorf("vera config: %w", err)
	}
	v := &util.ValidationBuilder{}
	v.Add(c.Gateway.Hostname != "", "gateway.hostname is required")
	v.Add(c.Gateway.PollInterval >= 0, "gateway.poll_interval must not be negative")
	if err := v.Build(); err != nil {
		return nil, err
	}
	interval := defaultPollInterval
	if c.Gateway.PollInterval > 0 {
		interval = time.Duration(c.Gateway.PollInterval) * time.Second
	}

	g := &Gateway{
		house:    h,
		name:     name,
		client:   newClient(c.Gateway.Hostname),
		interval: interval,
		locks:    make(map[int]*doorLock),
		byDevID:  make(map[string]*house.Device),
	}
	reply, err := g.client.sdata()
	if err != nil {
		return nil, fmt.Errorf("vera %s: %w", name, err)
	}
	if err := g.build(reply); err != nil {
		return nil, err
	}
	g.schedulePoll()
	return g, nil
}

// Gateway is the loaded vera plugin instance.
type Gateway struct {
	house    *house.House
	name     string
	client   *client
	interval time.Duration

	// Registered during init, read-only afterwards.
	locks   map[int]*doorLock
	byDevID map[string]*house.Device
}

// ID returns the gateway's config name.
func (g *Gateway) ID() string { return g.name }

// Lookup resolves a controller device number (as a string) to its
// device.
func (g *Gateway) Lookup(devID string) (*house.Device, error) {
	d, ok := g.byDevID[devID]
	if !ok {
		return nil, fmt.Errorf("%s device %q: %w", g.name, devID, util.ErrNotFound)
	}
	return d, nil
}

// build registers areas and lock devices from one summary.
func (g *Gateway) build(reply *sdataReply) error {
	unassigned, err := g.house.AreaByName(unassignedArea)
	if err != nil {
		return err
	}
	rooms := make(map[int]*house.Area, len(reply.Rooms)+1)
	rooms[0] = unassigned
	for _, room := range reply.Rooms {
		area, err := g.house.AreaByName(room.Name)
		if err != nil {
			return err
		}
		rooms[int(room.ID)] = area
	}
	categories := make(map[int]string, len(reply.Categories))
	for _, cat := range reply.Categories {
		categories[int(cat.ID)] = cat.Name
	}

	for i := range reply.Devices {
		sd := &reply.Devices[i]
		if category := categories[int(sd.Category)]; category != categoryDoorLock {
			log.Debugf("device %d (%s) in category %q not modeled", sd.ID, sd.Name, category)
			continue
		}
		area, ok := rooms[int(sd.Room)]
		if !ok {
			log.Warnf("device %d (%s) references unknown room %d", sd.ID, sd.Name, sd.Room)
			area = unassigned
		}
		lock, err := g.newDoorLock(area, sd)
		if err != nil {
			return err
		}
		g.locks[int(sd.ID)] = lock
		g.byDevID[strconv.Itoa(int(sd.ID))] = lock.dev
	}
	return nil
}

// schedulePoll arms the next summary poll. Each poll re-arms the timer
// after it finishes, so a slow controller stretches the cadence
// instead of stacking requests.
func (g *Gateway) schedulePoll() {
	g.house.Timer.Schedule(g.interval, func() {
		util.Go(g.name+"-poll", g.poll)
	})
}

func (g *Gateway) poll() {
	defer g.schedulePoll()
	reply, err := g.client.sdata()
	if err != nil {
		log.Warnf("summary poll: %v", err)
		return
	}
	for i := range reply.Devices {
		sd := &reply.Devices[i]
		if lock, ok := g.locks[int(sd.ID)]; ok {
			lock.pollUpdate(int(sd.Locked))
		}
	}
}
