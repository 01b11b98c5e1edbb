// Package powerseries is the gateway plugin for a DSC PowerSeries
// alarm panel behind an Envisalink-style TCP integration module: it
// models the panel's zones and partitions as house devices, mirrors
// their status through a cache fed by the integration stream, and can
// chain the single-client integration port out to further consumers.
package powerseries

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/stargate-home/stargate/pkg/config"
	"github.com/stargate-home/stargate/pkg/gateway"
	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/util"
)

var log = util.ForModule("powerseries")

func init() {
	gateway.Register("powerseries", plugin{})
}

// securityArea receives zones that no area_mapping entry claims, and
// all partitions.
const securityArea = "Security"

// Config is the gateway's section under "gateways: powerseries:".
type Config struct {
	Gateway        PanelConfig         `yaml:"gateway"`
	Zones          map[int]ZoneSpec    `yaml:"zones"`
	PartitionNames map[int]string      `yaml:"partition_names"`
	AreaMapping    map[string]ZoneList `yaml:"area_mapping"`
}

// PanelConfig locates and authenticates the integration module.
type PanelConfig struct {
	Hostname      string `yaml:"hostname"`
	Password      string `yaml:"password"`
	ReflectorPort int    `yaml:"reflector_port"`

	// Code is the user code for disarm commands; without it the
	// gateway can arm but never disarm.
	Code string `yaml:"code"`
}

// ZoneSpec is one zone's config entry: either a bare name string,
// which makes a closure sensor, or a mapping with type and name.
type ZoneSpec struct {
	Type string `yaml:"type"`
	Name string `yaml:"name"`
}

func (z *ZoneSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		z.Type = ZoneClosure
		return value.Decode(&z.Name)
	}
	type plain ZoneSpec
	if err := value.Decode((*plain)(z)); err != nil {
		return err
	}
	if z.Type == "" {
		z.Type = ZoneClosure
	}
	return nil
}

// ZoneList is a list of zone numbers; entries may be plain integers
// or range strings like "3-7" or "1,4,9-12".
type ZoneList []int

func (zl *ZoneList) UnmarshalYAML(value *yaml.Node) error {
	var raw []yaml.Node
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var zones []int
	for _, node := range raw {
		var num int
		if err := node.Decode(&num); err == nil {
			zones = append(zones, num)
			continue
		}
		var spec string
		if err := node.Decode(&spec); err != nil {
			return fmt.Errorf("zone list entry %q: %w", node.Value, err)
		}
		expanded, err := util.ExpandRange(spec)
		if err != nil {
			return fmt.Errorf("zone list entry %q: %w", spec, err)
		}
		zones = append(zones, expanded...)
	}
	*zl = zones
	return nil
}

type plugin struct{}

func (plugin) Dependencies(cfg *config.GatewayConfig) ([]string, error) {
	return nil, nil
}

func (plugin) Init(h *house.House, name string, cfg *config.GatewayConfig) (house.Gateway, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, fmt.Errorf("powerseries config: %w", err)
	}
	if err := validate(&c); err != nil {
		return nil, err
	}

	g := &Gateway{
		house:      h,
		name:       name,
		code:       c.Gateway.Code,
		zones:      make(map[int]*zoneDevice),
		partitions: make(map[int]*partitionDevice),
		byDevID:    make(map[string]*house.Device),
	}
	g.panel = NewPanel(name, c.Gateway.Hostname, c.Gateway.Password, h.Watchdog)

	zoneAreas, err := mapZoneAreas(h, c.AreaMapping)
	if err != nil {
		return nil, err
	}
	security, err := h.AreaByName(securityArea)
	if err != nil {
		return nil, err
	}

	for _, num := range sortedKeys(c.Zones) {
		area := zoneAreas[num]
		if area == nil {
			area = security
		}
		zd, err := g.newZoneDevice(area, num, c.Zones[num])
		if err != nil {
			return nil, err
		}
		g.zones[num] = zd
		g.byDevID[zd.dev.DevID] = zd.dev
	}
	for _, num := range sortedKeys(c.PartitionNames) {
		pd, err := g.newPartitionDevice(security, num, c.PartitionNames[num])
		if err != nil {
			return nil, err
		}
		g.partitions[num] = pd
		g.byDevID[pd.dev.DevID] = pd.dev
	}

	zoneNums := make([]int, 0, len(g.zones))
	for num := range g.zones {
		zoneNums = append(zoneNums, num)
	}
	log.Infof("monitoring zones %s across %d partitions", util.CompactRange(zoneNums), len(g.partitions))

	g.panel.cache.subscribe(g.onUserAction)

	if c.Gateway.ReflectorPort > 0 {
		reflector, err := NewReflector(name, c.Gateway.ReflectorPort, c.Gateway.Password, g.panel.SendRaw)
		if err != nil {
			return nil, err
		}
		g.reflector = reflector
		g.panel.Relay(reflector.ToChildren)
	}

	if err := g.panel.Connect(); err != nil {
		return nil, err
	}
	return g, nil
}

func validate(c *Config) error {
	v := &util.ValidationBuilder{}
	v.Add(c.Gateway.Hostname != "", "gateway.hostname is required")
	v.Add(c.Gateway.Password != "", "gateway.password is required")
	for _, num := range sortedKeys(c.Zones) {
		spec := c.Zones[num]
		v.Add(num >= 1 && num <= maxZones,
			fmt.Sprintf("zone %d outside 1-%d", num, maxZones))
		v.Add(spec.Type == ZoneClosure || spec.Type == ZoneMotion,
			fmt.Sprintf("zone %d: unknown type %q", num, spec.Type))
	}
	for _, num := range sortedKeys(c.PartitionNames) {
		v.Add(num >= 1 && num <= maxPartitions,
			fmt.Sprintf("partition %d outside 1-%d", num, maxPartitions))
	}
	return v.Build()
}

// mapZoneAreas resolves area_mapping to one area per zone. A zone
// claimed by two areas keeps the first (alphabetical) and warns.
func mapZoneAreas(h *house.House, mapping map[string]ZoneList) (map[int]*house.Area, error) {
	areaNames := make([]string, 0, len(mapping))
	for name := range mapping {
		areaNames = append(areaNames, name)
	}
	sort.Strings(areaNames)

	zoneAreas := make(map[int]*house.Area)
	for _, areaName := range areaNames {
		area, err := h.AreaByName(areaName)
		if err != nil {
			return nil, err
		}
		for _, num := range mapping[areaName] {
			if prev, ok := zoneAreas[num]; ok {
				log.Warnf("zone %d mapped to both %s and %s, keeping %s", num, prev.Name, areaName, prev.Name)
				continue
			}
			zoneAreas[num] = area
		}
	}
	return zoneAreas, nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Gateway is the loaded powerseries plugin instance.
type Gateway struct {
	house     *house.House
	name      string
	code      string
	panel     *Panel
	reflector *Reflector

	// Registered during init, read-only afterwards.
	zones      map[int]*zoneDevice
	partitions map[int]*partitionDevice
	byDevID    map[string]*house.Device
}

// ID returns the gateway's config name.
func (g *Gateway) ID() string { return g.name }

// Lookup resolves a "zone:N" or "partition:N" device id.
func (g *Gateway) Lookup(devID string) (*house.Device, error) {
	d, ok := g.byDevID[devID]
	if !ok {
		return nil, fmt.Errorf("%s device %q: %w", g.name, devID, util.ErrNotFound)
	}
	return d, nil
}

// onUserAction fans one cache record out to the owning device. Runs
// on the panel's dispatch goroutine.
func (g *Gateway) onUserAction(devType string, num, status int, refresh bool) {
	var d dscDevice
	switch devType {
	case devTypeZone:
		if zd, ok := g.zones[num]; ok {
			d = zd
		}
	case devTypePartition:
		if pd, ok := g.partitions[num]; ok {
			d = pd
		}
	}
	if d == nil {
		log.Debugf("status for unconfigured %s %d ignored", devType, num)
		return
	}
	d.record(status, refresh)
}

// ZoneStatus reads a zone's cached status (0 closed, 1 open),
// blocking while stale.
func (g *Gateway) ZoneStatus(zone int) int { return g.panel.GetZoneStatus(zone) }

// PartitionStatus reads a partition's cached status enum, blocking
// while stale.
func (g *Gateway) PartitionStatus(partition int) int { return g.panel.GetPartitionStatus(partition) }

// The synthesizer drives the panel through these.

// SendUserCommand invokes a panel user command (the keypad *-code
// verbs) on a partition.
func (g *Gateway) SendUserCommand(partition, command int) {
	g.panel.Send(cmdUserCommand, fmt.Sprintf("%d%d", partition, command))
}

// ArmAway arms a partition in away mode.
func (g *Gateway) ArmAway(partition int) {
	g.panel.Send(cmdArmAway, strconv.Itoa(partition))
}

// ArmStay arms a partition in stay mode.
func (g *Gateway) ArmStay(partition int) {
	g.panel.Send(cmdArmStay, strconv.Itoa(partition))
}

// Disarm disarms a partition with the configured user code.
func (g *Gateway) Disarm(partition int) {
	if g.code == "" {
		log.Warnf("no user code configured, cannot disarm partition %d", partition)
		return
	}
	g.panel.Send(cmdDisarm, fmt.Sprintf("%d%s", partition, g.code))
}
