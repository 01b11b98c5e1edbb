package powerseries

import (
	"fmt"

	"github.com/stargate-home/stargate/pkg/house"
)

// Zone sensor types accepted in config.
const (
	ZoneClosure = "closure"
	ZoneMotion  = "motion"
)

// dscDevice receives the cache records for one zone or partition.
type dscDevice interface {
	record(status int, refresh bool)
}

// partitionDevice publishes partition status records; the device
// level is the status enum.
type partitionDevice struct {
	dev *house.Device
}

func (p *partitionDevice) record(status int, refresh bool) {
	p.dev.PublishChange(float64(status), refresh)
}

func (g *Gateway) newPartitionDevice(area *house.Area, num int, name string) (*partitionDevice, error) {
	dev, err := g.house.NewDevice(area, house.DeviceSpec{
		Gateway: g,
		DevID:   fmt.Sprintf("partition:%d", num),
		Name:    name,
		Class:   house.ClassControl,
		Type:    "alarmpartition",
		States:  []string{"ready", "armed", "busy"},
	})
	if err != nil {
		return nil, err
	}
	panel := g.panel
	dev.LevelFn = func() float64 { return float64(panel.GetPartitionStatus(num)) }
	dev.Reports("ready", func() bool { return panel.GetPartitionStatus(num) == PartitionReady })
	dev.Reports("armed", func() bool { return panel.GetPartitionStatus(num) == PartitionArmed })
	dev.Reports("busy", func() bool { return panel.GetPartitionStatus(num) == PartitionBusy })
	dev.Performs("armed", func() { g.ArmAway(num) })
	dev.Performs("ready", func() { g.Disarm(num) })
	return &partitionDevice{dev: dev}, nil
}

// zoneDevice publishes zone status records (0 closed, 1 open).
type zoneDevice struct {
	dev *house.Device
}

func (z *zoneDevice) record(status int, refresh bool) {
	z.dev.PublishChange(float64(status), refresh)
}

func (g *Gateway) newZoneDevice(area *house.Area, num int, spec ZoneSpec) (*zoneDevice, error) {
	dspec := house.DeviceSpec{
		Gateway: g,
		DevID:   fmt.Sprintf("zone:%d", num),
		Name:    spec.Name,
		Class:   house.ClassSensor,
	}
	switch spec.Type {
	case ZoneClosure:
		dspec.Type = "closure"
		dspec.States = []string{"closed", "open"}
	case ZoneMotion:
		dspec.Type = "motion"
		dspec.States = []string{"vacant", "occupied"}
	}
	dev, err := g.house.NewDevice(area, dspec)
	if err != nil {
		return nil, err
	}
	panel := g.panel
	dev.LevelFn = func() float64 { return float64(panel.GetZoneStatus(num)) }
	switch spec.Type {
	case ZoneClosure:
		dev.Reports("open", func() bool { return panel.GetZoneStatus(num) != 0 })
		dev.Reports("closed", func() bool { return panel.GetZoneStatus(num) == 0 })
	case ZoneMotion:
		dev.Reports("occupied", func() bool { return panel.GetZoneStatus(num) != 0 })
		dev.Reports("vacant", func() bool { return panel.GetZoneStatus(num) == 0 })
	}
	return &zoneDevice{dev: dev}, nil
}
