package vera

import (
	"strconv"
	"sync"

	"github.com/stargate-home/stargate/pkg/house"
)

// doorLock models one deadbolt behind the controller.
//
// Status reads go to the controller on demand. The poll loop only
// compares the summary's locked flag against the last value seen, so a
// manual thumb turn still shows up as a change event.
type doorLock struct {
	dev *house.Device

	mu         sync.Mutex
	lastLocked int
}

func (g *Gateway) newDoorLock(area *house.Area, sd *sdataDevice) (*doorLock, error) {
	devNum := int(sd.ID)
	dev, err := g.house.NewDevice(area, house.DeviceSpec{
		Gateway: g,
		DevID:   strconv.Itoa(devNum),
		Name:    sd.Name,
		Class:   house.ClassOutput,
		Type:    "doorlock",
		States:  []string{"pending", "unlocked", "locked"},
	})
	if err != nil {
		return nil, err
	}

	client := g.client
	dev.LevelFn = func() float64 {
		v, err := client.lockStatus(devNum)
		if err != nil {
			log.Warnf("lock %d status: %v", devNum, err)
			return 0
		}
		return float64(v)
	}
	dev.Reports("locked", func() bool { return dev.Level() == 1 })
	dev.Reports("unlocked", func() bool { return dev.Level() != 1 })
	dev.Reports("pending", func() bool {
		active, err := client.jobActive(devNum)
		if err != nil {
			log.Warnf("lock %d jobs: %v", devNum, err)
			return false
		}
		return active
	})
	dev.Performs("locked", func() {
		if err := client.setTarget(devNum, 1); err != nil {
			log.Errorf("locking %d: %v", devNum, err)
		}
	})
	dev.Performs("unlocked", func() {
		if err := client.setTarget(devNum, 0); err != nil {
			log.Errorf("unlocking %d: %v", devNum, err)
		}
	})

	l := &doorLock{dev: dev, lastLocked: int(sd.Locked)}
	dev.PublishChange(float64(sd.Locked), true)
	return l, nil
}

// pollUpdate reconciles one summary sample against the last state seen
// and publishes a change when the lock moved.
func (l *doorLock) pollUpdate(locked int) {
	l.mu.Lock()
	changed := locked != l.lastLocked
	l.lastLocked = locked
	l.mu.Unlock()
	if changed {
		l.dev.PublishChange(float64(locked), false)
	}
}
