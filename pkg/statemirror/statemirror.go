// Package statemirror keeps a live copy of device state in redis for
// external consumers (dashboards, scripts) that should not query the
// gateways directly. Each device gets a hash at
// <prefix>:device:<id>; every published change is also announced on
// the <prefix>:events pub/sub channel as JSON.
//
// The mirror is best-effort: writes happen on a dedicated goroutine
// behind an unbounded queue so redis latency never slows a gateway's
// reader, and write failures are logged, not escalated.
package statemirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stargate-home/stargate/pkg/config"
	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/util"
)

var log = util.ForModule("statemirror")

const writeTimeout = 5 * time.Second

// update is one device snapshot captured at publish time, on the
// publishing goroutine, so the mirrored values are the ones the event
// described even if the device moves on before the write lands.
type update struct {
	device    *house.Device
	level     float64
	states    []string
	synthetic bool
	at        time.Time
}

// Mirror copies device state changes into redis.
type Mirror struct {
	client *redis.Client
	house  *house.House
	prefix string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []update
	closed bool
}

// New builds a mirror for h. Nothing touches redis until Start.
func New(h *house.House, cfg config.StateMirrorConfig) *Mirror {
	m := &Mirror{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		house:  h,
		prefix: cfg.KeyPrefix,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start verifies the connection, seeds a snapshot of every registered
// device, and subscribes to the house bus. The seed runs through the
// same queue as live updates so ordering holds.
func (m *Mirror) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	util.Go("statemirror-writer", m.writeLoop)

	for _, d := range m.house.DevicesFiltered(house.DeviceFilter{}, true) {
		m.enqueue(d, true)
	}
	m.house.Bus.SubscribeAll(func(d *house.Device, synthetic bool) {
		m.enqueue(d, synthetic)
	})
	log.Infof("mirroring %q to redis as %s:*", m.house.Name, m.prefix)
	return nil
}

// Close stops the writer and disconnects. Queued updates not yet
// written are discarded; the next daemon start reseeds everything.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	m.cond.Broadcast()
	m.mu.Unlock()
	m.client.Close()
}

func (m *Mirror) enqueue(d *house.Device, synthetic bool) {
	u := update{
		device:    d,
		level:     d.Level(),
		states:    d.CurrentStates(),
		synthetic: synthetic,
		at:        time.Now(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, u)
	m.cond.Signal()
}

func (m *Mirror) writeLoop() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		u := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if err := m.write(u); err != nil {
			log.Warnf("mirroring %s: %v", u.device.InternalName(), err)
		}
	}
}

func (m *Mirror) write(u update) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	d := u.device
	key := m.deviceKey(d.ID)
	fields := map[string]interface{}{
		"name":    d.Name,
		"area":    d.Area.Name,
		"gateway": d.Gateway.ID(),
		"devid":   d.DevID,
		"class":   d.Class,
		"type":    d.Type,
		"level":   strconv.FormatFloat(u.level, 'f', -1, 64),
		"states":  strings.Join(u.states, ","),
		"updated": u.at.UTC().Format(time.RFC3339Nano),
	}
	if err := m.client.HSet(ctx, key, fields).Err(); err != nil {
		return err
	}

	msg, err := json.Marshal(map[string]interface{}{
		"device_id": d.ID,
		"name":      d.Name,
		"gateway":   d.Gateway.ID(),
		"level":     u.level,
		"states":    u.states,
		"synthetic": u.synthetic,
		"at":        u.at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, m.eventsChannel(), msg).Err()
}

// Device reads one mirrored device hash as raw fields. Returns
// (nil, nil) if the device has never been mirrored.
func (m *Mirror) Device(id int64) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	vals, err := m.client.HGetAll(ctx, m.deviceKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return vals, nil
}

func (m *Mirror) deviceKey(id int64) string {
	return fmt.Sprintf("%s:device:%d", m.prefix, id)
}

func (m *Mirror) eventsChannel() string {
	return m.prefix + ":events"
}
