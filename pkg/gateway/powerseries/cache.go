package powerseries

import (
	"sync"
	"time"
)

// stalePollInterval is how often a blocking getter re-checks a stale
// entry. Tests shorten it.
var stalePollInterval = 100 * time.Millisecond

// Partition status values, as recorded in the cache and published as
// partition device levels.
const (
	PartitionReady = 0
	PartitionArmed = 1
	PartitionBusy  = 2
)

// The panel addresses zones 1-64 and partitions 1-8.
const (
	maxZones      = 64
	maxPartitions = 8
)

const (
	devTypeZone      = "zone"
	devTypePartition = "partition"
)

// panelActionFunc receives every recorded panel status: "zone" or
// "partition", the number, the new status, and whether the record
// filled a stale entry (the burst after a global status request)
// rather than reporting a live change.
type panelActionFunc func(devType string, num, status int, refresh bool)

type panelEntry struct {
	status int
	known  bool
}

// panelCache tracks the last known status of every zone and
// partition. Entries go stale at every (re)connect; the global status
// request repopulates them, and blocking getters poll until their
// entry fills. Unlike the Lutron cache there is no per-entry query to
// dispatch: the 001 burst is the only refresh mechanism.
type panelCache struct {
	mu          sync.Mutex
	zones       map[int]*panelEntry
	partitions  map[int]*panelEntry
	subscribers []panelActionFunc
}

func newPanelCache() *panelCache {
	c := &panelCache{
		zones:      make(map[int]*panelEntry, maxZones),
		partitions: make(map[int]*panelEntry, maxPartitions),
	}
	for i := 1; i <= maxZones; i++ {
		c.zones[i] = &panelEntry{}
	}
	for i := 1; i <= maxPartitions; i++ {
		c.partitions[i] = &panelEntry{}
	}
	return c
}

// subscribe adds a recipient for recorded statuses. Subscribers run
// on the recording goroutine, outside the cache lock.
func (c *panelCache) subscribe(fn panelActionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// markAllStale invalidates every entry. Runs right before the global
// status request so the reply burst is attributed as a refresh.
func (c *panelCache) markAllStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.zones {
		e.known = false
	}
	for _, e := range c.partitions {
		e.known = false
	}
}

func (c *panelCache) recordZone(zone, status int) {
	c.record(c.zones, devTypeZone, zone, status)
}

func (c *panelCache) recordPartition(partition, status int) {
	c.record(c.partitions, devTypePartition, partition, status)
}

func (c *panelCache) record(entries map[int]*panelEntry, devType string, num, status int) {
	c.mu.Lock()
	e, ok := entries[num]
	if !ok {
		e = &panelEntry{}
		entries[num] = e
	}
	refresh := !e.known
	e.status, e.known = status, true
	subs := append([]panelActionFunc(nil), c.subscribers...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(devType, num, status, refresh)
	}
}

// getZoneStatus returns a zone's status (0 closed, 1 open), blocking
// while the entry is stale.
func (c *panelCache) getZoneStatus(zone int) int {
	return c.get(c.zones, devTypeZone, zone)
}

// getPartitionStatus returns a partition's status enum, blocking
// while the entry is stale.
func (c *panelCache) getPartitionStatus(partition int) int {
	return c.get(c.partitions, devTypePartition, partition)
}

func (c *panelCache) get(entries map[int]*panelEntry, devType string, num int) int {
	for {
		c.mu.Lock()
		e, ok := entries[num]
		if !ok {
			c.mu.Unlock()
			log.Warnf("%s %d not tracked, reporting 0", devType, num)
			return 0
		}
		if e.known {
			status := e.status
			c.mu.Unlock()
			return status
		}
		c.mu.Unlock()
		time.Sleep(stalePollInterval)
	}
}
