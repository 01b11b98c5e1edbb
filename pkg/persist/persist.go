// Package persist keeps the durable per-device event log and the
// statistics derived from it.
package persist

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stargate-home/stargate/pkg/metrics"
	"github.com/stargate-home/stargate/pkg/util"
)

var log = util.ForModule("persist")

// EventCode classifies one event-log row.
type EventCode int

const (
	// Changed records a real user or device action.
	Changed EventCode = 1
	// Checkpoint bounds the interval over which time-in-state claims
	// hold while the engine runs; it never implies a state change.
	Checkpoint EventCode = 2
	// Restart marks "we do not know what happened before this".
	Restart EventCode = 3
)

func (c EventCode) String() string {
	switch c {
	case Changed:
		return "changed"
	case Checkpoint:
		return "checkpoint"
	case Restart:
		return "restart"
	}
	return fmt.Sprintf("event(%d)", int(c))
}

// Event is one event-log row.
type Event struct {
	DeviceID int64
	Code     EventCode
	Level    int64
	At       time.Time
}

const (
	schemaVersion = 1

	// Area ids share device_map under a gateway id no gateway can use.
	areaGatewayID = "__area__"

	// Fixed-width UTC timestamps: lexicographic order equals time
	// order, which the queries rely on. RFC3339Nano trims trailing
	// zeros and would break that.
	tsLayout = "2006-01-02T15:04:05.000000000Z"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS device_map (
		gateway_id    TEXT NOT NULL,
		gateway_devid TEXT NOT NULL,
		sg_device_id  INTEGER PRIMARY KEY AUTOINCREMENT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS device_map_gw
		ON device_map(gateway_id, gateway_devid)`,
	`CREATE TABLE IF NOT EXISTS device_events (
		sg_device_id INTEGER NOT NULL,
		event_code   INTEGER NOT NULL,
		level        INTEGER NOT NULL,
		event_ts     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS device_events_dev_ts
		ON device_events(sg_device_id, event_ts)`,
}

// Store is the event log. All public methods serialize behind one
// mutex; the internal helpers assume it is held.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the event log at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL on %s: %w", path, err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema version of %s: %w", path, err)
	}
	switch version {
	case 0:
		for _, stmt := range schema {
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return nil, fmt.Errorf("create event log schema: %w", err)
			}
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			db.Close()
			return nil, fmt.Errorf("stamp schema version: %w", err)
		}
	case schemaVersion:
	default:
		db.Close()
		return nil, fmt.Errorf("event log %s has schema version %d, want %d", path, version, schemaVersion)
	}

	log.Debugf("event log open at %s", path)
	return &Store{db: db, now: time.Now}, nil
}

// Close checkpoints the WAL into the main file and closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warnf("WAL checkpoint failed: %v", err)
	}
	return s.db.Close()
}

// DeviceID returns the stable integer id for a gateway device,
// inserting a mapping row on first sight.
func (s *Store) DeviceID(gatewayID, gatewayDevID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceIDLocked(gatewayID, gatewayDevID)
}

// AreaID returns the stable integer id for an area name.
func (s *Store) AreaID(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceIDLocked(areaGatewayID, name)
}

func (s *Store) deviceIDLocked(gatewayID, gatewayDevID string) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		"SELECT sg_device_id FROM device_map WHERE gateway_id = ? AND gateway_devid = ?",
		gatewayID, gatewayDevID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("look up device %s/%s: %w", gatewayID, gatewayDevID, err)
	}

	res, err := s.db.Exec(
		"INSERT INTO device_map (gateway_id, gateway_devid) VALUES (?, ?)",
		gatewayID, gatewayDevID)
	if err != nil {
		return 0, fmt.Errorf("map device %s/%s: %w", gatewayID, gatewayDevID, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("map device %s/%s: %w", gatewayID, gatewayDevID, err)
	}
	return id, nil
}

// RecordStartup logs a RESTART event: state before this point is
// unknown.
func (s *Store) RecordStartup(deviceID int64, level float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertEventLocked(deviceID, Restart, storedLevel(level), s.now())
}

// RecordChange logs a CHANGED event. When the device's newest prior
// event is a CHECKPOINT it is overwritten in place, which keeps quiet
// runs from growing the log with checkpoint/change pairs.
func (s *Store) RecordChange(deviceID int64, level float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rowid, code, _, _, ok, err := s.newestEventLocked(deviceID)
	if err != nil {
		return err
	}
	if ok && code == Checkpoint {
		_, err := s.db.Exec(
			"UPDATE device_events SET event_code = ?, level = ?, event_ts = ? WHERE rowid = ?",
			int(Changed), storedLevel(level), s.now().UTC().Format(tsLayout), rowid)
		if err != nil {
			return fmt.Errorf("record change for device %d: %w", deviceID, err)
		}
		return nil
	}
	return s.insertEventLocked(deviceID, Changed, storedLevel(level), s.now())
}

// CheckpointAll emits or coalesces a CHECKPOINT for every device that
// has events, carrying each device's most recent level.
func (s *Store) CheckpointAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT DISTINCT sg_device_id FROM device_events")
	if err != nil {
		return fmt.Errorf("list devices for checkpoint: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("list devices for checkpoint: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("list devices for checkpoint: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		rowid, code, level, _, ok, err := s.newestEventLocked(id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if code == Checkpoint {
			_, err = s.db.Exec(
				"UPDATE device_events SET event_ts = ? WHERE rowid = ?",
				s.now().UTC().Format(tsLayout), rowid)
			if err != nil {
				return fmt.Errorf("advance checkpoint for device %d: %w", id, err)
			}
			continue
		}
		if err := s.insertEventLocked(id, Checkpoint, level, s.now()); err != nil {
			return err
		}
	}
	metrics.Default.RecordCheckpoint()
	log.Debugf("checkpointed %d devices", len(ids))
	return nil
}

// DeltaSinceChange returns how long ago the device's newest
// non-checkpoint event happened. ok is false when there is no such
// event or it is a RESTART (nothing is known about the time before).
func (s *Store) DeltaSinceChange(deviceID int64) (delta time.Duration, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var code int
	var ts string
	err = s.db.QueryRow(
		`SELECT event_code, event_ts FROM device_events
		 WHERE sg_device_id = ? AND event_code != ?
		 ORDER BY event_ts DESC LIMIT 1`,
		deviceID, int(Checkpoint)).Scan(&code, &ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("delta for device %d: %w", deviceID, err)
	}
	if EventCode(code) == Restart {
		return 0, false, nil
	}
	at, err := time.Parse(tsLayout, ts)
	if err != nil {
		return 0, false, fmt.Errorf("delta for device %d: %w", deviceID, err)
	}
	return s.now().Sub(at), true, nil
}

// ActionCount counts CHANGED events newer than now-age. age <= 0
// counts the whole log.
func (s *Store) ActionCount(deviceID int64, age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	var err error
	if age > 0 {
		cutoff := s.now().Add(-age).UTC().Format(tsLayout)
		err = s.db.QueryRow(
			"SELECT COUNT(*) FROM device_events WHERE sg_device_id = ? AND event_code = ? AND event_ts > ?",
			deviceID, int(Changed), cutoff).Scan(&n)
	} else {
		err = s.db.QueryRow(
			"SELECT COUNT(*) FROM device_events WHERE sg_device_id = ? AND event_code = ?",
			deviceID, int(Changed)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("action count for device %d: %w", deviceID, err)
	}
	return n, nil
}

// TimeInState accumulates how long the device's level truthiness
// (level > 0) matched truthy. Each adjacent event pair contributes
// when the earlier event is CHANGED or RESTART and the later is
// CHANGED or CHECKPOINT; the tail extends to now when the newest
// event's level matches.
func (s *Store) TimeInState(deviceID int64, truthy bool) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT event_code, level, event_ts FROM device_events WHERE sg_device_id = ? ORDER BY event_ts ASC",
		deviceID)
	if err != nil {
		return 0, fmt.Errorf("time in state for device %d: %w", deviceID, err)
	}
	defer rows.Close()

	var total time.Duration
	var prev *Event
	for rows.Next() {
		var code int
		var level int64
		var ts string
		if err := rows.Scan(&code, &level, &ts); err != nil {
			return 0, fmt.Errorf("time in state for device %d: %w", deviceID, err)
		}
		at, err := time.Parse(tsLayout, ts)
		if err != nil {
			return 0, fmt.Errorf("time in state for device %d: %w", deviceID, err)
		}
		cur := &Event{DeviceID: deviceID, Code: EventCode(code), Level: level, At: at}
		if prev != nil &&
			(prev.Code == Changed || prev.Code == Restart) &&
			(cur.Code == Changed || cur.Code == Checkpoint) &&
			(prev.Level > 0) == truthy {
			total += cur.At.Sub(prev.At)
		}
		prev = cur
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("time in state for device %d: %w", deviceID, err)
	}
	if prev != nil && (prev.Level > 0) == truthy {
		total += s.now().Sub(prev.At)
	}
	return total, nil
}

// RecentEvents returns up to count events for the given devices,
// newest first.
func (s *Store) RecentEvents(deviceIDs []int64, count int) ([]Event, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(deviceIDs)), ",")
	args := make([]interface{}, 0, len(deviceIDs)+1)
	for _, id := range deviceIDs {
		args = append(args, id)
	}
	args = append(args, count)

	rows, err := s.db.Query(
		fmt.Sprintf(
			`SELECT sg_device_id, event_code, level, event_ts FROM device_events
			 WHERE sg_device_id IN (%s) ORDER BY event_ts DESC, rowid DESC LIMIT ?`, placeholders),
		args...)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var code int
		var ts string
		if err := rows.Scan(&ev.DeviceID, &code, &ev.Level, &ts); err != nil {
			return nil, fmt.Errorf("recent events: %w", err)
		}
		ev.Code = EventCode(code)
		ev.At, err = time.Parse(tsLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("recent events: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return events, nil
}

// newestEventLocked fetches the device's most recent event row.
func (s *Store) newestEventLocked(deviceID int64) (rowid int64, code EventCode, level int64, at time.Time, ok bool, err error) {
	var rawCode int
	var ts string
	err = s.db.QueryRow(
		`SELECT rowid, event_code, level, event_ts FROM device_events
		 WHERE sg_device_id = ? ORDER BY event_ts DESC LIMIT 1`,
		deviceID).Scan(&rowid, &rawCode, &level, &ts)
	if err == sql.ErrNoRows {
		return 0, 0, 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, 0, 0, time.Time{}, false, fmt.Errorf("newest event for device %d: %w", deviceID, err)
	}
	at, err = time.Parse(tsLayout, ts)
	if err != nil {
		return 0, 0, 0, time.Time{}, false, fmt.Errorf("newest event for device %d: %w", deviceID, err)
	}
	return rowid, EventCode(rawCode), level, at, true, nil
}

func (s *Store) insertEventLocked(deviceID int64, code EventCode, level int64, at time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO device_events (sg_device_id, event_code, level, event_ts) VALUES (?, ?, ?, ?)",
		deviceID, int(code), level, at.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("record %s for device %d: %w", code, deviceID, err)
	}
	return nil
}

// storedLevel truncates a device level toward zero for storage. The
// log keeps integer levels; fractional shade positions below 1 percent
// round down to "off".
func storedLevel(level float64) int64 {
	return int64(level)
}
