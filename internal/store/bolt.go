package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode"

	bolt "go.etcd.io/bbolt"

	"home-energy/internal/device"
	"home-energy/internal/topology"
)

var (
	bucketHubs      = []byte("hubs")
	bucketRooms     = []byte("rooms")
	bucketDevices   = []byte("devices")
	bucketSnapshots = []byte("snapshots")
)

var _ Store = (*BoltStore)(nil)

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithLogger sets the logger used to report skipped malformed records.
func WithLogger(logger *slog.Logger) Option {
	return func(s *BoltStore) {
		s.logger = logger
	}
}

// WithSnapshotRetention keeps at most n snapshots per hub (0 = unlimited).
func WithSnapshotRetention(n int) Option {
	return func(s *BoltStore) {
		s.retain = n
	}
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
	retain int
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string, opts ...Option) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketHubs, bucketRooms, bucketDevices, bucketSnapshots} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &BoltStore{db: db, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// checkKey rejects empty codes and codes containing control characters,
// which would break the NUL-separated key layout below.
func checkKey(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%s is required: %w", kind, ErrInvalidKey)
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return fmt.Errorf("%s %q contains control characters: %w", kind, s, ErrInvalidKey)
	}
	return nil
}

// roomKey and snapshot keys are prefixed by hub code so a cursor seek lists
// one hub's entries in order.
func hubPrefix(hubCode string) []byte {
	return []byte(hubCode + "\x00")
}

func roomKey(hubCode, roomID string) []byte {
	return append(hubPrefix(hubCode), roomID...)
}

func snapshotKey(hubCode string, t time.Time) []byte {
	k := hubPrefix(hubCode)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(t.UnixNano()))
	return append(k, ts[:]...)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// Hubs

func (s *BoltStore) SaveHub(hub *topology.Hub) error {
	if err := checkKey("hub code", hub.HubCode); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketHubs), []byte(hub.HubCode), hub)
	})
}

func (s *BoltStore) Hub(ctx context.Context, hubCode string) (*topology.Hub, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var hub *topology.Hub
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		hub, err = getHub(tx, hubCode)
		return err
	})
	return hub, err
}

func getHub(tx *bolt.Tx, hubCode string) (*topology.Hub, error) {
	data := tx.Bucket(bucketHubs).Get([]byte(hubCode))
	if data == nil {
		return nil, fmt.Errorf("hub %s: %w", hubCode, topology.ErrHubNotFound)
	}
	var hub topology.Hub
	if err := json.Unmarshal(data, &hub); err != nil {
		return nil, fmt.Errorf("decode hub %s: %w", hubCode, err)
	}
	return &hub, nil
}

func (s *BoltStore) ListHubs() ([]*topology.Hub, error) {
	var hubs []*topology.Hub
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHubs)
		hubs = make([]*topology.Hub, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var hub topology.Hub
			if err := json.Unmarshal(v, &hub); err != nil {
				s.logger.Warn("skipping malformed hub record", "hub", string(k), "err", err)
				return nil
			}
			hubs = append(hubs, &hub)
			return nil
		})
	})
	return hubs, err
}

// DeleteHub removes the hub and its rooms. Devices keep their hub code.
func (s *BoltStore) DeleteHub(hubCode string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHubs).Delete([]byte(hubCode)); err != nil {
			return err
		}
		prefix := hubPrefix(hubCode)
		c := tx.Bucket(bucketRooms).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) UnitsOf(ctx context.Context, adminHubCode string) ([]string, error) {
	hub, err := s.Hub(ctx, adminHubCode)
	if err != nil {
		return nil, err
	}
	if hub.HomeType != topology.HomeAdmin {
		return nil, fmt.Errorf("hub %s is not an admin hub: %w", adminHubCode, topology.ErrHubNotFound)
	}
	return append([]string(nil), hub.Units...), nil
}

// Rooms

func (s *BoltStore) SaveRoom(room *topology.Room) error {
	if err := checkKey("hub code", room.HubCode); err != nil {
		return err
	}
	if err := checkKey("room id", room.RoomID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketRooms), roomKey(room.HubCode, room.RoomID), room)
	})
}

func (s *BoltStore) GetRoom(hubCode, roomID string) (*topology.Room, error) {
	var room topology.Room
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get(roomKey(hubCode, roomID))
		if data == nil {
			return fmt.Errorf("room %s/%s: %w", hubCode, roomID, topology.ErrRoomNotFound)
		}
		return json.Unmarshal(data, &room)
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *BoltStore) DeleteRoom(hubCode, roomID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRooms).Delete(roomKey(hubCode, roomID))
	})
}

func (s *BoltStore) RoomsOf(ctx context.Context, hubCode string) ([]topology.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rooms []topology.Room
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getHub(tx, hubCode); err != nil {
			return err
		}
		prefix := hubPrefix(hubCode)
		c := tx.Bucket(bucketRooms).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var room topology.Room
			if err := json.Unmarshal(v, &room); err != nil {
				s.logger.Warn("skipping malformed room record", "hub", hubCode, "key", string(k[len(prefix):]), "err", err)
				continue
			}
			rooms = append(rooms, room)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// Devices

// SaveDevice stores the record, stamping UpdatedAt when it is unset.
func (s *BoltStore) SaveDevice(rec *device.Record) error {
	if err := checkKey("device id", rec.DeviceID); err != nil {
		return err
	}
	if rec.HubCode != "" {
		if err := checkKey("hub code", rec.HubCode); err != nil {
			return err
		}
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketDevices), []byte(rec.DeviceID), rec)
	})
}

func (s *BoltStore) GetDevice(deviceID string) (*device.Record, error) {
	var rec device.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(deviceID))
		if data == nil {
			return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteDevice(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(deviceID))
	})
}

func (s *BoltStore) UpdateDevice(deviceID string, fn func(rec *device.Record) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(deviceID))
		if data == nil {
			return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
		}
		var rec device.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode device %s: %w", deviceID, err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		if rec.HubCode != "" {
			if err := checkKey("hub code", rec.HubCode); err != nil {
				return err
			}
		}
		rec.DeviceID = deviceID
		rec.UpdatedAt = time.Now().UTC()
		return putJSON(b, []byte(deviceID), &rec)
	})
}

// DevicesOf returns every device tagged with the hub code, in ID order.
// Malformed records are skipped and logged.
func (s *BoltStore) DevicesOf(ctx context.Context, hubCode string) ([]device.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var devices []device.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getHub(tx, hubCode); err != nil {
			return err
		}
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var rec device.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Warn("skipping malformed device record", "device", string(k), "err", err)
				return nil
			}
			if rec.HubCode == hubCode {
				devices = append(devices, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// Energy history

func (s *BoltStore) SaveSnapshot(snap *Snapshot) error {
	if err := checkKey("hub code", snap.HubCode); err != nil {
		return err
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if err := putJSON(b, snapshotKey(snap.HubCode, snap.TakenAt), snap); err != nil {
			return err
		}
		if s.retain <= 0 {
			return nil
		}
		return prune(b, hubPrefix(snap.HubCode), s.retain)
	})
}

// prune deletes the oldest entries under prefix beyond keep.
func prune(b *bolt.Bucket, prefix []byte, keep int) error {
	var n int
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		n++
	}
	for excess := n - keep; excess > 0; excess-- {
		k, _ := c.Seek(prefix)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			break
		}
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// ListSnapshots returns the hub's snapshots, newest first. limit <= 0 means all.
func (s *BoltStore) ListSnapshots(hubCode string, limit int) ([]*Snapshot, error) {
	var snaps []*Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := hubPrefix(hubCode)
		c := tx.Bucket(bucketSnapshots).Cursor()

		// Position on the last key of this hub: seek past the prefix, step back.
		end := []byte(hubCode + "\x01")
		k, v := c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				s.logger.Warn("skipping malformed snapshot", "hub", hubCode, "err", err)
				continue
			}
			snaps = append(snaps, &snap)
			if limit > 0 && len(snaps) >= limit {
				break
			}
		}
		return nil
	})
	return snaps, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
