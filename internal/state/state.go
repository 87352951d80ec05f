package state

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-policy/db"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

// Store is the keyed, versioned per-device state. Every change is written
// to the database before it becomes visible in memory.
type Store struct {
	db *sql.DB

	mu      sync.RWMutex
	records map[model.DeviceKey]model.DeviceRecord
}

func Load(ctx context.Context, conn *sql.DB) (*Store, error) {
	recs, err := db.GetDeviceRecords(ctx, conn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: conn, records: make(map[model.DeviceKey]model.DeviceRecord, len(recs))}
	for _, r := range recs {
		s.records[r.Key] = r
	}
	log.Debug().Int("devices", len(recs)).Msg("Device state loaded")
	return s, nil
}

func (s *Store) Get(key model.DeviceKey) (model.DeviceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	return r, ok
}

// Records returns the records for keys, with an empty record for devices
// never observed.
func (s *Store) Records(keys []model.DeviceKey) []model.DeviceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DeviceRecord, 0, len(keys))
	for _, k := range keys {
		r, ok := s.records[k]
		if !ok {
			r = model.DeviceRecord{Key: k}
		}
		out = append(out, r)
	}
	return out
}

func (s *Store) All() []model.DeviceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DeviceRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Observe merges a fresh reading. A power state that differs from the
// stored one is a state change made outside this process and restarts the
// device's cooldown.
func (s *Store) Observe(ctx context.Context, key model.DeviceKey, obs model.Observation, now time.Time) (model.DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, known := s.records[key]
	next := cur
	next.Key = key
	next.Temperature = obs.Temperature
	next.PowerOn = obs.PowerOn
	next.ObservedAt = now
	if known && cur.PowerOn != obs.PowerOn {
		next.LastStateChange = now
		if obs.PowerOn {
			next.LastTurnedOn = now
		}
		log.Info().Str("device", key.String()).Bool("power_on", obs.PowerOn).Msg("Device changed state outside automation")
	}
	next.Version = cur.Version + 1

	if err := db.PutDeviceRecord(ctx, s.db, next); err != nil {
		s.reload(ctx, key, err)
		return cur, err
	}
	s.records[key] = next
	return next, nil
}

// RecordDispatch appends cmd to the history. When the command succeeded the
// device record moves to the commanded power state in the same transaction.
func (s *Store) RecordDispatch(ctx context.Context, cmd model.CommandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cmd.Success || (cmd.Command.Action != model.ActionOn && cmd.Command.Action != model.ActionOff) {
		return db.RecordDispatch(ctx, s.db, cmd, nil)
	}

	cur := s.records[cmd.Device]
	next := cur
	next.Key = cmd.Device
	on := cmd.Command.Action == model.ActionOn
	if on != cur.PowerOn || cur.LastStateChange.IsZero() {
		next.LastStateChange = cmd.IssuedAt
		if on {
			next.LastTurnedOn = cmd.IssuedAt
		}
	}
	next.PowerOn = on
	next.Version = cur.Version + 1

	if err := db.RecordDispatch(ctx, s.db, cmd, &next); err != nil {
		s.reload(ctx, cmd.Device, err)
		return err
	}
	s.records[cmd.Device] = next
	return nil
}

// reload picks up a record written by another process after a stale write.
// Callers hold mu.
func (s *Store) reload(ctx context.Context, key model.DeviceKey, cause error) {
	if !errors.Is(cause, db.ErrStaleRecord) {
		return
	}
	recs, err := db.GetDeviceRecords(ctx, s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reload device state")
		return
	}
	for _, r := range recs {
		if r.Key == key {
			s.records[key] = r
			log.Warn().Str("device", key.String()).Int64("version", r.Version).Msg("Device record was updated elsewhere")
		}
	}
}
