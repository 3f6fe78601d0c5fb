package app

import (
	"fmt"
	"log"
	"time"

	"github.com/cyberspaced/cyberspaced/internal/dash"
	"github.com/cyberspaced/cyberspaced/internal/recordstore"
	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

// Record kind tags prefix every recordstore payload so loadState can tell
// which Decode* function to call without a second index file, per spec
// §4.B's "every persisted entity lives as one opaque byte slice" — the
// opacity is recordstore's; the app layer is the one place that needs to
// look inside.
const (
	kindWorld  byte = 1
	kindObject byte = 2
	kindParcel byte = 4
	kindChunk  byte = 5
	kindUser   byte = 6
	kindPhoto  byte = 7
)

// loadState replays every live record in rs into a fresh State, then runs
// the standard Denormalize/Migrate pass spec §4.D describes for load time.
func loadState(rs *recordstore.Store) (*worldstate.State, error) {
	state := worldstate.New()
	state.Lock()
	defer state.Unlock()

	// The root world is created empty by worldstate.New; drop it from the
	// dirty set here and let a decoded root-world record (if any) replace
	// it below, so a freshly initialised store doesn't immediately mark
	// the root world dirty.
	state.DrainDirtyWorlds()

	for _, key := range rs.Keys() {
		raw, err := rs.Get(key)
		if err != nil {
			return nil, fmt.Errorf("app: load key %d: %w", key, err)
		}
		if len(raw) == 0 {
			continue
		}
		kind, payload := raw[0], raw[1:]
		switch kind {
		case kindWorld:
			w, err := worldstate.DecodeWorld(payload)
			if err != nil {
				log.Printf("app: skipping corrupt world record %d: %v", key, err)
				continue
			}
			w.RecordKey = key
			if existing, ok := state.WorldsMap()[w.Name]; ok {
				w.Objects = existing.Objects
				w.Avatars = existing.Avatars
				w.Parcels = existing.Parcels
				w.Chunks = existing.Chunks
			}
			state.WorldsMap()[w.Name] = w
		case kindObject:
			o, err := worldstate.DecodeObject(payload)
			if err != nil {
				log.Printf("app: skipping corrupt object record %d: %v", key, err)
				continue
			}
			o.RecordKey = key
			state.GetWorld(o.WorldName).Objects[o.UID] = o
			state.BumpUIDCounterIfHigher(state.ObjectUIDCounter(), o.UID)
		case kindParcel:
			p, err := worldstate.DecodeParcel(payload)
			if err != nil {
				log.Printf("app: skipping corrupt parcel record %d: %v", key, err)
				continue
			}
			p.RecordKey = key
			state.GetWorld(p.WorldName).Parcels[p.ID] = p
			state.BumpUIDCounterIfHigher(state.ParcelIDCounter(), p.ID)
		case kindChunk:
			c, err := worldstate.DecodeChunk(payload)
			if err != nil {
				log.Printf("app: skipping corrupt chunk record %d: %v", key, err)
				continue
			}
			c.RecordKey = key
			state.GetWorld(c.WorldName).Chunks[c.Coord] = c
		case kindUser:
			u, err := worldstate.DecodeUser(payload)
			if err != nil {
				log.Printf("app: skipping corrupt user record %d: %v", key, err)
				continue
			}
			u.RecordKey = key
			state.UsersMap()[u.ID] = u
			state.BumpUIDCounterIfHigher(state.UserIDCounter(), u.ID)
		case kindPhoto:
			p, err := worldstate.DecodePhoto(payload)
			if err != nil {
				log.Printf("app: skipping corrupt photo record %d: %v", key, err)
				continue
			}
			p.RecordKey = key
			state.PhotosMap()[p.ID] = p
			state.BumpUIDCounterIfHigher(state.PhotoIDCounter(), p.ID)
		default:
			log.Printf("app: skipping record %d with unknown kind tag %d", key, kind)
		}
	}

	state.Denormalize()
	state.Migrate()
	return state, nil
}

// snapshotter periodically drains every per-world and auxiliary dirty set
// and writes the changed entities to the record store, per spec §2's "a
// periodic snapshotter walks per-entity-type dirty sets and asks the
// record store to update or delete the associated keys."
type snapshotter struct {
	state    *worldstate.State
	rs       *recordstore.Store
	interval time.Duration
	dash     *dash.Hub
}

func newSnapshotter(state *worldstate.State, rs *recordstore.Store, interval time.Duration) *snapshotter {
	return &snapshotter{state: state, rs: rs, interval: interval}
}

// Run flushes on interval until ctx is cancelled, then flushes once more
// before returning so a clean shutdown never loses the last in-memory
// mutation, matching §5's "tasks drain their inbox, flush dirty sets, and
// exit."
func (sn *snapshotter) Run(ctx <-chan struct{}) {
	ticker := time.NewTicker(sn.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sn.flushOnce()
		case <-ctx:
			sn.flushOnce()
			return
		}
	}
}

func (sn *snapshotter) flushOnce() {
	sn.state.Lock()
	type keyedPayload struct {
		key     uint64
		payload []byte
	}
	var writes []keyedPayload

	for _, name := range sn.state.DrainDirtyWorlds() {
		w, ok := sn.state.WorldsMap()[name]
		if !ok {
			continue
		}
		if w.RecordKey == 0 {
			w.RecordKey = sn.rs.AllocUnusedKey()
		}
		writes = append(writes, keyedPayload{w.RecordKey, prefixed(kindWorld, worldstate.EncodeWorld(w))})
	}

	for name, w := range sn.state.WorldsMap() {
		dirtyObjs := w.DrainDirtyObjects()
		for _, uid := range dirtyObjs {
			obj, ok := w.Objects[uid]
			if !ok {
				continue
			}
			if obj.RecordKey == 0 {
				obj.RecordKey = sn.rs.AllocUnusedKey()
			}
			writes = append(writes, keyedPayload{obj.RecordKey, prefixed(kindObject, worldstate.EncodeObject(obj))})
		}
		dirtyParcels := w.DrainDirtyParcels()
		for _, id := range dirtyParcels {
			p, ok := w.Parcels[id]
			if !ok {
				continue
			}
			if p.RecordKey == 0 {
				p.RecordKey = sn.rs.AllocUnusedKey()
			}
			writes = append(writes, keyedPayload{p.RecordKey, prefixed(kindParcel, worldstate.EncodeParcel(p))})
		}
		dirtyChunks := w.DrainDirtyChunks()
		for _, coord := range dirtyChunks {
			c, ok := w.Chunks[coord]
			if !ok {
				continue
			}
			if c.RecordKey == 0 {
				c.RecordKey = sn.rs.AllocUnusedKey()
			}
			writes = append(writes, keyedPayload{c.RecordKey, prefixed(kindChunk, worldstate.EncodeChunk(c))})
		}
		if sn.dash != nil {
			dash.PublishWorldSnapshot(sn.dash, name, len(dirtyObjs), len(dirtyParcels), len(dirtyChunks))
		}
	}

	for _, id := range sn.state.DrainDirtyUsers() {
		u, ok := sn.state.UsersMap()[id]
		if !ok {
			continue
		}
		if u.RecordKey == 0 {
			u.RecordKey = sn.rs.AllocUnusedKey()
		}
		writes = append(writes, keyedPayload{u.RecordKey, prefixed(kindUser, worldstate.EncodeUser(u))})
	}
	for _, id := range sn.state.DrainDirtyPhotos() {
		p, ok := sn.state.PhotosMap()[id]
		if !ok {
			continue
		}
		if p.RecordKey == 0 {
			p.RecordKey = sn.rs.AllocUnusedKey()
		}
		writes = append(writes, keyedPayload{p.RecordKey, prefixed(kindPhoto, worldstate.EncodePhoto(p))})
	}

	toDelete := sn.state.DrainRecordsToDelete()
	sn.state.Unlock()

	for _, kp := range writes {
		if err := sn.rs.UpdateRecord(kp.key, kp.payload); err != nil {
			log.Printf("app: snapshotter update key %d: %v", kp.key, err)
		}
	}
	for _, key := range toDelete {
		if err := sn.rs.DeleteRecord(key); err != nil {
			log.Printf("app: snapshotter delete key %d: %v", key, err)
		}
	}
	if len(writes) > 0 || len(toDelete) > 0 {
		if err := sn.rs.Flush(); err != nil {
			log.Printf("app: snapshotter flush: %v", err)
		}
	}
}

func prefixed(kind byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = kind
	copy(out[1:], payload)
	return out
}
