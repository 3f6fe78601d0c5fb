// Package worldmaint implements the periodic world-maintenance sweep
// supplemented from original_source/server/WorldMaintenance.cpp per
// SPEC_FULL.md: it reaps Dead objects and avatars, expires unmodified
// summoned objects, and prunes empty personal worlds.
package worldmaint

import (
	"context"
	"log"
	"time"

	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

// SweepInterval is how often the maintenance sweep runs.
const SweepInterval = time.Minute

// SummonedExpiry is how long a summoned object may sit unmodified and still
// at its creation-time pose before the sweep reaps it, per the GLOSSARY's
// "Summoned object" entry ("auto-reap if unmodified for a day").
const SummonedExpiry = 24 * time.Hour

// Sweeper owns the periodic world-maintenance pass.
type Sweeper struct {
	State *worldstate.State
	Now   func() time.Time // overridable for tests; defaults to time.Now
}

// New constructs a Sweeper over state.
func New(state *worldstate.State) *Sweeper {
	return &Sweeper{State: state, Now: time.Now}
}

// Run loops on a SweepInterval ticker until ctx is cancelled, per spec §5's
// "background worker observes a shutdown signal" rule, grounded on
// internal/timeline/loop.go's ticker-select idiom (already reused by
// internal/lod, internal/chunkbaker and internal/dyntex).
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce performs one maintenance pass over every world.
func (s *Sweeper) SweepOnce() {
	now := s.Now()
	s.State.Lock()
	defer s.State.Unlock()

	for name, world := range s.State.WorldsMap() {
		s.reapDeadObjects(world)
		s.reapDeadAvatars(world)
		s.expireSummonedObjects(world, now)

		if name != worldstate.RootWorldName && isPersonalWorld(name) && isEmptyWorld(world) {
			s.State.DeleteWorld(name)
			log.Printf("worldmaint: pruned empty personal world %q", name)
		}
	}
}

// reapDeadObjects physically removes Dead-flagged objects, per spec §3's
// Object lifecycle ("physically reaped after broadcast"); the broadcast
// itself happens in the dispatcher at the point DestroyObject marks an
// object Dead, so by the time the sweep runs the removal is safe.
func (s *Sweeper) reapDeadObjects(world *worldstate.World) {
	for uid, obj := range world.Objects {
		if obj.Dead {
			delete(world.Objects, uid)
			s.State.MarkRecordForDeletion(obj.RecordKey)
		}
	}
}

// reapDeadAvatars removes avatars whose owning connection has already
// ended, per spec invariant 8.
func (s *Sweeper) reapDeadAvatars(world *worldstate.World) {
	for uid, av := range world.Avatars {
		if av.Dead {
			delete(world.Avatars, uid)
		}
	}
}

// expireSummonedObjects reaps summoned objects that have sat unmodified
// (and thus still at their factory-default pose) past SummonedExpiry, per
// the GLOSSARY's "Summoned object" entry.
func (s *Sweeper) expireSummonedObjects(world *worldstate.World, now time.Time) {
	for uid, obj := range world.Objects {
		if obj.Dead {
			continue
		}
		if obj.Flags&worldstate.ObjectFlagSummoned == 0 {
			continue
		}
		if now.Sub(obj.LastModified) < SummonedExpiry {
			continue
		}
		obj.Dead = true
		world.MarkObjectDirty(uid)
	}
}

func isPersonalWorld(name string) bool {
	return name != worldstate.RootWorldName
}

func isEmptyWorld(world *worldstate.World) bool {
	return len(world.Objects) == 0 && len(world.Avatars) == 0 && len(world.Parcels) == 0
}
