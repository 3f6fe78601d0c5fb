package worldmaint

import (
	"testing"
	"time"

	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

func TestSweepReapsDeadObjectsAndAvatars(t *testing.T) {
	state := worldstate.New()
	s := New(state)

	state.Lock()
	world := state.GetWorld(worldstate.RootWorldName)
	world.Objects[1] = &worldstate.Object{UID: 1, Dead: true}
	world.Objects[2] = &worldstate.Object{UID: 2}
	world.Avatars[10] = &worldstate.Avatar{UID: 10, Dead: true}
	world.Avatars[11] = &worldstate.Avatar{UID: 11}
	state.Unlock()

	s.SweepOnce()

	state.Lock()
	defer state.Unlock()
	if _, ok := world.Objects[1]; ok {
		t.Fatalf("expected dead object 1 to be reaped")
	}
	if _, ok := world.Objects[2]; !ok {
		t.Fatalf("expected live object 2 to survive")
	}
	if _, ok := world.Avatars[10]; ok {
		t.Fatalf("expected dead avatar 10 to be reaped")
	}
	if _, ok := world.Avatars[11]; !ok {
		t.Fatalf("expected live avatar 11 to survive")
	}
}

func TestSweepExpiresStaleSummonedObjects(t *testing.T) {
	state := worldstate.New()
	s := New(state)
	fixedNow := time.Now()
	s.Now = func() time.Time { return fixedNow }

	state.Lock()
	world := state.GetWorld(worldstate.RootWorldName)
	world.Objects[1] = &worldstate.Object{
		UID:          1,
		Flags:        worldstate.ObjectFlagSummoned,
		LastModified: fixedNow.Add(-25 * time.Hour),
	}
	world.Objects[2] = &worldstate.Object{
		UID:          2,
		Flags:        worldstate.ObjectFlagSummoned,
		LastModified: fixedNow.Add(-1 * time.Hour),
	}
	state.Unlock()

	s.SweepOnce()

	state.Lock()
	defer state.Unlock()
	if !world.Objects[1].Dead {
		t.Fatalf("expected stale summoned object to be marked Dead")
	}
	if world.Objects[2].Dead {
		t.Fatalf("expected recently-modified summoned object to survive")
	}
}

func TestSweepPrunesEmptyPersonalWorlds(t *testing.T) {
	state := worldstate.New()
	s := New(state)

	state.Lock()
	state.GetWorld("alice") // empty personal world
	busy := state.GetWorld("bob")
	busy.Objects[1] = &worldstate.Object{UID: 1}
	state.Unlock()

	s.SweepOnce()

	state.Lock()
	defer state.Unlock()
	worlds := state.WorldsMap()
	if _, ok := worlds["alice"]; ok {
		t.Fatalf("expected empty personal world alice to be pruned")
	}
	if _, ok := worlds["bob"]; !ok {
		t.Fatalf("expected non-empty personal world bob to survive")
	}
}
