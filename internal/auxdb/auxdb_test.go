package auxdb

import (
	"path/filepath"
	"testing"

	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

func TestRebuildIndexesWorldsUsersAndPhotos(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "auxdb.sqlite")
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	state := worldstate.New()
	state.Lock()
	w := state.GetWorld(worldstate.RootWorldName)
	w.Objects[1] = &worldstate.Object{UID: 1}
	w.Objects[2] = &worldstate.Object{UID: 2}
	state.UsersMap()[1] = &worldstate.User{ID: 1, Name: "alice"}
	photoID := state.AllocPhotoID()
	state.PhotosMap()[photoID] = &worldstate.Photo{
		ID: photoID, WorldName: worldstate.RootWorldName,
		FullFilename: "photo_a.jpg", MidsizeFilename: "photo_a.jpg", ThumbnailFilename: "photo_a_thumb.jpg",
	}
	state.Unlock()

	if err := db.Rebuild(state); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	n, err := db.WorldCount()
	if err != nil {
		t.Fatalf("WorldCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("WorldCount = %d, want 1", n)
	}

	ids, err := db.PhotosForWorld(worldstate.RootWorldName)
	if err != nil {
		t.Fatalf("PhotosForWorld: %v", err)
	}
	if len(ids) != 1 || ids[0] != photoID {
		t.Fatalf("PhotosForWorld = %v, want [%d]", ids, photoID)
	}
}
