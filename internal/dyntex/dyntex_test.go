package dyntex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyberspaced/cyberspaced/internal/resources"
	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

func TestParseDirective(t *testing.T) {
	script := `on_tick() { }
<dynamic_texture_update base_url="https://example.com/tex.jpg" material_index="0" material_texture="colour"/>`
	dir, ok := ParseDirective(script)
	if !ok {
		t.Fatalf("expected directive to parse")
	}
	if dir.BaseURL != "https://example.com/tex.jpg" || dir.MaterialIndex != 0 || dir.MaterialTarget != "colour" {
		t.Fatalf("unexpected directive: %+v", dir)
	}
}

func TestParseDirectiveAbsent(t *testing.T) {
	if _, ok := ParseDirective("on_tick() {}"); ok {
		t.Fatalf("expected no directive in plain script")
	}
}

func TestSweepFetchesAndMutatesMaterial(t *testing.T) {
	jpegMagic := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(jpegMagic)
	}))
	defer srv.Close()

	dir := t.TempDir()
	resDir := filepath.Join(dir, "resources")
	if err := os.MkdirAll(resDir, 0o755); err != nil {
		t.Fatal(err)
	}
	reg := resources.NewRegistry(resDir)
	p := New(reg, nil, dir)

	state := worldstate.New()
	state.Lock()
	uid := state.AllocObjectUID()
	uidUser := state.AllocUserID()
	state.UsersMap()[uidUser] = &worldstate.User{ID: uidUser, AllowDynTexUpdateChecking: true}
	w := state.GetWorld(worldstate.RootWorldName)
	w.Objects[uid] = &worldstate.Object{
		UID:       uid,
		CreatorID: uidUser,
		Script:    `<dynamic_texture_update base_url="` + srv.URL + `" material_index="0" material_texture="colour"/>`,
		Materials: []worldstate.Material{{}},
	}
	state.Unlock()

	p.sweep(context.Background(), state)

	state.Lock()
	defer state.Unlock()
	obj := w.Objects[uid]
	if obj.Materials[0].ColorTexURL == "" {
		t.Fatalf("expected material color URL to be set after sweep")
	}
}

func TestSweepSkipsUsersWithoutFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0xFF, 0xD8, 0xFF})
	}))
	defer srv.Close()

	dir := t.TempDir()
	reg := resources.NewRegistry(filepath.Join(dir, "resources"))
	p := New(reg, nil, dir)

	state := worldstate.New()
	state.Lock()
	uid := state.AllocObjectUID()
	uidUser := state.AllocUserID()
	state.UsersMap()[uidUser] = &worldstate.User{ID: uidUser, AllowDynTexUpdateChecking: false}
	w := state.GetWorld(worldstate.RootWorldName)
	w.Objects[uid] = &worldstate.Object{
		UID:       uid,
		CreatorID: uidUser,
		Script:    `<dynamic_texture_update base_url="` + srv.URL + `" material_index="0" material_texture="colour"/>`,
		Materials: []worldstate.Material{{}},
	}
	state.Unlock()

	p.sweep(context.Background(), state)

	state.Lock()
	defer state.Unlock()
	if w.Objects[uid].Materials[0].ColorTexURL != "" {
		t.Fatalf("expected no mutation for a creator without the polling flag")
	}
}
