package chunkbaker

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

// RebuildInterval is the periodic bake-pass cadence, per spec §4.H
// ("rebuilds dirty chunks roughly every 30 seconds").
const RebuildInterval = 30 * time.Second

// Run drains dirty chunks on a fixed tick until ctx is cancelled, grounded
// on the same ticker-select shape internal/lod/run.go uses for its own
// background worker.
func (b *Baker) Run(ctx context.Context, state *worldstate.State) {
	ticker := time.NewTicker(RebuildInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(state)
		}
	}
}

func (b *Baker) sweep(state *worldstate.State) {
	for _, worldName := range state.Worlds() {
		state.Lock()
		w := state.GetWorld(worldName)
		b.UpdateExclusions(w)
		var dirty []worldstate.ChunkCoord
		for coord, chunk := range w.Chunks {
			if chunk.NeedsRebuild {
				dirty = append(dirty, coord)
			}
		}
		state.Unlock()

		for _, coord := range dirty {
			b.bakeOne(state, worldName, coord)
		}
	}
}

func (b *Baker) bakeOne(state *worldstate.State, worldName string, coord worldstate.ChunkCoord) {
	state.Lock()
	w := state.GetWorld(worldName)
	var objs []*worldstate.Object
	for _, obj := range w.Objects {
		if obj.Dead || obj.Flags&worldstate.ObjectFlagExcludedFromChunkMesh != 0 {
			continue
		}
		if worldstate.ChunkCoordForPosition(obj.Transform.Position) != coord {
			continue
		}
		snapshot := *obj
		objs = append(objs, &snapshot)
	}
	state.Unlock()

	meshURL, texArrayURL, materialBlob, ranges, err := b.BakeChunk(objs)
	if err != nil {
		log.Printf("chunkbaker: chunk %v: %v", coord, err)
		return
	}

	state.Lock()
	defer state.Unlock()
	w = state.GetWorld(worldName)
	chunk, ok := w.Chunks[coord]
	if !ok {
		return
	}
	chunk.CombinedMeshURL = meshURL
	chunk.TextureArrayURL = texArrayURL
	chunk.MaterialInfo = materialBlob
	chunk.NeedsRebuild = false
	for uid, r := range ranges {
		if obj, ok := w.Objects[uid]; ok {
			obj.ChunkBatch = r
			w.MarkObjectDirty(uid)
		}
	}
	w.MarkChunkDirty(coord)
}

func writeTempFile(stateDir string, data []byte) (string, error) {
	dir := filepath.Join(stateDir, "tmp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "chunkbaker-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func removeTempFile(path string) {
	os.Remove(path)
}
