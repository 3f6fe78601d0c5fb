package chunkbaker

import (
	"bytes"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyberspaced/cyberspaced/internal/lod"
	"github.com/cyberspaced/cyberspaced/internal/resources"
	"github.com/cyberspaced/cyberspaced/internal/wire"
	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

type fakeMeshCodec struct{}

func (fakeMeshCodec) LoadMesh(localPath string) (lod.Mesh, error) {
	return lod.Mesh{Vertices: []lod.Vertex{{Pos: [3]float32{0, 0, 0}}, {Pos: [3]float32{1, 0, 0}}}}, nil
}

// SimplifyMesh returns the same bespoke wire-encoded format WireMeshCodec
// uses, so chunkbaker's decode step exercises the real framing.
func (fakeMeshCodec) SimplifyMesh(mesh lod.Mesh, tolerance float64, targetReduction int) ([]byte, uint64, error) {
	w := wire.NewWriter()
	w.WriteUint32(uint32(len(mesh.Vertices)))
	for _, v := range mesh.Vertices {
		w.WriteVec3f(v.Pos)
	}
	return w.Bytes(), 0xCAFE, nil
}

type fakeImageCodec struct{}

func (fakeImageCodec) LoadImage(localPath string) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

func (fakeImageCodec) ResizeAndEncode(img image.Image, longEdge int, hasAlpha bool) ([]byte, uint64, string, error) {
	return []byte("tile"), 0xBEEF, ".jpg", nil
}

func setupBaker(t *testing.T) (*Baker, string) {
	t.Helper()
	dir := t.TempDir()
	resDir := filepath.Join(dir, "resources")
	if err := os.MkdirAll(resDir, 0o755); err != nil {
		t.Fatal(err)
	}
	reg := resources.NewRegistry(resDir)
	if err := os.WriteFile(filepath.Join(resDir, "cube.bmesh"), []byte("mesh"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.MarkAsLocallyPresent("cube.bmesh"); err != nil {
		t.Fatal(err)
	}
	return New(reg, fakeMeshCodec{}, fakeImageCodec{}, dir), dir
}

func testObjects() []*worldstate.Object {
	return []*worldstate.Object{
		{UID: 2, ModelURL: "cube.bmesh", Transform: worldstate.Transform{Position: [3]float64{5, 5, 0}}},
		{UID: 1, ModelURL: "cube.bmesh", Transform: worldstate.Transform{Position: [3]float64{1, 1, 0}}},
	}
}

func TestChunkBakeDeterministic(t *testing.T) {
	b, _ := setupBaker(t)
	objs := testObjects()

	meshURL1, texURL1, blob1, ranges1, err := b.BakeChunk(objs)
	if err != nil {
		t.Fatalf("first bake: %v", err)
	}

	b2, _ := setupBaker(t)
	// shuffle input order; BakeChunk must sort internally
	reordered := []*worldstate.Object{objs[1], objs[0]}
	meshURL2, texURL2, blob2, ranges2, err := b2.BakeChunk(reordered)
	if err != nil {
		t.Fatalf("second bake: %v", err)
	}

	if meshURL1 != meshURL2 || texURL1 != texURL2 {
		t.Fatalf("bake is not deterministic across input order: (%s,%s) vs (%s,%s)", meshURL1, texURL1, meshURL2, texURL2)
	}
	if !bytes.Equal(blob1, blob2) {
		t.Fatalf("material info blob differs across runs")
	}
	if len(ranges1) != len(ranges2) {
		t.Fatalf("batch range count differs: %d vs %d", len(ranges1), len(ranges2))
	}
	for uid, r1 := range ranges1 {
		r2, ok := ranges2[uid]
		if !ok || r1 != r2 {
			t.Fatalf("batch range for object %d differs: %v vs %v", uid, r1, r2)
		}
	}
}

func TestExclusionRuleScriptedObject(t *testing.T) {
	obj := &worldstate.Object{UID: 1, Script: "on_touch() {}"}
	if !isExcludedFromChunkMesh(obj) {
		t.Fatalf("object with a non-empty script must be excluded from the chunk mesh")
	}
}

func TestExclusionRuleParkBiome(t *testing.T) {
	obj := &worldstate.Object{UID: 1, Content: "biome: park, trees: oak"}
	if !isExcludedFromChunkMesh(obj) {
		t.Fatalf("object whose content begins 'biome: park' must be excluded")
	}
}

func TestExclusionRuleOversizedAABB(t *testing.T) {
	obj := &worldstate.Object{
		UID:       1,
		Transform: worldstate.Transform{Position: [3]float64{0, 0, 0}},
		WorldSpaceAABB: worldstate.AABB{
			Min: [3]float32{-20, -20, 0},
			Max: [3]float32{20, 20, 0},
		},
	}
	if !isExcludedFromChunkMesh(obj) {
		t.Fatalf("object whose AABB extends more than %v units past its chunk must be excluded", ChunkAABBSlack)
	}
}

func TestExclusionRuleOrdinaryObjectIncluded(t *testing.T) {
	obj := &worldstate.Object{
		UID:       1,
		Transform: worldstate.Transform{Position: [3]float64{10, 10, 0}},
		WorldSpaceAABB: worldstate.AABB{
			Min: [3]float32{9, 9, 0},
			Max: [3]float32{11, 11, 0},
		},
	}
	if isExcludedFromChunkMesh(obj) {
		t.Fatalf("an ordinary small unscripted object must not be excluded")
	}
}
