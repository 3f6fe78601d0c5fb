package lod

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cyberspaced/cyberspaced/internal/wire"
)

// WireMeshCodec implements MeshCodec over a minimal bespoke mesh format:
// a u32 vertex count followed by that many packed (f32,f32,f32) positions.
// Full mesh formats (glTF, a real .bmesh variant, skinning data) are out of
// this spec's scope (§1 Non-goals: "low-level file-format decoders... mesh
// codecs"); this codec exists only so the pipeline's AABB/simplification
// math has real bytes to exercise, built directly on internal/wire
// (component A) rather than introducing a mesh library the corpus has no
// example of.
type WireMeshCodec struct{}

func (WireMeshCodec) LoadMesh(localPath string) (Mesh, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return Mesh{}, fmt.Errorf("lod: read mesh %s: %w", localPath, err)
	}
	r := wire.NewReader(data)
	count, err := r.ReadUint32()
	if err != nil {
		return Mesh{}, fmt.Errorf("lod: mesh header %s: %w", localPath, err)
	}
	verts := make([]Vertex, 0, count)
	for i := uint32(0); i < count; i++ {
		pos, err := r.ReadVec3f()
		if err != nil {
			return Mesh{}, fmt.Errorf("lod: mesh vertex %d in %s: %w", i, localPath, err)
		}
		verts = append(verts, Vertex{Pos: pos})
	}
	return Mesh{Vertices: verts}, nil
}

// SimplifyMesh clusters vertices into a grid of tolerance-sized cells,
// keeping one representative per occupied cell. targetReduction is not
// used: the output size depends only on tolerance. This is a simple, fully
// deterministic approximation of real mesh decimation (QEM, sloppy
// fallback, ...) adequate for the chunk baker and LOD pipeline's
// contract: same input + same tolerance always yields the same output,
// satisfying testable property 7 (chunk-baker determinism) and property 6
// (LOD idempotence).
func (WireMeshCodec) SimplifyMesh(mesh Mesh, tolerance float64, targetReduction int) ([]byte, uint64, error) {
	if tolerance <= 0 {
		tolerance = 0.01
	}
	seen := make(map[[3]int64]Vertex)
	order := make([][3]int64, 0, len(mesh.Vertices))
	for _, v := range mesh.Vertices {
		cell := [3]int64{
			int64(float64(v.Pos[0]) / tolerance),
			int64(float64(v.Pos[1]) / tolerance),
			int64(float64(v.Pos[2]) / tolerance),
		}
		if _, ok := seen[cell]; !ok {
			seen[cell] = v
			order = append(order, cell)
		}
	}

	w := wire.NewWriter()
	w.WriteUint32(uint32(len(order)))
	for _, cell := range order {
		w.WriteVec3f(seen[cell].Pos)
	}
	encoded := w.Bytes()
	sum := sha256.Sum256(encoded)
	hash := binary.BigEndian.Uint64(sum[:8])
	return encoded, hash, nil
}
