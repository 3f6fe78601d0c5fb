// Package lod implements the LOD/asset pipeline from spec §4.G: it derives
// lower-resolution meshes and textures for every object referenced in a
// world and registers the derived files as content-addressed resources.
//
// Low-level mesh/image codecs are out of this spec's scope (spec §1 Non-
// goals); this package receives them through the MeshCodec and
// ImageCodec interfaces and concerns itself only with deciding which
// derived assets are needed and at what tolerance/size, per spec §4.G's
// simplification and resize parameters.
package lod

import (
	"fmt"
	"image"
	"math"
	"path/filepath"

	"github.com/cyberspaced/cyberspaced/internal/resources"
	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

// Epoch is appended to every derived URL this pipeline mints, per spec's
// GLOSSARY "Epoch" entry; bumping it forces every client to refetch after a
// derivation-algorithm change. It is a package variable (not a const)
// solely so a future algorithm revision can bump it in one place.
var Epoch = 1

// Vertex is the minimal per-vertex shape this pipeline needs: position for
// AABB/simplification math, everything else opaque to it.
type Vertex struct {
	Pos [3]float32
}

// Mesh is a decoded triangle mesh: a vertex buffer and a triangle index
// list (three indices per triangle).
type Mesh struct {
	Vertices []Vertex
	Indices  []uint32
}

// MeshCodec loads and simplifies meshes. Decoding the original file format
// (glTF, a bespoke .bmesh, ...) and writing a simplified one back out are
// both behind this interface, per spec §1's "invoked through well-defined
// decode/encode interfaces".
type MeshCodec interface {
	LoadMesh(localPath string) (Mesh, error)
	// SimplifyMesh reduces mesh to approximately 1/targetReduction of its
	// original vertex count, honoring tolerance as an absolute bound in
	// object-space units; it returns the encoded bytes of the simplified
	// mesh ready to write to disk, plus a 64-bit content hash of those
	// bytes for URL derivation.
	SimplifyMesh(mesh Mesh, tolerance float64, targetReduction int) (encoded []byte, hash uint64, err error)
}

// ImageCodec decodes a texture and resizes it to a target long-edge size,
// encoding as JPEG or PNG depending on the alpha requirement.
type ImageCodec interface {
	LoadImage(localPath string) (image.Image, error)
	ResizeAndEncode(img image.Image, longEdge int, hasAlpha bool) (encoded []byte, hash uint64, ext string, err error)
}

// LOD levels and the texture long-edge sizes they map to, per spec §4.G
// step 3 ("max(1024/256/64)").
var textureLongEdgeForLevel = map[int]int{0: 1024, 1: 256, 2: 64}

// vertexReductionForLevel is the target simplification factor per level,
// per spec §4.G step 2 ("10x reduction at L=1, 100x at L=2").
var vertexReductionForLevel = map[int]int{1: 10, 2: 100}

// minMeshVerticesToSimplify: meshes below this are skipped entirely, per
// spec §4.G ("meshes below ~4 vertices are skipped").
const minMeshVerticesToSimplify = 4

// Pipeline is the per-process LOD worker state.
type Pipeline struct {
	Resources *resources.Registry
	StateDir  string // base directory resource local paths are joined under
	Meshes    MeshCodec
	Images    ImageCodec

	// requests is the "check generation" queue the dispatcher posts to
	// whenever an object's model or material set changes (spec §4.G).
	requests chan genRequest

	// lastError holds, per object UID, the error of the most recent failed
	// pipeline run; a clean run removes the entry. Only the error value is
	// kept, not the time of the failure.
	lastError map[uint64]error
}

type genRequest struct {
	worldName string
	uid       uint64
}

// New creates a Pipeline with its request queue ready to receive.
func New(reg *resources.Registry, stateDir string, meshes MeshCodec, images ImageCodec) *Pipeline {
	return &Pipeline{
		Resources: reg,
		StateDir:  stateDir,
		Meshes:    meshes,
		Images:    images,
		requests:  make(chan genRequest, 4096),
		lastError: make(map[uint64]error),
	}
}

// Enqueue posts a "check generation" request for one object, per spec
// §4.G's "processes per-object 'check generation' messages posted by the
// dispatcher whenever an object's model or material set changes". It never
// blocks the caller (typically the dispatcher, which must not block on a
// background worker while holding the world lock): a full queue drops the
// request. FullScan runs only once, at startup, so a dropped request is
// not retried unless the object is enqueued again.
func (p *Pipeline) Enqueue(worldName string, uid uint64) {
	select {
	case p.requests <- genRequest{worldName: worldName, uid: uid}:
	default:
	}
}

// LastError returns the most recent processing error for uid, if any.
func (p *Pipeline) LastError(uid uint64) (error, bool) {
	err, ok := p.lastError[uid]
	return err, ok
}

// ProcessObject computes and registers the derived LOD assets for one
// object, per spec §4.G steps 1-3. It takes obj by value plus a mutator
// callback so the caller controls how the corrected AABB and any other
// field changes are written back under the world lock; ProcessObject
// itself does no locking, since it calls into MeshCodec/ImageCodec which
// may block on disk or CPU-bound simplification work that must happen
// outside the world lock (spec §5: "the LOD and chunk workers must not
// hold it during mesh simplification or texture resize").
func (p *Pipeline) ProcessObject(obj worldstate.Object, commit func(correctedAABB worldstate.AABB)) error {
	if obj.ModelURL == "" {
		return nil
	}
	modelRes := p.Resources.GetOrCreate(obj.ModelURL)
	if modelRes.State != resources.Present {
		return nil // pending transfer; nothing to derive from yet
	}

	mesh, err := p.Meshes.LoadMesh(p.abs(modelRes.LocalPath))
	if err != nil {
		return fmt.Errorf("lod: load mesh %s: %w", obj.ModelURL, err)
	}

	aabb := computeAABB(mesh)
	if aabb != obj.ObjectSpaceAABB {
		commit(aabb)
	}

	levels := []int{1, 2}
	if hasMinLODLevelNegOne(obj.Materials) {
		levels = []int{0, 1, 2}
	}

	if len(mesh.Vertices) >= minMeshVerticesToSimplify {
		scale := longestAxisScale(obj.Transform.Scale)
		longestAxis := longestAxisLength(aabb)
		tolerance := simplificationTolerance(scale, longestAxis)

		for _, level := range levels {
			if level == 0 {
				continue // level 0 is the original mesh itself, no derivation
			}
			if err := p.deriveMeshLevel(obj.ModelURL, mesh, tolerance, level); err != nil {
				return err
			}
		}
	}

	for _, mat := range obj.Materials {
		for _, level := range levels {
			longEdge := textureLongEdgeForLevel[level]
			if err := p.deriveTextureLevel(mat.ColorTexURL, longEdge, mat.Flags&worldstate.MaterialFlagColorTexHasAlpha != 0); err != nil {
				return err
			}
			if err := p.deriveTextureLevel(mat.EmissionTexURL, longEdge, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) abs(localPath string) string {
	if p.StateDir == "" {
		return localPath
	}
	return filepath.Join(p.StateDir, "resources", localPath)
}

// deriveMeshLevel writes the simplified mesh for one LOD level if its
// derived URL isn't already present, per spec §4.G step 2 and the LOD
// idempotence testable property: a second call with the same inputs is a
// no-op because GetOrCreate + IsPresent short-circuits before any
// simplification work runs.
func (p *Pipeline) deriveMeshLevel(modelURL string, mesh Mesh, tolerance float64, level int) error {
	reduction := vertexReductionForLevel[level]
	encoded, hash, err := p.Meshes.SimplifyMesh(mesh, tolerance, reduction)
	if err != nil {
		return fmt.Errorf("lod: simplify %s level %d: %w", modelURL, level, err)
	}
	url := resources.URLForPathAndHashAndEpoch(modelURL, hash, Epoch)
	if p.Resources.IsPresent(url) {
		return nil
	}
	return p.writeAndRegister(url, encoded)
}

// deriveTextureLevel writes one resized texture variant if its derived URL
// isn't already present. An empty sourceURL (no texture on this slot) is a
// no-op.
func (p *Pipeline) deriveTextureLevel(sourceURL string, longEdge int, hasAlpha bool) error {
	if sourceURL == "" {
		return nil
	}
	src := p.Resources.GetOrCreate(sourceURL)
	if src.State != resources.Present {
		return nil
	}
	img, err := p.Images.LoadImage(p.abs(src.LocalPath))
	if err != nil {
		return fmt.Errorf("lod: decode texture %s: %w", sourceURL, err)
	}
	encoded, hash, ext, err := p.Images.ResizeAndEncode(img, longEdge, hasAlpha)
	if err != nil {
		return fmt.Errorf("lod: resize texture %s: %w", sourceURL, err)
	}
	url := resources.URLForPathAndHashAndEpoch(sourceURL+ext, hash, Epoch)
	if p.Resources.IsPresent(url) {
		return nil
	}
	return p.writeAndRegister(url, encoded)
}

func hasMinLODLevelNegOne(mats []worldstate.Material) bool {
	for _, m := range mats {
		if m.Flags&worldstate.MaterialFlagMinLODLevelIsNegOne != 0 {
			return true
		}
	}
	return false
}

func computeAABB(mesh Mesh) worldstate.AABB {
	if len(mesh.Vertices) == 0 {
		return worldstate.AABB{}
	}
	min := mesh.Vertices[0].Pos
	max := mesh.Vertices[0].Pos
	for _, v := range mesh.Vertices[1:] {
		for i := 0; i < 3; i++ {
			if v.Pos[i] < min[i] {
				min[i] = v.Pos[i]
			}
			if v.Pos[i] > max[i] {
				max[i] = v.Pos[i]
			}
		}
	}
	return worldstate.AABB{Min: min, Max: max}
}

func longestAxisScale(scale [3]float32) float64 {
	s := scale[0]
	if scale[1] > s {
		s = scale[1]
	}
	if scale[2] > s {
		s = scale[2]
	}
	if s == 0 {
		s = 1
	}
	return float64(s)
}

func longestAxisLength(aabb worldstate.AABB) float64 {
	dx := float64(aabb.Max[0] - aabb.Min[0])
	dy := float64(aabb.Max[1] - aabb.Min[1])
	dz := float64(aabb.Max[2] - aabb.Min[2])
	longest := dx
	if dy > longest {
		longest = dy
	}
	if dz > longest {
		longest = dz
	}
	return longest
}

// simplificationTolerance implements spec §4.G: "global absolute tolerance
// 0.4/scale in object-space units and relative tolerance 0.08 x longest-
// axis length; the larger is used."
func simplificationTolerance(scale, longestAxis float64) float64 {
	abs := 0.4 / scale
	rel := 0.08 * longestAxis
	return math.Max(abs, rel)
}

func (p *Pipeline) writeAndRegister(url string, data []byte) error {
	tmp, err := writeTempFile(p.StateDir, data)
	if err != nil {
		return fmt.Errorf("lod: stage %s: %w", url, err)
	}
	defer removeTempFile(tmp)
	if err := p.Resources.CopyLocalFile(tmp, url); err != nil && err != resources.ErrAlreadyPresent {
		return fmt.Errorf("lod: register %s: %w", url, err)
	}
	return nil
}
