package worldstate

import (
	"time"

	"github.com/cyberspaced/cyberspaced/internal/wire"
)

// Per-type maximum record sizes, per spec §4.A ("a per-type maximum, e.g.
// 10 MB for a world-object, 65 KB for a material").
const (
	MaxObjectRecordSize = 10 * 1024 * 1024
	MaxMaterialSize     = 64 * 1024
	MaxAvatarRecordSize = 16 * 1024
	MaxParcelRecordSize = 16 * 1024
	MaxUserRecordSize   = 16 * 1024
	MaxPhotoRecordSize  = 4 * 1024

	maxURLLen     = 4096
	maxStringLen  = 1 << 16
	maxScriptLen  = 1 << 20
	maxVoxelBlob  = MaxObjectRecordSize
	maxNameLen    = 256
)

const objectRecordVersion = 1

// EncodeObject serialises an Object as a versioned record per spec §4.A.
func EncodeObject(o *Object) []byte {
	w := wire.NewWriter()
	rw := wire.BeginRecord(w, objectRecordVersion)
	w.WriteUint64(o.UID)
	w.WriteString(o.WorldName)
	w.WriteUint64(o.CreatorID)
	w.WriteString(o.CreatorName)
	w.WriteInt64(o.CreatedAt.UnixNano())
	w.WriteInt64(o.LastModified.UnixNano())
	writeTransform(w, o.Transform)
	w.WriteUint32(uint32(o.Kind))
	w.WriteString(o.ModelURL)
	w.WriteUint32(uint32(len(o.Materials)))
	for _, m := range o.Materials {
		writeMaterial(w, m)
	}
	w.WriteString(o.Script)
	w.WriteString(o.Content)
	w.WriteString(o.AudioURL)
	w.WriteFloat32(o.AudioVolume)
	w.WriteBytes(o.VoxelBlob)
	writeAABB(w, o.ObjectSpaceAABB)
	writeAABB(w, o.WorldSpaceAABB)
	w.WriteUint32(o.Flags)
	for _, r := range o.ChunkBatch {
		w.WriteUint32(r.Start)
		w.WriteUint32(r.End)
	}
	w.WriteUint32(boolToUint32(o.Dead))
	rw.Finish()
	return w.Bytes()
}

// DecodeObject reads a versioned Object record, skipping any trailing bytes
// written by a newer version for forward compatibility (spec §4.A).
func DecodeObject(buf []byte) (*Object, error) {
	r := wire.NewReader(buf)
	hdr, err := wire.ReadRecordHeader(r, MaxObjectRecordSize)
	if err != nil {
		return nil, err
	}
	o := &Object{}
	if o.UID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if o.WorldName, err = r.ReadString(maxNameLen); err != nil {
		return nil, err
	}
	if o.CreatorID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if o.CreatorName, err = r.ReadString(maxNameLen); err != nil {
		return nil, err
	}
	createdNanos, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	o.CreatedAt = time.Unix(0, createdNanos).UTC()
	modNanos, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	o.LastModified = time.Unix(0, modNanos).UTC()
	if o.Transform, err = readTransform(r); err != nil {
		return nil, err
	}
	kind, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	o.Kind = ObjectKind(kind)
	if o.ModelURL, err = r.ReadString(maxURLLen); err != nil {
		return nil, err
	}
	matCount, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	o.Materials = make([]Material, matCount)
	for i := range o.Materials {
		if o.Materials[i], err = readMaterial(r); err != nil {
			return nil, err
		}
	}
	if o.Script, err = r.ReadString(maxScriptLen); err != nil {
		return nil, err
	}
	if o.Content, err = r.ReadString(maxStringLen); err != nil {
		return nil, err
	}
	if o.AudioURL, err = r.ReadString(maxURLLen); err != nil {
		return nil, err
	}
	if o.AudioVolume, err = r.ReadFloat32(); err != nil {
		return nil, err
	}
	if o.VoxelBlob, err = r.ReadBytes(maxVoxelBlob); err != nil {
		return nil, err
	}
	if o.ObjectSpaceAABB, err = readAABB(r); err != nil {
		return nil, err
	}
	if o.WorldSpaceAABB, err = readAABB(r); err != nil {
		return nil, err
	}
	if o.Flags, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	for i := range o.ChunkBatch {
		start, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		end, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		o.ChunkBatch[i] = BatchRange{Start: start, End: end}
	}
	deadFlag, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	o.Dead = deadFlag != 0

	if err := hdr.SkipToEnd(r); err != nil {
		return nil, err
	}
	return o, nil
}

func writeTransform(w *wire.Writer, t Transform) {
	w.WriteVec3d(t.Position)
	w.WriteVec3f(t.Axis)
	w.WriteFloat32(t.Angle)
	w.WriteVec3f(t.Scale)
}

func readTransform(r *wire.Reader) (Transform, error) {
	var t Transform
	var err error
	if t.Position, err = r.ReadVec3d(); err != nil {
		return t, err
	}
	if t.Axis, err = r.ReadVec3f(); err != nil {
		return t, err
	}
	if t.Angle, err = r.ReadFloat32(); err != nil {
		return t, err
	}
	if t.Scale, err = r.ReadVec3f(); err != nil {
		return t, err
	}
	return t, nil
}

func writeAABB(w *wire.Writer, b AABB) {
	w.WriteVec3f(b.Min)
	w.WriteVec3f(b.Max)
}

func readAABB(r *wire.Reader) (AABB, error) {
	var b AABB
	var err error
	if b.Min, err = r.ReadVec3f(); err != nil {
		return b, err
	}
	if b.Max, err = r.ReadVec3f(); err != nil {
		return b, err
	}
	return b, nil
}

func writeMaterial(w *wire.Writer, m Material) {
	w.WriteVec3f(m.ColorRGB)
	w.WriteString(m.ColorTexURL)
	w.WriteVec3f(m.EmissionRGB)
	w.WriteString(m.EmissionTexURL)
	w.WriteString(m.NormalMapURL)
	w.WriteFloat32(m.Roughness)
	w.WriteString(m.RoughnessTexURL)
	w.WriteFloat32(m.Metallic)
	w.WriteString(m.MetallicTexURL)
	w.WriteFloat32(m.Opacity)
	w.WriteString(m.OpacityTexURL)
	for _, v := range m.TexMatrix {
		w.WriteFloat32(v)
	}
	w.WriteFloat32(m.EmissionLumens)
	w.WriteUint32(m.Flags)
}

func readMaterial(r *wire.Reader) (Material, error) {
	var m Material
	var err error
	if m.ColorRGB, err = r.ReadVec3f(); err != nil {
		return m, err
	}
	if m.ColorTexURL, err = r.ReadString(maxURLLen); err != nil {
		return m, err
	}
	if m.EmissionRGB, err = r.ReadVec3f(); err != nil {
		return m, err
	}
	if m.EmissionTexURL, err = r.ReadString(maxURLLen); err != nil {
		return m, err
	}
	if m.NormalMapURL, err = r.ReadString(maxURLLen); err != nil {
		return m, err
	}
	if m.Roughness, err = r.ReadFloat32(); err != nil {
		return m, err
	}
	if m.RoughnessTexURL, err = r.ReadString(maxURLLen); err != nil {
		return m, err
	}
	if m.Metallic, err = r.ReadFloat32(); err != nil {
		return m, err
	}
	if m.MetallicTexURL, err = r.ReadString(maxURLLen); err != nil {
		return m, err
	}
	if m.Opacity, err = r.ReadFloat32(); err != nil {
		return m, err
	}
	if m.OpacityTexURL, err = r.ReadString(maxURLLen); err != nil {
		return m, err
	}
	for i := range m.TexMatrix {
		if m.TexMatrix[i], err = r.ReadFloat32(); err != nil {
			return m, err
		}
	}
	if m.EmissionLumens, err = r.ReadFloat32(); err != nil {
		return m, err
	}
	if m.Flags, err = r.ReadUint32(); err != nil {
		return m, err
	}
	return m, nil
}

const avatarRecordVersion = 1

// EncodeAvatar serialises an Avatar as a versioned record.
func EncodeAvatar(a *Avatar) []byte {
	w := wire.NewWriter()
	rw := wire.BeginRecord(w, avatarRecordVersion)
	w.WriteUint64(a.UID)
	w.WriteString(a.DisplayName)
	writeTransform(w, a.Transform)
	w.WriteString(a.ModelURL)
	w.WriteUint32(a.AnimState)
	w.WriteUint32(boolToUint32(a.Dead))
	rw.Finish()
	return w.Bytes()
}

// DecodeAvatar reads a versioned Avatar record. The snapshot history ring
// buffer is session-local and deliberately not persisted.
func DecodeAvatar(buf []byte) (*Avatar, error) {
	r := wire.NewReader(buf)
	hdr, err := wire.ReadRecordHeader(r, MaxAvatarRecordSize)
	if err != nil {
		return nil, err
	}
	a := &Avatar{}
	if a.UID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if a.DisplayName, err = r.ReadString(maxNameLen); err != nil {
		return nil, err
	}
	if a.Transform, err = readTransform(r); err != nil {
		return nil, err
	}
	if a.ModelURL, err = r.ReadString(maxURLLen); err != nil {
		return nil, err
	}
	if a.AnimState, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	dead, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	a.Dead = dead != 0
	if err := hdr.SkipToEnd(r); err != nil {
		return nil, err
	}
	return a, nil
}

const parcelRecordVersion = 1

// EncodeParcel serialises a Parcel as a versioned record. Denormalized
// name fields are included so a fresh load has display-ready data before
// the denormalization pass runs again.
func EncodeParcel(p *Parcel) []byte {
	w := wire.NewWriter()
	rw := wire.BeginRecord(w, parcelRecordVersion)
	w.WriteString(p.WorldName)
	w.WriteUint64(p.ID)
	w.WriteUint64(p.OwnerID)
	w.WriteString(p.OwnerName)
	writeUint64Slice(w, p.AdminIDs)
	writeStringSlice(w, p.AdminNames)
	writeUint64Slice(w, p.WriterIDs)
	writeStringSlice(w, p.WriterNames)
	for _, v := range p.Verts {
		w.WriteFloat64(v[0])
		w.WriteFloat64(v[1])
	}
	w.WriteFloat64(p.ZMin)
	w.WriteFloat64(p.ZMax)
	w.WriteInt64(p.CreatedAt.UnixNano())
	w.WriteUint64(p.AuctionID)
	w.WriteUint32(boolToUint32(p.AllWriteable))
	writeAABB(w, p.Bounds)
	rw.Finish()
	return w.Bytes()
}

// DecodeParcel reads a versioned Parcel record.
func DecodeParcel(buf []byte) (*Parcel, error) {
	r := wire.NewReader(buf)
	hdr, err := wire.ReadRecordHeader(r, MaxParcelRecordSize)
	if err != nil {
		return nil, err
	}
	p := &Parcel{}
	if p.WorldName, err = r.ReadString(maxNameLen); err != nil {
		return nil, err
	}
	if p.ID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if p.OwnerID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if p.OwnerName, err = r.ReadString(maxNameLen); err != nil {
		return nil, err
	}
	if p.AdminIDs, err = readUint64Slice(r); err != nil {
		return nil, err
	}
	if p.AdminNames, err = readStringSlice(r); err != nil {
		return nil, err
	}
	if p.WriterIDs, err = readUint64Slice(r); err != nil {
		return nil, err
	}
	if p.WriterNames, err = readStringSlice(r); err != nil {
		return nil, err
	}
	for i := range p.Verts {
		x, err := r.ReadFloat64()
		if err != nil {
			return nil, err
		}
		y, err := r.ReadFloat64()
		if err != nil {
			return nil, err
		}
		p.Verts[i] = [2]float64{x, y}
	}
	if p.ZMin, err = r.ReadFloat64(); err != nil {
		return nil, err
	}
	if p.ZMax, err = r.ReadFloat64(); err != nil {
		return nil, err
	}
	createdNanos, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(0, createdNanos).UTC()
	if p.AuctionID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	allWriteable, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	p.AllWriteable = allWriteable != 0
	if p.Bounds, err = readAABB(r); err != nil {
		return nil, err
	}
	if err := hdr.SkipToEnd(r); err != nil {
		return nil, err
	}
	return p, nil
}

const userRecordVersion = 1

// EncodeUser serialises a User as a versioned record.
func EncodeUser(u *User) []byte {
	w := wire.NewWriter()
	rw := wire.BeginRecord(w, userRecordVersion)
	w.WriteUint64(u.ID)
	w.WriteString(u.Name)
	w.WriteBytes(u.PasswordHash)
	w.WriteInt64(u.CreatedAt.UnixNano())
	w.WriteInt64(u.LastSeen.UnixNano())
	w.WriteInt64(int64(u.TotalConnected))
	w.WriteUint32(boolToUint32(u.WorldGardener))
	rw.Finish()
	return w.Bytes()
}

// DecodeUser reads a versioned User record.
func DecodeUser(buf []byte) (*User, error) {
	r := wire.NewReader(buf)
	hdr, err := wire.ReadRecordHeader(r, MaxUserRecordSize)
	if err != nil {
		return nil, err
	}
	u := &User{}
	if u.ID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if u.Name, err = r.ReadString(maxNameLen); err != nil {
		return nil, err
	}
	if u.PasswordHash, err = r.ReadBytes(1024); err != nil {
		return nil, err
	}
	createdNanos, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.Unix(0, createdNanos).UTC()
	lastSeenNanos, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	u.LastSeen = time.Unix(0, lastSeenNanos).UTC()
	totalConnected, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	u.TotalConnected = time.Duration(totalConnected)
	gardener, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	u.WorldGardener = gardener != 0
	if err := hdr.SkipToEnd(r); err != nil {
		return nil, err
	}
	return u, nil
}

const photoRecordVersion = 1

// EncodePhoto serialises a Photo as a versioned record.
func EncodePhoto(p *Photo) []byte {
	w := wire.NewWriter()
	rw := wire.BeginRecord(w, photoRecordVersion)
	w.WriteUint64(p.ID)
	w.WriteUint64(p.CreatorID)
	w.WriteString(p.WorldName)
	w.WriteUint64(p.ParcelID)
	w.WriteVec3d(p.CameraPos)
	w.WriteVec3f(p.CameraRotation)
	w.WriteString(p.Caption)
	w.WriteString(p.FullFilename)
	w.WriteString(p.MidsizeFilename)
	w.WriteString(p.ThumbnailFilename)
	rw.Finish()
	return w.Bytes()
}

// DecodePhoto reads a versioned Photo record.
func DecodePhoto(buf []byte) (*Photo, error) {
	r := wire.NewReader(buf)
	hdr, err := wire.ReadRecordHeader(r, MaxPhotoRecordSize)
	if err != nil {
		return nil, err
	}
	p := &Photo{}
	if p.ID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if p.CreatorID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if p.WorldName, err = r.ReadString(maxNameLen); err != nil {
		return nil, err
	}
	if p.ParcelID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if p.CameraPos, err = r.ReadVec3d(); err != nil {
		return nil, err
	}
	if p.CameraRotation, err = r.ReadVec3f(); err != nil {
		return nil, err
	}
	if p.Caption, err = r.ReadString(maxStringLen); err != nil {
		return nil, err
	}
	if p.FullFilename, err = r.ReadString(maxURLLen); err != nil {
		return nil, err
	}
	if p.MidsizeFilename, err = r.ReadString(maxURLLen); err != nil {
		return nil, err
	}
	if p.ThumbnailFilename, err = r.ReadString(maxURLLen); err != nil {
		return nil, err
	}
	if err := hdr.SkipToEnd(r); err != nil {
		return nil, err
	}
	return p, nil
}

func writeUint64Slice(w *wire.Writer, s []uint64) {
	w.WriteUint32(uint32(len(s)))
	for _, v := range s {
		w.WriteUint64(v)
	}
}

func readUint64Slice(r *wire.Reader) ([]uint64, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		if out[i], err = r.ReadUint64(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func writeStringSlice(w *wire.Writer, s []string) {
	w.WriteUint32(uint32(len(s)))
	for _, v := range s {
		w.WriteString(v)
	}
}

func readStringSlice(r *wire.Reader) ([]string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		if out[i], err = r.ReadString(maxStringLen); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// MaxChunkRecordSize bounds an encoded LODChunk; the per-material-info
// blob is small (spec §4.H step 6) but the combined-mesh/texture-array
// URLs and flag leave headroom for a future larger material table.
const MaxChunkRecordSize = 256 * 1024

const chunkRecordVersion = 1

// EncodeChunk serialises an LODChunk as a versioned record per spec §4.A,
// letting the chunk baker's outputs (component H) persist alongside every
// other entity through the same recordstore (component B).
func EncodeChunk(c *LODChunk) []byte {
	w := wire.NewWriter()
	rw := wire.BeginRecord(w, chunkRecordVersion)
	w.WriteString(c.WorldName)
	w.WriteUint32(uint32(c.Coord.X))
	w.WriteUint32(uint32(c.Coord.Y))
	w.WriteUint32(uint32(c.Coord.Z))
	w.WriteString(c.CombinedMeshURL)
	w.WriteString(c.TextureArrayURL)
	w.WriteBytes(c.MaterialInfo)
	w.WriteUint32(boolToUint32(c.NeedsRebuild))
	rw.Finish()
	return w.Bytes()
}

// DecodeChunk reads a versioned LODChunk record.
func DecodeChunk(buf []byte) (*LODChunk, error) {
	r := wire.NewReader(buf)
	hdr, err := wire.ReadRecordHeader(r, MaxChunkRecordSize)
	if err != nil {
		return nil, err
	}
	c := &LODChunk{}
	if c.WorldName, err = r.ReadString(maxNameLen); err != nil {
		return nil, err
	}
	x, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	y, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	z, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	c.Coord = ChunkCoord{X: int32(x), Y: int32(y), Z: int32(z)}
	if c.CombinedMeshURL, err = r.ReadString(maxURLLen); err != nil {
		return nil, err
	}
	if c.TextureArrayURL, err = r.ReadString(maxURLLen); err != nil {
		return nil, err
	}
	if c.MaterialInfo, err = r.ReadBytes(MaxChunkRecordSize); err != nil {
		return nil, err
	}
	needsRebuild, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	c.NeedsRebuild = needsRebuild != 0
	if err := hdr.SkipToEnd(r); err != nil {
		return nil, err
	}
	return c, nil
}

// MaxWorldRecordSize bounds a world's own metadata record (name plus
// WorldSettings); the objects/avatars/parcels/chunks it owns are each
// persisted under their own keys, not nested inside this record.
const MaxWorldRecordSize = 16 * 1024

const worldRecordVersion = 1

// EncodeWorld serialises a World's name and WorldSettings as a versioned
// record, so a world with no objects yet (a freshly created personal
// world, say) still survives a restart per spec §3 ("Worlds are
// themselves persisted").
func EncodeWorld(w *World) []byte {
	wr := wire.NewWriter()
	rw := wire.BeginRecord(wr, worldRecordVersion)
	wr.WriteString(w.Name)
	wr.WriteString(w.Settings.Description)
	wr.WriteString(w.Settings.Terrain)
	rw.Finish()
	return wr.Bytes()
}

// DecodeWorld reads a versioned World metadata record. The returned World
// has empty entity maps; callers repopulate them from the entities whose
// WorldName/parent key reference it.
func DecodeWorld(buf []byte) (*World, error) {
	r := wire.NewReader(buf)
	hdr, err := wire.ReadRecordHeader(r, MaxWorldRecordSize)
	if err != nil {
		return nil, err
	}
	name, err := r.ReadString(maxNameLen)
	if err != nil {
		return nil, err
	}
	w := NewWorld(name)
	if w.Settings.Description, err = r.ReadString(maxStringLen); err != nil {
		return nil, err
	}
	if w.Settings.Terrain, err = r.ReadString(maxStringLen); err != nil {
		return nil, err
	}
	if err := hdr.SkipToEnd(r); err != nil {
		return nil, err
	}
	return w, nil
}
