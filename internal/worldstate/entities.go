// Package worldstate implements the entity model and process-wide world
// mutex described in spec §3 and §4.D: objects, avatars, parcels, LOD
// chunks and a set of auxiliary per-user/administrative records, grouped
// into named Worlds and guarded by one lock.
package worldstate

import "time"

// InvalidUID is the reserved all-ones sentinel for object/avatar UIDs.
const InvalidUID = ^uint64(0)

// ObjectKind is the variant discriminator for an Object.
type ObjectKind uint32

const (
	ObjectKindGenericMesh ObjectKind = iota
	ObjectKindHypercardText
	ObjectKindVoxelGroup
	ObjectKindSpotlight
	ObjectKindWebView
	ObjectKindVideo
)

// Object flag bits, per spec §3 "Object" field list.
const (
	ObjectFlagCollidable uint32 = 1 << iota
	ObjectFlagDynamic
	ObjectFlagSummoned
	ObjectFlagExcludedFromChunkMesh
	ObjectFlagLightmapNeedsComputing
	ObjectFlagAudioAutoplay
	ObjectFlagAudioLoop
)

// AABB is an axis-aligned bounding box.
type AABB struct {
	Min [3]float32
	Max [3]float32
}

// BatchRange is a [start, end) index range into a chunk's combined mesh.
type BatchRange struct {
	Start uint32
	End   uint32
}

// Transform is an affine transform: position (f64, for world-scale
// precision), an axis-angle rotation, and a non-uniform scale.
type Transform struct {
	Position [3]float64
	Axis     [3]float32
	Angle    float32
	Scale    [3]float32
}

// Material is one of an Object's material slots.
type Material struct {
	ColorRGB        [3]float32
	ColorTexURL     string
	EmissionRGB     [3]float32
	EmissionTexURL  string
	NormalMapURL    string
	Roughness       float32
	RoughnessTexURL string
	Metallic        float32
	MetallicTexURL  string
	Opacity         float32
	OpacityTexURL   string
	TexMatrix       [4]float32 // 2x2, row-major
	EmissionLumens  float32
	Flags           uint32
}

// Material flag bits.
const (
	MaterialFlagColorTexHasAlpha uint32 = 1 << iota
	MaterialFlagMinLODLevelIsNegOne
	MaterialFlagHologram
	MaterialFlagDecal
	MaterialFlagDoubleSided
	MaterialFlagVertexColoursDriveWind
)

// Object is the core placeable entity described in spec §3.
type Object struct {
	UID             uint64
	RecordKey       uint64
	WorldName       string
	CreatorID       uint64
	CreatorName     string // denormalized
	CreatedAt       time.Time
	LastModified    time.Time
	Transform       Transform
	Kind            ObjectKind
	ModelURL        string
	Materials       []Material
	Script          string
	Content         string
	AudioURL        string
	AudioVolume     float32
	VoxelBlob       []byte
	ObjectSpaceAABB AABB
	WorldSpaceAABB  AABB
	Flags           uint32
	ChunkBatch      [2]BatchRange // [opaque, transparent]
	Dead            bool
}

// Avatar snapshot ring buffer size, per spec §3.
const HistoryBufSize = 4

// AvatarSnapshot is one entry of an avatar's interpolation history.
type AvatarSnapshot struct {
	Position  [3]float64
	Rotation  [3]float32
	Timestamp time.Time
}

// Avatar is a connected user's in-world presence.
type Avatar struct {
	UID          uint64
	DisplayName  string
	Transform    Transform
	ModelURL     string
	AnimState    uint32
	History      [HistoryBufSize]AvatarSnapshot
	HistoryCount int
	Dead         bool
}

// PushSnapshot appends a snapshot to the avatar's ring buffer, evicting the
// oldest entry once full.
func (a *Avatar) PushSnapshot(s AvatarSnapshot) {
	if a.HistoryCount < HistoryBufSize {
		a.History[a.HistoryCount] = s
		a.HistoryCount++
		return
	}
	copy(a.History[:], a.History[1:])
	a.History[HistoryBufSize-1] = s
}

// ChunkCoord is a signed chunk coordinate; chunk width is fixed at
// ChunkWidth world units, per spec §3.
type ChunkCoord struct {
	X, Y, Z int32
}

// ChunkWidth is the tiling width in world units along x and y.
const ChunkWidth = 128

// LODChunk is a baked combination of every contributing object's geometry
// within one chunk.
type LODChunk struct {
	RecordKey       uint64
	WorldName       string
	Coord           ChunkCoord
	CombinedMeshURL string
	TextureArrayURL string
	MaterialInfo    []byte
	NeedsRebuild    bool
}

// Parcel is a rectangular land claim.
type Parcel struct {
	RecordKey    uint64
	ID           uint64
	WorldName    string
	OwnerID      uint64
	OwnerName    string // denormalized
	AdminIDs     []uint64
	AdminNames   []string // denormalized
	WriterIDs    []uint64
	WriterNames  []string // denormalized
	Verts        [4][2]float64
	ZMin, ZMax   float64
	CreatedAt    time.Time
	AuctionID    uint64
	AllWriteable bool
	Bounds       AABB // derived
}

// CanWrite reports whether userID may mutate objects inside this parcel,
// per spec testable property 5: owner and writers may write; others may
// not (admin/world-gardener overrides are applied by the dispatcher, not
// here, since they are world-level facts the parcel does not hold).
func (p *Parcel) CanWrite(userID uint64) bool {
	if p.AllWriteable {
		return true
	}
	if userID == p.OwnerID {
		return true
	}
	for _, id := range p.WriterIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// User is a registered account with session bookkeeping (§3, supplemented
// by original_source/server/User.cpp per SPEC_FULL.md).
type User struct {
	RecordKey                 uint64
	ID                        uint64
	Name                      string
	PasswordHash              []byte
	CreatedAt                 time.Time
	LastSeen                  time.Time
	TotalConnected            time.Duration
	WorldGardener             bool
	AllowDynTexUpdateChecking bool
	Dirty                     bool
}

// Photo is a camera capture attached to a world/parcel.
type Photo struct {
	RecordKey        uint64
	ID               uint64
	CreatorID        uint64
	WorldName        string
	ParcelID         uint64
	CameraPos        [3]float64
	CameraRotation   [3]float32
	Caption          string
	FullFilename     string
	MidsizeFilename  string
	ThumbnailFilename string
	Dirty            bool
}

// Order, Session, Auction, Screenshot, Event, NewsPost, SubEthTransaction,
// ObjectStorageItem, UserSecret, MapTileInfo, EthInfo and FeatureFlags are
// auxiliary records: each carries a record key and a dirty flag per spec
// §3, with a small set of domain fields.

type Order struct {
	RecordKey uint64
	ID        uint64
	UserID    uint64
	ParcelID  uint64
	CreatedAt time.Time
	Dirty     bool
}

type Session struct {
	RecordKey  uint64
	Token      string
	UserID     uint64
	ExpiresAt  time.Time
	Dirty      bool
}

type Auction struct {
	RecordKey  uint64
	ID         uint64
	ParcelID   uint64
	ReserveUSD float64
	EndsAt     time.Time
	Dirty      bool
}

type Screenshot struct {
	RecordKey uint64
	ID        uint64
	WorldName string
	Filename  string
	Dirty     bool
}

type Event struct {
	RecordKey uint64
	ID        uint64
	WorldName string
	Kind      string
	At        time.Time
	Dirty     bool
}

type NewsPost struct {
	RecordKey uint64
	ID        uint64
	Title     string
	Body      string
	PostedAt  time.Time
	Dirty     bool
}

type SubEthTransaction struct {
	RecordKey uint64
	ID        uint64
	FromUser  uint64
	ToUser    uint64
	AmountWei string
	Dirty     bool
}

type ObjectStorageItem struct {
	RecordKey uint64
	ObjectUID uint64
	Key       string
	Value     []byte
	Dirty     bool
}

type UserSecret struct {
	RecordKey uint64
	UserID    uint64
	Name      string
	Value     []byte
	Dirty     bool
}

type MapTileInfo struct {
	RecordKey uint64
	X, Y      int32
	ImageURL  string
	Dirty     bool
}

type EthInfo struct {
	RecordKey   uint64
	UserID      uint64
	WalletAddr  string
	Dirty       bool
}

type FeatureFlags struct {
	RecordKey uint64
	Flags     map[string]bool
	Dirty     bool
}
