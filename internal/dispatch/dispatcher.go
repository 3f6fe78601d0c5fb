package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyberspaced/cyberspaced/internal/netsrv"
	"github.com/cyberspaced/cyberspaced/internal/wire"
	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

// errPermissionDeniedText is replied to the sender, never propagated, per spec
// §7's "Authorisation: sender lacks permission -> reply with a
// permission-denied frame; keep connection open."
const errPermissionDeniedText = "permission denied"

// ResourceSource serves resource bytes for ResourceRequest; satisfied by
// internal/resources.Registry plus a file reader the app layer wires in.
type ResourceSource interface {
	IsPresent(url string) bool
	ReadResource(url string) ([]byte, error)
}

// Authenticator verifies a username/password pair and resolves it to a
// worldstate user id, wired by the app layer to worldstate.State's
// AuthenticateUser, per spec §4.K's username+password verification step
// (reused here for the main connection's optional MsgLogin).
type Authenticator interface {
	AuthenticateUser(username, password string) (userID uint64, ok bool)
}

// ReindexHook lets the dispatcher notify the LOD pipeline that an object's
// model or material set changed, per spec §4.G ("processes per-object
// 'check generation' messages posted by the dispatcher"). The app layer
// wires a channel-backed implementation; tests may pass a no-op.
type ReindexHook func(worldName string, objectUID uint64)

// NPCHearingHook forwards a chat utterance to any NPC within hearing radius
// of the sender, per spec §4.F's ChatMessage row and §4.J.
type NPCHearingHook func(worldName string, senderUID uint64, text string)

// Dispatcher mutates worldstate.State under its lock in response to framed
// messages and broadcasts the result via netsrv.Registry, per spec §4.F.
type Dispatcher struct {
	State     *worldstate.State
	Broadcast *netsrv.Registry
	Resources ResourceSource
	ReadOnly  bool

	// Auth verifies MsgLogin's username/password pair; nil rejects every
	// login attempt, matching an install with no user table configured.
	Auth Authenticator

	OnGeometryChanged ReindexHook
	OnChatHeard       NPCHearingHook

	// IsAdmin and IsGardener resolve a connected avatar's server-admin and
	// world-gardener privilege (spec §4.F's authorisation rule and the
	// supplemented worldstate.User.WorldGardener field). The app layer
	// wires these against the identities MsgLogin records below; nil means
	// "nobody has either privilege", matching an install with no admins
	// configured. Both are called with the State lock already held, since
	// every call site holds it across the mutation they gate.
	IsAdmin    func(avatarUID uint64) bool
	IsGardener func(avatarUID uint64) bool

	throttle   *transformThrottle
	identities *loggedInUsers
}

// NewDispatcher constructs a Dispatcher with its internal throttle state
// initialised.
func NewDispatcher(state *worldstate.State, broadcast *netsrv.Registry, resources ResourceSource) *Dispatcher {
	return &Dispatcher{
		State:      state,
		Broadcast:  broadcast,
		Resources:  resources,
		throttle:   newTransformThrottle(),
		identities: newLoggedInUsers(),
	}
}

// loggedInUsers maps a connected avatar's UID to the worldstate user id it
// authenticated as via MsgLogin. Session-scoped bookkeeping, same idiom as
// transformThrottle below: an in-memory map guarded by its own mutex, owned
// by the Dispatcher, never persisted.
type loggedInUsers struct {
	mu    sync.Mutex
	users map[uint64]uint64
}

func newLoggedInUsers() *loggedInUsers {
	return &loggedInUsers{users: make(map[uint64]uint64)}
}

func (l *loggedInUsers) set(avatarUID, userID uint64) {
	l.mu.Lock()
	l.users[avatarUID] = userID
	l.mu.Unlock()
}

func (l *loggedInUsers) get(avatarUID uint64) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.users[avatarUID]
	return id, ok
}

// UserIDFor returns the worldstate user id avatarUID authenticated as via
// MsgLogin, for the app layer's IsAdmin/IsGardener hooks.
func (d *Dispatcher) UserIDFor(avatarUID uint64) (uint64, bool) {
	return d.identities.get(avatarUID)
}

// Dispatch handles one inbound frame from c and returns an error only for
// protocol-fatal conditions (a malformed payload); per spec §7 those close
// the connection. Unknown message ids are ignored: there is no strict mode. Authorization and resource-absent
// failures are replied as typed frames and never returned as errors.
func (d *Dispatcher) Dispatch(c *netsrv.Conn, f wire.Frame) error {
	switch f.ID {
	case MsgKeepAlive:
		return nil

	case MsgAvatarTransformUpdate:
		return d.handleAvatarTransformUpdate(c, f.Payload)

	case MsgAvatarFullUpdate:
		return d.handleAvatarFullUpdate(c, f.Payload)

	case MsgChatMessage:
		return d.handleChatMessage(c, f.Payload)

	case MsgAvatarPerformGesture, MsgAvatarStopGesture:
		return d.handleGesture(c, f)

	case MsgCreateObject:
		return d.handleCreateObject(c, f.Payload)

	case MsgObjectFullUpdate:
		return d.handleObjectFullUpdate(c, f.Payload)

	case MsgObjectTransformUpdate:
		return d.handleObjectTransformUpdate(c, f.Payload)

	case MsgDestroyObject:
		return d.handleDestroyObject(c, f.Payload)

	case MsgSummonObject:
		return d.handleSummonObject(c, f.Payload)

	case MsgResourceRequest:
		return d.handleResourceRequest(c, f.Payload)

	case MsgLogin:
		return d.handleLogin(c, f.Payload)

	case MsgUserMovedNearToBotAvatar, MsgUserMovedAwayFromBotAvatar:
		// Accepted and not acted on. The app layer's connection loop
		// passes every frame straight to Dispatch, so these messages do
		// not reach the NPC subsystem.
		return nil

	default:
		return nil
	}
}

func (d *Dispatcher) denyPermission(c *netsrv.Conn) {
	w := wire.NewWriter()
	w.WriteString(errPermissionDeniedText)
	c.Enqueue(wire.NewFrame(MsgPermissionDenied, w.Bytes()))
}

const errReadOnlyText = "server is in read-only mode"

// denyReadOnly replies the typed read-only rejection spec §6.3's
// "--read-only: reject every mutating frame with a typed error" and §6.1's
// read-only-mode subscription message both describe.
func (d *Dispatcher) denyReadOnly(c *netsrv.Conn) {
	w := wire.NewWriter()
	w.WriteString(errReadOnlyText)
	c.Enqueue(wire.NewFrame(MsgReadOnly, w.Bytes()))
}

// handleLogin verifies MsgLogin's username/password against d.Auth and, on
// success, records the avatar as logged in as that user so later
// CreateObject/ObjectFullUpdate/... calls can resolve IsAdmin/IsGardener.
func (d *Dispatcher) handleLogin(c *netsrv.Conn, payload []byte) error {
	r := wire.NewReader(payload)
	username, err := r.ReadString(maxDisplayNameLen)
	if err != nil {
		return err
	}
	password, err := r.ReadString(maxDisplayNameLen)
	if err != nil {
		return err
	}

	var userID uint64
	var ok bool
	if d.Auth != nil {
		userID, ok = d.Auth.AuthenticateUser(username, password)
	}
	if !ok {
		w := wire.NewWriter()
		w.WriteString("invalid username or password")
		c.Enqueue(wire.NewFrame(MsgLoginFailed, w.Bytes()))
		return nil
	}
	d.identities.set(c.AvatarUID, userID)
	c.Enqueue(wire.NewFrame(MsgLoginSucceeded, wire.NewWriter().Bytes()))
	return nil
}

// transformThrottle coalesces AvatarTransformUpdate broadcasts to at most
// transformUpdateHz per sender, per spec §4.F, using a per-avatar
// golang.org/x/time/rate.Limiter (burst 1: a full tick's worth of credit,
// no queueing beyond that) rather than a hand-rolled last-seen timestamp.
type transformThrottle struct {
	mu       sync.Mutex
	limiters map[uint64]*rate.Limiter
}

func newTransformThrottle() *transformThrottle {
	return &transformThrottle{limiters: make(map[uint64]*rate.Limiter)}
}

func (t *transformThrottle) allow(avatarUID uint64, now time.Time) bool {
	t.mu.Lock()
	lim, ok := t.limiters[avatarUID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(transformUpdateHz), 1)
		t.limiters[avatarUID] = lim
	}
	t.mu.Unlock()
	return lim.AllowN(now, 1)
}

func (d *Dispatcher) handleAvatarTransformUpdate(c *netsrv.Conn, payload []byte) error {
	p, err := decodeAvatarTransformUpdate(payload)
	if err != nil {
		return err
	}
	if !p.Transform.isFinite() {
		return nil // malformed pose: drop silently, connection stays open
	}

	d.State.Lock()
	world := d.State.GetWorld(c.WorldName)
	avatar, ok := world.Avatars[c.AvatarUID]
	if !ok || avatar.Dead {
		d.State.Unlock()
		return nil
	}
	avatar.Transform = worldstate.Transform{
		Position: p.Transform.Position,
		Axis:     p.Transform.Axis,
		Angle:    p.Transform.Angle,
		Scale:    p.Transform.Scale,
	}
	avatar.PushSnapshot(worldstate.AvatarSnapshot{
		Position:  p.Transform.Position,
		Rotation:  p.Transform.Axis,
		Timestamp: time.Now(),
	})
	d.State.Unlock()

	if !d.throttle.allow(c.AvatarUID, time.Now()) {
		return nil
	}
	out := wire.NewFrame(MsgAvatarTransformUpdate, encodeAvatarTransformUpdate(c.AvatarUID, p.Transform))
	d.Broadcast.EnqueueExcept(out, c.WorldName, c)
	return nil
}

func (d *Dispatcher) handleAvatarFullUpdate(c *netsrv.Conn, payload []byte) error {
	p, err := decodeAvatarFullUpdate(payload)
	if err != nil {
		return err
	}

	d.State.Lock()
	world := d.State.GetWorld(c.WorldName)
	avatar, ok := world.Avatars[c.AvatarUID]
	if !ok || avatar.Dead {
		d.State.Unlock()
		return nil
	}
	avatar.DisplayName = p.DisplayName
	avatar.ModelURL = p.ModelURL
	avatar.AnimState = p.AnimState
	d.State.Unlock()

	out := wire.NewFrame(MsgAvatarFullUpdate, encodeAvatarFullUpdate(c.AvatarUID, p))
	d.Broadcast.EnqueuePacketToBroadcastForWorld(out, c.WorldName)
	return nil
}

func (d *Dispatcher) handleChatMessage(c *netsrv.Conn, payload []byte) error {
	text, err := decodeChatText(payload)
	if err != nil {
		return err
	}

	d.State.Lock()
	world := d.State.GetWorld(c.WorldName)
	avatar := world.Avatars[c.AvatarUID]
	senderName := ""
	if avatar != nil {
		senderName = avatar.DisplayName
	}
	d.State.Unlock()

	out := wire.NewFrame(MsgChatMessage, encodeChatMessage(c.AvatarUID, senderName, text))
	d.Broadcast.EnqueuePacketToBroadcastForWorld(out, c.WorldName)

	if d.OnChatHeard != nil {
		d.OnChatHeard(c.WorldName, c.AvatarUID, text)
	}
	return nil
}

func (d *Dispatcher) handleGesture(c *netsrv.Conn, f wire.Frame) error {
	g, err := decodeGesture(f.Payload)
	if err != nil {
		return err
	}
	out := wire.NewFrame(f.ID, encodeGesture(c.AvatarUID, g.Name))
	d.Broadcast.EnqueueExcept(out, c.WorldName, c)
	return nil
}

// canMutateObject implements the authorisation rule from spec §4.F:
// permitted iff sender is server admin, sender is the object's creator, the
// object lies in a parcel whose admin or writer list contains sender, or
// the object is outside any parcel and sender has the world-gardener flag.
// Caller must hold the State lock.
func canMutateObject(world *worldstate.World, obj *worldstate.Object, senderUID uint64, senderIsAdmin, senderIsGardener bool) bool {
	if senderIsAdmin {
		return true
	}
	if obj.CreatorID == senderUID {
		return true
	}
	if p := parcelContaining(world, obj.Transform.Position); p != nil {
		if p.OwnerID == senderUID {
			return true
		}
		for _, id := range p.AdminIDs {
			if id == senderUID {
				return true
			}
		}
		for _, id := range p.WriterIDs {
			if id == senderUID {
				return true
			}
		}
		return false
	}
	return senderIsGardener
}

// parcelContaining returns the parcel whose 2D bounds contain pos, or nil if
// pos lies outside every parcel in world. Caller must hold the State lock.
func parcelContaining(world *worldstate.World, pos [3]float64) *worldstate.Parcel {
	for _, p := range world.Parcels {
		if pointInParcel(p, pos) {
			return p
		}
	}
	return nil
}

func pointInParcel(p *worldstate.Parcel, pos [3]float64) bool {
	if pos[2] < p.ZMin || pos[2] > p.ZMax {
		return false
	}
	// Ray-casting point-in-polygon over the four (possibly non-axis-aligned)
	// corner verts.
	inside := false
	x, y := pos[0], pos[1]
	n := len(p.Verts)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := p.Verts[i][0], p.Verts[i][1]
		xj, yj := p.Verts[j][0], p.Verts[j][1]
		if (yi > y) != (yj > y) {
			xIntersect := (xj-xi)*(y-yi)/(yj-yi) + xi
			if x < xIntersect {
				inside = !inside
			}
		}
	}
	return inside
}

// userFlags resolves a sender's server-admin and world-gardener privilege
// via the Dispatcher's pluggable hooks, defaulting to neither when unset.
func (d *Dispatcher) userFlags(senderUID uint64) (isAdmin, isGardener bool) {
	if d.IsAdmin != nil {
		isAdmin = d.IsAdmin(senderUID)
	}
	if d.IsGardener != nil {
		isGardener = d.IsGardener(senderUID)
	}
	return isAdmin, isGardener
}

func (d *Dispatcher) handleCreateObject(c *netsrv.Conn, payload []byte) error {
	if d.ReadOnly {
		d.denyReadOnly(c)
		return nil
	}
	p, err := decodeObjectPayload(payload)
	if err != nil {
		return err
	}

	d.State.Lock()
	world := d.State.GetWorld(c.WorldName)
	isAdmin, isGardener := d.userFlags(c.AvatarUID)
	if parcel := parcelContaining(world, p.Transform.Position); parcel != nil {
		if !isAdmin && !parcel.CanWrite(c.AvatarUID) {
			d.State.Unlock()
			d.denyPermission(c)
			return nil
		}
	} else if !isAdmin && !isGardener {
		d.State.Unlock()
		d.denyPermission(c)
		return nil
	}

	uid := d.State.AllocObjectUID()
	now := time.Now()
	obj := &worldstate.Object{
		UID:          uid,
		WorldName:    c.WorldName,
		CreatorID:    c.AvatarUID,
		CreatedAt:    now,
		LastModified: now,
		Transform: worldstate.Transform{
			Position: p.Transform.Position,
			Axis:     p.Transform.Axis,
			Angle:    p.Transform.Angle,
			Scale:    p.Transform.Scale,
		},
		Kind:        worldstate.ObjectKind(p.Kind),
		ModelURL:    p.ModelURL,
		Script:      p.Script,
		Content:     p.Content,
		AudioURL:    p.AudioURL,
		AudioVolume: p.AudioVolume,
	}
	world.Objects[uid] = obj
	world.MarkObjectDirty(uid)
	d.State.Unlock()

	if d.OnGeometryChanged != nil {
		d.OnGeometryChanged(c.WorldName, uid)
	}

	out := wire.NewFrame(MsgObjectCreated, encodeObjectPayload(uid, p))
	d.Broadcast.EnqueuePacketToBroadcastForWorld(out, c.WorldName)
	return nil
}

func (d *Dispatcher) handleObjectFullUpdate(c *netsrv.Conn, payload []byte) error {
	if d.ReadOnly {
		d.denyReadOnly(c)
		return nil
	}
	p, err := decodeObjectFullUpdate(payload)
	if err != nil {
		return err
	}

	d.State.Lock()
	world := d.State.GetWorld(c.WorldName)
	obj, ok := world.Objects[p.UID]
	if !ok || obj.Dead {
		d.State.Unlock()
		return nil
	}
	isAdmin, isGardener := d.userFlags(c.AvatarUID)
	if !canMutateObject(world, obj, c.AvatarUID, isAdmin, isGardener) {
		d.State.Unlock()
		d.denyPermission(c)
		return nil
	}

	obj.Transform = worldstate.Transform{
		Position: p.Transform.Position,
		Axis:     p.Transform.Axis,
		Angle:    p.Transform.Angle,
		Scale:    p.Transform.Scale,
	}
	obj.Kind = worldstate.ObjectKind(p.Kind)
	obj.ModelURL = p.ModelURL
	obj.Script = p.Script
	obj.Content = p.Content
	obj.AudioURL = p.AudioURL
	obj.AudioVolume = p.AudioVolume
	obj.LastModified = time.Now()
	world.MarkObjectDirty(obj.UID)
	d.State.Unlock()

	if d.OnGeometryChanged != nil {
		d.OnGeometryChanged(c.WorldName, obj.UID)
	}

	out := wire.NewFrame(MsgObjectFullUpdate, encodeObjectFullUpdate(p.UID, p.objectPayload))
	d.Broadcast.EnqueuePacketToBroadcastForWorld(out, c.WorldName)
	return nil
}

func (d *Dispatcher) handleObjectTransformUpdate(c *netsrv.Conn, payload []byte) error {
	if d.ReadOnly {
		d.denyReadOnly(c)
		return nil
	}
	p, err := decodeObjectTransformUpdate(payload)
	if err != nil {
		return err
	}

	d.State.Lock()
	world := d.State.GetWorld(c.WorldName)
	obj, ok := world.Objects[p.UID]
	if !ok || obj.Dead {
		d.State.Unlock()
		return nil
	}
	isAdmin, isGardener := d.userFlags(c.AvatarUID)
	if !canMutateObject(world, obj, c.AvatarUID, isAdmin, isGardener) {
		d.State.Unlock()
		d.denyPermission(c)
		return nil
	}
	obj.Transform = worldstate.Transform{
		Position: p.Transform.Position,
		Axis:     p.Transform.Axis,
		Angle:    p.Transform.Angle,
		Scale:    p.Transform.Scale,
	}
	obj.LastModified = time.Now()
	world.MarkObjectDirty(obj.UID)
	d.State.Unlock()

	out := wire.NewFrame(MsgObjectTransformUpdate, encodeObjectTransformUpdate(p))
	d.Broadcast.EnqueueExcept(out, c.WorldName, c)
	return nil
}

func (d *Dispatcher) handleDestroyObject(c *netsrv.Conn, payload []byte) error {
	if d.ReadOnly {
		d.denyReadOnly(c)
		return nil
	}
	p, err := decodeUIDPayload(payload)
	if err != nil {
		return err
	}

	d.State.Lock()
	world := d.State.GetWorld(c.WorldName)
	obj, ok := world.Objects[p.UID]
	if !ok || obj.Dead {
		d.State.Unlock()
		return nil
	}
	isAdmin, isGardener := d.userFlags(c.AvatarUID)
	if !canMutateObject(world, obj, c.AvatarUID, isAdmin, isGardener) {
		d.State.Unlock()
		d.denyPermission(c)
		return nil
	}
	obj.Dead = true
	world.MarkObjectDirty(obj.UID)
	d.State.Unlock()

	out := wire.NewFrame(MsgDestroyObject, encodeUIDPayload(p.UID))
	d.Broadcast.EnqueuePacketToBroadcastForWorld(out, c.WorldName)
	return nil
}

// handleSummonObject applies the idempotent "teleport the named object to a
// target pose and claim it as summoned" transition from spec §4.F.
func (d *Dispatcher) handleSummonObject(c *netsrv.Conn, payload []byte) error {
	if d.ReadOnly {
		d.denyReadOnly(c)
		return nil
	}
	p, err := decodeObjectTransformUpdate(payload)
	if err != nil {
		return err
	}

	d.State.Lock()
	world := d.State.GetWorld(c.WorldName)
	obj, ok := world.Objects[p.UID]
	if !ok || obj.Dead {
		d.State.Unlock()
		return nil
	}
	isAdmin, isGardener := d.userFlags(c.AvatarUID)
	if !canMutateObject(world, obj, c.AvatarUID, isAdmin, isGardener) {
		d.State.Unlock()
		d.denyPermission(c)
		return nil
	}
	obj.Transform = worldstate.Transform{
		Position: p.Transform.Position,
		Axis:     p.Transform.Axis,
		Angle:    p.Transform.Angle,
		Scale:    p.Transform.Scale,
	}
	obj.Flags |= worldstate.ObjectFlagSummoned
	obj.LastModified = time.Now()
	world.MarkObjectDirty(obj.UID)
	d.State.Unlock()

	out := wire.NewFrame(MsgSummonObject, encodeObjectTransformUpdate(p))
	d.Broadcast.EnqueuePacketToBroadcastForWorld(out, c.WorldName)
	return nil
}

func (d *Dispatcher) handleResourceRequest(c *netsrv.Conn, payload []byte) error {
	url, err := decodeResourceRequest(payload)
	if err != nil {
		return err
	}
	if d.Resources == nil || !d.Resources.IsPresent(url) {
		w := wire.NewWriter()
		w.WriteString(url)
		c.Enqueue(wire.NewFrame(MsgResourceNotPresent, w.Bytes()))
		return nil
	}
	data, err := d.Resources.ReadResource(url)
	if err != nil {
		w := wire.NewWriter()
		w.WriteString(url)
		c.Enqueue(wire.NewFrame(MsgResourceNotPresent, w.Bytes()))
		return nil
	}
	w := wire.NewWriter()
	w.WriteString(url)
	w.WriteBytes(data)
	c.Enqueue(wire.NewFrame(MsgResourceData, w.Bytes()))
	return nil
}
