package dispatch

import "github.com/cyberspaced/cyberspaced/internal/wire"

// transformPayload is the shared position/rotation/scale shape carried by
// AvatarTransformUpdate, ObjectTransformUpdate and SummonObject.
type transformPayload struct {
	Position [3]float64
	Axis     [3]float32
	Angle    float32
	Scale    [3]float32
}

func writeTransformPayload(w *wire.Writer, t transformPayload) {
	w.WriteVec3d(t.Position)
	w.WriteVec3f(t.Axis)
	w.WriteFloat32(t.Angle)
	w.WriteVec3f(t.Scale)
}

func readTransformPayload(r *wire.Reader) (transformPayload, error) {
	var t transformPayload
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

// isFinite reports whether every float64 and float32 in t is finite, the
// pose-validation rule AvatarTransformUpdate applies before accepting a
// snapshot (spec §4.F).
func (t transformPayload) isFinite() bool {
	for _, v := range t.Position {
		if !finite64(v) {
			return false
		}
	}
	for _, v := range t.Axis {
		if !finite32(v) {
			return false
		}
	}
	for _, v := range t.Scale {
		if !finite32(v) {
			return false
		}
	}
	return finite32(t.Angle)
}

func finite32(f float32) bool { return f == f && f > -maxFinite32 && f < maxFinite32 }
func finite64(f float64) bool { return f == f && f > -maxFinite64 && f < maxFinite64 }

const maxFinite32 = 3.4e38
const maxFinite64 = 1.7e308

type avatarTransformUpdatePayload struct {
	Transform transformPayload
}

func decodeAvatarTransformUpdate(payload []byte) (avatarTransformUpdatePayload, error) {
	r := wire.NewReader(payload)
	t, err := readTransformPayload(r)
	return avatarTransformUpdatePayload{Transform: t}, err
}

func encodeAvatarTransformUpdate(avatarUID uint64, t transformPayload) []byte {
	w := wire.NewWriter()
	w.WriteUint64(avatarUID)
	writeTransformPayload(w, t)
	return w.Bytes()
}

type avatarFullUpdatePayload struct {
	DisplayName string
	ModelURL    string
	AnimState   uint32
}

func decodeAvatarFullUpdate(payload []byte) (avatarFullUpdatePayload, error) {
	r := wire.NewReader(payload)
	var p avatarFullUpdatePayload
	var err error
	if p.DisplayName, err = r.ReadString(maxDisplayNameLen); err != nil {
		return p, err
	}
	if p.ModelURL, err = r.ReadString(maxURLLen); err != nil {
		return p, err
	}
	if p.AnimState, err = r.ReadUint32(); err != nil {
		return p, err
	}
	return p, nil
}

func encodeAvatarFullUpdate(avatarUID uint64, p avatarFullUpdatePayload) []byte {
	w := wire.NewWriter()
	w.WriteUint64(avatarUID)
	w.WriteString(p.DisplayName)
	w.WriteString(p.ModelURL)
	w.WriteUint32(p.AnimState)
	return w.Bytes()
}

func decodeChatText(payload []byte) (string, error) {
	r := wire.NewReader(payload)
	return r.ReadString(maxChatLen)
}

func encodeChatMessage(senderUID uint64, senderName, text string) []byte {
	w := wire.NewWriter()
	w.WriteUint64(senderUID)
	w.WriteString(senderName)
	w.WriteString(text)
	return w.Bytes()
}

type gesturePayload struct {
	Name string
}

func decodeGesture(payload []byte) (gesturePayload, error) {
	r := wire.NewReader(payload)
	name, err := r.ReadString(maxGestureNameLen)
	return gesturePayload{Name: name}, err
}

func encodeGesture(avatarUID uint64, name string) []byte {
	w := wire.NewWriter()
	w.WriteUint64(avatarUID)
	w.WriteString(name)
	return w.Bytes()
}

func encodeAvatarUID(avatarUID uint64) []byte {
	w := wire.NewWriter()
	w.WriteUint64(avatarUID)
	return w.Bytes()
}

// objectPayload is the shared field set of CreateObject and
// ObjectFullUpdate.
type objectPayload struct {
	Transform   transformPayload
	Kind        uint32
	ModelURL    string
	Script      string
	Content     string
	AudioURL    string
	AudioVolume float32
}

func decodeObjectPayload(payload []byte) (objectPayload, error) {
	return readObjectPayload(wire.NewReader(payload))
}

func readObjectPayload(r *wire.Reader) (objectPayload, error) {
	var p objectPayload
	var err error
	if p.Transform, err = readTransformPayload(r); err != nil {
		return p, err
	}
	if p.Kind, err = r.ReadUint32(); err != nil {
		return p, err
	}
	if p.ModelURL, err = r.ReadString(maxURLLen); err != nil {
		return p, err
	}
	if p.Script, err = r.ReadString(maxScriptLen); err != nil {
		return p, err
	}
	if p.Content, err = r.ReadString(maxContentLen); err != nil {
		return p, err
	}
	if p.AudioURL, err = r.ReadString(maxURLLen); err != nil {
		return p, err
	}
	if p.AudioVolume, err = r.ReadFloat32(); err != nil {
		return p, err
	}
	return p, nil
}

// objectFullUpdatePayload is the ObjectFullUpdate wire shape: the target
// object's UID followed by the same field set CreateObject carries.
type objectFullUpdatePayload struct {
	UID uint64
	objectPayload
}

func decodeObjectFullUpdate(payload []byte) (objectFullUpdatePayload, error) {
	r := wire.NewReader(payload)
	var p objectFullUpdatePayload
	var err error
	if p.UID, err = r.ReadUint64(); err != nil {
		return p, err
	}
	p.objectPayload, err = readObjectPayload(r)
	return p, err
}

func encodeObjectFullUpdate(uid uint64, p objectPayload) []byte {
	w := wire.NewWriter()
	w.WriteUint64(uid)
	writeObjectPayload(w, p)
	return w.Bytes()
}

func writeObjectPayload(w *wire.Writer, p objectPayload) {
	writeTransformPayload(w, p.Transform)
	w.WriteUint32(p.Kind)
	w.WriteString(p.ModelURL)
	w.WriteString(p.Script)
	w.WriteString(p.Content)
	w.WriteString(p.AudioURL)
	w.WriteFloat32(p.AudioVolume)
}

func encodeObjectPayload(uid uint64, p objectPayload) []byte {
	w := wire.NewWriter()
	w.WriteUint64(uid)
	writeObjectPayload(w, p)
	return w.Bytes()
}

type uidPayload struct {
	UID uint64
}

func decodeUIDPayload(payload []byte) (uidPayload, error) {
	r := wire.NewReader(payload)
	uid, err := r.ReadUint64()
	return uidPayload{UID: uid}, err
}

func encodeUIDPayload(uid uint64) []byte {
	w := wire.NewWriter()
	w.WriteUint64(uid)
	return w.Bytes()
}

type objectTransformUpdatePayload struct {
	UID       uint64
	Transform transformPayload
}

func decodeObjectTransformUpdate(payload []byte) (objectTransformUpdatePayload, error) {
	r := wire.NewReader(payload)
	var p objectTransformUpdatePayload
	var err error
	if p.UID, err = r.ReadUint64(); err != nil {
		return p, err
	}
	if p.Transform, err = readTransformPayload(r); err != nil {
		return p, err
	}
	return p, nil
}

func encodeObjectTransformUpdate(p objectTransformUpdatePayload) []byte {
	w := wire.NewWriter()
	w.WriteUint64(p.UID)
	writeTransformPayload(w, p.Transform)
	return w.Bytes()
}

func decodeResourceRequest(payload []byte) (string, error) {
	r := wire.NewReader(payload)
	return r.ReadString(maxURLLen)
}
