package dispatch

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/cyberspaced/cyberspaced/internal/netsrv"
	"github.com/cyberspaced/cyberspaced/internal/wire"
	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

// newTestConn builds a netsrv.Conn backed by an in-process pipe so frames
// enqueued to it can be read back without a real socket.
func newTestConn(t *testing.T, avatarUID uint64, worldName string) (*netsrv.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	c := netsrv.NewConn(server, bufio.NewReader(server), avatarUID, worldName, netsrv.ConnTypeUpdatesSubscription)
	go c.WriteLoop()
	return c, client
}

func readFrame(t *testing.T, conn net.Conn) wire.Frame {
	t.Helper()
	f, err := wire.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return f
}

func TestCreateThenDestroyObject(t *testing.T) {
	state := worldstate.New()
	reg := netsrv.NewRegistry()
	d := NewDispatcher(state, reg, nil)
	d.IsGardener = func(uint64) bool { return true }

	connA, rawA := newTestConn(t, 1, "")
	connB, rawB := newTestConn(t, 2, "")
	reg.Subscribe(connA)
	reg.Subscribe(connB)

	w := wire.NewWriter()
	writeTransformPayload(w, transformPayload{Position: [3]float64{1, 2, 3}, Scale: [3]float32{1, 1, 1}})
	w.WriteUint32(uint32(worldstate.ObjectKindGenericMesh))
	w.WriteString("cube_7.bmesh")
	w.WriteString("")
	w.WriteString("")
	w.WriteString("")
	w.WriteFloat32(0)

	if err := d.Dispatch(connA, wire.NewFrame(MsgCreateObject, w.Bytes())); err != nil {
		t.Fatalf("Dispatch CreateObject: %v", err)
	}

	fA := readFrame(t, rawA)
	fB := readFrame(t, rawB)
	if fA.ID != MsgObjectCreated || fB.ID != MsgObjectCreated {
		t.Fatalf("want both subscribers to see ObjectCreated, got %d and %d", fA.ID, fB.ID)
	}
	if string(fA.Payload) != string(fB.Payload) {
		t.Fatalf("A and B should observe the identical ObjectCreated payload")
	}
	uidA, _ := decodeUIDPayload(fA.Payload)

	destroy := wire.NewWriter()
	destroy.WriteUint64(uidA.UID)
	if err := d.Dispatch(connA, wire.NewFrame(MsgDestroyObject, destroy.Bytes())); err != nil {
		t.Fatalf("Dispatch DestroyObject: %v", err)
	}
	dA := readFrame(t, rawA)
	dB := readFrame(t, rawB)
	if dA.ID != MsgDestroyObject || dB.ID != MsgDestroyObject {
		t.Fatalf("want both subscribers to see ObjectDestroyed, got %d and %d", dA.ID, dB.ID)
	}
}

func TestAuthorisationRules(t *testing.T) {
	state := worldstate.New()
	reg := netsrv.NewRegistry()
	d := NewDispatcher(state, reg, nil)

	world := state.GetWorld("")
	owner, writer, outsider := uint64(1), uint64(2), uint64(3)
	world.Parcels[1] = &worldstate.Parcel{
		ID:        1,
		OwnerID:   owner,
		WriterIDs: []uint64{writer},
		Verts: [4][2]float64{
			{-10, -10}, {10, -10}, {10, 10}, {-10, 10},
		},
		ZMin: -100, ZMax: 100,
	}
	obj := &worldstate.Object{UID: 42, WorldName: "", CreatorID: owner}
	world.Objects[42] = obj

	if canMutateObject(world, obj, outsider, false, false) {
		t.Fatalf("outsider U3 must not be able to mutate an object inside U1's parcel")
	}
	if !canMutateObject(world, obj, writer, false, false) {
		t.Fatalf("writer U2 must be able to mutate the object")
	}
	if !canMutateObject(world, obj, owner, false, false) {
		t.Fatalf("owner U1 must be able to mutate the object")
	}

	outside := &worldstate.Object{UID: 43, WorldName: "", CreatorID: owner,
		Transform: worldstate.Transform{Position: [3]float64{50, 50, 0}}}
	world.Objects[43] = outside
	if canMutateObject(world, outside, outsider, false, false) {
		t.Fatalf("outside any parcel, a non-gardener non-admin must be rejected")
	}
	if !canMutateObject(world, outside, outsider, false, true) {
		t.Fatalf("outside any parcel, a world-gardener must be accepted")
	}
	if !canMutateObject(world, outside, outsider, true, false) {
		t.Fatalf("a server admin must always be accepted")
	}
}

func TestTransformUpdateThrottled(t *testing.T) {
	th := newTransformThrottle()
	now := time.Now()
	if !th.allow(7, now) {
		t.Fatalf("first update must be allowed")
	}
	if th.allow(7, now.Add(time.Nanosecond)) {
		t.Fatalf("an update 1ns later must be throttled")
	}
}

// fakeAuth satisfies Authenticator for tests, keyed on "user:pass" so a
// wrong password is distinguishable from an unknown user without needing
// worldstate's real Argon2id path.
type fakeAuth struct{ users map[string]uint64 }

func (f fakeAuth) AuthenticateUser(username, password string) (uint64, bool) {
	id, ok := f.users[username+":"+password]
	return id, ok
}

func TestLoginSucceedsAndFails(t *testing.T) {
	state := worldstate.New()
	reg := netsrv.NewRegistry()
	d := NewDispatcher(state, reg, nil)
	d.Auth = fakeAuth{users: map[string]uint64{"alice:secret": 7}}

	connA, rawA := newTestConn(t, 1, "")

	bad := wire.NewWriter()
	bad.WriteString("alice")
	bad.WriteString("wrong")
	if err := d.Dispatch(connA, wire.NewFrame(MsgLogin, bad.Bytes())); err != nil {
		t.Fatalf("Dispatch Login: %v", err)
	}
	f := readFrame(t, rawA)
	if f.ID != MsgLoginFailed {
		t.Fatalf("got message id %d, want MsgLoginFailed", f.ID)
	}
	if _, ok := d.UserIDFor(1); ok {
		t.Fatalf("a failed login must not record an identity")
	}

	good := wire.NewWriter()
	good.WriteString("alice")
	good.WriteString("secret")
	if err := d.Dispatch(connA, wire.NewFrame(MsgLogin, good.Bytes())); err != nil {
		t.Fatalf("Dispatch Login: %v", err)
	}
	f2 := readFrame(t, rawA)
	if f2.ID != MsgLoginSucceeded {
		t.Fatalf("got message id %d, want MsgLoginSucceeded", f2.ID)
	}
	userID, ok := d.UserIDFor(1)
	if !ok || userID != 7 {
		t.Fatalf("a successful login must record the authenticated user id, got %d, %v", userID, ok)
	}
}

func TestReadOnlyRejectsMutation(t *testing.T) {
	state := worldstate.New()
	reg := netsrv.NewRegistry()
	d := NewDispatcher(state, reg, nil)
	d.ReadOnly = true
	d.IsGardener = func(uint64) bool { return true }

	connA, rawA := newTestConn(t, 1, "")

	w := wire.NewWriter()
	writeTransformPayload(w, transformPayload{Position: [3]float64{1, 2, 3}, Scale: [3]float32{1, 1, 1}})
	w.WriteUint32(uint32(worldstate.ObjectKindGenericMesh))
	w.WriteString("cube_7.bmesh")
	w.WriteString("")
	w.WriteString("")
	w.WriteString("")
	w.WriteFloat32(0)

	if err := d.Dispatch(connA, wire.NewFrame(MsgCreateObject, w.Bytes())); err != nil {
		t.Fatalf("Dispatch CreateObject: %v", err)
	}
	f := readFrame(t, rawA)
	if f.ID != MsgReadOnly {
		t.Fatalf("got message id %d, want MsgReadOnly", f.ID)
	}
	if len(state.GetWorld("").Objects) != 0 {
		t.Fatalf("a read-only server must not create the object")
	}
}

func TestPermissionDeniedReply(t *testing.T) {
	state := worldstate.New()
	reg := netsrv.NewRegistry()
	d := NewDispatcher(state, reg, nil)

	world := state.GetWorld("")
	world.Parcels[1] = &worldstate.Parcel{
		ID:      1,
		OwnerID: 99,
		Verts:   [4][2]float64{{-10, -10}, {10, -10}, {10, 10}, {-10, 10}},
		ZMin:    -100, ZMax: 100,
	}
	world.Objects[5] = &worldstate.Object{UID: 5, CreatorID: 99}

	connA, rawA := newTestConn(t, 1, "")
	reg.Subscribe(connA)

	destroy := wire.NewWriter()
	destroy.WriteUint64(5)
	if err := d.Dispatch(connA, wire.NewFrame(MsgDestroyObject, destroy.Bytes())); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	f := readFrame(t, rawA)
	if f.ID != MsgPermissionDenied {
		t.Fatalf("got message id %d, want MsgPermissionDenied", f.ID)
	}
}
