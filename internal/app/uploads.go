package app

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/cyberspaced/cyberspaced/internal/dispatch"
	"github.com/cyberspaced/cyberspaced/internal/netsrv"
	"github.com/cyberspaced/cyberspaced/internal/photo"
	"github.com/cyberspaced/cyberspaced/internal/wire"
)

// Upload-header string/size bounds, mirroring the per-field maximums
// internal/netsrv/handshake.go and internal/dispatch/payloads.go apply to
// their own framed strings.
const (
	maxUploadURLLen       = 4096
	maxUploadUserLen      = 256
	maxUploadWorldLen     = 256
	maxUploadCaptionLen   = 2048
	maxResourceUploadSize = 256 * 1024 * 1024
)

// ResourceUpload and PhotoUpload connections are handshaken exactly like a
// subscription connection (spec §4.E step 1) but then carry one raw,
// non-framed header followed by a raw body, rather than a stream of
// wire.Frame messages, so the header fields are read directly off c.Reader
// with these small stream-primitive helpers instead of wire.Reader's
// buffer-based ones.

func readUploadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readUploadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readUploadFloat64(r io.Reader) (float64, error) {
	v, err := readUploadUint64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func readUploadString(r io.Reader, maxLen int) (string, error) {
	n, err := readUploadUint32(r)
	if err != nil {
		return "", err
	}
	if int(n) > maxLen {
		return "", fmt.Errorf("app: upload string length %d exceeds max %d", n, maxLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// handleResourceUploadConn implements spec §4.E's ResourceUpload connection
// type: "Header gives URL, size, user; body is streamed into a temp file
// then moved into place, after which the resource is marked Present."
func (s *Server) handleResourceUploadConn(c *netsrv.Conn) {
	url, err := readUploadString(c.Reader, maxUploadURLLen)
	if err != nil {
		log.Printf("app: resource upload from avatar %d: read url: %v", c.AvatarUID, err)
		return
	}
	size, err := readUploadUint64(c.Reader)
	if err != nil {
		log.Printf("app: resource upload %s: read size: %v", url, err)
		return
	}
	if _, err := readUploadString(c.Reader, maxUploadUserLen); err != nil {
		log.Printf("app: resource upload %s: read user: %v", url, err)
		return
	}

	if s.cfg.ReadOnly {
		log.Printf("app: rejecting resource upload %s from avatar %d: server is in read-only mode", url, c.AvatarUID)
		return
	}
	if size > maxResourceUploadSize {
		log.Printf("app: resource upload %s: %d bytes exceeds max %d", url, size, maxResourceUploadSize)
		return
	}

	if err := s.resources.ReceiveUpload(url, c.Reader, int64(size)); err != nil {
		log.Printf("app: resource upload %s: %v", url, err)
	}
}

// handlePhotoUploadConn implements spec §4.K's dedicated photo-upload
// connection read sequence: username/password, world, parcel, pose,
// caption, length, bytes, grounded on
// original_source/server/WorkerThreadUploadPhotoHandling.cpp's field order
// (camera position then camera rotation, each three float64s over the
// wire; rotation is narrowed to float32 once decoded, matching
// worldstate.Photo.CameraRotation).
func (s *Server) handlePhotoUploadConn(c *netsrv.Conn) {
	username, err := readUploadString(c.Reader, maxUploadUserLen)
	if err != nil {
		log.Printf("app: photo upload from avatar %d: read username: %v", c.AvatarUID, err)
		return
	}
	password, err := readUploadString(c.Reader, maxUploadUserLen)
	if err != nil {
		log.Printf("app: photo upload from avatar %d: read password: %v", c.AvatarUID, err)
		return
	}

	userID, ok := s.state.AuthenticateUser(username, password)
	if !ok {
		s.replyPhotoUploadFailed(c, "invalid username or password")
		return
	}
	if s.cfg.ReadOnly {
		s.replyPhotoUploadFailed(c, "server is in read-only mode")
		return
	}

	worldName, err := readUploadString(c.Reader, maxUploadWorldLen)
	if err != nil {
		log.Printf("app: photo upload from user %d: read world: %v", userID, err)
		return
	}
	parcelID, err := readUploadUint64(c.Reader)
	if err != nil {
		log.Printf("app: photo upload from user %d: read parcel id: %v", userID, err)
		return
	}

	var camPos [3]float64
	for i := range camPos {
		if camPos[i], err = readUploadFloat64(c.Reader); err != nil {
			log.Printf("app: photo upload from user %d: read camera position: %v", userID, err)
			return
		}
	}
	var camRot [3]float64
	for i := range camRot {
		if camRot[i], err = readUploadFloat64(c.Reader); err != nil {
			log.Printf("app: photo upload from user %d: read camera rotation: %v", userID, err)
			return
		}
	}

	caption, err := readUploadString(c.Reader, maxUploadCaptionLen)
	if err != nil {
		log.Printf("app: photo upload from user %d: read caption: %v", userID, err)
		return
	}

	length, err := readUploadUint64(c.Reader)
	if err != nil {
		log.Printf("app: photo upload from user %d: read length: %v", userID, err)
		return
	}
	if length > photo.MaxUploadBytes {
		s.replyPhotoUploadFailed(c, fmt.Sprintf("photo exceeds max size of %d bytes", photo.MaxUploadBytes))
		return
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.Reader, body); err != nil {
		log.Printf("app: photo upload from user %d: read body: %v", userID, err)
		return
	}

	var rot32 [3]float32
	for i, v := range camRot {
		rot32[i] = float32(v)
	}

	rec, err := s.photo.Process(photo.Upload{
		CreatorID: userID,
		WorldName: worldName,
		ParcelID:  parcelID,
		CameraPos: camPos,
		CameraRot: rot32,
		Caption:   caption,
		Body:      body,
	})
	if err != nil {
		s.replyPhotoUploadFailed(c, err.Error())
		return
	}

	s.state.Lock()
	rec.ID = s.state.AllocPhotoID()
	s.state.PhotosMap()[rec.ID] = rec
	s.state.MarkPhotoDirty(rec.ID)
	s.state.Unlock()

	c.Enqueue(wire.NewFrame(dispatch.MsgPhotoUploadSucceeded, wire.NewWriter().Bytes()))
}

func (s *Server) replyPhotoUploadFailed(c *netsrv.Conn, reason string) {
	w := wire.NewWriter()
	w.WriteString(reason)
	c.Enqueue(wire.NewFrame(dispatch.MsgPhotoUploadFailed, w.Bytes()))
}
