// Package netsrv implements the session/connection manager from spec §4.E:
// a TLS listener, the per-connection handshake, framed read/write loops,
// and per-world broadcast with back-pressure.
package netsrv

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MagicWord is the fixed handshake preamble both sides exchange.
const MagicWord = "CyberspaceHello"

// CurrentProtocolVersion is the protocol version this server implements.
const CurrentProtocolVersion uint32 = 1

// MinSupportedProtocolVersion is the oldest client protocol version this
// server still accepts.
const MinSupportedProtocolVersion uint32 = 1

// ConnType enumerates the handshake's connection-type field (spec §4.E).
type ConnType uint32

const (
	ConnTypeUpdatesSubscription ConnType = iota
	ConnTypeResourceUpload
	ConnTypePhotoUpload
	ConnTypeScreenshotUpload
	ConnTypeWebSocketUpgrade
)

// HandshakeResult is OK or one of two version-mismatch failures.
type HandshakeResult uint32

const (
	HandshakeOK HandshakeResult = iota
	HandshakeClientProtocolTooOld
	HandshakeClientProtocolTooNew
)

// ErrBadMagicWord is returned when the peer's preamble does not match
// MagicWord.
var ErrBadMagicWord = errors.New("netsrv: bad magic word")

// ClientHello is what the worker reads first, per spec §4.E step 1.
type ClientHello struct {
	ProtocolVersion uint32
	ConnType        ConnType
	WorldName       string
}

const maxHandshakeStringLen = 256

// ReadClientHello reads the magic word, version, connection type and world
// name from r.
func ReadClientHello(r *bufio.Reader) (ClientHello, error) {
	if err := expectMagicWord(r); err != nil {
		return ClientHello{}, err
	}
	version, err := readUint32(r)
	if err != nil {
		return ClientHello{}, err
	}
	connType, err := readUint32(r)
	if err != nil {
		return ClientHello{}, err
	}
	worldName, err := readString(r, maxHandshakeStringLen)
	if err != nil {
		return ClientHello{}, err
	}
	return ClientHello{
		ProtocolVersion: version,
		ConnType:        ConnType(connType),
		WorldName:       worldName,
	}, nil
}

// WriteClientHello writes a ClientHello, used by test clients and any
// future inter-server client role.
func WriteClientHello(w io.Writer, h ClientHello) error {
	buf := []byte(MagicWord)
	buf = appendUint32(buf, h.ProtocolVersion)
	buf = appendUint32(buf, uint32(h.ConnType))
	buf = appendString(buf, h.WorldName)
	_, err := w.Write(buf)
	return err
}

// NegotiateVersion maps a client's protocol version to a HandshakeResult.
func NegotiateVersion(clientVersion uint32) HandshakeResult {
	switch {
	case clientVersion < MinSupportedProtocolVersion:
		return HandshakeClientProtocolTooOld
	case clientVersion > CurrentProtocolVersion:
		return HandshakeClientProtocolTooNew
	default:
		return HandshakeOK
	}
}

// WriteHandshakeReply writes the magic word, the result code, and — for
// the two failure results — an explanatory string, per spec §4.E step 2.
func WriteHandshakeReply(w io.Writer, result HandshakeResult, explain string) error {
	buf := []byte(MagicWord)
	buf = appendUint32(buf, uint32(result))
	if result != HandshakeOK {
		buf = appendString(buf, explain)
	}
	_, err := w.Write(buf)
	return err
}

// ReadHandshakeReply reads a server's handshake reply, used by test clients.
func ReadHandshakeReply(r *bufio.Reader) (HandshakeResult, string, error) {
	if err := expectMagicWord(r); err != nil {
		return 0, "", err
	}
	resultVal, err := readUint32(r)
	if err != nil {
		return 0, "", err
	}
	result := HandshakeResult(resultVal)
	if result == HandshakeOK {
		return result, "", nil
	}
	explain, err := readString(r, maxHandshakeStringLen)
	if err != nil {
		return 0, "", err
	}
	return result, explain, nil
}

func expectMagicWord(r *bufio.Reader) error {
	buf := make([]byte, len(MagicWord))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("netsrv: read magic word: %w", err)
	}
	if string(buf) != MagicWord {
		return ErrBadMagicWord
	}
	return nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readString(r io.Reader, maxLen int) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if int(n) > maxLen {
		return "", fmt.Errorf("netsrv: string length %d exceeds max %d", n, maxLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
