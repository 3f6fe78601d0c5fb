package netsrv

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

// TestE1Handshake verifies spec scenario E1: a client sends the hello
// magic, current version, subscribe connection type, and world "", and
// receives hello-magic, OK, then a u64 avatar UID.
func TestE1Handshake(t *testing.T) {
	state := worldstate.New()
	srv := &Server{
		TLSConfig: selfSignedTLSConfig(t),
		State:     state,
		Registry:  NewRegistry(),
		Handler:   func(c *Conn) {},
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", srv.TLSConfig)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv.serveConn(conn)
	}()

	clientConn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer clientConn.Close()

	hello := ClientHello{ProtocolVersion: CurrentProtocolVersion, ConnType: ConnTypeUpdatesSubscription, WorldName: ""}
	if err := WriteClientHello(clientConn, hello); err != nil {
		t.Fatalf("WriteClientHello: %v", err)
	}

	r := bufio.NewReader(clientConn)
	result, _, err := ReadHandshakeReply(r)
	if err != nil {
		t.Fatalf("ReadHandshakeReply: %v", err)
	}
	if result != HandshakeOK {
		t.Fatalf("handshake result = %v, want OK", result)
	}

	var uidBuf [8]byte
	if _, err := readFull(r, uidBuf[:]); err != nil {
		t.Fatalf("read avatar uid: %v", err)
	}
	uid := binary.LittleEndian.Uint64(uidBuf[:])
	if uid == InvalidUIDSentinel() {
		t.Fatal("server assigned the invalid sentinel UID")
	}
}

func TestServeConnRejectsOldProtocolVersion(t *testing.T) {
	state := worldstate.New()
	srv := &Server{
		TLSConfig: selfSignedTLSConfig(t),
		State:     state,
		Registry:  NewRegistry(),
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", srv.TLSConfig)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv.serveConn(conn)
	}()

	clientConn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer clientConn.Close()

	hello := ClientHello{ProtocolVersion: 0, ConnType: ConnTypeUpdatesSubscription, WorldName: ""}
	if err := WriteClientHello(clientConn, hello); err != nil {
		t.Fatalf("WriteClientHello: %v", err)
	}

	r := bufio.NewReader(clientConn)
	result, explain, err := ReadHandshakeReply(r)
	if err != nil {
		t.Fatalf("ReadHandshakeReply: %v", err)
	}
	if result != HandshakeClientProtocolTooOld {
		t.Fatalf("handshake result = %v, want TooOld", result)
	}
	if explain == "" {
		t.Fatal("expected an explanatory string for a rejected handshake")
	}
}

func readFull(r io.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}

// InvalidUIDSentinel is a small test-local alias so listener_test.go does
// not need to import worldstate twice under two names.
func InvalidUIDSentinel() uint64 { return worldstate.InvalidUID }
