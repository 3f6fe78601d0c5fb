package netsrv

import (
	"bufio"
	"bytes"
	"testing"
)

func TestClientHelloRoundTrip(t *testing.T) {
	want := ClientHello{
		ProtocolVersion: CurrentProtocolVersion,
		ConnType:        ConnTypeUpdatesSubscription,
		WorldName:       "alice",
	}
	var buf bytes.Buffer
	if err := WriteClientHello(&buf, want); err != nil {
		t.Fatalf("WriteClientHello: %v", err)
	}
	got, err := ReadClientHello(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadClientHello: %v", err)
	}
	if got != want {
		t.Fatalf("ReadClientHello = %+v, want %+v", got, want)
	}
}

func TestReadClientHelloRejectsBadMagicWord(t *testing.T) {
	buf := bytes.NewBufferString("NotTheRightMagicWord!!!")
	if _, err := ReadClientHello(bufio.NewReader(buf)); err != ErrBadMagicWord {
		t.Fatalf("ReadClientHello error = %v, want ErrBadMagicWord", err)
	}
}

func TestNegotiateVersion(t *testing.T) {
	if got := NegotiateVersion(CurrentProtocolVersion); got != HandshakeOK {
		t.Fatalf("NegotiateVersion(current) = %v, want OK", got)
	}
	if got := NegotiateVersion(0); got != HandshakeClientProtocolTooOld {
		t.Fatalf("NegotiateVersion(0) = %v, want TooOld", got)
	}
	if got := NegotiateVersion(CurrentProtocolVersion + 100); got != HandshakeClientProtocolTooNew {
		t.Fatalf("NegotiateVersion(future) = %v, want TooNew", got)
	}
}

func TestHandshakeReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHandshakeReply(&buf, HandshakeClientProtocolTooOld, "upgrade your client"); err != nil {
		t.Fatalf("WriteHandshakeReply: %v", err)
	}
	result, explain, err := ReadHandshakeReply(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadHandshakeReply: %v", err)
	}
	if result != HandshakeClientProtocolTooOld || explain != "upgrade your client" {
		t.Fatalf("ReadHandshakeReply = (%v, %q), want (TooOld, \"upgrade your client\")", result, explain)
	}
}

func TestHandshakeReplyOKHasNoExplanation(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHandshakeReply(&buf, HandshakeOK, ""); err != nil {
		t.Fatalf("WriteHandshakeReply: %v", err)
	}
	result, explain, err := ReadHandshakeReply(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadHandshakeReply: %v", err)
	}
	if result != HandshakeOK || explain != "" {
		t.Fatalf("ReadHandshakeReply = (%v, %q), want (OK, \"\")", result, explain)
	}
}
