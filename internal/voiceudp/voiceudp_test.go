package voiceudp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

type allSubscribed struct{}

func (allSubscribed) IsSubscribed(worldName string, avatarUID uint64) bool { return true }

func TestServeEchoesToOtherParticipantsInSameWorld(t *testing.T) {
	worldOf := func(uid uint64) (string, bool) {
		switch uid {
		case 1, 2:
			return "", true
		case 3:
			return "other", true
		default:
			return "", false
		}
	}

	s, err := NewServer("127.0.0.1:0", allSubscribed{}, worldOf)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()
	go s.Serve()

	addr := s.conn.LocalAddr().(*net.UDPAddr)

	// Register avatar 2's endpoint by having it send a packet first.
	listener2, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer listener2.Close()
	sendFrom(t, listener2, addr, 2, []byte("hi"))
	time.Sleep(50 * time.Millisecond)

	sender1, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer sender1.Close()
	sendFrom(t, sender1, addr, 1, []byte("voice-payload"))

	listener2.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, _, err := listener2.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected avatar 2 to receive the echoed packet: %v", err)
	}
	if string(buf[headerSize:n]) != "voice-payload" {
		t.Fatalf("payload = %q", buf[headerSize:n])
	}
}

func sendFrom(t *testing.T, conn *net.UDPConn, to *net.UDPAddr, avatarUID uint64, payload []byte) {
	t.Helper()
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint64(buf[:8], avatarUID)
	copy(buf[headerSize:], payload)
	if _, err := conn.WriteToUDP(buf, to); err != nil {
		t.Fatalf("send from %d: %v", avatarUID, err)
	}
}
