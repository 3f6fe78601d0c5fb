// Package voiceudp implements the UDP voice-chat broadcast path
// supplemented from server/UDPHandlerThread.cpp per SPEC_FULL.md. Per
// spec §9's Open Question, this intentionally does not sign or
// authenticate datagrams beyond requiring the sender's avatar UID to
// already belong to a TCP/TLS-authenticated connection known to netsrv;
// the UDP transport itself is verbatim echo-broadcast.
package voiceudp

import (
	"encoding/binary"
	"log"
	"net"
	"sync"
)

// maxPacketSize bounds one voice datagram; larger packets are dropped.
const maxPacketSize = 4096

// headerSize is the fixed 8-byte sender avatar UID prefixing every
// datagram; the remainder is opaque audio payload passed through verbatim.
const headerSize = 8

// KnownSender reports whether avatarUID currently owns a subscribed
// connection, satisfied by internal/netsrv.Registry in the app layer. A
// datagram from an unknown avatar UID is dropped: this is the only
// authentication applied, per spec §9's Open Question (left undecided
// whether to go further).
type KnownSender interface {
	IsSubscribed(worldName string, avatarUID uint64) bool
}

// Server owns the UDP socket and the avatar-UID -> endpoint registry used
// to fan audio packets out to every other participant in the same world.
type Server struct {
	conn   *net.UDPConn
	known  KnownSender
	worldOf func(avatarUID uint64) (string, bool)

	mu        sync.Mutex
	endpoints map[uint64]*net.UDPAddr
}

// NewServer binds a UDP listener on addr (e.g. ":7601", per spec §6.3's
// --udp-port default 7601). worldOf resolves an avatar UID to its current
// world name, wired by the app layer to netsrv's connection registry.
func NewServer(addr string, known KnownSender, worldOf func(uint64) (string, bool)) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Server{
		conn:      conn,
		known:     known,
		worldOf:   worldOf,
		endpoints: make(map[uint64]*net.UDPAddr),
	}, nil
}

// Close releases the UDP socket.
func (s *Server) Close() error { return s.conn.Close() }

// Serve reads datagrams until the socket is closed, learning each sender's
// endpoint and echo-broadcasting its payload to every other known
// participant in the same world.
func (s *Server) Serve() error {
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		if n < headerSize {
			continue
		}
		senderUID := binary.LittleEndian.Uint64(buf[:8])
		worldName, ok := s.worldOf(senderUID)
		if !ok || (s.known != nil && !s.known.IsSubscribed(worldName, senderUID)) {
			continue // not a TCP/TLS-authenticated participant; drop.
		}

		s.mu.Lock()
		s.endpoints[senderUID] = &net.UDPAddr{IP: append(net.IP(nil), addr.IP...), Port: addr.Port}
		s.mu.Unlock()

		payload := append([]byte(nil), buf[:n]...)
		s.broadcastExcept(worldName, senderUID, payload)
	}
}

// broadcastExcept writes payload verbatim to every known endpoint in
// worldName other than excludeUID.
func (s *Server) broadcastExcept(worldName string, excludeUID uint64, payload []byte) {
	s.mu.Lock()
	targets := make(map[uint64]*net.UDPAddr, len(s.endpoints))
	for uid, addr := range s.endpoints {
		if uid == excludeUID {
			continue
		}
		if w, ok := s.worldOf(uid); !ok || w != worldName {
			continue
		}
		targets[uid] = addr
	}
	s.mu.Unlock()

	for _, addr := range targets {
		if _, err := s.conn.WriteToUDP(payload, addr); err != nil {
			log.Printf("voiceudp: write to %s: %v", addr, err)
		}
	}
}

// Forget removes a disconnected avatar's endpoint. The app layer does not
// call it; an endpoint stays registered until Forget is called.
func (s *Server) Forget(avatarUID uint64) {
	s.mu.Lock()
	delete(s.endpoints, avatarUID)
	s.mu.Unlock()
}
