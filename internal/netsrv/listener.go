package netsrv

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

// Handler processes one already-subscribed connection's message loop. It
// returns when the connection should close (on a read error or a fatal
// protocol violation); netsrv closes the underlying socket afterwards.
type Handler func(c *Conn)

// Server accepts TCP connections, upgrades them to TLS, performs the
// handshake, and hands each subscribed connection to a Handler.
type Server struct {
	TLSConfig *tls.Config
	State     *worldstate.State
	Registry  *Registry
	Handler   Handler
	Logger    *log.Logger
}

// ListenAndServe binds addr and accepts connections until Accept returns
// an error, which it returns. The listener is local to this call and is
// closed only when the call returns.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := tls.Listen("tcp", addr, s.TLSConfig)
	if err != nil {
		return fmt.Errorf("netsrv: listen %s: %w", addr, err)
	}
	defer ln.Close()
	s.logf("listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(netConn net.Conn) {
	r := bufio.NewReader(netConn)
	hello, err := ReadClientHello(r)
	if err != nil {
		s.logf("handshake read failed from %s: %v", netConn.RemoteAddr(), err)
		netConn.Close()
		return
	}

	result := NegotiateVersion(hello.ProtocolVersion)
	if result != HandshakeOK {
		explain := fmt.Sprintf("server supports protocol versions %d..%d",
			MinSupportedProtocolVersion, CurrentProtocolVersion)
		WriteHandshakeReply(netConn, result, explain)
		netConn.Close()
		return
	}

	s.State.Lock()
	avatarUID := s.State.AllocAvatarUID()
	world := s.State.GetWorld(hello.WorldName)
	world.Avatars[avatarUID] = &worldstate.Avatar{UID: avatarUID}
	s.State.Unlock()

	if err := WriteHandshakeReply(netConn, HandshakeOK, ""); err != nil {
		netConn.Close()
		return
	}
	if err := writeAvatarUID(netConn, avatarUID); err != nil {
		netConn.Close()
		return
	}

	c := NewConn(netConn, r, avatarUID, hello.WorldName, hello.ConnType)
	s.Registry.Subscribe(c)
	defer func() {
		s.Registry.Unsubscribe(c)
		s.State.Lock()
		if a, ok := world.Avatars[avatarUID]; ok {
			a.Dead = true
		}
		s.State.Unlock()
		c.Close()
	}()

	go c.WriteLoop()

	if s.Handler != nil {
		s.Handler(c)
	}
}

func writeAvatarUID(w io.Writer, uid uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uid)
	_, err := w.Write(buf[:])
	return err
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf("netsrv: "+format, args...)
	}
}
