package netsrv

import (
	"bufio"
	"net"
	"sync"

	"github.com/cyberspaced/cyberspaced/internal/wire"
)

// OutboundQueueHighWaterMark is the maximum number of queued-but-unwritten
// frames a connection tolerates before it is dropped, per spec §4.E's
// back-pressure rule.
const OutboundQueueHighWaterMark = 256

// Conn is one accepted, handshaken connection's state: an inbound reader,
// an outbound framed-message queue, and the writer loop that drains it.
type Conn struct {
	netConn net.Conn
	Reader  *bufio.Reader

	AvatarUID uint64
	WorldName string
	ConnType  ConnType

	outbound chan wire.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an already-handshaken net.Conn. r is the bufio.Reader the
// handshake was read from, reused so any bytes it already buffered past
// the handshake boundary aren't lost.
func NewConn(netConn net.Conn, r *bufio.Reader, avatarUID uint64, worldName string, connType ConnType) *Conn {
	return &Conn{
		netConn:   netConn,
		Reader:    r,
		AvatarUID: avatarUID,
		WorldName: worldName,
		ConnType:  connType,
		outbound:  make(chan wire.Frame, OutboundQueueHighWaterMark),
		closed:    make(chan struct{}),
	}
}

// Enqueue queues frame for the writer loop. It reports false, without
// blocking, if the outbound queue is already at its high-water mark; the
// caller must then close the connection, per spec §4.E.
func (c *Conn) Enqueue(f wire.Frame) bool {
	select {
	case c.outbound <- f:
		return true
	default:
		return false
	}
}

// WriteLoop drains the outbound queue and writes whole frames to the
// underlying connection until the connection is closed.
func (c *Conn) WriteLoop() error {
	for {
		select {
		case f := <-c.outbound:
			if err := wire.WriteFrame(c.netConn, f); err != nil {
				return err
			}
		case <-c.closed:
			return nil
		}
	}
}

// ReadFrame reads the next framed message from the connection.
func (c *Conn) ReadFrame() (wire.Frame, error) {
	return wire.ReadFrame(c.Reader)
}

// Close closes the underlying connection and signals the writer loop to
// exit. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.netConn.Close()
	})
	return err
}
