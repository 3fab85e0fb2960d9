package net

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/forgenet/forge/src/crypto/channel"
)

// Direction records which side initiated a session.
type Direction uint8

const (
	// Inbound sessions were accepted by the listener.
	Inbound Direction = iota
	// Outbound sessions were dialed by this node.
	Outbound
)

// String ...
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Conn is one authenticated session over a stream connection. Reads happen
// exclusively in the transport's per-connection read loop; writes are
// serialized by the write lock.
type Conn struct {
	handle    uint64
	conn      net.Conn
	secure    *channel.Secure
	remoteHex string
	direction Direction
	version   uint8
	maxFrame  uint32

	state state

	writeLock sync.Mutex

	closeOnce sync.Once
}

// Handle returns the session's opaque identifier.
func (c *Conn) Handle() uint64 {
	return c.handle
}

// RemoteHex returns the authenticated remote node's public key hex.
func (c *Conn) RemoteHex() string {
	return c.remoteHex
}

// Direction returns which side initiated the session.
func (c *Conn) Direction() Direction {
	return c.direction
}

// Version returns the negotiated protocol version.
func (c *Conn) Version() uint8 {
	return c.version
}

// State returns the current session state.
func (c *Conn) State() SessionState {
	return c.state.get()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// send seals a payload in the AEAD channel and writes it as a data frame.
func (c *Conn) send(payload []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	f := frame{ftype: frameData}
	seq, ciphertext, err := c.secure.Seal(payload, f.aad())
	if err != nil {
		return err
	}

	body := make([]byte, 8+len(ciphertext))
	binary.BigEndian.PutUint64(body, seq)
	copy(body[8:], ciphertext)
	f.payload = body

	return writeFrame(c.conn, f, c.maxFrame)
}

// receive reads one data frame and opens it. Any non-data frame after the
// handshake is a protocol violation.
func (c *Conn) receive() ([]byte, error) {
	f, err := readFrame(c.conn, c.maxFrame)
	if err != nil {
		return nil, err
	}
	if f.ftype != frameData || len(f.payload) < 8 || len(f.sig) != 0 {
		return nil, ErrBadFrame
	}

	seq := binary.BigEndian.Uint64(f.payload[:8])
	return c.secure.Open(seq, f.payload[8:], f.aad())
}

// close tears the connection down exactly once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.state.advance(Closing)
		c.conn.Close()
		c.state.advance(Closed)
	})
}
