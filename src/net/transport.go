package net

import (
	"crypto/ecdsa"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
	// ErrUnknownSession is returned when a handle does not name a live
	// session.
	ErrUnknownSession = errors.New("unknown session")
)

// EventType discriminates transport events.
type EventType uint8

const (
	// SessionUp: a session reached the Authenticated state.
	SessionUp EventType = iota
	// SessionMessage: a payload arrived on a session.
	SessionMessage
	// SessionDown: a session terminated; Err carries the cause, nil for a
	// local close.
	SessionDown
)

// Event is what the transport feeds its consumer. Per-session ordering is
// preserved: SessionUp, then messages in arrival order, then SessionDown.
type Event struct {
	Type      EventType
	Handle    uint64
	NodeHex   string
	Direction Direction
	Payload   []byte
	Err       error
}

/*
Transport owns the stream layer and all live sessions. Each connection runs
the handshake and then a dedicated read loop; everything the upper layer needs
arrives on the single Consumer channel. Payload bytes are opaque here.
*/
type Transport struct {
	logger *logrus.Entry

	priv   *ecdsa.PrivateKey
	stream StreamLayer

	consumeCh chan Event

	conns     map[uint64]*Conn
	connsLock sync.Mutex

	nextHandle uint64

	versions         []uint8
	handshakeTimeout time.Duration
	dialTimeout      time.Duration
	maxFrame         uint32

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	acceptWg sync.WaitGroup
}

// NewTransport creates a Transport over the given stream layer, signing
// handshakes with priv.
func NewTransport(
	priv *ecdsa.PrivateKey,
	stream StreamLayer,
	handshakeTimeout time.Duration,
	dialTimeout time.Duration,
	logger *logrus.Entry,
) *Transport {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Transport{
		logger:           logger.WithField("component", "transport"),
		priv:             priv,
		stream:           stream,
		consumeCh:        make(chan Event),
		conns:            make(map[uint64]*Conn),
		shutdownCh:       make(chan struct{}),
		versions:         supportedVersions,
		handshakeTimeout: handshakeTimeout,
		dialTimeout:      dialTimeout,
		maxFrame:         DefaultMaxFrameSize,
	}
}

// Listen starts the accept loop. It returns immediately.
func (t *Transport) Listen() {
	t.acceptWg.Add(1)
	go t.listen()
}

// Consumer returns the channel transport events arrive on.
func (t *Transport) Consumer() <-chan Event {
	return t.consumeCh
}

// LocalAddr returns the bound listener address.
func (t *Transport) LocalAddr() string {
	if addr := t.stream.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// AdvertiseAddr returns the publicly-reachable address.
func (t *Transport) AdvertiseAddr() string {
	return t.stream.AdvertiseAddr()
}

// IsShutdown is used to check if the transport is shutdown.
func (t *Transport) IsShutdown() bool {
	select {
	case <-t.shutdownCh:
		return true
	default:
		return false
	}
}

// Close stops the transport: the listener is shut, all sessions are closed.
func (t *Transport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if !t.shutdown {
		close(t.shutdownCh)
		t.stream.Close()
		t.shutdown = true

		t.connsLock.Lock()
		for _, conn := range t.conns {
			conn.close()
		}
		t.connsLock.Unlock()
	}
	return nil
}

// Dial establishes an outbound session to address, running the handshake
// synchronously. On success a SessionUp event is emitted and the session
// handle is returned.
func (t *Transport) Dial(address string) (uint64, error) {
	if t.IsShutdown() {
		return 0, ErrTransportShutdown
	}

	var st state // Connecting

	raw, err := t.stream.Dial(address, t.dialTimeout)
	if err != nil {
		return 0, err
	}
	st.advance(Handshaking)

	if t.handshakeTimeout > 0 {
		raw.SetDeadline(time.Now().Add(t.handshakeTimeout))
	}
	res, err := initiatorHandshake(raw, t.priv, t.versions, t.maxFrame)
	if err != nil {
		raw.Close()
		return 0, err
	}
	raw.SetDeadline(time.Time{})

	conn := t.register(raw, res, Outbound, st)

	t.emit(Event{
		Type:      SessionUp,
		Handle:    conn.handle,
		NodeHex:   conn.remoteHex,
		Direction: Outbound,
	})

	go t.readLoop(conn)

	return conn.handle, nil
}

// Send seals payload into the session's channel and writes it out.
func (t *Transport) Send(handle uint64, payload []byte) error {
	if t.IsShutdown() {
		return ErrTransportShutdown
	}

	conn, ok := t.get(handle)
	if !ok {
		return ErrUnknownSession
	}
	if err := conn.send(payload); err != nil {
		t.CloseSession(handle, err)
		return err
	}
	return nil
}

// Activate moves a session to the Active state. The orchestrator calls this
// once it has taken ownership of the session.
func (t *Transport) Activate(handle uint64) error {
	conn, ok := t.get(handle)
	if !ok {
		return ErrUnknownSession
	}
	conn.state.advance(Active)
	return nil
}

// SessionState reports the state of a session.
func (t *Transport) SessionState(handle uint64) (SessionState, error) {
	conn, ok := t.get(handle)
	if !ok {
		return Closed, ErrUnknownSession
	}
	return conn.State(), nil
}

// CloseSession terminates a session. The read loop notices the closed
// connection and emits the SessionDown event with the given cause.
func (t *Transport) CloseSession(handle uint64, cause error) {
	conn, ok := t.get(handle)
	if !ok {
		return
	}
	conn.close()

	// deregister before emitting so the read loop does not emit a second
	// SessionDown when its receive fails
	t.connsLock.Lock()
	if cur, live := t.conns[handle]; live && cur == conn {
		delete(t.conns, handle)
		t.connsLock.Unlock()
		t.emit(Event{Type: SessionDown, Handle: handle, NodeHex: conn.remoteHex, Err: cause})
		return
	}
	t.connsLock.Unlock()
}

func (t *Transport) listen() {
	defer t.acceptWg.Done()
	for {
		raw, err := t.stream.Accept()
		if err != nil {
			if t.IsShutdown() {
				return
			}
			t.logger.WithError(err).Error("Failed to accept connection")
			continue
		}

		go t.handleInbound(raw)
	}
}

func (t *Transport) handleInbound(raw net.Conn) {
	// the stream already exists on the accept side
	var st state
	st.advance(Handshaking)

	if t.handshakeTimeout > 0 {
		raw.SetDeadline(time.Now().Add(t.handshakeTimeout))
	}
	res, err := responderHandshake(raw, t.priv, t.maxFrame)
	if err != nil {
		t.logger.WithError(err).Debug("Inbound handshake failed")
		raw.Close()
		return
	}
	raw.SetDeadline(time.Time{})

	conn := t.register(raw, res, Inbound, st)

	t.emit(Event{
		Type:      SessionUp,
		Handle:    conn.handle,
		NodeHex:   conn.remoteHex,
		Direction: Inbound,
	})

	t.readLoop(conn)
}

// readLoop pumps inbound payloads for one session until it dies.
func (t *Transport) readLoop(conn *Conn) {
	for {
		payload, err := conn.receive()
		if err != nil {
			t.dropConn(conn, err)
			return
		}
		t.emit(Event{
			Type:    SessionMessage,
			Handle:  conn.handle,
			NodeHex: conn.remoteHex,
			Payload: payload,
		})
	}
}

// dropConn removes a dead session and emits SessionDown, unless CloseSession
// already did.
func (t *Transport) dropConn(conn *Conn, cause error) {
	conn.close()

	t.connsLock.Lock()
	cur, live := t.conns[conn.handle]
	if live && cur == conn {
		delete(t.conns, conn.handle)
		t.connsLock.Unlock()
		if t.IsShutdown() {
			return
		}
		t.emit(Event{Type: SessionDown, Handle: conn.handle, NodeHex: conn.remoteHex, Err: cause})
		return
	}
	t.connsLock.Unlock()
}

func (t *Transport) register(raw net.Conn, res *handshakeResult, dir Direction, st state) *Conn {
	conn := &Conn{
		handle:    atomic.AddUint64(&t.nextHandle, 1),
		conn:      raw,
		secure:    res.secure,
		remoteHex: res.remoteHex,
		direction: dir,
		version:   res.version,
		maxFrame:  t.maxFrame,
		state:     st,
	}
	conn.state.advance(Authenticated)

	t.connsLock.Lock()
	t.conns[conn.handle] = conn
	t.connsLock.Unlock()

	return conn
}

func (t *Transport) get(handle uint64) (*Conn, bool) {
	t.connsLock.Lock()
	defer t.connsLock.Unlock()
	conn, ok := t.conns[handle]
	return conn, ok
}

// emit delivers an event unless the transport is shutting down.
func (t *Transport) emit(ev Event) {
	select {
	case t.consumeCh <- ev:
	case <-t.shutdownCh:
	}
}
