package gossip

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/forgenet/forge/src/common"
	"github.com/forgenet/forge/src/crypto/keys"
	"github.com/ugorji/go/codec"
)

// EnvelopeVersion is the current envelope format version.
const EnvelopeVersion = 1

// MsgType identifies the payload carried by an Envelope. The set is closed;
// unknown types are a protocol violation.
type MsgType uint8

const (
	// InfoMsg announces a node's moniker and addresses after session setup.
	InfoMsg MsgType = iota
	// InventoryMsg announces the sender's view of one repository's state.
	InventoryMsg
	// SubscribeMsg narrows the sender's interest to the listed repositories.
	SubscribeMsg
	// UnsubscribeMsg removes repositories from the sender's interest set.
	UnsubscribeMsg
	// PingMsg probes session liveness.
	PingMsg
	// PongMsg answers a PingMsg with the same nonce.
	PongMsg
	// FetchRequestMsg asks a peer to serve a repository transfer.
	FetchRequestMsg
	// FetchResponseMsg accepts or refuses a FetchRequestMsg.
	FetchResponseMsg
)

// String ...
func (t MsgType) String() string {
	switch t {
	case InfoMsg:
		return "Info"
	case InventoryMsg:
		return "Inventory"
	case SubscribeMsg:
		return "Subscribe"
	case UnsubscribeMsg:
		return "Unsubscribe"
	case PingMsg:
		return "Ping"
	case PongMsg:
		return "Pong"
	case FetchRequestMsg:
		return "FetchRequest"
	case FetchResponseMsg:
		return "FetchResponse"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

func validType(t MsgType) bool {
	return t <= FetchResponseMsg
}

var (
	// ErrBadSignature is returned when an envelope's signature does not
	// verify against its embedded public key.
	ErrBadSignature = errors.New("gossip: bad envelope signature")
	// ErrBadEnvelope is returned for malformed or unknown-type envelopes.
	ErrBadEnvelope = errors.New("gossip: malformed envelope")
)

// RefState is the opaque summary of a repository's references as produced by
// the repository backend. Digests are compared bit-for-bit; recency is
// decided by the timestamp alone.
type RefState struct {
	Digest    []byte
	Timestamp int64
}

// Equal reports whether both digests match exactly.
func (r RefState) Equal(o RefState) bool {
	if len(r.Digest) != len(o.Digest) {
		return false
	}
	for i := range r.Digest {
		if r.Digest[i] != o.Digest[i] {
			return false
		}
	}
	return true
}

// Newer reports whether r is strictly more recent than o.
func (r RefState) Newer(o RefState) bool {
	return r.Timestamp > o.Timestamp
}

// DigestHex returns the lowercase hex form of the digest.
func (r RefState) DigestHex() string {
	return hex.EncodeToString(r.Digest)
}

// Envelope is the unit of exchange between nodes. The payload is opaque
// msgpack; the signature covers payload, timestamp, and type, so an envelope
// cannot be replayed as a different type.
type Envelope struct {
	Version   uint8
	Type      MsgType
	FromID    uint32
	From      []byte
	Timestamp int64
	Payload   []byte
	Signature string
}

// digest is the value the envelope signature covers.
func (e *Envelope) digest() []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp))
	buf := make([]byte, 0, len(e.Payload)+9)
	buf = append(buf, e.Payload...)
	buf = append(buf, ts[:]...)
	buf = append(buf, byte(e.Type))
	sum := sha256.Sum256(buf)
	return sum[:]
}

// Sign stamps the envelope with the signer's public key and an ECDSA
// signature over the envelope digest.
func (e *Envelope) Sign(priv *ecdsa.PrivateKey) error {
	e.From = keys.FromPublicKey(&priv.PublicKey)
	e.FromID = keys.PublicKeyID(e.From)
	r, s, err := keys.Sign(priv, e.digest())
	if err != nil {
		return err
	}
	e.Signature = keys.EncodeSignature(r, s)
	return nil
}

// Verify checks the envelope version, type, and signature. It is the gate
// every inbound envelope passes before any state change.
func (e *Envelope) Verify() error {
	if e.Version != EnvelopeVersion || !validType(e.Type) {
		return ErrBadEnvelope
	}
	pub := keys.ToPublicKey(e.From)
	if pub == nil {
		return ErrBadEnvelope
	}
	r, s, err := keys.DecodeSignature(e.Signature)
	if err != nil {
		return ErrBadSignature
	}
	if !keys.Verify(pub, e.digest(), r, s) {
		return ErrBadSignature
	}
	return nil
}

// FromHex returns the sender's public key in the canonical hex form.
func (e *Envelope) FromHex() string {
	return common.EncodeToString(e.From)
}

// Fingerprint identifies the envelope for dedup purposes: same sender, same
// payload, same timestamp.
func (e *Envelope) Fingerprint() string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp))
	h := sha256.New()
	h.Write(e.From)
	h.Write(e.Payload)
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Marshal encodes the envelope to msgpack for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return buf, nil
}

// Unmarshal decodes an envelope from its wire form.
func (e *Envelope) Unmarshal(data []byte) error {
	dec := codec.NewDecoderBytes(data, &codec.MsgpackHandle{})
	return dec.Decode(e)
}
