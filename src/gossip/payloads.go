package gossip

import (
	"github.com/ugorji/go/codec"
)

// Info announces a node's self-description right after session setup.
type Info struct {
	Moniker   string
	Addresses []string
}

// Inventory announces the sender's current view of one repository.
type Inventory struct {
	Repo  string
	State RefState
}

// Subscribe narrows the sender's interest to the listed repositories. An
// empty interest set means unfiltered.
type Subscribe struct {
	Repos []string
}

// Unsubscribe removes repositories from the sender's interest set.
type Unsubscribe struct {
	Repos []string
}

// Ping probes session liveness.
type Ping struct {
	Nonce uint64
}

// Pong answers a Ping, echoing its nonce.
type Pong struct {
	Nonce uint64
}

// FetchRequest asks a peer to serve a repository transfer. Known carries the
// requester's current state so the server can send a minimal delta.
type FetchRequest struct {
	Nonce uint64
	Repo  string
	Known RefState
}

// FetchResponse accepts or refuses a FetchRequest. On acceptance, Descriptor
// tells the requester's backend how to pull the transfer, and State is the
// state the server will serve.
type FetchResponse struct {
	Nonce      uint64
	Repo       string
	Accepted   bool
	Reason     string
	Descriptor string
	State      RefState
}

// EncodePayload marshals a payload struct to msgpack for embedding in an
// Envelope.
func EncodePayload(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodePayload unmarshals an Envelope payload into the given struct.
func DecodePayload(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, &codec.MsgpackHandle{})
	return dec.Decode(v)
}
