package peers

import (
	"crypto/ecdsa"

	"github.com/forgenet/forge/src/common"
	"github.com/forgenet/forge/src/crypto/keys"
)

// Reputation bounds. Scores are clamped so a long-lived peer cannot
// accumulate an unassailable score, and a flaky one can recover.
const (
	MinReputation = -16
	MaxReputation = 16
)

// AddressSource records how an address was learned.
type AddressSource uint8

const (
	// SourceConfigured means the address came from local configuration or
	// the bootstrap file.
	SourceConfigured AddressSource = iota
	// SourceGossiped means the address was learned from the network.
	SourceGossiped
)

// String ...
func (s AddressSource) String() string {
	switch s {
	case SourceConfigured:
		return "configured"
	case SourceGossiped:
		return "gossiped"
	default:
		return "unknown"
	}
}

// Address is one reachable endpoint of a peer.
type Address struct {
	NetAddr     string        `json:"net_addr"`
	Source      AddressSource `json:"source"`
	LastSuccess int64         `json:"last_success"`
}

// Peer is an address book entry. The zero Reputation is neutral.
type Peer struct {
	PubKeyHex  string    `json:"pub_key_hex"`
	Moniker    string    `json:"moniker,omitempty"`
	Reputation int       `json:"reputation"`
	LastSeen   int64     `json:"last_seen"`
	Addresses  []Address `json:"addresses,omitempty"`

	id       uint32
	pubBytes []byte
}

// NewPeer creates a Peer from a hex public key and an optional first address.
func NewPeer(pubKeyHex string, netAddr string, source AddressSource) *Peer {
	peer := &Peer{
		PubKeyHex: pubKeyHex,
	}
	if netAddr != "" {
		peer.Addresses = []Address{{NetAddr: netAddr, Source: source}}
	}
	return peer
}

// ID returns the compact uint32 form of the peer's public key.
func (p *Peer) ID() uint32 {
	if p.id == 0 {
		p.id = keys.PublicKeyID(p.PubKeyBytes())
	}
	return p.id
}

// PubKeyBytes returns the uncompressed public key bytes.
func (p *Peer) PubKeyBytes() []byte {
	if len(p.pubBytes) == 0 {
		p.pubBytes, _ = common.DecodeFromString(p.PubKeyHex)
	}
	return p.pubBytes
}

// PublicKey parses the peer's public key. Returns nil for a malformed key.
func (p *Peer) PublicKey() *ecdsa.PublicKey {
	return keys.ToPublicKey(p.PubKeyBytes())
}

// UpsertAddress adds or refreshes an address, keyed by NetAddr. A configured
// source is never downgraded to gossiped.
func (p *Peer) UpsertAddress(addr Address) {
	for i, a := range p.Addresses {
		if a.NetAddr == addr.NetAddr {
			if addr.LastSuccess > a.LastSuccess {
				p.Addresses[i].LastSuccess = addr.LastSuccess
			}
			if a.Source == SourceConfigured {
				p.Addresses[i].Source = SourceConfigured
			}
			return
		}
	}
	p.Addresses = append(p.Addresses, addr)
}

// BumpReputation adjusts the score, clamped to [MinReputation, MaxReputation].
func (p *Peer) BumpReputation(delta int) {
	p.Reputation += delta
	if p.Reputation > MaxReputation {
		p.Reputation = MaxReputation
	}
	if p.Reputation < MinReputation {
		p.Reputation = MinReputation
	}
}

// ExcludePeer is used to exclude a single peer from a list of peers.
func ExcludePeer(peers []*Peer, pubKeyHex string) []*Peer {
	otherPeers := make([]*Peer, 0, len(peers))
	for _, p := range peers {
		if p.PubKeyHex != pubKeyHex {
			otherPeers = append(otherPeers, p)
		}
	}
	return otherPeers
}
