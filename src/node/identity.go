package node

import (
	"crypto/ecdsa"

	"github.com/forgenet/forge/src/crypto/keys"
)

// Identity holds the node's signing key and moniker.
type Identity struct {
	Key     *ecdsa.PrivateKey
	Moniker string

	id       uint32
	pubBytes []byte
	pubHex   string
}

// NewIdentity is a factory method for an Identity
func NewIdentity(key *ecdsa.PrivateKey, moniker string) *Identity {
	return &Identity{
		Key:     key,
		Moniker: moniker,
	}
}

// ID returns the compact uint32 form of the identity's public key
func (i *Identity) ID() uint32 {
	if i.id == 0 {
		i.id = keys.PublicKeyID(i.PublicKeyBytes())
	}
	return i.id
}

// PublicKeyBytes returns the identity's public key as a byte array
func (i *Identity) PublicKeyBytes() []byte {
	if len(i.pubBytes) == 0 {
		i.pubBytes = keys.FromPublicKey(&i.Key.PublicKey)
	}
	return i.pubBytes
}

// PublicKeyHex returns the identity's public key as a hex string
func (i *Identity) PublicKeyHex() string {
	if len(i.pubHex) == 0 {
		i.pubHex = keys.PublicKeyHex(&i.Key.PublicKey)
	}
	return i.pubHex
}
