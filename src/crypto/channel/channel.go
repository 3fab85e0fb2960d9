package channel

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

/*
The secure channel wraps an authenticated session between two nodes. The
handshake exchanges X25519 ephemerals and nonces, both signed by the nodes'
identity keys; the shared secret and the handshake transcript are fed through
a SHA3-256 KDF to derive one sending and one receiving XChaCha20-Poly1305 key
per node, plus per-direction nonce bases. Frames are sealed with a counter
mixed into the nonce base, so replayed or reordered ciphertexts fail to open.
*/

const (
	// KeySize is the XChaCha20-Poly1305 key size.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the XChaCha20-Poly1305 extended nonce size.
	NonceSize = chacha20poly1305.NonceSizeX
	// EphemeralSize is the size of an X25519 public key.
	EphemeralSize = 32
	// HelloNonceSize is the size of the random nonces exchanged in hellos.
	HelloNonceSize = 32
)

// KDF labels. Changing any of these breaks wire compatibility.
const (
	labelMaster    = "forge:kdf:master:v1"
	labelSendKey   = "forge:kdf:send:v1"
	labelRecvKey   = "forge:kdf:recv:v1"
	labelNonceSend = "forge:nonce:send:v1"
	labelNonceRecv = "forge:nonce:recv:v1"
)

var (
	// ErrKeyMaterial is returned when key material is missing or malformed.
	ErrKeyMaterial = errors.New("channel: empty or malformed key material")
)

// Hash returns the SHA3-256 digest of msg.
func Hash(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF derives 32 bytes from a label and key material parts.
func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return Hash(buf)
}

// Ephemeral holds a one-shot X25519 key-pair used during the handshake. It is
// destroyed as soon as the session keys are derived.
type Ephemeral struct {
	priv      *ecdh.PrivateKey
	pub       []byte
	destroyed bool
}

// String keeps private key material out of log output.
func (e *Ephemeral) String() string {
	return "Ephemeral{REDACTED}"
}

// Public returns a copy of the ephemeral public key.
func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("channel: ephemeral key destroyed")
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

// Shared computes the X25519 shared secret with the peer's ephemeral.
func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("channel: ephemeral key destroyed")
	}
	if len(peerPub) != EphemeralSize {
		return nil, ErrKeyMaterial
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

// Destroy wipes the ephemeral. Further use returns an error.
func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

// GenerateEphemeral creates a fresh X25519 ephemeral key-pair.
func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	pubBytes := priv.PublicKey().Bytes()
	pubCopy := make([]byte, len(pubBytes))
	copy(pubCopy, pubBytes)
	return &Ephemeral{priv: priv, pub: pubCopy}, nil
}

// NewHelloNonce returns HelloNonceSize bytes of randomness for a hello.
func NewHelloNonce() ([]byte, error) {
	nonce := make([]byte, HelloNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// SessionKeys holds the directional key material derived from a handshake.
// Send/Recv are from the perspective of the handshake initiator; the
// responder swaps them.
type SessionKeys struct {
	SendKey       []byte
	RecvKey       []byte
	NonceBaseSend []byte
	NonceBaseRecv []byte
}

// DeriveSessionKeys derives directional session keys from the X25519 shared
// secret and the handshake transcript digest.
func DeriveSessionKeys(shared, transcript []byte) (SessionKeys, error) {
	if len(shared) == 0 || len(transcript) == 0 {
		return SessionKeys{}, ErrKeyMaterial
	}
	master := KDF(labelMaster, shared, transcript)
	keys := SessionKeys{
		SendKey:       KDF(labelSendKey, master),
		RecvKey:       KDF(labelRecvKey, master),
		NonceBaseSend: KDF(labelNonceSend, master)[:NonceSize],
		NonceBaseRecv: KDF(labelNonceRecv, master)[:NonceSize],
	}
	for i := range master {
		master[i] = 0
	}
	return keys, nil
}

// Swap returns the keys from the other end's perspective.
func (k SessionKeys) Swap() SessionKeys {
	return SessionKeys{
		SendKey:       k.RecvKey,
		RecvKey:       k.SendKey,
		NonceBaseSend: k.NonceBaseRecv,
		NonceBaseRecv: k.NonceBaseSend,
	}
}

// Secure is one half of an established channel. It seals outbound frame
// bodies and opens inbound ones, enforcing strictly increasing sequence
// numbers in both directions.
type Secure struct {
	sendKey       []byte
	recvKey       []byte
	nonceBaseSend []byte
	nonceBaseRecv []byte
	sendSeq       uint64
	recvSeq       uint64
	haveRecv      bool
}

// NewSecure builds a Secure channel half from derived session keys.
func NewSecure(keys SessionKeys) *Secure {
	return &Secure{
		sendKey:       keys.SendKey,
		recvKey:       keys.RecvKey,
		nonceBaseSend: keys.NonceBaseSend,
		nonceBaseRecv: keys.NonceBaseRecv,
	}
}

// Seal encrypts a frame body. The returned sequence number must travel with
// the ciphertext; aad binds the frame header.
func (s *Secure) Seal(plaintext, aad []byte) (seq uint64, ciphertext []byte, err error) {
	if s.sendSeq == ^uint64(0) {
		return 0, nil, errors.New("channel: send counter exhausted")
	}
	seq = s.sendSeq
	s.sendSeq++

	nonce, err := nonceFromBase(s.nonceBaseSend, seq)
	if err != nil {
		return 0, nil, err
	}
	aead, err := chacha20poly1305.NewX(s.sendKey)
	if err != nil {
		return 0, nil, err
	}
	return seq, aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts a frame body. Sequence numbers must strictly increase;
// anything else is treated as a replay.
func (s *Secure) Open(seq uint64, ciphertext, aad []byte) ([]byte, error) {
	if s.haveRecv && seq <= s.recvSeq {
		return nil, fmt.Errorf("channel: replayed or out-of-order seq %d", seq)
	}

	nonce, err := nonceFromBase(s.nonceBaseRecv, seq)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(s.recvKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, err
	}

	s.recvSeq = seq
	s.haveRecv = true
	return plaintext, nil
}

// nonceFromBase xors the counter into the low 8 bytes of the nonce base.
func nonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != NonceSize {
		return nil, ErrKeyMaterial
	}
	nonce := make([]byte, NonceSize)
	copy(nonce, base)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		nonce[NonceSize-8+i] ^= ctr[i]
	}
	return nonce, nil
}
