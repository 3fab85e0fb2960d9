package net

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"

	"github.com/forgenet/forge/src/common"
	"github.com/forgenet/forge/src/crypto/channel"
	"github.com/forgenet/forge/src/crypto/keys"
	"github.com/ugorji/go/codec"
)

// ProtocolVersion is the highest protocol version this build speaks.
const ProtocolVersion uint8 = 1

// handshakeTag domain-separates handshake signatures and the transcript from
// any other use of the identity key.
const handshakeTag = "forge:handshake:v1"

var supportedVersions = []uint8{ProtocolVersion}

var (
	// ErrVersionMismatch is returned when the two ends share no protocol
	// version.
	ErrVersionMismatch = errors.New("no common protocol version")
	// ErrBadHandshake is returned when a hello fails validation.
	ErrBadHandshake = errors.New("handshake failed")
)

// hello is the body of both handshake messages. The responder answers with a
// single-element Versions slice carrying the negotiated version.
type hello struct {
	Versions  []uint8
	From      []byte
	Ephemeral []byte
	Nonce     []byte
}

func encodeHello(h hello) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(h); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeHello(data []byte) (hello, error) {
	var h hello
	dec := codec.NewDecoderBytes(data, &codec.MsgpackHandle{})
	if err := dec.Decode(&h); err != nil {
		return hello{}, err
	}
	return h, nil
}

// helloDigest is the value the hello signature covers.
func helloDigest(payload []byte) []byte {
	buf := make([]byte, 0, len(handshakeTag)+len(payload))
	buf = append(buf, []byte(handshakeTag)...)
	buf = append(buf, payload...)
	return channel.Hash(buf)
}

func signHello(priv *ecdsa.PrivateKey, payload []byte) ([]byte, error) {
	r, s, err := keys.Sign(priv, helloDigest(payload))
	if err != nil {
		return nil, err
	}
	return []byte(keys.EncodeSignature(r, s)), nil
}

func verifyHello(h hello, payload, sig []byte) error {
	if len(h.Ephemeral) != channel.EphemeralSize || len(h.Nonce) != channel.HelloNonceSize {
		return ErrBadHandshake
	}
	pub := keys.ToPublicKey(h.From)
	if pub == nil {
		return ErrBadHandshake
	}
	r, s, err := keys.DecodeSignature(string(sig))
	if err != nil {
		return ErrBadHandshake
	}
	if !keys.Verify(pub, helloDigest(payload), r, s) {
		return ErrBadHandshake
	}
	return nil
}

// pickVersion returns the highest version present in both slices.
func pickVersion(theirs []uint8) (uint8, error) {
	best := uint8(0)
	found := false
	for _, v := range theirs {
		for _, ours := range supportedVersions {
			if v == ours && (!found || v > best) {
				best, found = v, true
			}
		}
	}
	if !found {
		return 0, ErrVersionMismatch
	}
	return best, nil
}

// transcript binds the derived keys to both hellos exactly as sent.
func transcript(initPayload, respPayload []byte) []byte {
	buf := make([]byte, 0, len(handshakeTag)+len(initPayload)+len(respPayload))
	buf = append(buf, []byte(handshakeTag)...)
	buf = append(buf, initPayload...)
	buf = append(buf, respPayload...)
	return channel.Hash(buf)
}

// handshakeResult is what both ends agree on when a handshake succeeds.
type handshakeResult struct {
	secure    *channel.Secure
	remoteHex string
	version   uint8
}

func makeHello(priv *ecdsa.PrivateKey, versions []uint8, eph *channel.Ephemeral) (hello, []byte, error) {
	ephPub, err := eph.Public()
	if err != nil {
		return hello{}, nil, err
	}
	nonce, err := channel.NewHelloNonce()
	if err != nil {
		return hello{}, nil, err
	}
	h := hello{
		Versions:  versions,
		From:      keys.FromPublicKey(&priv.PublicKey),
		Ephemeral: ephPub,
		Nonce:     nonce,
	}
	payload, err := encodeHello(h)
	if err != nil {
		return hello{}, nil, err
	}
	return h, payload, nil
}

// initiatorHandshake runs the outbound side of the handshake on a fresh
// connection. The caller is responsible for deadlines.
func initiatorHandshake(conn net.Conn, priv *ecdsa.PrivateKey, versions []uint8, maxFrame uint32) (*handshakeResult, error) {
	eph, err := channel.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()

	_, initPayload, err := makeHello(priv, versions, eph)
	if err != nil {
		return nil, err
	}
	sig, err := signHello(priv, initPayload)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, frame{ftype: frameHelloInit, payload: initPayload, sig: sig}, maxFrame); err != nil {
		return nil, err
	}

	resp, err := readFrame(conn, maxFrame)
	if err != nil {
		return nil, err
	}
	if resp.ftype != frameHelloResp {
		return nil, fmt.Errorf("%w: unexpected frame type %d", ErrBadHandshake, resp.ftype)
	}
	respHello, err := decodeHello(resp.payload)
	if err != nil {
		return nil, ErrBadHandshake
	}
	if err := verifyHello(respHello, resp.payload, resp.sig); err != nil {
		return nil, err
	}
	if len(respHello.Versions) != 1 {
		return nil, ErrBadHandshake
	}
	version, err := pickVersion(respHello.Versions)
	if err != nil {
		return nil, err
	}

	shared, err := eph.Shared(respHello.Ephemeral)
	if err != nil {
		return nil, err
	}
	sessionKeys, err := channel.DeriveSessionKeys(shared, transcript(initPayload, resp.payload))
	if err != nil {
		return nil, err
	}

	return &handshakeResult{
		secure:    channel.NewSecure(sessionKeys),
		remoteHex: common.EncodeToString(respHello.From),
		version:   version,
	}, nil
}

// responderHandshake runs the inbound side of the handshake.
func responderHandshake(conn net.Conn, priv *ecdsa.PrivateKey, maxFrame uint32) (*handshakeResult, error) {
	init, err := readFrame(conn, maxFrame)
	if err != nil {
		return nil, err
	}
	if init.ftype != frameHelloInit {
		return nil, fmt.Errorf("%w: unexpected frame type %d", ErrBadHandshake, init.ftype)
	}
	initHello, err := decodeHello(init.payload)
	if err != nil {
		return nil, ErrBadHandshake
	}
	if err := verifyHello(initHello, init.payload, init.sig); err != nil {
		return nil, err
	}
	version, err := pickVersion(initHello.Versions)
	if err != nil {
		return nil, err
	}

	eph, err := channel.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()

	_, respPayload, err := makeHello(priv, []uint8{version}, eph)
	if err != nil {
		return nil, err
	}
	sig, err := signHello(priv, respPayload)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, frame{ftype: frameHelloResp, payload: respPayload, sig: sig}, maxFrame); err != nil {
		return nil, err
	}

	shared, err := eph.Shared(initHello.Ephemeral)
	if err != nil {
		return nil, err
	}
	sessionKeys, err := channel.DeriveSessionKeys(shared, transcript(init.payload, respPayload))
	if err != nil {
		return nil, err
	}

	return &handshakeResult{
		secure:    channel.NewSecure(sessionKeys.Swap()),
		remoteHex: common.EncodeToString(initHello.From),
		version:   version,
	}, nil
}
