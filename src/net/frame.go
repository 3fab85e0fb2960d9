package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// frameVersion is the framing format version, the first byte of every frame.
const frameVersion uint8 = 1

// DefaultMaxFrameSize bounds the payload of a single frame.
const DefaultMaxFrameSize uint32 = 4 << 20

// Frame types.
const (
	frameHelloInit uint8 = iota
	frameHelloResp
	frameData
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the size limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrBadFrame is returned for malformed frames; the session is closed
	// as a protocol violation.
	ErrBadFrame = errors.New("malformed frame")
)

// frame is the wire unit:
// [version:1][type:1][length:4 BE][payload][siglen:2 BE][sig].
// Hello frames carry an identity signature; data frames carry an empty sig,
// authenticity coming from the AEAD channel.
type frame struct {
	ftype   uint8
	payload []byte
	sig     []byte
}

// aad returns the header bytes bound into the AEAD for data frames.
func (f frame) aad() []byte {
	return []byte{frameVersion, f.ftype}
}

func writeFrame(w io.Writer, f frame, maxSize uint32) error {
	if uint32(len(f.payload)) > maxSize {
		return ErrFrameTooLarge
	}
	if len(f.sig) > 0xffff {
		return ErrBadFrame
	}

	header := make([]byte, 6)
	header[0] = frameVersion
	header[1] = f.ftype
	binary.BigEndian.PutUint32(header[2:], uint32(len(f.payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(f.payload); err != nil {
		return err
	}

	var sigLen [2]byte
	binary.BigEndian.PutUint16(sigLen[:], uint16(len(f.sig)))
	if _, err := w.Write(sigLen[:]); err != nil {
		return err
	}
	if len(f.sig) > 0 {
		if _, err := w.Write(f.sig); err != nil {
			return err
		}
	}

	return nil
}

func readFrame(r io.Reader, maxSize uint32) (frame, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}
	if header[0] != frameVersion {
		return frame{}, fmt.Errorf("%w: version %d", ErrBadFrame, header[0])
	}
	ftype := header[1]
	if ftype > frameData {
		return frame{}, fmt.Errorf("%w: type %d", ErrBadFrame, ftype)
	}

	length := binary.BigEndian.Uint32(header[2:])
	if length > maxSize {
		return frame{}, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, err
	}

	var sigLen [2]byte
	if _, err := io.ReadFull(r, sigLen[:]); err != nil {
		return frame{}, err
	}
	sig := make([]byte, binary.BigEndian.Uint16(sigLen[:]))
	if len(sig) > 0 {
		if _, err := io.ReadFull(r, sig); err != nil {
			return frame{}, err
		}
	}

	return frame{ftype: ftype, payload: payload, sig: sig}, nil
}
