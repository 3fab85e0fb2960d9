package net

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	in := frame{ftype: frameData, payload: []byte("payload bytes"), sig: []byte("sig")}
	if err := writeFrame(&buf, in, DefaultMaxFrameSize); err != nil {
		t.Fatal(err)
	}

	out, err := readFrame(&buf, DefaultMaxFrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if out.ftype != in.ftype {
		t.Fatalf("frame type %d != %d", out.ftype, in.ftype)
	}
	if !bytes.Equal(out.payload, in.payload) || !bytes.Equal(out.sig, in.sig) {
		t.Fatal("frame body did not round-trip")
	}
}

func TestFrameEmptySig(t *testing.T) {
	var buf bytes.Buffer

	if err := writeFrame(&buf, frame{ftype: frameData, payload: []byte{1}}, DefaultMaxFrameSize); err != nil {
		t.Fatal(err)
	}
	out, err := readFrame(&buf, DefaultMaxFrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.sig) != 0 {
		t.Fatal("expected empty sig")
	}
}

func TestFrameOversize(t *testing.T) {
	var buf bytes.Buffer

	big := make([]byte, 32)
	if err := writeFrame(&buf, frame{ftype: frameData, payload: big}, 16); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on write, got %v", err)
	}

	// a frame valid for the writer can still exceed the reader's limit
	if err := writeFrame(&buf, frame{ftype: frameData, payload: big}, 64); err != nil {
		t.Fatal(err)
	}
	if _, err := readFrame(&buf, 16); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on read, got %v", err)
	}
}

func TestFrameBadVersion(t *testing.T) {
	raw := []byte{0xff, frameData, 0, 0, 0, 0, 0, 0}
	if _, err := readFrame(bytes.NewReader(raw), DefaultMaxFrameSize); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

func TestFrameBadType(t *testing.T) {
	raw := []byte{frameVersion, 0x7f, 0, 0, 0, 0, 0, 0}
	if _, err := readFrame(bytes.NewReader(raw), DefaultMaxFrameSize); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}
