package keys

import (
	"crypto/sha256"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSignVerify(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	digest := sha256.Sum256([]byte("hello replication"))

	r, s, err := Sign(key, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	if !Verify(&key.PublicKey, digest[:], r, s) {
		t.Fatal("signature should verify")
	}

	other, _ := GenerateECDSAKey()
	if Verify(&other.PublicKey, digest[:], r, s) {
		t.Fatal("signature should not verify against another key")
	}
}

func TestEncodeDecodeSignature(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	digest := sha256.Sum256([]byte("roundtrip"))

	r, s, err := Sign(key, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	enc := EncodeSignature(r, s)

	r2, s2, err := DecodeSignature(enc)
	if err != nil {
		t.Fatal(err)
	}

	if r.Cmp(r2) != 0 || s.Cmp(s2) != 0 {
		t.Fatalf("decoded signature does not match: (%v,%v) != (%v,%v)", r, s, r2, s2)
	}
}

func TestDecodeSignatureErrors(t *testing.T) {
	if _, _, err := DecodeSignature("notasig"); err == nil {
		t.Fatal("expected an error for a malformed signature")
	}
	if _, _, err := DecodeSignature("zz!|!!"); err == nil {
		t.Fatal("expected an error for non-base36 values")
	}
}

func TestParsePrivateKey(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	dump := DumpPrivateKey(key)

	parsed, err := ParsePrivateKey(dump)
	if err != nil {
		t.Fatal(err)
	}

	if key.D.Cmp(parsed.D) != 0 {
		t.Fatal("parsed key D value differs")
	}

	if !reflect.DeepEqual(FromPublicKey(&key.PublicKey), FromPublicKey(&parsed.PublicKey)) {
		t.Fatal("parsed public key differs")
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	raw := FromPublicKey(&key.PublicKey)

	pub := ToPublicKey(raw)
	if pub == nil {
		t.Fatal("could not unmarshal public key")
	}

	if pub.X.Cmp(key.PublicKey.X) != 0 || pub.Y.Cmp(key.PublicKey.Y) != 0 {
		t.Fatal("public key round-trip mismatch")
	}

	if ToPublicKey([]byte{0x01, 0x02}) != nil {
		t.Fatal("garbage bytes should not produce a public key")
	}
}

func TestSimpleKeyfile(t *testing.T) {
	dir, err := ioutil.TempDir("", "keyfile")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	keyfile := filepath.Join(dir, "priv_key")

	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	simpleKeyfile := NewSimpleKeyfile(keyfile)

	if err := simpleKeyfile.WriteKey(key); err != nil {
		t.Fatal(err)
	}

	readKey, err := simpleKeyfile.ReadKey()
	if err != nil {
		t.Fatal(err)
	}

	if key.D.Cmp(readKey.D) != 0 {
		t.Fatal("read key does not match written key")
	}

	// world-readable key files must be refused
	if err := os.Chmod(keyfile, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := simpleKeyfile.ReadKey(); err == nil {
		t.Fatal("expected permission check to fail for 0644 key file")
	}
}
