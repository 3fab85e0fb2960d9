package peers

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/forgenet/forge/src/crypto/keys"
)

func newTestPeer(t *testing.T, addr string) *Peer {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	return NewPeer(keys.PublicKeyHex(&key.PublicKey), addr, SourceConfigured)
}

func TestPeerID(t *testing.T) {
	peer := newTestPeer(t, "127.0.0.1:1337")

	if peer.ID() == 0 {
		t.Fatal("peer ID should not be 0")
	}
	if peer.PublicKey() == nil {
		t.Fatal("peer public key should parse")
	}
}

func TestUpsertAddress(t *testing.T) {
	peer := newTestPeer(t, "127.0.0.1:1337")

	// refreshing the same address must not duplicate it
	peer.UpsertAddress(Address{NetAddr: "127.0.0.1:1337", Source: SourceGossiped, LastSuccess: 42})
	if len(peer.Addresses) != 1 {
		t.Fatalf("expected 1 address, got %d", len(peer.Addresses))
	}
	if peer.Addresses[0].Source != SourceConfigured {
		t.Fatal("configured source should not be downgraded")
	}
	if peer.Addresses[0].LastSuccess != 42 {
		t.Fatal("LastSuccess should be refreshed")
	}

	peer.UpsertAddress(Address{NetAddr: "10.0.0.1:1337", Source: SourceGossiped})
	if len(peer.Addresses) != 2 {
		t.Fatalf("expected 2 addresses, got %d", len(peer.Addresses))
	}
}

func TestBumpReputationClamps(t *testing.T) {
	peer := newTestPeer(t, "")

	for i := 0; i < 100; i++ {
		peer.BumpReputation(1)
	}
	if peer.Reputation != MaxReputation {
		t.Fatalf("expected reputation %d, got %d", MaxReputation, peer.Reputation)
	}

	for i := 0; i < 100; i++ {
		peer.BumpReputation(-1)
	}
	if peer.Reputation != MinReputation {
		t.Fatalf("expected reputation %d, got %d", MinReputation, peer.Reputation)
	}
}

func TestJSONPeersRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "jsonpeers")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store := NewJSONPeers(dir)

	if _, err := store.Peers(); err == nil {
		t.Fatal("expected an error when no peers.json exists")
	}

	wanted := []*Peer{
		newTestPeer(t, "peer0.example.com:1337"),
		newTestPeer(t, "peer1.example.com:1337"),
	}

	if err := store.Write(wanted); err != nil {
		t.Fatal(err)
	}

	got, err := store.Peers()
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != len(wanted) {
		t.Fatalf("expected %d peers, got %d", len(wanted), len(got))
	}
	for i := range got {
		if got[i].PubKeyHex != wanted[i].PubKeyHex {
			t.Fatalf("peer %d pubkey mismatch", i)
		}
		for _, a := range got[i].Addresses {
			if a.Source != SourceConfigured {
				t.Fatal("bootstrap addresses must be marked configured")
			}
		}
	}
}

func TestExcludePeer(t *testing.T) {
	p0 := newTestPeer(t, "")
	p1 := newTestPeer(t, "")

	rest := ExcludePeer([]*Peer{p0, p1}, p0.PubKeyHex)
	if len(rest) != 1 || rest[0].PubKeyHex != p1.PubKeyHex {
		t.Fatal("ExcludePeer should drop exactly the named peer")
	}
}
