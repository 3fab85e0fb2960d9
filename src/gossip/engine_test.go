package gossip

import (
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/forgenet/forge/src/common"
	"github.com/forgenet/forge/src/crypto/keys"
	"github.com/forgenet/forge/src/peers"
	"github.com/sirupsen/logrus"
)

// fakeStore implements Store in memory for engine tests.
type fakeStore struct {
	routing      map[string]int64 // repo|node -> ts
	fingerprints map[string]bool
	peers        map[string]*peers.Peer
	reputation   map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		routing:      make(map[string]int64),
		fingerprints: make(map[string]bool),
		peers:        make(map[string]*peers.Peer),
		reputation:   make(map[string]int),
	}
}

func (f *fakeStore) UpsertRouting(repo, nodeHex, digestHex string, ts int64) error {
	key := repo + "|" + nodeHex
	if prev, ok := f.routing[key]; ok && ts <= prev {
		return common.NewStoreErr("Routing", common.Stale, key)
	}
	f.routing[key] = ts
	return nil
}

func (f *fakeStore) SeenFingerprint(fp string) (bool, error) {
	return f.fingerprints[fp], nil
}

func (f *fakeStore) RecordFingerprint(fp string) error {
	f.fingerprints[fp] = true
	return nil
}

func (f *fakeStore) GetPeer(pubKeyHex string) (*peers.Peer, error) {
	p, ok := f.peers[pubKeyHex]
	if !ok {
		return nil, common.NewStoreErr("Peer", common.KeyNotFound, pubKeyHex)
	}
	return p, nil
}

func (f *fakeStore) UpsertPeer(p *peers.Peer) error {
	f.peers[p.PubKeyHex] = p
	return nil
}

func (f *fakeStore) UpsertAddress(pubKeyHex string, addr peers.Address) error {
	p, ok := f.peers[pubKeyHex]
	if !ok {
		return common.NewStoreErr("Peer", common.KeyNotFound, pubKeyHex)
	}
	p.UpsertAddress(addr)
	return nil
}

func (f *fakeStore) BumpReputation(pubKeyHex string, delta int) error {
	f.reputation[pubKeyHex] += delta
	return nil
}

type testEnd struct {
	key *ecdsa.PrivateKey
	hex string
}

func newTestEnd(t *testing.T) *testEnd {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	return &testEnd{key: key, hex: keys.PublicKeyHex(&key.PublicKey)}
}

func (e *testEnd) envelope(t *testing.T, mt MsgType, payload interface{}) *Envelope {
	raw, err := EncodePayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	env := &Envelope{
		Version:   EnvelopeVersion,
		Type:      mt,
		Timestamp: time.Now().UnixNano(),
		Payload:   raw,
	}
	if err := env.Sign(e.key); err != nil {
		t.Fatal(err)
	}
	return env
}

func newTestEngine(t *testing.T) (*Engine, *fakeStore) {
	me := newTestEnd(t)
	store := newFakeStore()
	engine := NewEngine(me.key, store, NewDedup(time.Minute, 128), common.NewTestEntry(t, "gossip", logrus.DebugLevel))
	return engine, store
}

func TestEnvelopeSignVerify(t *testing.T) {
	end := newTestEnd(t)
	env := end.envelope(t, InventoryMsg, Inventory{Repo: "repo1", State: RefState{Digest: []byte{1, 2}, Timestamp: 7}})

	if err := env.Verify(); err != nil {
		t.Fatal(err)
	}

	// a tampered payload must not verify
	env.Payload[0] ^= 0xff
	if err := env.Verify(); err == nil {
		t.Fatal("expected tampered envelope to fail verification")
	}
	env.Payload[0] ^= 0xff

	// neither must a retyped envelope
	env.Type = SubscribeMsg
	if err := env.Verify(); err == nil {
		t.Fatal("expected retyped envelope to fail verification")
	}
}

func TestEnvelopeMarshalRoundTrip(t *testing.T) {
	end := newTestEnd(t)
	env := end.envelope(t, PingMsg, Ping{Nonce: 99})

	raw, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var back Envelope
	if err := back.Unmarshal(raw); err != nil {
		t.Fatal(err)
	}
	if err := back.Verify(); err != nil {
		t.Fatal(err)
	}
	if back.Type != PingMsg || back.FromHex() != end.hex {
		t.Fatal("round-tripped envelope lost fields")
	}
}

func TestInventoryForwardAndDedup(t *testing.T) {
	engine, _ := newTestEngine(t)
	sender := newTestEnd(t)

	engine.AddSession(1, sender.hex)
	engine.AddSession(2, newTestEnd(t).hex)
	engine.AddSession(3, newTestEnd(t).hex)

	env := sender.envelope(t, InventoryMsg, Inventory{Repo: "repo1", State: RefState{Digest: []byte{0xaa}, Timestamp: 10}})

	res, err := engine.Receive(1, env, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied {
		t.Fatal("fresh inventory should be applied")
	}
	if len(res.ForwardTo) != 2 {
		t.Fatalf("expected 2 forward targets, got %d", len(res.ForwardTo))
	}
	for _, h := range res.ForwardTo {
		if h == 1 {
			t.Fatal("inventory must not be forwarded back to its sender")
		}
	}

	// the exact same envelope arriving again (via another path) is suppressed
	res, err = engine.Receive(1, env, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied || len(res.ForwardTo) != 0 {
		t.Fatal("duplicate inventory must be suppressed")
	}
}

func TestRelayedInventoryAttributedToOrigin(t *testing.T) {
	engine, store := newTestEngine(t)
	origin := newTestEnd(t)
	relayer := newTestEnd(t)
	other := newTestEnd(t)
	engine.AddSession(1, relayer.hex)
	engine.AddSession(2, other.hex)
	engine.AddSession(3, origin.hex)

	// an inventory signed by origin arrives on the relayer's session, one
	// hop removed from its signer
	env := origin.envelope(t, InventoryMsg, Inventory{Repo: "repo1", State: RefState{Digest: []byte{1}, Timestamp: 10}})

	res, err := engine.Receive(1, env, time.Now())
	if err != nil {
		t.Fatalf("relayed inventory rejected: %v", err)
	}
	if !res.Applied {
		t.Fatal("relayed inventory should be applied")
	}

	if ts := store.routing["repo1|"+origin.hex]; ts != 10 {
		t.Fatalf("routing entry not attributed to the origin signer: %d", ts)
	}
	if _, ok := store.routing["repo1|"+relayer.hex]; ok {
		t.Fatal("routing entry wrongly attributed to the relayer")
	}
	if store.reputation[relayer.hex] != 0 {
		t.Fatalf("honest relayer penalized: %d", store.reputation[relayer.hex])
	}

	// forwarded onwards, but neither back to the relayer nor to the origin
	if len(res.ForwardTo) != 1 || res.ForwardTo[0] != 2 {
		t.Fatalf("unexpected forward targets: %v", res.ForwardTo)
	}
}

func TestOwnInventoryEchoIgnored(t *testing.T) {
	me := newTestEnd(t)
	store := newFakeStore()
	engine := NewEngine(me.key, store, NewDedup(time.Minute, 128), common.NewTestEntry(t, "gossip", logrus.DebugLevel))

	relayer := newTestEnd(t)
	engine.AddSession(1, relayer.hex)

	env := me.envelope(t, InventoryMsg, Inventory{Repo: "repo1", State: RefState{Digest: []byte{1}, Timestamp: 10}})

	res, err := engine.Receive(1, env, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied || len(res.ForwardTo) != 0 {
		t.Fatal("own announcement echoed back must be ignored")
	}
	if _, ok := store.routing["repo1|"+me.hex]; ok {
		t.Fatal("own echo must not write a routing entry")
	}
}

// flakyStore fails a number of routing upserts before behaving.
type flakyStore struct {
	*fakeStore
	failUpserts int
}

func (f *flakyStore) UpsertRouting(repo, nodeHex, digestHex string, ts int64) error {
	if f.failUpserts > 0 {
		f.failUpserts--
		return errors.New("disk hiccup")
	}
	return f.fakeStore.UpsertRouting(repo, nodeHex, digestHex, ts)
}

func TestTransientStoreErrorDoesNotPoisonDedup(t *testing.T) {
	me := newTestEnd(t)
	store := &flakyStore{fakeStore: newFakeStore(), failUpserts: 1}
	engine := NewEngine(me.key, store, NewDedup(time.Minute, 128), common.NewTestEntry(t, "gossip", logrus.DebugLevel))

	sender := newTestEnd(t)
	engine.AddSession(1, sender.hex)

	env := sender.envelope(t, InventoryMsg, Inventory{Repo: "repo1", State: RefState{Digest: []byte{1}, Timestamp: 10}})

	if _, err := engine.Receive(1, env, time.Now()); err == nil {
		t.Fatal("expected the store error to surface")
	}
	if store.fingerprints[env.Fingerprint()] {
		t.Fatal("fingerprint persisted before the routing write succeeded")
	}

	// the same envelope must still be deliverable once the store recovers
	res, err := engine.Receive(1, env, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied {
		t.Fatal("retried inventory should be applied")
	}
	if !store.fingerprints[env.Fingerprint()] {
		t.Fatal("fingerprint not persisted after the routing write")
	}
}

func TestInventoryMonotonicity(t *testing.T) {
	engine, store := newTestEngine(t)
	sender := newTestEnd(t)
	engine.AddSession(1, sender.hex)
	engine.AddSession(2, newTestEnd(t).hex)

	fresh := sender.envelope(t, InventoryMsg, Inventory{Repo: "repo1", State: RefState{Digest: []byte{1}, Timestamp: 100}})
	if res, err := engine.Receive(1, fresh, time.Now()); err != nil || !res.Applied {
		t.Fatalf("fresh inventory rejected: %v", err)
	}

	// an older announcement from the same sender must not regress the store
	stale := sender.envelope(t, InventoryMsg, Inventory{Repo: "repo1", State: RefState{Digest: []byte{2}, Timestamp: 50}})
	res, err := engine.Receive(1, stale, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied || len(res.ForwardTo) != 0 {
		t.Fatal("stale inventory must be ignored")
	}
	if ts := store.routing["repo1|"+sender.hex]; ts != 100 {
		t.Fatalf("routing timestamp regressed to %d", ts)
	}
}

func TestSubscriptionFiltering(t *testing.T) {
	engine, _ := newTestEngine(t)
	a, b, c := newTestEnd(t), newTestEnd(t), newTestEnd(t)
	engine.AddSession(1, a.hex)
	engine.AddSession(2, b.hex)
	engine.AddSession(3, c.hex)

	// session 2 narrows its interest to repo2 only; session 3 stays unfiltered
	sub := b.envelope(t, SubscribeMsg, Subscribe{Repos: []string{"repo2"}})
	if _, err := engine.Receive(2, sub, time.Now()); err != nil {
		t.Fatal(err)
	}

	env := a.envelope(t, InventoryMsg, Inventory{Repo: "repo1", State: RefState{Digest: []byte{1}, Timestamp: 1}})
	res, err := engine.Receive(1, env, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ForwardTo) != 1 || res.ForwardTo[0] != 3 {
		t.Fatalf("expected forward only to session 3, got %v", res.ForwardTo)
	}

	// unsubscribing the last repo returns session 2 to unfiltered
	unsub := b.envelope(t, UnsubscribeMsg, Unsubscribe{Repos: []string{"repo2"}})
	if _, err := engine.Receive(2, unsub, time.Now()); err != nil {
		t.Fatal(err)
	}
	env2 := a.envelope(t, InventoryMsg, Inventory{Repo: "repo1", State: RefState{Digest: []byte{2}, Timestamp: 2}})
	res, err = engine.Receive(1, env2, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ForwardTo) != 2 {
		t.Fatalf("expected forward to sessions 2 and 3, got %v", res.ForwardTo)
	}
}

func TestPingPong(t *testing.T) {
	engine, _ := newTestEngine(t)
	sender := newTestEnd(t)
	engine.AddSession(1, sender.hex)

	env := sender.envelope(t, PingMsg, Ping{Nonce: 42})
	res, err := engine.Receive(1, env, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res.Reply == nil || res.Reply.Type != PongMsg {
		t.Fatal("expected a Pong reply")
	}
	if err := res.Reply.Verify(); err != nil {
		t.Fatal(err)
	}

	var pong Pong
	if err := DecodePayload(res.Reply.Payload, &pong); err != nil {
		t.Fatal(err)
	}
	if pong.Nonce != 42 {
		t.Fatalf("pong nonce %d != 42", pong.Nonce)
	}
}

func TestSignerMismatchViolations(t *testing.T) {
	engine, store := newTestEngine(t)
	registered := newTestEnd(t)
	impostor := newTestEnd(t)
	engine.AddSession(1, registered.hex)

	var dropped bool
	for i := 0; i < violationLimit; i++ {
		env := impostor.envelope(t, PingMsg, Ping{Nonce: uint64(i)})
		res, err := engine.Receive(1, env, time.Now())
		if err == nil {
			t.Fatal("expected signer mismatch to error")
		}
		dropped = res.Drop
	}
	if !dropped {
		t.Fatal("expected Drop after repeated violations")
	}
	if store.reputation[registered.hex] >= 0 {
		t.Fatal("expected reputation penalty")
	}
}

func TestInfoUpdatesPeer(t *testing.T) {
	engine, store := newTestEngine(t)
	sender := newTestEnd(t)
	engine.AddSession(1, sender.hex)

	env := sender.envelope(t, InfoMsg, Info{Moniker: "alice", Addresses: []string{"alice.example.com:1337"}})
	if _, err := engine.Receive(1, env, time.Now()); err != nil {
		t.Fatal(err)
	}

	peer, err := store.GetPeer(sender.hex)
	if err != nil {
		t.Fatal(err)
	}
	if peer.Moniker != "alice" {
		t.Fatalf("moniker %q != alice", peer.Moniker)
	}
	if len(peer.Addresses) != 1 || peer.Addresses[0].Source != peers.SourceGossiped {
		t.Fatal("gossiped address not recorded")
	}
}

func TestDedupHorizonAndLimit(t *testing.T) {
	d := NewDedup(time.Second, 2)
	now := time.Now()

	if d.Seen("a", now) {
		t.Fatal("first sighting should not be seen")
	}
	if !d.Seen("a", now.Add(time.Millisecond)) {
		t.Fatal("second sighting within horizon should be seen")
	}

	// beyond the horizon the fingerprint is forgotten
	if d.Seen("a", now.Add(2*time.Second)) {
		t.Fatal("sighting after horizon should not be seen")
	}

	// the cache never exceeds its limit
	d.Seen("b", now.Add(2*time.Second))
	d.Seen("c", now.Add(2*time.Second))
	if d.Len() > 2 {
		t.Fatalf("dedup cache over limit: %d", d.Len())
	}
}
