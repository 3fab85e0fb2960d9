package node

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/forgenet/forge/src/common"
	"github.com/forgenet/forge/src/crypto/keys"
	"github.com/forgenet/forge/src/fetch"
	"github.com/forgenet/forge/src/gossip"
	"github.com/forgenet/forge/src/net"
	"github.com/forgenet/forge/src/store"
	"github.com/sirupsen/logrus"
)

// lazyRequester breaks the scheduler/node construction cycle: the scheduler
// is built against it, and it is pointed at the node once the node exists.
type lazyRequester struct {
	n *Node
}

func (l *lazyRequester) RequestFetch(ctx context.Context, repo string, nodeHex string, known gossip.RefState) (*gossip.FetchResponse, error) {
	return l.n.RequestFetch(ctx, repo, nodeHex, known)
}

type testNode struct {
	node    *Node
	backend *fetch.InmemBackend
	store   *store.Store
	dir     string
}

func (tn *testNode) cleanup() {
	tn.node.Shutdown()
	tn.store.Close()
	os.RemoveAll(tn.dir)
}

func newTestNode(t *testing.T, moniker string, fabric *fetch.InmemNetwork) *testNode {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	dir, err := ioutil.TempDir("", "forge_node_"+moniker)
	if err != nil {
		t.Fatal(err)
	}

	logger := common.NewTestEntry(t, moniker, logrus.DebugLevel)

	st, err := store.NewStore(dir, logger)
	if err != nil {
		t.Fatal(err)
	}

	stream, err := net.NewTCPStreamLayer("127.0.0.1:0", "")
	if err != nil {
		t.Fatal(err)
	}
	trans := net.NewTransport(key, stream, time.Second, time.Second, logger)

	engine := gossip.NewEngine(key, st, gossip.NewDedup(time.Minute, 1024), logger)
	backend := fetch.NewInmemBackend(fabric)

	lazy := &lazyRequester{}
	sched := fetch.NewScheduler(backend, lazy, 2, 3, 2*time.Second, logger)

	conf := NewConfig(200*time.Millisecond, time.Minute, 24*time.Hour, logger)
	n := NewNode(conf, NewIdentity(key, moniker), st, trans, engine, backend, sched)
	lazy.n = n

	if err := n.Init(); err != nil {
		t.Fatal(err)
	}
	n.RunAsync()

	return &testNode{node: n, backend: backend, store: st, dir: dir}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func refState(ts int64) gossip.RefState {
	return gossip.RefState{Digest: []byte{byte(ts)}, Timestamp: ts}
}

func TestPropagation(t *testing.T) {
	fabric := fetch.NewInmemNetwork()

	a := newTestNode(t, "a", fabric)
	defer a.cleanup()
	b := newTestNode(t, "b", fabric)
	defer b.cleanup()
	c := newTestNode(t, "c", fabric)
	defer c.cleanup()

	for _, tn := range []*testNode{a, b, c} {
		if err := tn.node.Track("repo1", ""); err != nil {
			t.Fatal(err)
		}
	}

	// line topology: a - b - c
	if err := b.node.Connect(a.node.trans.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	if err := c.node.Connect(b.node.trans.LocalAddr()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "a to see b's session", func() bool {
		sessions, err := a.node.Sessions()
		return err == nil && len(sessions) == 1
	})
	waitFor(t, "b to see both sessions", func() bool {
		sessions, err := b.node.Sessions()
		return err == nil && len(sessions) == 2
	})

	a.backend.SetState("repo1", refState(100))
	if err := a.node.Announce("repo1"); err != nil {
		t.Fatal(err)
	}

	// b relays a's announcement verbatim, so c learns about a — a node it
	// has no session with — two hops out
	aHex := a.node.identity.PublicKeyHex()
	waitFor(t, "c to learn a's routing entry through b", func() bool {
		entry, err := c.store.GetRouting("repo1", aHex)
		return err == nil && entry.Timestamp == 100
	})

	// the announcement propagates a -> b -> c, each hop fetching the data
	waitFor(t, "b to replicate", func() bool {
		state, _ := b.backend.CurrentState("repo1")
		return state.Equal(refState(100))
	})
	waitFor(t, "c to replicate", func() bool {
		state, _ := c.backend.CurrentState("repo1")
		return state.Equal(refState(100))
	})

	waitFor(t, "c to be in sync", func() bool {
		statuses, err := c.node.SyncStatusAll()
		if err != nil || len(statuses) != 1 {
			return false
		}
		return statuses[0].InSync && !statuses[0].Fetching
	})
}

func TestStaleAnnouncementIgnored(t *testing.T) {
	fabric := fetch.NewInmemNetwork()

	a := newTestNode(t, "a", fabric)
	defer a.cleanup()
	b := newTestNode(t, "b", fabric)
	defer b.cleanup()

	if err := a.node.Track("repo1", ""); err != nil {
		t.Fatal(err)
	}
	if err := b.node.Track("repo1", ""); err != nil {
		t.Fatal(err)
	}
	if err := b.node.Connect(a.node.trans.LocalAddr()); err != nil {
		t.Fatal(err)
	}

	aHex := a.node.identity.PublicKeyHex()

	waitFor(t, "a to see b's session", func() bool {
		sessions, err := a.node.Sessions()
		return err == nil && len(sessions) == 1
	})

	a.backend.SetState("repo1", refState(100))
	if err := a.node.Announce("repo1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "b to record a's announcement", func() bool {
		entry, err := b.store.GetRouting("repo1", aHex)
		return err == nil && entry.Timestamp == 100
	})

	// a regressing announcement must not displace the stored entry
	a.backend.SetState("repo1", refState(50))
	if err := a.node.Announce("repo1"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	entry, err := b.store.GetRouting("repo1", aHex)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Timestamp != 100 {
		t.Fatalf("routing entry regressed to %d", entry.Timestamp)
	}
}

func TestLivenessTimeout(t *testing.T) {
	fabric := fetch.NewInmemNetwork()

	a := newTestNode(t, "a", fabric)
	defer a.cleanup()

	// a transport-only peer that handshakes but never answers pings
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	stream, err := net.NewTCPStreamLayer("127.0.0.1:0", "")
	if err != nil {
		t.Fatal(err)
	}
	mute := net.NewTransport(key, stream, time.Second, time.Second, common.NewTestEntry(t, "mute", logrus.DebugLevel))
	mute.Listen()
	defer mute.Close()
	go func() {
		for range mute.Consumer() {
		}
	}()

	if err := a.node.Connect(mute.LocalAddr()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "session up", func() bool {
		sessions, err := a.node.Sessions()
		return err == nil && len(sessions) == 1
	})

	// two missed pings and the session is closed
	waitFor(t, "liveness timeout", func() bool {
		sessions, err := a.node.Sessions()
		return err == nil && len(sessions) == 0
	})
}

func TestPeerInfoExchanged(t *testing.T) {
	fabric := fetch.NewInmemNetwork()

	a := newTestNode(t, "alice", fabric)
	defer a.cleanup()
	b := newTestNode(t, "bob", fabric)
	defer b.cleanup()

	if err := b.node.Connect(a.node.trans.LocalAddr()); err != nil {
		t.Fatal(err)
	}

	bHex := b.node.identity.PublicKeyHex()
	waitFor(t, "a to learn b's moniker", func() bool {
		peer, err := a.store.GetPeer(bHex)
		return err == nil && peer.Moniker == "bob"
	})
}

func TestGoFuncCap(t *testing.T) {
	var s state

	release := make(chan struct{})
	started := make(chan struct{}, WGLIMIT)

	for i := 0; i < WGLIMIT; i++ {
		if !s.goFunc(func() {
			started <- struct{}{}
			<-release
		}) {
			t.Fatal("worker under the cap rejected")
		}
	}
	for i := 0; i < WGLIMIT; i++ {
		<-started
	}

	// work over the cap is rejected, not silently dropped
	if s.goFunc(func() {}) {
		t.Fatal("worker over the cap accepted")
	}

	close(release)
	s.waitRoutines()

	if !s.goFunc(func() {}) {
		t.Fatal("worker rejected after the pool drained")
	}
	s.waitRoutines()
}

func TestCommandSemantics(t *testing.T) {
	fabric := fetch.NewInmemNetwork()

	a := newTestNode(t, "a", fabric)
	defer a.cleanup()

	if err := a.node.Announce("repoX"); !errors.Is(err, ErrNotTracked) {
		t.Fatalf("expected ErrNotTracked, got %v", err)
	}
	if err := a.node.Untrack("repoX"); !errors.Is(err, ErrNotTracked) {
		t.Fatalf("expected ErrNotTracked, got %v", err)
	}
	if err := a.node.Disconnect("0XDEAD"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	if err := a.node.Track("repo1", "all"); err != nil {
		t.Fatal(err)
	}
	tracked, err := a.node.Tracked()
	if err != nil {
		t.Fatal(err)
	}
	if scope, ok := tracked["repo1"]; !ok || scope != "all" {
		t.Fatalf("unexpected tracked set: %v", tracked)
	}

	if err := a.node.Untrack("repo1"); err != nil {
		t.Fatal(err)
	}
	tracked, err = a.node.Tracked()
	if err != nil {
		t.Fatal(err)
	}
	if len(tracked) != 0 {
		t.Fatalf("expected empty tracked set, got %v", tracked)
	}

	stats := a.node.GetStats()
	if stats["state"] != "Running" {
		t.Fatalf("unexpected state %s", stats["state"])
	}
}
