package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgenet/forge/src/common"
	"github.com/forgenet/forge/src/fetch"
	"github.com/forgenet/forge/src/gossip"
	"github.com/forgenet/forge/src/net"
	"github.com/forgenet/forge/src/peers"
	"github.com/forgenet/forge/src/store"
	"github.com/sirupsen/logrus"
)

// livenessMisses is how many unanswered pings a session survives.
const livenessMisses = 2

var (
	// ErrNodeShutdown is returned for commands issued after Shutdown.
	ErrNodeShutdown = errors.New("node shutdown")
	// ErrNotConnected is returned when no session exists for a node.
	ErrNotConnected = errors.New("not connected")
	// ErrNotTracked is returned when an operation names an untracked
	// repository.
	ErrNotTracked = errors.New("repository not tracked")
)

// sessionInfo is the orchestrator's bookkeeping for one live session.
type sessionInfo struct {
	handle       uint64
	nodeHex      string
	direction    net.Direction
	connectedAt  time.Time
	pendingPings int
	pingNonce    uint64
}

// SessionSummary is the queryable view of a session.
type SessionSummary struct {
	Handle      uint64
	NodeHex     string
	Direction   string
	ConnectedAt time.Time
}

// SyncStatus compares the local state of a tracked repository with the best
// state announced on the network.
type SyncStatus struct {
	Repo             string
	LocalTimestamp   int64
	NetworkTimestamp int64
	InSync           bool
	Fetching         bool
}

type commandType uint8

const (
	cmdConnect commandType = iota
	cmdDisconnect
	cmdTrack
	cmdUntrack
	cmdAnnounce
	cmdTracked
	cmdSessions
	cmdSyncStatus
)

type command struct {
	typ     commandType
	addr    string
	repo    string
	scope   string
	nodeHex string
	resp    chan cmdResult
}

type cmdResult struct {
	val interface{}
	err error
}

/*
Node is the orchestrator. One run loop owns the session table and the tracked
set, and serializes transport events, control commands, fetch completions,
and timer ticks. Long-running work goes through goFunc and re-enters the loop
via channels.
*/
type Node struct {
	state

	conf     *Config
	logger   *logrus.Entry
	identity *Identity

	store   *store.Store
	trans   *net.Transport
	netCh   <-chan net.Event
	engine  *gossip.Engine
	backend fetch.Backend
	sched   *fetch.Scheduler

	// sessions and byNode are written by the run loop; byNode is also read
	// by RequestFetch from scheduler goroutines.
	sessions     map[uint64]*sessionInfo
	byNode       map[string]uint64
	sessionsLock sync.RWMutex

	// tracked maps repository to its tracking scope. Loop-owned.
	tracked map[string]string
	// fetching marks repositories with a live replication job. Loop-owned.
	fetching map[string]bool

	commandCh chan command
	eventCh   chan Event

	pending     map[uint64]chan *gossip.FetchResponse
	pendingLock sync.Mutex
	nextNonce   uint64

	pingTimer  *ControlTimer
	maintTimer *ControlTimer

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	start time.Time

	inventoriesApplied int64
	fetchesCompleted   int64
	fetchesFailed      int64
}

// NewNode assembles an orchestrator. The scheduler must have been built with
// this node as its Requester (see forge's assembly) or wired afterwards.
func NewNode(
	conf *Config,
	identity *Identity,
	st *store.Store,
	trans *net.Transport,
	engine *gossip.Engine,
	backend fetch.Backend,
	sched *fetch.Scheduler,
) *Node {
	node := &Node{
		conf:       conf,
		logger:     conf.Logger.WithField("this_id", identity.ID()),
		identity:   identity,
		store:      st,
		trans:      trans,
		netCh:      trans.Consumer(),
		engine:     engine,
		backend:    backend,
		sched:      sched,
		sessions:   make(map[uint64]*sessionInfo),
		byNode:     make(map[string]uint64),
		tracked:    make(map[string]string),
		fetching:   make(map[string]bool),
		commandCh:  make(chan command),
		eventCh:    make(chan Event, 128),
		pending:    make(map[uint64]chan *gossip.FetchResponse),
		pingTimer:  NewRandomControlTimer(),
		maintTimer: NewControlTimer(time.After),
		shutdownCh: make(chan struct{}),
	}
	return node
}

// Init starts listening for inbound sessions.
func (n *Node) Init() error {
	n.setState(Running)
	n.start = time.Now()
	n.trans.Listen()
	return nil
}

// RunAsync calls Run in a separate goroutine.
func (n *Node) RunAsync() {
	go n.Run()
}

// Run drives the main loop until Shutdown.
func (n *Node) Run() {
	go n.pingTimer.Run(n.conf.PingInterval)
	go n.maintTimer.Run(n.conf.MaintenanceInterval)

	for {
		select {
		case ev := <-n.netCh:
			n.processNetEvent(ev)
		case cmd := <-n.commandCh:
			n.processCommand(cmd)
		case c := <-n.sched.Completions():
			n.processCompletion(c)
		case <-n.pingTimer.tickCh:
			n.pingSessions()
			n.resetTimer(n.pingTimer, n.conf.PingInterval)
		case <-n.maintTimer.tickCh:
			if !n.goFunc(func() {
				if _, err := n.store.EvictStale(n.conf.RoutingTTL); err != nil {
					n.logger.WithError(err).Error("Routing sweep failed")
				}
			}) {
				n.logger.Warn("Worker cap reached; skipping routing sweep")
			}
			n.resetTimer(n.maintTimer, n.conf.MaintenanceInterval)
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) resetTimer(t *ControlTimer, d time.Duration) {
	if !t.set {
		select {
		case t.resetCh <- d:
		case <-n.shutdownCh:
		}
	}
}

// Shutdown stops everything: jobs are cancelled, sessions closed, background
// routines drained. It is idempotent.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Debug("Shutdown")
		n.setState(Shutdown)
		close(n.shutdownCh)

		n.sched.Shutdown()
		n.trans.Close()
		n.pingTimer.Shutdown()
		n.maintTimer.Shutdown()

		n.waitRoutines()
	})
}

// Events returns the observability stream. Events are dropped if the
// consumer falls behind.
func (n *Node) Events() <-chan Event {
	return n.eventCh
}

func (n *Node) emit(ev Event) {
	select {
	case n.eventCh <- ev:
	default:
	}
}

/*
Transport events
*/

func (n *Node) processNetEvent(ev net.Event) {
	switch ev.Type {
	case net.SessionUp:
		n.sessionUp(ev)
	case net.SessionMessage:
		n.sessionMessage(ev)
	case net.SessionDown:
		n.sessionDown(ev)
	}
}

func (n *Node) sessionUp(ev net.Event) {
	info := &sessionInfo{
		handle:      ev.Handle,
		nodeHex:     ev.NodeHex,
		direction:   ev.Direction,
		connectedAt: time.Now(),
	}

	n.sessionsLock.Lock()
	n.sessions[ev.Handle] = info
	n.byNode[ev.NodeHex] = ev.Handle
	n.sessionsLock.Unlock()

	n.engine.AddSession(ev.Handle, ev.NodeHex)
	n.trans.Activate(ev.Handle)

	if err := n.store.TouchPeer(ev.NodeHex, time.Now().UnixNano()); err != nil {
		n.logger.WithError(err).Warn("Failed to touch peer")
	}

	n.logger.WithFields(logrus.Fields{
		"node":      ev.NodeHex,
		"handle":    ev.Handle,
		"direction": ev.Direction.String(),
	}).Debug("Session up")

	// introduce ourselves, subscribe to what we track, and announce our
	// local inventory
	n.sendEnvelope(ev.Handle, gossip.InfoMsg, gossip.Info{
		Moniker:   n.identity.Moniker,
		Addresses: []string{n.trans.AdvertiseAddr()},
	})

	if len(n.tracked) > 0 {
		repos := make([]string, 0, len(n.tracked))
		for repo := range n.tracked {
			repos = append(repos, repo)
		}
		n.sendEnvelope(ev.Handle, gossip.SubscribeMsg, gossip.Subscribe{Repos: repos})

		for repo := range n.tracked {
			state, err := n.backend.CurrentState(repo)
			if err != nil || state.Timestamp == 0 {
				continue
			}
			n.sendEnvelope(ev.Handle, gossip.InventoryMsg, gossip.Inventory{Repo: repo, State: state})
		}
	}

	n.emit(Event{Type: EvSessionUp, Node: ev.NodeHex, Handle: ev.Handle})
}

func (n *Node) sessionDown(ev net.Event) {
	n.sessionsLock.Lock()
	info, ok := n.sessions[ev.Handle]
	if ok {
		delete(n.sessions, ev.Handle)
		if n.byNode[info.nodeHex] == ev.Handle {
			delete(n.byNode, info.nodeHex)
		}
	}
	n.sessionsLock.Unlock()

	n.engine.RemoveSession(ev.Handle)

	if ok {
		n.sched.CancelNode(info.nodeHex)
		if err := n.store.TouchPeer(info.nodeHex, time.Now().UnixNano()); err != nil {
			n.logger.WithError(err).Warn("Failed to touch peer")
		}
	}

	n.logger.WithFields(logrus.Fields{
		"node":   ev.NodeHex,
		"handle": ev.Handle,
	}).WithError(ev.Err).Debug("Session down")

	n.emit(Event{Type: EvSessionDown, Node: ev.NodeHex, Handle: ev.Handle, Err: ev.Err})
}

func (n *Node) sessionMessage(ev net.Event) {
	var env gossip.Envelope
	if err := env.Unmarshal(ev.Payload); err != nil {
		n.logger.WithError(err).Warn("Undecodable payload")
		n.trans.CloseSession(ev.Handle, err)
		return
	}

	res, err := n.engine.Receive(ev.Handle, &env, time.Now())
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"node": ev.NodeHex,
			"type": env.Type.String(),
		}).WithError(err).Warn("Envelope rejected")
		if res.Drop {
			n.trans.CloseSession(ev.Handle, err)
		}
		return
	}

	if res.Reply != nil {
		n.sendRaw(ev.Handle, res.Reply)
	}

	if len(res.ForwardTo) > 0 {
		raw, err := env.Marshal()
		if err == nil {
			for _, h := range res.ForwardTo {
				n.trans.Send(h, raw)
			}
		}
	}

	switch env.Type {
	case gossip.InventoryMsg:
		if res.Applied {
			atomic.AddInt64(&n.inventoriesApplied, 1)
			var inv gossip.Inventory
			if err := gossip.DecodePayload(env.Payload, &inv); err == nil {
				// attribute to the origin signer, not the relaying session
				n.emit(Event{Type: EvInventoryApplied, Node: env.FromHex(), Repo: inv.Repo})
				n.maybeFetch(inv.Repo)
			}
		}
	case gossip.PongMsg:
		n.handlePong(ev.Handle, &env)
	case gossip.FetchRequestMsg:
		n.handleFetchRequest(ev.Handle, &env)
	case gossip.FetchResponseMsg:
		n.handleFetchResponse(&env)
	}
}

func (n *Node) handlePong(handle uint64, env *gossip.Envelope) {
	var pong gossip.Pong
	if err := gossip.DecodePayload(env.Payload, &pong); err != nil {
		return
	}

	n.sessionsLock.Lock()
	if info, ok := n.sessions[handle]; ok && info.pingNonce == pong.Nonce {
		info.pendingPings = 0
	}
	n.sessionsLock.Unlock()
}

// handleFetchRequest serves a peer's replication request off the loop.
func (n *Node) handleFetchRequest(handle uint64, env *gossip.Envelope) {
	var req gossip.FetchRequest
	if err := gossip.DecodePayload(env.Payload, &req); err != nil {
		return
	}

	if _, ok := n.tracked[req.Repo]; !ok {
		n.sendEnvelope(handle, gossip.FetchResponseMsg, gossip.FetchResponse{
			Nonce:    req.Nonce,
			Repo:     req.Repo,
			Accepted: false,
			Reason:   "not tracked",
		})
		return
	}

	accepted := n.goFunc(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp := gossip.FetchResponse{Nonce: req.Nonce, Repo: req.Repo}

		descriptor, err := n.backend.Serve(ctx, req.Repo, req.Known)
		if err != nil {
			resp.Reason = err.Error()
		} else {
			state, err := n.backend.CurrentState(req.Repo)
			if err != nil {
				resp.Reason = err.Error()
			} else {
				resp.Accepted = true
				resp.Descriptor = descriptor
				resp.State = state
			}
		}

		n.sendEnvelope(handle, gossip.FetchResponseMsg, resp)
	})

	// refuse outright rather than letting the peer's negotiation time out
	if !accepted {
		n.logger.WithField("repo", req.Repo).Warn("Worker cap reached; refusing fetch request")
		n.sendEnvelope(handle, gossip.FetchResponseMsg, gossip.FetchResponse{
			Nonce:    req.Nonce,
			Repo:     req.Repo,
			Accepted: false,
			Reason:   "busy",
		})
	}
}

func (n *Node) handleFetchResponse(env *gossip.Envelope) {
	var resp gossip.FetchResponse
	if err := gossip.DecodePayload(env.Payload, &resp); err != nil {
		return
	}

	n.pendingLock.Lock()
	ch, ok := n.pending[resp.Nonce]
	if ok {
		delete(n.pending, resp.Nonce)
	}
	n.pendingLock.Unlock()

	if ok {
		ch <- &resp
	}
}

/*
Fetch plumbing
*/

// RequestFetch implements fetch.Requester over the node's sessions. It is
// called from scheduler goroutines.
func (n *Node) RequestFetch(ctx context.Context, repo string, nodeHex string, known gossip.RefState) (*gossip.FetchResponse, error) {
	n.sessionsLock.RLock()
	handle, ok := n.byNode[nodeHex]
	n.sessionsLock.RUnlock()
	if !ok {
		return nil, ErrNotConnected
	}

	nonce := atomic.AddUint64(&n.nextNonce, 1)
	ch := make(chan *gossip.FetchResponse, 1)

	n.pendingLock.Lock()
	n.pending[nonce] = ch
	n.pendingLock.Unlock()

	defer func() {
		n.pendingLock.Lock()
		delete(n.pending, nonce)
		n.pendingLock.Unlock()
	}()

	env, err := n.engine.NewEnvelope(gossip.FetchRequestMsg, gossip.FetchRequest{
		Nonce: nonce,
		Repo:  repo,
		Known: known,
	})
	if err != nil {
		return nil, err
	}
	raw, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	if err := n.trans.Send(handle, raw); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.shutdownCh:
		return nil, ErrNodeShutdown
	}
}

// maybeFetch submits a replication job for a tracked repository whose
// network state is ahead of the local one.
func (n *Node) maybeFetch(repo string) {
	if _, ok := n.tracked[repo]; !ok {
		return
	}
	if n.fetching[repo] {
		return
	}

	local, err := n.backend.CurrentState(repo)
	if err != nil {
		n.logger.WithError(err).Warn("Backend state unavailable")
		return
	}

	seeders, err := n.store.SeedersFor(repo)
	if err != nil {
		n.logger.WithError(err).Warn("Seeder lookup failed")
		return
	}

	n.sessionsLock.RLock()
	connected := make(map[string]bool, len(n.byNode))
	for nodeHex := range n.byNode {
		connected[nodeHex] = true
	}
	n.sessionsLock.RUnlock()

	var sources []fetch.Source
	for _, entry := range seeders {
		if entry.NodeHex == n.identity.PublicKeyHex() {
			continue
		}
		if entry.Timestamp <= local.Timestamp {
			continue
		}
		// negotiation needs a live session
		if !connected[entry.NodeHex] {
			continue
		}
		src := fetch.Source{NodeHex: entry.NodeHex, LastSeen: entry.Timestamp}
		if peer, err := n.store.GetPeer(entry.NodeHex); err == nil {
			src.Reputation = peer.Reputation
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return
	}

	if err := n.sched.Submit(repo, sources); err != nil {
		n.logger.WithField("repo", repo).WithError(err).Debug("Fetch not submitted")
		return
	}
	n.fetching[repo] = true
}

func (n *Node) processCompletion(c fetch.Completion) {
	delete(n.fetching, c.Repo)

	if c.Err != nil {
		atomic.AddInt64(&n.fetchesFailed, 1)
		n.logger.WithFields(logrus.Fields{
			"repo":     c.Repo,
			"attempts": c.Attempts,
		}).WithError(c.Err).Debug("Fetch failed")
		n.emit(Event{Type: EvFetchFailed, Repo: c.Repo, Err: c.Err})
		return
	}

	atomic.AddInt64(&n.fetchesCompleted, 1)

	if err := n.store.BumpReputation(c.Source, 1); err != nil {
		n.logger.WithError(err).Debug("Failed to credit seeder")
	}

	n.announceState(c.Repo, c.State)

	n.logger.WithFields(logrus.Fields{
		"repo":   c.Repo,
		"source": c.Source,
	}).Debug("Fetch completed")
	n.emit(Event{Type: EvFetchCompleted, Repo: c.Repo, Node: c.Source})
}

// announceState records our own state in the routing table and floods an
// inventory announcement to interested sessions.
func (n *Node) announceState(repo string, state gossip.RefState) {
	err := n.store.UpsertRouting(repo, n.identity.PublicKeyHex(), state.DigestHex(), state.Timestamp)
	if err != nil && !common.IsStore(err, common.Stale) {
		n.logger.WithError(err).Warn("Failed to record own routing entry")
	}

	env, err := n.engine.NewEnvelope(gossip.InventoryMsg, gossip.Inventory{Repo: repo, State: state})
	if err != nil {
		return
	}
	raw, err := env.Marshal()
	if err != nil {
		return
	}
	for _, h := range n.engine.Targets(repo, 0) {
		n.trans.Send(h, raw)
	}
}

/*
Liveness
*/

// pingSessions probes every session, closing those that missed too many
// pongs.
func (n *Node) pingSessions() {
	n.sessionsLock.Lock()
	type probe struct {
		handle uint64
		nonce  uint64
	}
	var dead []uint64
	var probes []probe
	for handle, info := range n.sessions {
		if info.pendingPings >= livenessMisses {
			dead = append(dead, handle)
			continue
		}
		info.pendingPings++
		info.pingNonce = atomic.AddUint64(&n.nextNonce, 1)
		probes = append(probes, probe{handle: handle, nonce: info.pingNonce})
	}
	n.sessionsLock.Unlock()

	for _, h := range dead {
		n.logger.WithField("handle", h).Debug("Liveness timeout")
		n.trans.CloseSession(h, errors.New("liveness timeout"))
	}
	for _, p := range probes {
		n.sendEnvelope(p.handle, gossip.PingMsg, gossip.Ping{Nonce: p.nonce})
	}
}

/*
Commands
*/

func (n *Node) submit(cmd command) (interface{}, error) {
	cmd.resp = make(chan cmdResult, 1)
	select {
	case n.commandCh <- cmd:
	case <-n.shutdownCh:
		return nil, ErrNodeShutdown
	}
	select {
	case res := <-cmd.resp:
		return res.val, res.err
	case <-n.shutdownCh:
		return nil, ErrNodeShutdown
	}
}

// Connect dials a remote address and waits for the session to come up.
func (n *Node) Connect(addr string) error {
	_, err := n.submit(command{typ: cmdConnect, addr: addr})
	return err
}

// Disconnect closes the session with a node.
func (n *Node) Disconnect(nodeHex string) error {
	_, err := n.submit(command{typ: cmdDisconnect, nodeHex: nodeHex})
	return err
}

// Track adds a repository to the tracked set. Scope is an opaque tracking
// policy label carried for the backend's benefit.
func (n *Node) Track(repo string, scope string) error {
	_, err := n.submit(command{typ: cmdTrack, repo: repo, scope: scope})
	return err
}

// Untrack removes a repository from the tracked set and cancels any live
// fetch for it.
func (n *Node) Untrack(repo string) error {
	_, err := n.submit(command{typ: cmdUntrack, repo: repo})
	return err
}

// Announce floods the local state of a tracked repository.
func (n *Node) Announce(repo string) error {
	_, err := n.submit(command{typ: cmdAnnounce, repo: repo})
	return err
}

// Tracked returns the tracked repositories and their scopes.
func (n *Node) Tracked() (map[string]string, error) {
	val, err := n.submit(command{typ: cmdTracked})
	if err != nil {
		return nil, err
	}
	return val.(map[string]string), nil
}

// Sessions returns a snapshot of the live sessions.
func (n *Node) Sessions() ([]SessionSummary, error) {
	val, err := n.submit(command{typ: cmdSessions})
	if err != nil {
		return nil, err
	}
	return val.([]SessionSummary), nil
}

// SyncStatusAll reports, per tracked repository, how the local state compares
// to the network.
func (n *Node) SyncStatusAll() ([]SyncStatus, error) {
	val, err := n.submit(command{typ: cmdSyncStatus})
	if err != nil {
		return nil, err
	}
	return val.([]SyncStatus), nil
}

// Peers returns all known peer records.
func (n *Node) Peers() ([]*peers.Peer, error) {
	return n.store.Peers()
}

// RoutingSnapshot returns the routing table grouped by repository.
func (n *Node) RoutingSnapshot() (map[string][]store.RoutingEntry, error) {
	return n.store.RoutingSnapshot()
}

// Seeds returns the known seeders of a repository, most recent first.
func (n *Node) Seeds(repo string) ([]store.RoutingEntry, error) {
	return n.store.SeedersFor(repo)
}

func (n *Node) processCommand(cmd command) {
	switch cmd.typ {
	case cmdConnect:
		// dialing blocks; run it off the loop and reply when done
		addr := cmd.addr
		resp := cmd.resp
		go func() {
			_, err := n.trans.Dial(addr)
			resp <- cmdResult{err: err}
		}()
	case cmdDisconnect:
		n.sessionsLock.RLock()
		handle, ok := n.byNode[cmd.nodeHex]
		n.sessionsLock.RUnlock()
		if !ok {
			cmd.resp <- cmdResult{err: ErrNotConnected}
			return
		}
		n.trans.CloseSession(handle, nil)
		cmd.resp <- cmdResult{}
	case cmdTrack:
		n.doTrack(cmd)
	case cmdUntrack:
		n.doUntrack(cmd)
	case cmdAnnounce:
		n.doAnnounce(cmd)
	case cmdTracked:
		out := make(map[string]string, len(n.tracked))
		for repo, scope := range n.tracked {
			out[repo] = scope
		}
		cmd.resp <- cmdResult{val: out}
	case cmdSessions:
		n.sessionsLock.RLock()
		out := make([]SessionSummary, 0, len(n.sessions))
		for _, info := range n.sessions {
			out = append(out, SessionSummary{
				Handle:      info.handle,
				NodeHex:     info.nodeHex,
				Direction:   info.direction.String(),
				ConnectedAt: info.connectedAt,
			})
		}
		n.sessionsLock.RUnlock()
		cmd.resp <- cmdResult{val: out}
	case cmdSyncStatus:
		cmd.resp <- cmdResult{val: n.syncStatus()}
	}
}

func (n *Node) doTrack(cmd command) {
	if _, ok := n.tracked[cmd.repo]; ok {
		n.tracked[cmd.repo] = cmd.scope
		cmd.resp <- cmdResult{}
		return
	}
	n.tracked[cmd.repo] = cmd.scope

	n.broadcastEnvelope(gossip.SubscribeMsg, gossip.Subscribe{Repos: []string{cmd.repo}})
	n.maybeFetch(cmd.repo)

	n.emit(Event{Type: EvTracked, Repo: cmd.repo})
	cmd.resp <- cmdResult{}
}

func (n *Node) doUntrack(cmd command) {
	if _, ok := n.tracked[cmd.repo]; !ok {
		cmd.resp <- cmdResult{err: ErrNotTracked}
		return
	}
	delete(n.tracked, cmd.repo)
	delete(n.fetching, cmd.repo)

	n.sched.Cancel(cmd.repo)
	n.broadcastEnvelope(gossip.UnsubscribeMsg, gossip.Unsubscribe{Repos: []string{cmd.repo}})

	n.emit(Event{Type: EvUntracked, Repo: cmd.repo})
	cmd.resp <- cmdResult{}
}

func (n *Node) doAnnounce(cmd command) {
	if _, ok := n.tracked[cmd.repo]; !ok {
		cmd.resp <- cmdResult{err: ErrNotTracked}
		return
	}
	state, err := n.backend.CurrentState(cmd.repo)
	if err != nil {
		cmd.resp <- cmdResult{err: err}
		return
	}
	n.announceState(cmd.repo, state)
	cmd.resp <- cmdResult{}
}

func (n *Node) syncStatus() []SyncStatus {
	out := make([]SyncStatus, 0, len(n.tracked))
	for repo := range n.tracked {
		st := SyncStatus{Repo: repo, Fetching: n.fetching[repo]}
		if local, err := n.backend.CurrentState(repo); err == nil {
			st.LocalTimestamp = local.Timestamp
		}
		if seeders, err := n.store.SeedersFor(repo); err == nil && len(seeders) > 0 {
			st.NetworkTimestamp = seeders[0].Timestamp
		}
		st.InSync = st.LocalTimestamp >= st.NetworkTimestamp
		out = append(out, st)
	}
	return out
}

/*
Send helpers
*/

func (n *Node) sendEnvelope(handle uint64, t gossip.MsgType, payload interface{}) {
	env, err := n.engine.NewEnvelope(t, payload)
	if err != nil {
		n.logger.WithError(err).Error("Failed to build envelope")
		return
	}
	n.sendRaw(handle, env)
}

func (n *Node) sendRaw(handle uint64, env *gossip.Envelope) {
	raw, err := env.Marshal()
	if err != nil {
		n.logger.WithError(err).Error("Failed to marshal envelope")
		return
	}
	if err := n.trans.Send(handle, raw); err != nil {
		n.logger.WithFields(logrus.Fields{
			"handle": handle,
			"type":   env.Type.String(),
		}).WithError(err).Debug("Send failed")
	}
}

func (n *Node) broadcastEnvelope(t gossip.MsgType, payload interface{}) {
	env, err := n.engine.NewEnvelope(t, payload)
	if err != nil {
		return
	}
	raw, err := env.Marshal()
	if err != nil {
		return
	}

	n.sessionsLock.RLock()
	handles := make([]uint64, 0, len(n.sessions))
	for h := range n.sessions {
		handles = append(handles, h)
	}
	n.sessionsLock.RUnlock()

	for _, h := range handles {
		n.trans.Send(h, raw)
	}
}

/*
Stats
*/

// GetStats returns a flat map of node counters.
func (n *Node) GetStats() map[string]string {
	n.sessionsLock.RLock()
	numSessions := len(n.sessions)
	n.sessionsLock.RUnlock()

	return map[string]string{
		"id":                  fmt.Sprint(n.identity.ID()),
		"moniker":             n.identity.Moniker,
		"state":               n.getState().String(),
		"uptime":              time.Since(n.start).String(),
		"num_sessions":        strconv.Itoa(numSessions),
		"num_tracked":         strconv.Itoa(len(n.tracked)),
		"inventories_applied": strconv.FormatInt(atomic.LoadInt64(&n.inventoriesApplied), 10),
		"fetches_completed":   strconv.FormatInt(atomic.LoadInt64(&n.fetchesCompleted), 10),
		"fetches_failed":      strconv.FormatInt(atomic.LoadInt64(&n.fetchesFailed), 10),
		"advertise_addr":      n.trans.AdvertiseAddr(),
	}
}
