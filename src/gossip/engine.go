package gossip

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/forgenet/forge/src/common"
	"github.com/forgenet/forge/src/crypto/keys"
	"github.com/forgenet/forge/src/peers"
	"github.com/sirupsen/logrus"
)

// violationLimit is the number of protocol violations tolerated from a single
// node before the Engine asks for the session to be dropped.
const violationLimit = 3

// Store is the slice of the routing/peer store the Engine needs. Inventory
// monotonicity and dedup persistence go through it.
type Store interface {
	UpsertRouting(repo, nodeHex, digestHex string, ts int64) error
	SeenFingerprint(fp string) (bool, error)
	RecordFingerprint(fp string) error
	GetPeer(pubKeyHex string) (*peers.Peer, error)
	UpsertPeer(p *peers.Peer) error
	UpsertAddress(pubKeyHex string, addr peers.Address) error
	BumpReputation(pubKeyHex string, delta int) error
}

// Result carries the Engine's decisions back to the caller, which owns the
// sessions and performs all IO.
type Result struct {
	// ForwardTo lists the session handles the envelope should be relayed to.
	ForwardTo []uint64
	// Reply, when non-nil, is sent back on the originating session.
	Reply *Envelope
	// Applied reports whether an Inventory advanced the routing table.
	Applied bool
	// Drop asks the caller to close the originating session after repeated
	// protocol violations.
	Drop bool
}

// session is the Engine's view of one authenticated session.
type session struct {
	nodeHex string
	// subs is the remote interest set; empty means unfiltered.
	subs map[string]bool
}

func (s *session) wants(repo string) bool {
	return len(s.subs) == 0 || s.subs[repo]
}

// Engine is the gossip decision core. It is not safe for concurrent use; the
// orchestrator calls it from its single event loop.
type Engine struct {
	priv       *ecdsa.PrivateKey
	selfHex    string
	store      Store
	dedup      *Dedup
	sessions   map[uint64]*session
	violations map[string]int
	logger     *logrus.Entry
}

// NewEngine creates an Engine signing with priv and persisting through store.
func NewEngine(priv *ecdsa.PrivateKey, store Store, dedup *Dedup, logger *logrus.Entry) *Engine {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}
	return &Engine{
		priv:       priv,
		selfHex:    keys.PublicKeyHex(&priv.PublicKey),
		store:      store,
		dedup:      dedup,
		sessions:   make(map[uint64]*session),
		violations: make(map[string]int),
		logger:     logger.WithField("component", "gossip"),
	}
}

// NewEnvelope builds and signs an envelope of the given type around payload.
func (e *Engine) NewEnvelope(t MsgType, payload interface{}) (*Envelope, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		Version:   EnvelopeVersion,
		Type:      t,
		Timestamp: time.Now().UnixNano(),
		Payload:   raw,
	}
	if err := env.Sign(e.priv); err != nil {
		return nil, err
	}
	return env, nil
}

// AddSession registers an authenticated session. New sessions start
// unfiltered.
func (e *Engine) AddSession(handle uint64, nodeHex string) {
	e.sessions[handle] = &session{
		nodeHex: nodeHex,
		subs:    make(map[string]bool),
	}
}

// RemoveSession forgets a session.
func (e *Engine) RemoveSession(handle uint64) {
	delete(e.sessions, handle)
}

// SessionNode returns the node behind a session handle.
func (e *Engine) SessionNode(handle uint64) (string, bool) {
	s, ok := e.sessions[handle]
	if !ok {
		return "", false
	}
	return s.nodeHex, true
}

// Subscriptions returns a session's interest set; empty means unfiltered.
func (e *Engine) Subscriptions(handle uint64) []string {
	s, ok := e.sessions[handle]
	if !ok {
		return nil
	}
	repos := make([]string, 0, len(s.subs))
	for repo := range s.subs {
		repos = append(repos, repo)
	}
	return repos
}

// Targets returns the handles of all sessions whose interest set matches
// repo, excluding the given handle.
func (e *Engine) Targets(repo string, exclude uint64) []uint64 {
	var targets []uint64
	for handle, s := range e.sessions {
		if handle == exclude {
			continue
		}
		if s.wants(repo) {
			targets = append(targets, handle)
		}
	}
	return targets
}

// Receive runs an inbound envelope through the verification gate and the
// type-specific handling, and returns the resulting decisions. Pong,
// FetchRequest, and FetchResponse envelopes pass the gate here but are acted
// on by the caller.
func (e *Engine) Receive(handle uint64, env *Envelope, now time.Time) (Result, error) {
	sess, ok := e.sessions[handle]
	if !ok {
		return Result{}, fmt.Errorf("gossip: unknown session handle %d", handle)
	}

	if err := env.Verify(); err != nil {
		return e.violation(sess, err)
	}
	// Inventories travel multi-hop carrying the origin's signature; every
	// other type is session-scoped and must be signed by the session's node.
	if env.Type != InventoryMsg && env.FromHex() != sess.nodeHex {
		return e.violation(sess, fmt.Errorf("gossip: envelope signer %s does not match session node", env.FromHex()))
	}

	switch env.Type {
	case InfoMsg:
		return e.receiveInfo(sess, env)
	case InventoryMsg:
		return e.receiveInventory(handle, sess, env, now)
	case SubscribeMsg:
		return e.receiveSubscribe(sess, env)
	case UnsubscribeMsg:
		return e.receiveUnsubscribe(sess, env)
	case PingMsg:
		return e.receivePing(sess, env)
	case PongMsg, FetchRequestMsg, FetchResponseMsg:
		return Result{}, nil
	default:
		return e.violation(sess, ErrBadEnvelope)
	}
}

func (e *Engine) receiveInfo(sess *session, env *Envelope) (Result, error) {
	var info Info
	if err := DecodePayload(env.Payload, &info); err != nil {
		return e.violation(sess, err)
	}

	peer, err := e.store.GetPeer(sess.nodeHex)
	if err != nil {
		if !common.IsStore(err, common.KeyNotFound) {
			return Result{}, err
		}
		peer = peers.NewPeer(sess.nodeHex, "", peers.SourceGossiped)
	}

	peer.Moniker = info.Moniker
	peer.LastSeen = env.Timestamp
	for _, addr := range info.Addresses {
		peer.UpsertAddress(peers.Address{NetAddr: addr, Source: peers.SourceGossiped})
	}

	if err := e.store.UpsertPeer(peer); err != nil {
		return Result{}, err
	}

	e.logger.WithFields(logrus.Fields{
		"node":    sess.nodeHex,
		"moniker": info.Moniker,
	}).Debug("Peer info")

	return Result{}, nil
}

func (e *Engine) receiveInventory(handle uint64, sess *session, env *Envelope, now time.Time) (Result, error) {
	var inv Inventory
	if err := DecodePayload(env.Payload, &inv); err != nil {
		return e.violation(sess, err)
	}
	if inv.Repo == "" {
		return e.violation(sess, fmt.Errorf("gossip: inventory with empty repo"))
	}

	// the routing entry belongs to the origin signer, not to the session
	// that relayed the envelope
	origin := env.FromHex()
	if origin == e.selfHex {
		// our own announcement echoed back
		return Result{}, nil
	}

	fp := env.Fingerprint()
	if e.dedup.Seen(fp, now) {
		return Result{}, nil
	}
	if seen, err := e.store.SeenFingerprint(fp); err != nil {
		e.dedup.Forget(fp)
		return Result{}, err
	} else if seen {
		return Result{}, nil
	}

	err := e.store.UpsertRouting(inv.Repo, origin, inv.State.DigestHex(), inv.State.Timestamp)
	if err != nil && !common.IsStore(err, common.Stale) {
		// transient store failure: forget the fingerprint so a retry of the
		// same envelope can still land
		e.dedup.Forget(fp)
		return Result{}, err
	}

	// the envelope reached a terminal outcome; only now is its fingerprint
	// worth persisting
	if recErr := e.store.RecordFingerprint(fp); recErr != nil {
		e.logger.WithError(recErr).Warn("Failed to persist fingerprint")
	}

	if err != nil {
		// already known or regressing; do not propagate
		e.logger.WithFields(logrus.Fields{
			"repo":   inv.Repo,
			"origin": origin,
		}).Debug("Stale inventory")
		return Result{}, nil
	}

	var targets []uint64
	for h, s := range e.sessions {
		if h == handle || s.nodeHex == origin {
			continue
		}
		if s.wants(inv.Repo) {
			targets = append(targets, h)
		}
	}

	return Result{
		ForwardTo: targets,
		Applied:   true,
	}, nil
}

func (e *Engine) receiveSubscribe(sess *session, env *Envelope) (Result, error) {
	var sub Subscribe
	if err := DecodePayload(env.Payload, &sub); err != nil {
		return e.violation(sess, err)
	}
	for _, repo := range sub.Repos {
		sess.subs[repo] = true
	}
	return Result{}, nil
}

func (e *Engine) receiveUnsubscribe(sess *session, env *Envelope) (Result, error) {
	var unsub Unsubscribe
	if err := DecodePayload(env.Payload, &unsub); err != nil {
		return e.violation(sess, err)
	}
	for _, repo := range unsub.Repos {
		delete(sess.subs, repo)
	}
	return Result{}, nil
}

func (e *Engine) receivePing(sess *session, env *Envelope) (Result, error) {
	var ping Ping
	if err := DecodePayload(env.Payload, &ping); err != nil {
		return e.violation(sess, err)
	}
	pong, err := e.NewEnvelope(PongMsg, Pong{Nonce: ping.Nonce})
	if err != nil {
		return Result{}, err
	}
	return Result{Reply: pong}, nil
}

// violation records a protocol violation from the session's node, penalizing
// its reputation and asking for a disconnect once over the limit.
func (e *Engine) violation(sess *session, cause error) (Result, error) {
	e.violations[sess.nodeHex]++
	count := e.violations[sess.nodeHex]

	if err := e.store.BumpReputation(sess.nodeHex, -2); err != nil && !common.IsStore(err, common.KeyNotFound) {
		e.logger.WithError(err).Warn("Failed to penalize reputation")
	}

	e.logger.WithFields(logrus.Fields{
		"node":  sess.nodeHex,
		"count": count,
	}).WithError(cause).Warn("Protocol violation")

	return Result{Drop: count >= violationLimit}, cause
}
