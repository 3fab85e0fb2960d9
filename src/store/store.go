package store

import (
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/forgenet/forge/src/common"
	"github.com/forgenet/forge/src/peers"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// SchemaVersion is the on-disk schema version. A database written with a
// different version is refused at open time.
const SchemaVersion = "1"

// DefaultDedupTTL bounds how long spilled gossip fingerprints survive.
const DefaultDedupTTL = time.Hour

const (
	schemaKey     = "meta_schema"
	peerPrefix    = "peer_"
	routingPrefix = "routing_"
	dedupPrefix   = "dedup_"
	// sep separates key components that may themselves contain '_'
	sep = "\x00"
)

// RoutingEntry records one node's last announced state for one repository.
// Timestamp is the announcement's logical value and only orders announcements
// from the same node; Refreshed is the wall-clock write time maintained by
// the store and is what the TTL sweep expires on.
type RoutingEntry struct {
	Repo      string
	NodeHex   string
	DigestHex string
	Timestamp int64
	Refreshed int64
}

// Store is the badger-backed persistence layer.
type Store struct {
	db       *badger.DB
	path     string
	dedupTTL time.Duration
	logger   *logrus.Entry
}

// NewStore opens (or creates) the database at path and checks the schema
// version. An incompatible schema is a fatal, unrecoverable error.
func NewStore(path string, logger *logrus.Entry) (*Store, error) {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		path:     path,
		dedupTTL: DefaultDedupTTL,
		logger:   logger.WithField("component", "store"),
	}

	if err := s.checkSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database directory.
func (s *Store) Path() string {
	return s.path
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// checkSchema verifies or initializes the schema version key.
func (s *Store) checkSchema() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaKey))
		if err == badger.ErrKeyNotFound {
			return txn.Set([]byte(schemaKey), []byte(SchemaVersion))
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(val) != SchemaVersion {
			return common.NewStoreErr("Schema", common.SchemaMismatch, string(val))
		}
		return nil
	})
}

func marshal(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, &codec.MsgpackHandle{})
	return dec.Decode(v)
}

/*
Peers
*/

func peerKey(pubKeyHex string) []byte {
	return []byte(peerPrefix + strings.ToUpper(pubKeyHex))
}

// UpsertPeer writes a peer record, replacing any previous one.
func (s *Store) UpsertPeer(p *peers.Peer) error {
	raw, err := marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(peerKey(p.PubKeyHex), raw)
	})
}

// GetPeer returns the peer record for a public key.
func (s *Store) GetPeer(pubKeyHex string) (*peers.Peer, error) {
	var peer peers.Peer
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(peerKey(pubKeyHex))
		if err == badger.ErrKeyNotFound {
			return common.NewStoreErr("Peer", common.KeyNotFound, pubKeyHex)
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return unmarshal(raw, &peer)
	})
	if err != nil {
		return nil, err
	}
	return &peer, nil
}

// Peers returns all known peer records.
func (s *Store) Peers() ([]*peers.Peer, error) {
	var res []*peers.Peer
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(peerPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var peer peers.Peer
			if err := unmarshal(raw, &peer); err != nil {
				return err
			}
			res = append(res, &peer)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// TouchPeer refreshes a peer's LastSeen timestamp, creating the record if
// needed.
func (s *Store) TouchPeer(pubKeyHex string, lastSeen int64) error {
	peer, err := s.GetPeer(pubKeyHex)
	if err != nil {
		if !common.IsStore(err, common.KeyNotFound) {
			return err
		}
		peer = peers.NewPeer(pubKeyHex, "", peers.SourceGossiped)
	}
	if lastSeen > peer.LastSeen {
		peer.LastSeen = lastSeen
	}
	return s.UpsertPeer(peer)
}

// BumpReputation adjusts a peer's reputation score, clamped to the peers
// package bounds.
func (s *Store) BumpReputation(pubKeyHex string, delta int) error {
	peer, err := s.GetPeer(pubKeyHex)
	if err != nil {
		return err
	}
	peer.BumpReputation(delta)
	return s.UpsertPeer(peer)
}

// UpsertAddress records an address observation on a peer, creating the peer
// record if needed.
func (s *Store) UpsertAddress(pubKeyHex string, addr peers.Address) error {
	peer, err := s.GetPeer(pubKeyHex)
	if err != nil {
		if !common.IsStore(err, common.KeyNotFound) {
			return err
		}
		peer = peers.NewPeer(pubKeyHex, "", addr.Source)
	}
	peer.UpsertAddress(addr)
	return s.UpsertPeer(peer)
}

// AddressesFor returns the known addresses of a peer.
func (s *Store) AddressesFor(pubKeyHex string) ([]peers.Address, error) {
	peer, err := s.GetPeer(pubKeyHex)
	if err != nil {
		return nil, err
	}
	return peer.Addresses, nil
}

/*
Routing
*/

func routingKey(repo, nodeHex string) []byte {
	return []byte(routingPrefix + repo + sep + strings.ToUpper(nodeHex))
}

func routingRepoPrefix(repo string) []byte {
	return []byte(routingPrefix + repo + sep)
}

// UpsertRouting writes the routing entry for (repo, node) if ts strictly
// advances the stored timestamp; otherwise it returns a Stale error and
// leaves the entry untouched.
func (s *Store) UpsertRouting(repo, nodeHex, digestHex string, ts int64) error {
	return s.upsertRoutingAt(repo, nodeHex, digestHex, ts, time.Now().UnixNano())
}

func (s *Store) upsertRoutingAt(repo, nodeHex, digestHex string, ts int64, refreshed int64) error {
	entry := RoutingEntry{
		Repo:      repo,
		NodeHex:   nodeHex,
		DigestHex: digestHex,
		Timestamp: ts,
		Refreshed: refreshed,
	}
	raw, err := marshal(entry)
	if err != nil {
		return err
	}

	key := routingKey(repo, nodeHex)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			prevRaw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var prev RoutingEntry
			if err := unmarshal(prevRaw, &prev); err != nil {
				return err
			}
			if ts <= prev.Timestamp {
				return common.NewStoreErr("Routing", common.Stale, repo)
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, raw)
	})
}

// GetRouting returns the routing entry for (repo, node).
func (s *Store) GetRouting(repo, nodeHex string) (*RoutingEntry, error) {
	var entry RoutingEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(routingKey(repo, nodeHex))
		if err == badger.ErrKeyNotFound {
			return common.NewStoreErr("Routing", common.KeyNotFound, repo)
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return unmarshal(raw, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeleteRouting removes the routing entry for (repo, node). Deleting a
// missing entry is not an error.
func (s *Store) DeleteRouting(repo, nodeHex string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(routingKey(repo, nodeHex))
	})
}

// SeedersFor returns the routing entries for a repository, most recently
// announced first.
func (s *Store) SeedersFor(repo string) ([]RoutingEntry, error) {
	var res []RoutingEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := routingRepoPrefix(repo)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var entry RoutingEntry
			if err := unmarshal(raw, &entry); err != nil {
				return err
			}
			res = append(res, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Timestamp > res[j].Timestamp
	})
	return res, nil
}

// RoutingSnapshot returns all routing entries grouped by repository.
func (s *Store) RoutingSnapshot() (map[string][]RoutingEntry, error) {
	res := make(map[string][]RoutingEntry)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(routingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var entry RoutingEntry
			if err := unmarshal(raw, &entry); err != nil {
				return err
			}
			res[entry.Repo] = append(res[entry.Repo], entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// EvictStale removes routing entries not refreshed within ttl and returns how
// many were dropped. Expiry goes by the store's own write stamp: announcement
// timestamps are logical and say nothing about wall-clock age.
func (s *Store) EvictStale(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl).UnixNano()

	var victims [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(routingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var entry RoutingEntry
			if err := unmarshal(raw, &entry); err != nil {
				return err
			}
			if entry.Refreshed < cutoff {
				victims = append(victims, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(victims) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range victims {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.WithField("count", len(victims)).Debug("Evicted stale routing entries")

	return len(victims), nil
}

/*
Dedup spill
*/

// SeenFingerprint reports whether a gossip fingerprint is recorded.
func (s *Store) SeenFingerprint(fp string) (bool, error) {
	var seen bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(dedupPrefix + fp))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		seen = true
		return nil
	})
	return seen, err
}

// RecordFingerprint stores a gossip fingerprint with the dedup TTL.
func (s *Store) RecordFingerprint(fp string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(dedupPrefix+fp), []byte{1}).WithTTL(s.dedupTTL)
		return txn.SetEntry(entry)
	})
}
