/*
Package store persists the node's durable state in a badger database: peer
records with reputation, the routing table mapping (repository, node) to the
node's last announced reference state, and spilled gossip fingerprints so a
restart does not re-flood recently seen announcements.

All mutation goes through badger transactions; timestamp monotonicity for
routing entries is enforced inside the transaction.
*/
package store
