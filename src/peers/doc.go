/*
Package peers defines the address-book records of the replication engine: a
Peer is a NodeID (public key) with a reputation score, a last-seen timestamp,
and the set of network addresses it was observed at. The package also reads
and writes the bootstrap peers.json file.
*/
package peers
