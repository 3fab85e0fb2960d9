/*
Package keys implements the node identity: a secp256k1 ECDSA key-pair. The
public key is the NodeID; it signs every gossip message and the session
handshake, so a peer's identity is stable across addresses and restarts.
*/
package keys
