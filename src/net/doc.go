/*
Package net implements the authenticated transport between nodes. It is built
on a low-level StreamLayer abstraction (plain TCP by default) so other stream
transports can be added without touching the session logic.

Every connection runs a signed two-message handshake that negotiates the
protocol version, proves both identities, and derives directional AEAD keys
bound to the handshake transcript. After the handshake, whole frames travel
inside the encrypted channel; the transport never interprets payload bytes.

The transport surfaces session lifecycle and inbound payloads as Events on a
single consumer channel, preserving per-session ordering.
*/
package net
