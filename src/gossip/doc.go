/*
Package gossip implements the epidemic dissemination core: signed envelopes
carrying inventory announcements, subscription control, liveness pings, and
fetch negotiation. The Engine verifies every inbound envelope before any state
change, enforces per-sender-per-repository timestamp monotonicity against the
routing store, suppresses loops with a fingerprint dedup cache, and decides
which sessions an announcement should be relayed to.

The Engine performs no IO of its own: it returns forwarding and reply
decisions to the caller, which owns the sessions.
*/
package gossip
