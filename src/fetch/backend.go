package fetch

import (
	"context"

	"github.com/forgenet/forge/src/gossip"
)

// Backend is the engine's window onto repository storage. The engine never
// reads repository objects itself: it only moves reference-state summaries
// around and tells the backend when and from where to transfer.
//
// The transfer itself moves out-of-band, addressed by an opaque descriptor.
// Trust does not rest on that channel: the descriptor and the resulting
// state arrive in a FetchResponse signed by the source over the
// authenticated session, and the scheduler finalizes a transfer only when
// Verify proves the staged data matches that signed state bit-for-bit.
//
// Fetch stages incoming data without touching the live repository; Verify
// finalizes the staged transfer, discarding it atomically on error so a
// failed verification never corrupts local state.
type Backend interface {
	// CurrentState returns the local state of a repository.
	CurrentState(repo string) (gossip.RefState, error)

	// Fetch pulls a transfer identified by descriptor into staging and
	// returns the staged state.
	Fetch(ctx context.Context, repo string, descriptor string, known gossip.RefState) (gossip.RefState, error)

	// Serve prepares an outbound transfer for a peer and returns its
	// descriptor.
	Serve(ctx context.Context, repo string, requested gossip.RefState) (string, error)

	// Verify checks the staged transfer against the state the source
	// promised and finalizes it; any mismatch discards the staged data.
	Verify(repo string, state gossip.RefState) error
}
