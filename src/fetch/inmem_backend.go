package fetch

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgenet/forge/src/gossip"
)

// InmemNetwork is a process-local transfer fabric connecting InmemBackends.
// It stands in for the out-of-band data channel real backends use.
type InmemNetwork struct {
	sync.Mutex
	nextID    uint64
	transfers map[string]gossip.RefState
}

// NewInmemNetwork ...
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		transfers: make(map[string]gossip.RefState),
	}
}

func (n *InmemNetwork) publish(repo string, state gossip.RefState) string {
	n.Lock()
	defer n.Unlock()
	n.nextID++
	desc := fmt.Sprintf("inmem:%s:%d", repo, n.nextID)
	n.transfers[desc] = state
	return desc
}

func (n *InmemNetwork) pull(descriptor string) (gossip.RefState, bool) {
	n.Lock()
	defer n.Unlock()
	state, ok := n.transfers[descriptor]
	return state, ok
}

// InmemBackend implements Backend in memory, for tests and for running the
// engine without real repository storage.
type InmemBackend struct {
	sync.Mutex
	network *InmemNetwork
	states  map[string]gossip.RefState
	staged  map[string]gossip.RefState

	// corrupt marks repositories whose next verification must fail.
	corrupt map[string]bool
}

// NewInmemBackend creates an InmemBackend attached to a shared network.
func NewInmemBackend(network *InmemNetwork) *InmemBackend {
	return &InmemBackend{
		network: network,
		states:  make(map[string]gossip.RefState),
		staged:  make(map[string]gossip.RefState),
		corrupt: make(map[string]bool),
	}
}

// SetState seeds the local state of a repository.
func (b *InmemBackend) SetState(repo string, state gossip.RefState) {
	b.Lock()
	defer b.Unlock()
	b.states[repo] = state
}

// Corrupt makes the next verification of repo fail, simulating a bad
// transfer.
func (b *InmemBackend) Corrupt(repo string) {
	b.Lock()
	defer b.Unlock()
	b.corrupt[repo] = true
}

// CurrentState implements Backend.
func (b *InmemBackend) CurrentState(repo string) (gossip.RefState, error) {
	b.Lock()
	defer b.Unlock()
	return b.states[repo], nil
}

// Fetch implements Backend.
func (b *InmemBackend) Fetch(ctx context.Context, repo string, descriptor string, known gossip.RefState) (gossip.RefState, error) {
	if err := ctx.Err(); err != nil {
		return gossip.RefState{}, err
	}
	state, ok := b.network.pull(descriptor)
	if !ok {
		return gossip.RefState{}, fmt.Errorf("fetch: unknown transfer %s", descriptor)
	}

	b.Lock()
	defer b.Unlock()
	b.staged[repo] = state
	return state, nil
}

// Serve implements Backend.
func (b *InmemBackend) Serve(ctx context.Context, repo string, requested gossip.RefState) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.Lock()
	defer b.Unlock()
	state, ok := b.states[repo]
	if !ok {
		return "", fmt.Errorf("fetch: repository %s not stored", repo)
	}
	return b.network.publish(repo, state), nil
}

// Verify implements Backend. On failure the staged transfer is discarded and
// the live state is untouched.
func (b *InmemBackend) Verify(repo string, state gossip.RefState) error {
	b.Lock()
	defer b.Unlock()

	staged, ok := b.staged[repo]
	delete(b.staged, repo)

	if b.corrupt[repo] {
		delete(b.corrupt, repo)
		return fmt.Errorf("fetch: verification failed for %s", repo)
	}
	if !ok || !staged.Equal(state) {
		return fmt.Errorf("fetch: staged state mismatch for %s", repo)
	}

	b.states[repo] = staged
	return nil
}
