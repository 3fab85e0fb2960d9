// Package service exposes the node's control and query surface to in-process
// consumers: the CLI glue and applications embedding the engine. It carries
// no transport of its own.
package service

import (
	"github.com/forgenet/forge/src/node"
	"github.com/forgenet/forge/src/peers"
	"github.com/forgenet/forge/src/store"
	"github.com/sirupsen/logrus"
)

// Service wraps a node with a stable control API.
type Service struct {
	node   *node.Node
	logger *logrus.Entry
}

// NewService ...
func NewService(n *node.Node, logger *logrus.Entry) *Service {
	return &Service{
		node:   n,
		logger: logger.WithField("component", "service"),
	}
}

// Connect dials a remote node.
func (s *Service) Connect(addr string) error {
	s.logger.WithField("addr", addr).Debug("Connect")
	return s.node.Connect(addr)
}

// Disconnect closes the session with a node.
func (s *Service) Disconnect(nodeHex string) error {
	s.logger.WithField("node", nodeHex).Debug("Disconnect")
	return s.node.Disconnect(nodeHex)
}

// Track adds a repository to the tracked set.
func (s *Service) Track(repo string, scope string) error {
	s.logger.WithField("repo", repo).Debug("Track")
	return s.node.Track(repo, scope)
}

// Untrack removes a repository from the tracked set.
func (s *Service) Untrack(repo string) error {
	s.logger.WithField("repo", repo).Debug("Untrack")
	return s.node.Untrack(repo)
}

// Announce floods the local state of a tracked repository.
func (s *Service) Announce(repo string) error {
	s.logger.WithField("repo", repo).Debug("Announce")
	return s.node.Announce(repo)
}

// Tracked returns the tracked repositories and their scopes.
func (s *Service) Tracked() (map[string]string, error) {
	return s.node.Tracked()
}

// Peers returns all known peer records.
func (s *Service) Peers() ([]*peers.Peer, error) {
	return s.node.Peers()
}

// Routing returns the routing table grouped by repository.
func (s *Service) Routing() (map[string][]store.RoutingEntry, error) {
	return s.node.RoutingSnapshot()
}

// Seeds returns the known seeders of a repository, most recent first.
func (s *Service) Seeds(repo string) ([]store.RoutingEntry, error) {
	return s.node.Seeds(repo)
}

// Sessions returns a snapshot of the live sessions.
func (s *Service) Sessions() ([]node.SessionSummary, error) {
	return s.node.Sessions()
}

// SyncStatus reports, per tracked repository, how the local state compares
// to the network.
func (s *Service) SyncStatus() ([]node.SyncStatus, error) {
	return s.node.SyncStatusAll()
}

// Stats returns a flat map of node counters.
func (s *Service) Stats() map[string]string {
	return s.node.GetStats()
}

// Events returns the node's observability stream.
func (s *Service) Events() <-chan node.Event {
	return s.node.Events()
}
