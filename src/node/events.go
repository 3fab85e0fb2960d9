package node

// EventType discriminates observability events.
type EventType uint8

const (
	// EvSessionUp: a session reached Active.
	EvSessionUp EventType = iota
	// EvSessionDown: a session terminated.
	EvSessionDown
	// EvInventoryApplied: a remote announcement advanced the routing table.
	EvInventoryApplied
	// EvFetchCompleted: a replication job finished successfully.
	EvFetchCompleted
	// EvFetchFailed: a replication job gave up.
	EvFetchFailed
	// EvTracked: a repository entered the tracked set.
	EvTracked
	// EvUntracked: a repository left the tracked set.
	EvUntracked
)

// String ...
func (t EventType) String() string {
	switch t {
	case EvSessionUp:
		return "SessionUp"
	case EvSessionDown:
		return "SessionDown"
	case EvInventoryApplied:
		return "InventoryApplied"
	case EvFetchCompleted:
		return "FetchCompleted"
	case EvFetchFailed:
		return "FetchFailed"
	case EvTracked:
		return "Tracked"
	case EvUntracked:
		return "Untracked"
	default:
		return "Unknown"
	}
}

// Event is one observability event. Consumers that fall behind lose events;
// the stream is advisory, not a replication mechanism.
type Event struct {
	Type   EventType
	Node   string
	Handle uint64
	Repo   string
	Err    error
}
