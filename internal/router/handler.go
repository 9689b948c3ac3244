package router

import "github.com/1ureka/relaymesh/internal/protocol"

// Handler owns the payload semantics of one or more command tags.
type Handler interface {
	// OnPeerChange is called after a peer joins, and before it is removed
	// from the peer set when it leaves.
	OnPeerChange(id protocol.PeerID, connected bool)
	// Process handles one packet, tag byte included. from is the logical
	// sender, which differs from the transport sender for relayed packets.
	Process(from protocol.PeerID, data []byte) error
}

// Replicator is the replication handler, which also needs per-poll and
// teardown hooks.
type Replicator interface {
	Handler
	// OnNetworkProcess runs once at the end of every Poll.
	OnNetworkProcess()
	// OnReset runs when the transport is replaced or the server goes away.
	OnReset()
}

// Handlers groups the content handlers. Any of them may be nil, in which
// case packets carrying their tags fail with ErrUnknownCommand.
type Handlers struct {
	PathCache   Handler // SIMPLIFY_PATH, CONFIRM_PATH
	RPC         Handler // REMOTE_CALL
	Replication Replicator
}

// joinOrder lists the handlers notified when a peer connects. Disconnects
// walk it backwards.
func (h Handlers) joinOrder() []Handler {
	out := make([]Handler, 0, 3)
	if h.PathCache != nil {
		out = append(out, h.PathCache)
	}
	if h.RPC != nil {
		out = append(out, h.RPC)
	}
	if h.Replication != nil {
		out = append(out, h.Replication)
	}
	return out
}

// Listener receives application-facing notifications. Any field may be nil.
type Listener struct {
	PeerConnected      func(id protocol.PeerID)
	PeerDisconnected   func(id protocol.PeerID)
	ConnectedToServer  func()
	ConnectionFailed   func()
	ServerDisconnected func()
	// PeerPacket delivers a RAW payload with its tag byte stripped.
	PeerPacket func(from protocol.PeerID, data []byte)
}
