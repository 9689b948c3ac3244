// Package router classifies inbound packets by command tag, hands them to the
// content handlers, and relays traffic through the hub so that spokes of a
// star transport can address each other as if the session were a mesh.
//
// A Router is not safe for concurrent use. Every method, including Poll, must
// be called from the same goroutine; transport callbacks fire from inside
// Poll on that goroutine.
package router

import (
	"fmt"
	"path"

	"github.com/1ureka/relaymesh/internal/peer"
	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/util"
)

type processFunc func(from protocol.PeerID, data []byte) error

// Router is the dispatch-and-relay engine for one session.
type Router struct {
	tr    transport.Peer
	root  string
	relay bool

	peers    *peer.Set
	handlers Handlers
	listener Listener

	// Content tags only; CmdSystem never reaches the table.
	table [protocol.CmdSystem]processFunc
}

// Option configures a Router at construction.
type Option func(*Router)

// WithRelay enables hub relaying.
func WithRelay(enabled bool) Option {
	return func(r *Router) { r.relay = enabled }
}

// WithRootPath sets the initial root binding.
func WithRootPath(p string) Option {
	return func(r *Router) { r.root = p }
}

// WithListener sets the application notifications.
func WithListener(l Listener) Option {
	return func(r *Router) { r.listener = l }
}

// New creates a router with no transport and no content handlers.
func New(opts ...Option) *Router {
	r := &Router{
		relay: true,
		peers: peer.NewSet(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.buildTable()
	return r
}

// SetHandlers installs the content handlers. Handlers usually hold the
// router itself as their Network, so they are attached after New.
func (r *Router) SetHandlers(h Handlers) {
	r.handlers = h
	r.buildTable()
}

// SetListener replaces the application notifications.
func (r *Router) SetListener(l Listener) {
	r.listener = l
}

func (r *Router) buildTable() {
	r.table = [protocol.CmdSystem]processFunc{}
	r.table[protocol.CmdRaw] = r.processRaw
	if h := r.handlers.PathCache; h != nil {
		r.table[protocol.CmdSimplifyPath] = h.Process
		r.table[protocol.CmdConfirmPath] = h.Process
	}
	if h := r.handlers.RPC; h != nil {
		r.table[protocol.CmdRemoteCall] = h.Process
	}
	if h := r.handlers.Replication; h != nil {
		r.table[protocol.CmdSpawn] = h.Process
		r.table[protocol.CmdDespawn] = h.Process
		r.table[protocol.CmdSync] = h.Process
	}
}

// ---------------------------------------------------------------------------
// Transport binding
// ---------------------------------------------------------------------------

// SetTransport binds tr, or unbinds the current transport when tr is nil.
// The previous transport is unhooked and all per-session state is cleared.
// A transport that is already disconnected is rejected.
func (r *Router) SetTransport(tr transport.Peer) error {
	if tr == r.tr {
		return nil
	}
	if tr != nil && tr.ConnectionStatus() == transport.StatusDisconnected {
		return fmt.Errorf("%w: transport must be connecting or connected", ErrPreconditionUnmet)
	}

	if r.tr != nil {
		r.tr.SetCallbacks(transport.Callbacks{})
		r.Clear()
	}

	r.tr = tr

	if tr != nil {
		tr.SetCallbacks(transport.Callbacks{
			PeerConnected:       r.addPeer,
			PeerDisconnected:    r.delPeer,
			ConnectionSucceeded: r.connectedToServer,
			ConnectionFailed:    r.connectionFailed,
			ServerDisconnected:  r.serverDisconnected,
		})
	}

	if h := r.handlers.Replication; h != nil {
		h.OnReset()
	}
	return nil
}

// Transport returns the bound transport, or nil.
func (r *Router) Transport() transport.Peer {
	return r.tr
}

// Clear forgets every peer and asks handlers that keep caches to drop them.
func (r *Router) Clear() {
	r.peers.Clear()
	for _, h := range r.handlers.joinOrder() {
		if c, ok := h.(interface{ Clear() }); ok {
			c.Clear()
		}
	}
}

// active reports whether a usable transport is bound. Handlers and transport
// callbacks may unbind or close it at any point during Poll.
func (r *Router) active() bool {
	return r.tr != nil && r.tr.ConnectionStatus() != transport.StatusDisconnected
}

// ---------------------------------------------------------------------------
// Poll loop
// ---------------------------------------------------------------------------

// Poll advances the transport and drains every packet currently available.
// It never blocks and must be called periodically.
//
// Packets that fail to dispatch are logged and dropped; only a missing
// transport or a transport read failure is returned.
func (r *Router) Poll() error {
	if !r.active() {
		return ErrNotConfigured
	}

	r.tr.Poll()

	// Polling may have fired a disconnect that tore the transport down.
	if !r.active() {
		return nil
	}

	for r.tr.AvailablePacketCount() > 0 {
		pkt, err := r.tr.GetPacket()
		if err != nil {
			return fmt.Errorf("failed to get packet: %w", err)
		}
		util.Stats.AddRecv(len(pkt.Data))

		if err := r.classify(pkt.From, pkt.Data, pkt.Mode, pkt.Channel, false); err != nil {
			r.drop(pkt.From, err)
		}

		// The packet itself may have caused a teardown.
		if !r.active() {
			return nil
		}
	}

	if h := r.handlers.Replication; h != nil {
		h.OnNetworkProcess()
	}
	return nil
}

func (r *Router) drop(from protocol.PeerID, err error) {
	util.Stats.AddDropped()
	if isViolation(err) {
		util.LogError("rejected packet from peer %d: %v", from, err)
		return
	}
	util.LogWarning("dropped packet from peer %d: %v", from, err)
}

// ---------------------------------------------------------------------------
// Configuration & queries
// ---------------------------------------------------------------------------

// SetRootPath sets the subtree this router serves. p must be absolute or
// empty; content packets are refused while it is empty.
func (r *Router) SetRootPath(p string) error {
	if p != "" && !path.IsAbs(p) {
		return fmt.Errorf("%w: root path %q must be absolute", ErrPreconditionUnmet, p)
	}
	r.root = p
	return nil
}

// RootPath returns the root binding.
func (r *Router) RootPath() string {
	return r.root
}

// SetRelayEnabled toggles hub relaying. It can only change while no
// transport is active.
func (r *Router) SetRelayEnabled(enabled bool) error {
	if r.active() {
		return fmt.Errorf("%w: cannot change relay while a transport is active", ErrPreconditionUnmet)
	}
	r.relay = enabled
	return nil
}

// RelayEnabled reports the relay configuration flag.
func (r *Router) RelayEnabled() bool {
	return r.relay
}

// relayActive is the effective relay switch: configured and supported.
func (r *Router) relayActive() bool {
	return r.relay && r.tr != nil && r.tr.IsServerRelaySupported()
}

// UniqueID returns this peer's id, or 0 when no transport is bound.
func (r *Router) UniqueID() protocol.PeerID {
	if r.tr == nil {
		return protocol.PeerNone
	}
	return r.tr.UniqueID()
}

func (r *Router) isHub() bool {
	return r.UniqueID() == protocol.PeerHub
}

// PeerIDs returns the connected peers in ascending order, or nil when no
// transport is bound.
func (r *Router) PeerIDs() []protocol.PeerID {
	if r.tr == nil {
		return nil
	}
	return r.peers.Snapshot()
}

// HasPeer reports whether id is currently connected.
func (r *Router) HasPeer(id protocol.PeerID) bool {
	return r.peers.Has(id)
}

// SetRefuseNewConnections forwards to the transport.
func (r *Router) SetRefuseNewConnections(refuse bool) error {
	if r.tr == nil {
		return fmt.Errorf("%w: no transport", ErrNotConfigured)
	}
	r.tr.SetRefuseNewConnections(refuse)
	return nil
}

// IsRefusingNewConnections returns false when no transport is bound.
func (r *Router) IsRefusingNewConnections() bool {
	if r.tr == nil {
		return false
	}
	return r.tr.IsRefusingNewConnections()
}
