package router

import (
	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/util"
)

// addPeer handles the transport's connect event. The hub first gives the
// newcomer and every existing spoke knowledge of each other.
func (r *Router) addPeer(id protocol.PeerID) {
	if r.relayActive() && r.isHub() {
		r.tr.SetTransferChannel(0)
		r.tr.SetTransferMode(transport.ModeReliable)
		for _, other := range r.peers.Snapshot() {
			r.announce(other, protocol.SysAddPeer, id)
			r.announce(id, protocol.SysAddPeer, other)
		}
	}
	r.insertPeer(id)
}

// delPeer handles the transport's disconnect event.
func (r *Router) delPeer(id protocol.PeerID) {
	r.removePeer(id)
	if r.relayActive() && r.isHub() {
		r.tr.SetTransferChannel(0)
		r.tr.SetTransferMode(transport.ModeReliable)
		for _, other := range r.peers.Except(id) {
			r.announce(other, protocol.SysDelPeer, id)
		}
	}
	r.notifyLeft(id)
}

// insertPeer adds id locally and notifies handlers, then the application.
func (r *Router) insertPeer(id protocol.PeerID) {
	r.peers.Insert(id)
	for _, h := range r.handlers.joinOrder() {
		h.OnPeerChange(id, true)
	}
	util.LogDebug("peer %d connected", id)
	if r.listener.PeerConnected != nil {
		r.listener.PeerConnected(id)
	}
}

// removePeer lets handlers clean up while id is still a member, then erases
// it. Removing an absent id still notifies the handlers.
func (r *Router) removePeer(id protocol.PeerID) {
	hs := r.handlers.joinOrder()
	for i := len(hs) - 1; i >= 0; i-- {
		hs[i].OnPeerChange(id, false)
	}
	r.peers.Erase(id)
}

func (r *Router) notifyLeft(id protocol.PeerID) {
	util.LogDebug("peer %d disconnected", id)
	if r.listener.PeerDisconnected != nil {
		r.listener.PeerDisconnected(id)
	}
}

// announce sends a bare ADD_PEER / DEL_PEER to a spoke.
func (r *Router) announce(to protocol.PeerID, cmd protocol.SysCommand, about protocol.PeerID) {
	buf := protocol.EncodeSys(&protocol.SysPacket{Cmd: cmd, Peer: about})
	if err := r.put(to, buf); err != nil {
		util.LogWarning("failed to send %s(%d) to peer %d: %v", cmd, about, to, err)
	}
}

func (r *Router) connectedToServer() {
	util.LogDebug("connected to hub as peer %d", r.UniqueID())
	if r.listener.ConnectedToServer != nil {
		r.listener.ConnectedToServer()
	}
}

func (r *Router) connectionFailed() {
	if r.listener.ConnectionFailed != nil {
		r.listener.ConnectionFailed()
	}
}

func (r *Router) serverDisconnected() {
	if h := r.handlers.Replication; h != nil {
		h.OnReset()
	}
	if r.listener.ServerDisconnected != nil {
		r.listener.ServerDisconnected()
	}
}
