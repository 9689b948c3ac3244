// Package mem is an in-process transport. A Network hosts one hub and any
// number of spokes; packets are copied between per-peer queues.
//
// In star mode (serverRelay true) spokes can only reach the hub, exactly like
// a client/server socket transport, so spoke-to-spoke traffic needs the
// router's relay. In mesh mode every peer reaches every other peer directly.
package mem

import (
	"errors"
	"slices"
	"sync"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
)

var ErrHubExists = errors.New("mem: network already has a hub")
var ErrNoHub = errors.New("mem: network has no hub")

// Network connects in-process peers.
type Network struct {
	serverRelay bool

	mu    sync.Mutex
	peers map[protocol.PeerID]*Peer
	next  protocol.PeerID
}

// NewNetwork creates an empty network. serverRelay selects star mode.
func NewNetwork(serverRelay bool) *Network {
	return &Network{
		serverRelay: serverRelay,
		peers:       make(map[protocol.PeerID]*Peer),
		next:        protocol.PeerHub + 1,
	}
}

// Listen creates the hub.
func (n *Network) Listen() (*Peer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.peers[protocol.PeerHub]; ok {
		return nil, ErrHubExists
	}
	p := n.newPeer(protocol.PeerHub)
	n.peers[p.id] = p
	return p, nil
}

// Dial joins a new spoke. Events are queued for every peer that can see it
// and are delivered on their next Poll.
func (n *Network) Dial() (*Peer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	hub, ok := n.peers[protocol.PeerHub]
	if !ok {
		return nil, ErrNoHub
	}
	if hub.IsRefusingNewConnections() {
		return nil, transport.ErrRefused
	}

	p := n.newPeer(n.next)
	n.next++

	for _, other := range n.sortedPeers() {
		if other.id != protocol.PeerHub && n.serverRelay {
			continue
		}
		other.Queue.PushEvent(transport.Event{Kind: transport.EventPeerConnected, Peer: p.id})
		p.Queue.PushEvent(transport.Event{Kind: transport.EventPeerConnected, Peer: other.id})
	}
	p.Queue.PushEvent(transport.Event{Kind: transport.EventConnectionSucceeded})

	n.peers[p.id] = p
	return p, nil
}

func (n *Network) newPeer(id protocol.PeerID) *Peer {
	p := &Peer{net: n, id: id}
	p.SetStatus(transport.StatusConnected)
	return p
}

// sortedPeers must be called with n.mu held.
func (n *Network) sortedPeers() []*Peer {
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *Peer) int { return int(a.id - b.id) })
	return out
}

// reachable lists the peers p can send to directly. Must be called with n.mu held.
func (n *Network) reachable(p *Peer) []protocol.PeerID {
	var out []protocol.PeerID
	for _, other := range n.sortedPeers() {
		if other.id == p.id {
			continue
		}
		if n.serverRelay && p.id != protocol.PeerHub && other.id != protocol.PeerHub {
			continue
		}
		out = append(out, other.id)
	}
	return out
}

func (n *Network) remove(p *Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.peers[p.id] != p {
		return
	}
	delete(n.peers, p.id)

	for _, other := range n.sortedPeers() {
		switch {
		case p.id == protocol.PeerHub:
			other.Queue.PushEvent(transport.Event{Kind: transport.EventServerDisconnected})
		case other.id == protocol.PeerHub || !n.serverRelay:
			other.Queue.PushEvent(transport.Event{Kind: transport.EventPeerDisconnected, Peer: p.id})
		}
	}
}

// Peer is one endpoint of a Network. It implements transport.Peer.
type Peer struct {
	transport.Base

	net *Network
	id  protocol.PeerID
}

var _ transport.Peer = (*Peer)(nil)

func (p *Peer) PutPacket(data []byte) error {
	if p.ConnectionStatus() != transport.StatusConnected {
		return transport.ErrNotConnected
	}
	target, mode, channel := p.Current()

	p.net.mu.Lock()
	defer p.net.mu.Unlock()

	dests, err := transport.Resolve(target, p.net.reachable(p))
	if err != nil {
		return err
	}
	for _, id := range dests {
		buf := make([]byte, len(data))
		copy(buf, data)
		p.net.peers[id].Queue.PushPacket(transport.Packet{From: p.id, Data: buf, Mode: mode, Channel: channel})
	}
	return nil
}

func (p *Peer) UniqueID() protocol.PeerID { return p.id }

func (p *Peer) IsServerRelaySupported() bool { return p.net.serverRelay }

// Close leaves the network. Remaining peers see the departure on their next Poll.
func (p *Peer) Close() error {
	p.SetStatus(transport.StatusDisconnected)
	p.Queue.Reset()
	p.net.remove(p)
	return nil
}
