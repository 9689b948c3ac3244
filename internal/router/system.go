package router

import (
	"fmt"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/util"
)

// processSys handles ADD_PEER, DEL_PEER and RELAY.
func (r *Router) processSys(from protocol.PeerID, data []byte, mode transport.TransferMode, channel int, relayed bool) error {
	sys, err := protocol.DecodeSys(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	switch sys.Cmd {
	case protocol.SysAddPeer, protocol.SysDelPeer:
		// Only the hub announces peers, and only directly.
		if relayed || !r.relayActive() || r.isHub() || from != protocol.PeerHub {
			return fmt.Errorf("%w: %s from peer %d", ErrProtocolViolation, sys.Cmd, from)
		}
		if sys.Peer <= protocol.PeerNone || sys.Peer == r.UniqueID() {
			return fmt.Errorf("%w: %s cannot name peer %d", ErrProtocolViolation, sys.Cmd, sys.Peer)
		}
		if sys.Cmd == protocol.SysDelPeer {
			r.removePeer(sys.Peer)
			r.notifyLeft(sys.Peer)
			return nil
		}
		r.insertPeer(sys.Peer)
		return nil

	case protocol.SysRelay:
		if relayed {
			return fmt.Errorf("%w: nested relay from peer %d", ErrProtocolViolation, from)
		}
		if !r.relayActive() {
			return fmt.Errorf("%w: relay from peer %d while relay is disabled", ErrProtocolViolation, from)
		}
		if len(sys.Payload) == 0 {
			return fmt.Errorf("%w: empty relay payload", ErrMalformedPacket)
		}
		if r.isHub() {
			return r.relayFromHub(from, sys, mode, channel)
		}
		if from != protocol.PeerHub {
			return fmt.Errorf("%w: relay from peer %d instead of the hub", ErrProtocolViolation, from)
		}
		// sys.Peer is the original sender, filled in by the hub.
		return r.classify(sys.Peer, sys.Payload, mode, channel, true)

	default:
		return fmt.Errorf("%w: %s from peer %d", ErrProtocolViolation, sys.Cmd, from)
	}
}

// relayFromHub forwards a spoke's envelope. sys.Peer is the destination as
// the spoke addressed it; the outgoing envelope carries the spoke instead so
// receivers know who sent it. The inbound mode and channel are preserved.
func (r *Router) relayFromHub(from protocol.PeerID, sys *protocol.SysPacket, mode transport.TransferMode, channel int) error {
	dest := sys.Peer
	if dest > 0 && !r.peers.Has(dest) {
		return fmt.Errorf("%w: relay destination %d", ErrUnknownPeer, dest)
	}

	env := protocol.EncodeSys(&protocol.SysPacket{
		Cmd:     protocol.SysRelay,
		Peer:    from,
		Payload: sys.Payload,
	})

	var targets []protocol.PeerID
	switch {
	case dest > 0:
		targets = []protocol.PeerID{dest}
	case dest < 0:
		targets = r.peers.Except(from, -dest)
	default:
		targets = r.peers.Except(from)
	}

	r.tr.SetTransferMode(mode)
	r.tr.SetTransferChannel(channel)
	for _, id := range targets {
		if err := r.put(id, env); err != nil {
			util.LogWarning("failed to relay packet from peer %d to peer %d: %v", from, id, err)
			continue
		}
		util.Stats.AddRelayed()
	}

	if dest == protocol.PeerNone || dest == -protocol.PeerHub {
		return r.classify(from, sys.Payload, mode, channel, true)
	}
	return nil
}
