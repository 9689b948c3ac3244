package router

import (
	"errors"
	"fmt"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/util"
)

// SendBytes sends an application payload as a RAW packet. to follows the
// usual addressing: a peer id, 0 for everyone, -k for everyone except k.
func (r *Router) SendBytes(data []byte, to protocol.PeerID, mode transport.TransferMode, channel int) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty raw payload", ErrPreconditionUnmet)
	}
	if r.tr == nil {
		return fmt.Errorf("%w: no transport", ErrNotConfigured)
	}
	if r.tr.ConnectionStatus() != transport.StatusConnected {
		return fmt.Errorf("%w: transport is %s", ErrNotConfigured, r.tr.ConnectionStatus())
	}
	return r.Send(to, protocol.EncodeRaw(data), mode, channel)
}

// Send routes an already tagged packet with the given mode and channel.
// Content handlers use it to talk to their remote counterparts.
func (r *Router) Send(to protocol.PeerID, pkt []byte, mode transport.TransferMode, channel int) error {
	if r.tr == nil {
		return fmt.Errorf("%w: no transport", ErrNotConfigured)
	}
	if len(pkt) == 0 {
		return fmt.Errorf("%w: empty packet", ErrPreconditionUnmet)
	}
	r.tr.SetTransferMode(mode)
	r.tr.SetTransferChannel(channel)
	return r.sendCommand(to, pkt)
}

// sendCommand picks the physical destinations for pkt. A spoke that relies on
// the hub wraps everything not meant for the hub in a RELAY envelope.
func (r *Router) sendCommand(to protocol.PeerID, pkt []byte) error {
	if r.relayActive() && !r.isHub() && to != protocol.PeerHub {
		env := protocol.EncodeSys(&protocol.SysPacket{
			Cmd:     protocol.SysRelay,
			Peer:    to,
			Payload: pkt,
		})
		return r.put(protocol.PeerHub, env)
	}

	if to < 0 {
		var errs []error
		for _, id := range r.peers.Except(-to) {
			if err := r.put(id, pkt); err != nil {
				errs = append(errs, fmt.Errorf("peer %d: %w", id, err))
			}
		}
		return errors.Join(errs...)
	}

	return r.put(to, pkt)
}

// put performs one physical send with the transport's current mode and channel.
func (r *Router) put(to protocol.PeerID, data []byte) error {
	r.tr.SetTargetPeer(to)
	if err := r.tr.PutPacket(data); err != nil {
		return err
	}
	util.Stats.AddSent(len(data))
	return nil
}
