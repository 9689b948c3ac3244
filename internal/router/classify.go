package router

import (
	"errors"
	"fmt"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
)

// classify routes one packet by its command tag. from is the logical sender
// and relayed marks a payload unwrapped from a RELAY envelope.
func (r *Router) classify(from protocol.PeerID, data []byte, mode transport.TransferMode, channel int, relayed bool) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty packet", ErrMalformedPacket)
	}

	cmd := protocol.CommandOf(data)
	if cmd == protocol.CmdSystem {
		return r.processSys(from, data, mode, channel, relayed)
	}

	if r.root == "" {
		return fmt.Errorf("%w: root path is not set", ErrPreconditionUnmet)
	}

	fn := r.table[cmd]
	if fn == nil {
		return fmt.Errorf("%w: %s from peer %d", ErrUnknownCommand, cmd, from)
	}
	return fn(from, data)
}

func (r *Router) processRaw(from protocol.PeerID, data []byte) error {
	payload, err := protocol.DecodeRaw(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if r.listener.PeerPacket != nil {
		r.listener.PeerPacket(from, payload)
	}
	return nil
}

func isViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}
