package rtc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/util"
)

// Spoke is the client side of a single link to the hub.
type Spoke struct {
	transport.Base

	id     protocol.PeerID
	l      *link
	closed atomic.Bool
}

var _ transport.Peer = (*Spoke)(nil)

// Dial runs the whole client-side handshake and returns once the link is up:
//  1. Connect to the hub's signaling endpoint and read the assigned id
//  2. Answer the hub's offer and trickle ICE candidates
//  3. Wait for all three DataChannels to open
//  4. Hang up the signaling socket
//
// The spoke reports StatusConnecting until the next Poll delivers
// PeerConnected(1) and ConnectionSucceeded.
func Dial(ctx context.Context, url string, cfg Config) (*Spoke, error) {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	defer wsConn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = wsConn.SetReadDeadline(deadline)
	}

	var hello message
	if err := wsConn.ReadJSON(&hello); err != nil {
		return nil, fmt.Errorf("failed to read peer id: %w", err)
	}
	if hello.Type != msgTypeID || protocol.PeerID(hello.ID) <= protocol.PeerHub {
		return nil, fmt.Errorf("rtc: unexpected first signaling message %q (id %d)", hello.Type, hello.ID)
	}

	s := &Spoke{id: protocol.PeerID(hello.ID)}
	s.SetStatus(transport.StatusConnecting)

	s.l, err = newLink(cfg.ICEServers, linkHandlers{
		ready: func(*link) {
			s.Queue.PushEvent(transport.Event{Kind: transport.EventPeerConnected, Peer: protocol.PeerHub})
			s.Queue.PushEvent(transport.Event{Kind: transport.EventConnectionSucceeded})
		},
		packet: func(mode transport.TransferMode, channel int, payload []byte) {
			s.Queue.PushPacket(transport.Packet{From: protocol.PeerHub, Data: payload, Mode: mode, Channel: channel})
		},
		closed: func() {
			if !s.closed.Load() {
				s.Queue.PushEvent(transport.Event{Kind: transport.EventServerDisconnected})
			}
		},
	})
	if err != nil {
		return nil, err
	}

	sig := newSignaler(wsConn, s.l)
	errCh := make(chan error, 1)
	go func() {
		errCh <- sig.watch()
	}()

	select {
	case <-s.l.ready:
		util.LogDebug("WebRTC link to hub established as peer %d, closing signaling", s.id)
		return s, nil
	case err := <-errCh:
		_ = s.l.close()
		return nil, fmt.Errorf("signaling failed: %w", err)
	case <-ctx.Done():
		_ = s.l.close()
		return nil, ctx.Err()
	}
}

// PutPacket sends to the hub. Any other concrete target is unreachable.
func (s *Spoke) PutPacket(data []byte) error {
	if s.ConnectionStatus() != transport.StatusConnected {
		return transport.ErrNotConnected
	}
	target, mode, channel := s.Current()
	dests, err := transport.Resolve(target, []protocol.PeerID{protocol.PeerHub})
	if err != nil || len(dests) == 0 {
		return err
	}
	return s.l.send(mode, channel, data)
}

func (s *Spoke) UniqueID() protocol.PeerID { return s.id }

func (s *Spoke) IsServerRelaySupported() bool { return true }

func (s *Spoke) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.SetStatus(transport.StatusDisconnected)
	s.Queue.Reset()
	return s.l.close()
}
