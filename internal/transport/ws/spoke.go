package ws

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/util"
)

// Spoke is the client side. Its id is unknown until the hub's hello arrives;
// until then it reports StatusConnecting and UniqueID 0.
type Spoke struct {
	transport.Base

	c      *conn
	id     atomic.Int32
	closed atomic.Bool
}

var _ transport.Peer = (*Spoke)(nil)

// Dial connects to a hub URL such as ws://host:9000/ws. The WebSocket
// handshake completes before Dial returns; the session itself is reported
// through ConnectionSucceeded or ConnectionFailed on a later Poll.
func Dial(ctx context.Context, url string) (*Spoke, error) {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hub: %w", err)
	}

	s := &Spoke{c: &conn{ws: wsConn}}
	s.SetStatus(transport.StatusConnecting)
	go s.readPump()
	return s, nil
}

func (s *Spoke) readPump() {
	_, data, err := s.c.ws.ReadMessage()
	if err == nil {
		var id protocol.PeerID
		if id, err = decodeHello(data); err == nil {
			s.id.Store(int32(id))
		}
	}
	if err != nil {
		_ = s.c.ws.Close()
		if !s.closed.Load() {
			util.LogWarning("hub handshake failed: %v", err)
			s.Queue.PushEvent(transport.Event{Kind: transport.EventConnectionFailed})
		}
		return
	}

	s.Queue.PushEvent(transport.Event{Kind: transport.EventPeerConnected, Peer: protocol.PeerHub})
	s.Queue.PushEvent(transport.Event{Kind: transport.EventConnectionSucceeded})

	for {
		typ, data, err := s.c.ws.ReadMessage()
		if err != nil {
			_ = s.c.ws.Close()
			if !s.closed.Load() {
				s.Queue.PushEvent(transport.Event{Kind: transport.EventServerDisconnected})
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		mode, channel, payload, err := decodeData(data)
		if err != nil {
			util.LogWarning("hub: %v", err)
			continue
		}
		s.Queue.PushPacket(transport.Packet{From: protocol.PeerHub, Data: payload, Mode: mode, Channel: channel})
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
	frame, err := encodeData(mode, channel, data)
	if err != nil {
		return err
	}
	return s.c.write(frame)
}

func (s *Spoke) UniqueID() protocol.PeerID { return protocol.PeerID(s.id.Load()) }

func (s *Spoke) IsServerRelaySupported() bool { return true }

func (s *Spoke) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.SetStatus(transport.StatusDisconnected)
	s.Queue.Reset()
	return s.c.close()
}
