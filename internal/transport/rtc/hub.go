// Package rtc is a star transport over WebRTC DataChannels. The hub accepts
// spokes on a WebSocket signaling endpoint and builds one PeerConnection per
// spoke; the signaling socket is closed once the link is up.
//
// Each link carries three negotiated DataChannels, one per transfer mode:
// reliable (ordered, retransmitted), unreliable-ordered (no retransmits) and
// unreliable (unordered, no retransmits).
package rtc

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/util"
)

// Path is the HTTP path of the signaling endpoint.
const Path = "/ws"

const defaultHandshakeTimeout = 30 * time.Second

// Config configures both ends of a link.
type Config struct {
	// ICEServers are STUN/TURN URLs. Empty means host candidates only.
	ICEServers []string
	// HandshakeTimeout bounds the hub's wait for a spoke's link.
	HandshakeTimeout time.Duration
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub is the server side. It is peer 1.
type Hub struct {
	transport.Base

	cfg      Config
	listener net.Listener
	srv      *http.Server
	done     chan struct{}

	mu     sync.Mutex
	links  map[protocol.PeerID]*link
	next   protocol.PeerID
	closed bool
}

var _ transport.Peer = (*Hub)(nil)

// Listen starts the signaling endpoint on addr.
func Listen(addr string, cfg Config) (*Hub, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start signaling server: %w", err)
	}

	h := &Hub{
		cfg:      cfg,
		listener: listener,
		done:     make(chan struct{}),
		links:    make(map[protocol.PeerID]*link),
		next:     protocol.PeerHub + 1,
	}
	h.SetStatus(transport.StatusConnected)

	mux := http.NewServeMux()
	mux.HandleFunc(Path, h.handleWS)
	h.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		_ = h.srv.Serve(listener)
	}()

	return h, nil
}

// Addr returns the address of the signaling endpoint.
func (h *Hub) Addr() net.Addr {
	return h.listener.Addr()
}

// handleWS runs one spoke's handshake. The spoke hangs up the signaling
// socket once its side of the link is open.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	if h.IsRefusingNewConnections() {
		http.Error(w, "not accepting new peers", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer wsConn.Close()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	id := h.next
	h.next++
	h.mu.Unlock()

	l, err := newLink(h.cfg.ICEServers, linkHandlers{
		ready: func(l *link) { h.attach(id, l) },
		packet: func(mode transport.TransferMode, channel int, payload []byte) {
			h.Queue.PushPacket(transport.Packet{From: id, Data: payload, Mode: mode, Channel: channel})
		},
		closed: func() { h.detach(id) },
	})
	if err != nil {
		util.LogError("peer %d: %v", id, err)
		return
	}

	sig := newSignaler(wsConn, l)
	if err := sig.send(message{Type: msgTypeID, ID: int32(id)}); err != nil {
		_ = l.close()
		return
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sig.watch()
	}()

	if err := sig.sendOffer(); err != nil {
		util.LogWarning("peer %d: failed to send offer: %v", id, err)
		_ = l.close()
		return
	}

	timeout := time.NewTimer(h.cfg.HandshakeTimeout)
	defer timeout.Stop()

	// Signaling errors are not fatal here: a spoke that is already up
	// hangs up before this side's channels report open.
	select {
	case <-l.ready:
	case <-timeout.C:
		util.LogWarning("peer %d: handshake timed out", id)
		_ = l.close()
		return
	case <-h.done:
		_ = l.close()
		return
	}

	select {
	case <-errCh:
	case <-timeout.C:
	case <-h.done:
	}
}

// attach runs from the link's ready callback, before any packet of the
// link is delivered.
func (h *Hub) attach(id protocol.PeerID, l *link) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		go l.close()
		return
	}
	h.links[id] = l
	h.mu.Unlock()

	util.LogDebug("peer %d connected over WebRTC", id)
	h.Queue.PushEvent(transport.Event{Kind: transport.EventPeerConnected, Peer: id})
}

func (h *Hub) detach(id protocol.PeerID) {
	h.mu.Lock()
	_, ok := h.links[id]
	delete(h.links, id)
	closed := h.closed
	h.mu.Unlock()

	if ok && !closed {
		h.Queue.PushEvent(transport.Event{Kind: transport.EventPeerDisconnected, Peer: id})
	}
}

func (h *Hub) PutPacket(data []byte) error {
	if h.ConnectionStatus() != transport.StatusConnected {
		return transport.ErrNotConnected
	}
	target, mode, channel := h.Current()

	h.mu.Lock()
	links := make(map[protocol.PeerID]*link, len(h.links))
	ids := make([]protocol.PeerID, 0, len(h.links))
	for id, l := range h.links {
		links[id] = l
		ids = append(ids, id)
	}
	h.mu.Unlock()
	slices.Sort(ids)

	dests, err := transport.Resolve(target, ids)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range dests {
		if err := links[id].send(mode, channel, data); err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) UniqueID() protocol.PeerID { return protocol.PeerHub }

func (h *Hub) IsServerRelaySupported() bool { return true }

// Close stops signaling and tears down every link.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	links := h.links
	h.links = make(map[protocol.PeerID]*link)
	h.mu.Unlock()

	close(h.done)
	h.SetStatus(transport.StatusDisconnected)
	h.Queue.Reset()

	errs := []error{h.srv.Close()}
	for _, l := range links {
		errs = append(errs, l.close())
	}
	return errors.Join(errs...)
}
