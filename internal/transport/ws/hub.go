// Package ws is a star transport over WebSocket. The hub runs an HTTP server
// and assigns ids; spokes dial it and can only reach the hub, so the router's
// relay carries spoke-to-spoke traffic.
//
// WebSocket is always reliable and ordered; the requested transfer mode and
// channel travel in the frame header so relays can preserve them.
package ws

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

// Path is the HTTP path the hub serves.
const Path = "/ws"

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn serializes writes to one WebSocket; gorilla allows a single writer.
type conn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *conn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *conn) close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

// Hub is the server side. It is peer 1.
type Hub struct {
	transport.Base

	listener net.Listener
	srv      *http.Server

	connMu sync.Mutex
	conns  map[protocol.PeerID]*conn
	next   protocol.PeerID
	closed bool
}

var _ transport.Peer = (*Hub)(nil)

// Listen starts a hub on addr, e.g. ":9000" or "127.0.0.1:0".
func Listen(addr string) (*Hub, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}

	h := &Hub{
		listener: listener,
		conns:    make(map[protocol.PeerID]*conn),
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

// Addr returns the address the hub listens on.
func (h *Hub) Addr() net.Addr {
	return h.listener.Addr()
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	if h.IsRefusingNewConnections() {
		http.Error(w, "not accepting new peers", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: wsConn}

	h.connMu.Lock()
	if h.closed {
		h.connMu.Unlock()
		_ = c.close()
		return
	}
	id := h.next
	h.next++
	h.connMu.Unlock()

	// The hello must be the first frame on the socket, so the conn becomes
	// reachable through PutPacket only after it is written.
	if err := c.write(encodeHello(id)); err != nil {
		util.LogWarning("failed to greet peer %d: %v", id, err)
		_ = c.ws.Close()
		return
	}

	h.connMu.Lock()
	if h.closed {
		h.connMu.Unlock()
		_ = c.close()
		return
	}
	h.conns[id] = c
	h.connMu.Unlock()

	h.Queue.PushEvent(transport.Event{Kind: transport.EventPeerConnected, Peer: id})
	util.LogDebug("peer %d connected from %s", id, r.RemoteAddr)

	go h.readPump(id, c)
}

func (h *Hub) readPump(id protocol.PeerID, c *conn) {
	defer h.drop(id, c)
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		mode, channel, payload, err := decodeData(data)
		if err != nil {
			util.LogWarning("peer %d: %v", id, err)
			continue
		}
		h.Queue.PushPacket(transport.Packet{From: id, Data: payload, Mode: mode, Channel: channel})
	}
}

// drop forgets a spoke once. The hub's own Close reports nothing.
func (h *Hub) drop(id protocol.PeerID, c *conn) {
	h.connMu.Lock()
	if h.conns[id] != c {
		h.connMu.Unlock()
		return
	}
	delete(h.conns, id)
	closed := h.closed
	h.connMu.Unlock()

	_ = c.ws.Close()
	if !closed {
		h.Queue.PushEvent(transport.Event{Kind: transport.EventPeerDisconnected, Peer: id})
	}
}

func (h *Hub) PutPacket(data []byte) error {
	if h.ConnectionStatus() != transport.StatusConnected {
		return transport.ErrNotConnected
	}
	target, mode, channel := h.Current()
	frame, err := encodeData(mode, channel, data)
	if err != nil {
		return err
	}

	h.connMu.Lock()
	conns := make(map[protocol.PeerID]*conn, len(h.conns))
	ids := make([]protocol.PeerID, 0, len(h.conns))
	for id, c := range h.conns {
		conns[id] = c
		ids = append(ids, id)
	}
	h.connMu.Unlock()
	slices.Sort(ids)

	dests, err := transport.Resolve(target, ids)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range dests {
		if err := conns[id].write(frame); err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) UniqueID() protocol.PeerID { return protocol.PeerHub }

func (h *Hub) IsServerRelaySupported() bool { return true }

// Close stops the server and disconnects every spoke.
func (h *Hub) Close() error {
	h.connMu.Lock()
	if h.closed {
		h.connMu.Unlock()
		return nil
	}
	h.closed = true
	conns := h.conns
	h.conns = make(map[protocol.PeerID]*conn)
	h.connMu.Unlock()

	h.SetStatus(transport.StatusDisconnected)
	h.Queue.Reset()

	errs := []error{h.srv.Close()}
	for _, c := range conns {
		errs = append(errs, c.close())
	}
	return errors.Join(errs...)
}
