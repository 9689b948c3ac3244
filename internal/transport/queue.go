package transport

import (
	"sync"

	"github.com/1ureka/relaymesh/internal/protocol"
)

// EventKind identifies a queued membership event.
type EventKind uint8

const (
	EventPeerConnected EventKind = iota + 1
	EventPeerDisconnected
	EventConnectionSucceeded
	EventConnectionFailed
	EventServerDisconnected
)

// Event is a membership change waiting to be delivered from Poll.
type Event struct {
	Kind EventKind
	Peer protocol.PeerID
}

// Dispatch invokes the matching callback, if set.
func (e Event) Dispatch(cb Callbacks) {
	switch e.Kind {
	case EventPeerConnected:
		if cb.PeerConnected != nil {
			cb.PeerConnected(e.Peer)
		}
	case EventPeerDisconnected:
		if cb.PeerDisconnected != nil {
			cb.PeerDisconnected(e.Peer)
		}
	case EventConnectionSucceeded:
		if cb.ConnectionSucceeded != nil {
			cb.ConnectionSucceeded()
		}
	case EventConnectionFailed:
		if cb.ConnectionFailed != nil {
			cb.ConnectionFailed()
		}
	case EventServerDisconnected:
		if cb.ServerDisconnected != nil {
			cb.ServerDisconnected()
		}
	}
}

// Queue buffers inbound traffic produced by I/O goroutines. Packets pushed
// after the last Drain stay invisible to Len/Pop until the next Drain, so a
// packet never overtakes the membership event that precedes it.
type Queue struct {
	mu      sync.Mutex
	events  []Event
	pending []Packet
	ready   []Packet
}

// PushEvent queues a membership event. Safe for concurrent use.
func (q *Queue) PushEvent(e Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()
}

// PushPacket queues an inbound packet. Safe for concurrent use.
func (q *Queue) PushPacket(p Packet) {
	q.mu.Lock()
	q.pending = append(q.pending, p)
	q.mu.Unlock()
}

// Drain returns the queued events and makes pending packets visible.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	q.ready = append(q.ready, q.pending...)
	q.pending = q.pending[:0]
	return events
}

// Len returns the number of visible packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Pop removes and returns the oldest visible packet.
func (q *Queue) Pop() (Packet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return Packet{}, ErrNoPacket
	}
	p := q.ready[0]
	q.ready[0] = Packet{}
	q.ready = q.ready[1:]
	return p, nil
}

// Reset drops everything queued.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.events = nil
	q.pending = nil
	q.ready = nil
	q.mu.Unlock()
}

// Addressing holds the per-send settings applied by SetTargetPeer,
// SetTransferMode and SetTransferChannel. Implementations embed it.
type Addressing struct {
	mu      sync.Mutex
	target  protocol.PeerID
	mode    TransferMode
	channel int
}

func (a *Addressing) SetTargetPeer(id protocol.PeerID) {
	a.mu.Lock()
	a.target = id
	a.mu.Unlock()
}

func (a *Addressing) SetTransferMode(mode TransferMode) {
	a.mu.Lock()
	a.mode = mode
	a.mu.Unlock()
}

func (a *Addressing) SetTransferChannel(channel int) {
	a.mu.Lock()
	a.channel = channel
	a.mu.Unlock()
}

// Current returns the target, mode and channel for the next PutPacket.
func (a *Addressing) Current() (protocol.PeerID, TransferMode, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target, a.mode, a.channel
}
