// Package transport defines the duplex packet channel consumed by the router
// and the pieces shared by its concrete implementations (mem, ws, rtc).
//
// A transport is poll-driven: I/O happens on its own goroutines, but packets
// only become visible and callbacks only fire from inside Poll, on the
// goroutine that calls it.
package transport

import (
	"errors"
	"fmt"

	"github.com/1ureka/relaymesh/internal/protocol"
)

// TransferMode selects delivery guarantees for outgoing packets.
type TransferMode uint8

const (
	ModeReliable          TransferMode = iota // Ordered, retransmitted
	ModeUnreliableOrdered                     // Dropped packets stay dropped; no reordering
	ModeUnreliable                            // Fire and forget
)

func (m TransferMode) String() string {
	switch m {
	case ModeReliable:
		return "reliable"
	case ModeUnreliableOrdered:
		return "unreliable-ordered"
	case ModeUnreliable:
		return "unreliable"
	default:
		return fmt.Sprintf("TransferMode(%d)", uint8(m))
	}
}

// Status is the connection state of a transport.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Packet is one inbound datagram plus the metadata it arrived with.
type Packet struct {
	From    protocol.PeerID
	Data    []byte
	Mode    TransferMode
	Channel int
}

// Callbacks receive membership events. Any field may be nil. They are only
// invoked from inside Poll.
type Callbacks struct {
	PeerConnected       func(id protocol.PeerID)
	PeerDisconnected    func(id protocol.PeerID)
	ConnectionSucceeded func()
	ConnectionFailed    func()
	ServerDisconnected  func()
}

// Peer is the transport handle used by the router.
type Peer interface {
	// Poll advances internal I/O and fires pending Callbacks. It never blocks.
	Poll()
	AvailablePacketCount() int
	// GetPacket pops the oldest inbound packet.
	GetPacket() (Packet, error)
	// PutPacket sends data to the current target with the current mode and
	// channel. Target 0 is a broadcast; -k broadcasts to everyone except k.
	PutPacket(data []byte) error
	SetTargetPeer(id protocol.PeerID)
	SetTransferMode(mode TransferMode)
	SetTransferChannel(channel int)
	UniqueID() protocol.PeerID
	ConnectionStatus() Status
	// IsServerRelaySupported reports whether peers can only reach the hub
	// directly, so that spoke-to-spoke traffic needs the router's relay.
	IsServerRelaySupported() bool
	SetRefuseNewConnections(refuse bool)
	IsRefusingNewConnections() bool
	SetCallbacks(cb Callbacks)
	Close() error
}

// Sentinel errors shared by all implementations.
var (
	ErrNoPacket     = errors.New("transport: no packet available")
	ErrUnreachable  = errors.New("transport: target peer unreachable")
	ErrNotConnected = errors.New("transport: not connected")
	ErrRefused      = errors.New("transport: new connections refused")
	ErrBufferFull   = errors.New("transport: send buffer full")
)

// Resolve expands a target address into concrete destinations drawn from the
// directly reachable peers.
func Resolve(target protocol.PeerID, reachable []protocol.PeerID) ([]protocol.PeerID, error) {
	switch {
	case target > 0:
		for _, id := range reachable {
			if id == target {
				return []protocol.PeerID{id}, nil
			}
		}
		return nil, fmt.Errorf("%w: %d", ErrUnreachable, target)
	case target == 0:
		return reachable, nil
	default:
		out := make([]protocol.PeerID, 0, len(reachable))
		for _, id := range reachable {
			if id != -target {
				out = append(out, id)
			}
		}
		return out, nil
	}
}
