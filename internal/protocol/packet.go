// Package protocol defines the wire format shared by every peer in a session:
// the 3-bit command tag carried in the first byte of each packet and the
// fixed system header used for peer announcements and relay envelopes.
package protocol

import "fmt"

// PeerID identifies a peer within a session. 0 is never a real peer and 1 is
// always the hub. As a destination, a negative value -k means "everyone
// except k".
type PeerID int32

const (
	// PeerNone doubles as the "broadcast / server" destination.
	PeerNone PeerID = 0
	// PeerHub is the identity of the star-topology center.
	PeerHub PeerID = 1
)

// Command is the tag stored in the low three bits of a packet's first byte.
type Command uint8

// Command tags.
const (
	CmdSimplifyPath Command = iota // Register a path id with the receiver
	CmdConfirmPath                 // Acknowledge a registered path id
	CmdRemoteCall                  // Remote procedure invocation
	CmdRaw                         // Opaque application bytes
	CmdSpawn                       // Replicated object creation
	CmdDespawn                     // Replicated object removal
	CmdSync                        // Replicated object state
	CmdSystem                      // Router-level control (see SysCommand)
)

// CmdMask selects the command tag from the first packet byte.
const CmdMask = 0x07

// SysCommand is the second byte of a CmdSystem packet.
type SysCommand uint8

// System sub-commands.
const (
	SysAddPeer SysCommand = 0x01 // Hub announces a peer to a spoke
	SysDelPeer SysCommand = 0x02 // Hub revokes a peer from a spoke
	SysRelay   SysCommand = 0x03 // Envelope forwarded through the hub
)

// SysHeaderSize is the fixed system header: Tag(1) + SysCommand(1) + Address(4).
const SysHeaderSize = 6

// CommandOf returns the command tag of a non-empty packet.
func CommandOf(data []byte) Command {
	return Command(data[0] & CmdMask)
}

var commandNames = [...]string{
	CmdSimplifyPath: "SIMPLIFY_PATH",
	CmdConfirmPath:  "CONFIRM_PATH",
	CmdRemoteCall:   "REMOTE_CALL",
	CmdRaw:          "RAW",
	CmdSpawn:        "SPAWN",
	CmdDespawn:      "DESPAWN",
	CmdSync:         "SYNC",
	CmdSystem:       "SYSTEM",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

func (s SysCommand) String() string {
	switch s {
	case SysAddPeer:
		return "ADD_PEER"
	case SysDelPeer:
		return "DEL_PEER"
	case SysRelay:
		return "RELAY"
	default:
		return fmt.Sprintf("SysCommand(%d)", uint8(s))
	}
}

// SysPacket is a decoded CmdSystem packet.
type SysPacket struct {
	Cmd     SysCommand
	Peer    PeerID // Announced peer, or relay destination / source
	Payload []byte // Inner packet, only used for SysRelay
}
