package protocol

import (
	"encoding/binary"
	"fmt"
)

// EncodeSys serializes a system packet. The address field is little-endian.
func EncodeSys(pkt *SysPacket) []byte {
	buf := make([]byte, SysHeaderSize+len(pkt.Payload))
	buf[0] = byte(CmdSystem)
	buf[1] = byte(pkt.Cmd)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(pkt.Peer))
	if len(pkt.Payload) > 0 {
		copy(buf[SysHeaderSize:], pkt.Payload)
	}
	return buf
}

// DecodeSys deserializes a system packet. The returned Payload aliases data;
// callers that keep it past the current dispatch must copy it.
func DecodeSys(data []byte) (*SysPacket, error) {
	if len(data) < SysHeaderSize {
		return nil, fmt.Errorf("system packet too short: %d bytes (need at least %d)", len(data), SysHeaderSize)
	}
	if CommandOf(data) != CmdSystem {
		return nil, fmt.Errorf("not a system packet: %s", CommandOf(data))
	}
	pkt := &SysPacket{
		Cmd:  SysCommand(data[1]),
		Peer: PeerID(int32(binary.LittleEndian.Uint32(data[2:6]))),
	}
	if len(data) > SysHeaderSize {
		pkt.Payload = data[SysHeaderSize:]
	}
	return pkt, nil
}

// EncodeRaw prefixes an application payload with the CmdRaw tag.
func EncodeRaw(payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(CmdRaw)
	copy(buf[1:], payload)
	return buf
}

// DecodeRaw strips the tag byte and returns a copy of the application payload.
func DecodeRaw(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("raw packet too short: %d bytes (need at least 2)", len(data))
	}
	out := make([]byte, len(data)-1)
	copy(out, data[1:])
	return out, nil
}

// PutID writes a 4-byte little-endian id at buf[0:4]. Content handlers use the
// same byte order as the system header.
func PutID(buf []byte, id uint32) {
	binary.LittleEndian.PutUint32(buf, id)
}

// ID reads a 4-byte little-endian id from buf[0:4].
func ID(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}
