package ws

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
)

// Every WebSocket message is one binary frame:
//
//	hello  [0x01][id i32 LE]                  hub -> spoke, once, first
//	data   [0x02][mode u8][channel u8][payload]
const (
	frameHello byte = 0x01
	frameData  byte = 0x02

	helloSize      = 1 + 4
	dataHeaderSize = 1 + 1 + 1
	maxChannel     = 255
)

var ErrBadFrame = errors.New("ws: malformed frame")

func encodeHello(id protocol.PeerID) []byte {
	buf := make([]byte, helloSize)
	buf[0] = frameHello
	binary.LittleEndian.PutUint32(buf[1:], uint32(id))
	return buf
}

func decodeHello(b []byte) (protocol.PeerID, error) {
	if len(b) != helloSize || b[0] != frameHello {
		return 0, fmt.Errorf("%w: expected hello, got %d bytes", ErrBadFrame, len(b))
	}
	id := protocol.PeerID(int32(binary.LittleEndian.Uint32(b[1:])))
	if id <= protocol.PeerHub {
		return 0, fmt.Errorf("%w: hub assigned id %d", ErrBadFrame, id)
	}
	return id, nil
}

func encodeData(mode transport.TransferMode, channel int, payload []byte) ([]byte, error) {
	if channel < 0 || channel > maxChannel {
		return nil, fmt.Errorf("ws: channel %d out of range", channel)
	}
	buf := make([]byte, dataHeaderSize+len(payload))
	buf[0] = frameData
	buf[1] = byte(mode)
	buf[2] = byte(channel)
	copy(buf[dataHeaderSize:], payload)
	return buf, nil
}

// decodeData returns a payload that aliases b.
func decodeData(b []byte) (transport.TransferMode, int, []byte, error) {
	if len(b) <= dataHeaderSize || b[0] != frameData {
		return 0, 0, nil, fmt.Errorf("%w: expected data, got %d bytes", ErrBadFrame, len(b))
	}
	mode := transport.TransferMode(b[1])
	if mode > transport.ModeUnreliable {
		return 0, 0, nil, fmt.Errorf("%w: transfer mode %d", ErrBadFrame, b[1])
	}
	return mode, int(b[2]), b[dataHeaderSize:], nil
}
