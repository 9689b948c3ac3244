// Package rpc invokes named methods on remote peers.
//
// Wire layout:
//
//	REMOTE_CALL  [tag][len u8][method][json args]
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
)

var (
	ErrMalformed     = errors.New("rpc: malformed packet")
	ErrUnknownMethod = errors.New("rpc: unknown method")
	ErrMethodName    = errors.New("rpc: invalid method name")
)

const maxMethodLen = 255

// Network is the part of the router the registry sends through.
type Network interface {
	Send(to protocol.PeerID, pkt []byte, mode transport.TransferMode, channel int) error
}

// Func handles one call. from is the peer that made the call, even when the
// call was relayed by the hub.
type Func func(from protocol.PeerID, args json.RawMessage) error

// Registry holds the callable methods of this peer.
type Registry struct {
	net     Network
	methods map[string]Func
}

// New creates a registry with no methods.
func New(net Network) *Registry {
	return &Registry{net: net, methods: make(map[string]Func)}
}

// Register binds name to fn, replacing any previous binding.
func (r *Registry) Register(name string, fn Func) error {
	if err := checkName(name); err != nil {
		return err
	}
	r.methods[name] = fn
	return nil
}

// Unregister removes name.
func (r *Registry) Unregister(name string) {
	delete(r.methods, name)
}

// Call invokes method on the peers addressed by to. args is encoded as JSON;
// nil sends no arguments.
func (r *Registry) Call(to protocol.PeerID, method string, args any, mode transport.TransferMode, channel int) error {
	pkt, err := Encode(method, args)
	if err != nil {
		return err
	}
	if err := r.net.Send(to, pkt, mode, channel); err != nil {
		return fmt.Errorf("call %s on peer %d: %w", method, to, err)
	}
	return nil
}

// OnPeerChange is a no-op; calls carry no per-peer state.
func (r *Registry) OnPeerChange(protocol.PeerID, bool) {}

// Process decodes a REMOTE_CALL and runs the bound method.
func (r *Registry) Process(from protocol.PeerID, data []byte) error {
	method, args, err := Decode(data)
	if err != nil {
		return err
	}
	fn, ok := r.methods[method]
	if !ok {
		return fmt.Errorf("%w: %q from peer %d", ErrUnknownMethod, method, from)
	}
	if err := fn(from, args); err != nil {
		return fmt.Errorf("%s from peer %d: %w", method, from, err)
	}
	return nil
}

// Encode builds a REMOTE_CALL packet.
func Encode(method string, args any) ([]byte, error) {
	if err := checkName(method); err != nil {
		return nil, err
	}
	var body []byte
	if args != nil {
		var err error
		if body, err = json.Marshal(args); err != nil {
			return nil, fmt.Errorf("rpc: encode %s args: %w", method, err)
		}
	}

	buf := make([]byte, 0, 2+len(method)+len(body))
	buf = append(buf, byte(protocol.CmdRemoteCall), byte(len(method)))
	buf = append(buf, method...)
	return append(buf, body...), nil
}

// Decode splits a REMOTE_CALL packet. args is nil when none were sent and
// aliases data otherwise.
func Decode(data []byte) (string, json.RawMessage, error) {
	if len(data) < 2 || protocol.CommandOf(data) != protocol.CmdRemoteCall {
		return "", nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	n := int(data[1])
	if n == 0 || len(data) < 2+n {
		return "", nil, fmt.Errorf("%w: method length %d in %d bytes", ErrMalformed, n, len(data))
	}
	method := string(data[2 : 2+n])
	rest := data[2+n:]
	if len(rest) == 0 {
		return method, nil, nil
	}
	if !json.Valid(rest) {
		return "", nil, fmt.Errorf("%w: %s args are not valid JSON", ErrMalformed, method)
	}
	return method, json.RawMessage(rest), nil
}

func checkName(name string) error {
	if name == "" || len(name) > maxMethodLen {
		return fmt.Errorf("%w: %q", ErrMethodName, name)
	}
	return nil
}
