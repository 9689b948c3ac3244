// Package pathcache lets peers refer to node paths by small numeric ids.
//
// The sender assigns an id to a path and announces it once per peer with
// SIMPLIFY_PATH; the receiver records it and answers CONFIRM_PATH. After
// confirmation, other handlers can send the 4-byte id instead of the path.
//
// Wire layout:
//
//	SIMPLIFY_PATH  [tag][id u32 LE][path bytes]
//	CONFIRM_PATH   [tag][id u32 LE][ok u8]
package pathcache

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/util"
)

var (
	ErrMalformed   = errors.New("pathcache: malformed packet")
	ErrUnknownPath = errors.New("pathcache: unknown path id")
	ErrOutsideRoot = errors.New("pathcache: path outside root")
)

const headerSize = 1 + 4

// Network is the part of the router the cache talks through.
type Network interface {
	Send(to protocol.PeerID, pkt []byte, mode transport.TransferMode, channel int) error
	UniqueID() protocol.PeerID
	PeerIDs() []protocol.PeerID
	RootPath() string
}

type localPath struct {
	path string
	// Per peer: absent = never sent, false = awaiting answer or refused,
	// true = confirmed.
	confirmed map[protocol.PeerID]bool
}

// Cache is both sides of the path-simplification exchange. It is driven from
// the router's goroutine and is not safe for concurrent use.
type Cache struct {
	net Network

	nextID uint32
	byPath map[string]uint32
	local  map[uint32]*localPath

	remote map[protocol.PeerID]map[uint32]string
}

// New creates an empty cache.
func New(net Network) *Cache {
	c := &Cache{net: net}
	c.Clear()
	return c
}

// Clear forgets every local and remote id.
func (c *Cache) Clear() {
	c.nextID = 1
	c.byPath = make(map[string]uint32)
	c.local = make(map[uint32]*localPath)
	c.remote = make(map[protocol.PeerID]map[uint32]string)
}

// ID returns the local id of p, assigning one if needed.
func (c *Cache) ID(p string) uint32 {
	if id, ok := c.byPath[p]; ok {
		return id
	}
	id := c.nextID
	c.nextID++
	c.byPath[p] = id
	c.local[id] = &localPath{
		path:      p,
		confirmed: make(map[protocol.PeerID]bool),
	}
	return id
}

// Ensure announces p to every peer addressed by to that has not seen it yet.
// It returns p's id and whether all of those peers have confirmed it, in
// which case the id can be used on the wire in place of the path.
func (c *Cache) Ensure(p string, to protocol.PeerID) (uint32, bool, error) {
	id := c.ID(p)
	lp := c.local[id]

	targets, err := c.targets(to)
	if err != nil {
		return id, false, err
	}

	ready := true
	for _, peer := range targets {
		ok, sent := lp.confirmed[peer]
		if !sent {
			if err := c.sendSimplify(peer, id, p); err != nil {
				return id, false, err
			}
			lp.confirmed[peer] = false
		}
		if !ok {
			ready = false
		}
	}
	return id, ready, nil
}

// IsConfirmed reports whether peer has accepted the local id for p.
func (c *Cache) IsConfirmed(p string, peer protocol.PeerID) bool {
	id, ok := c.byPath[p]
	if !ok {
		return false
	}
	return c.local[id].confirmed[peer]
}

// Lookup resolves an id announced by peer.
func (c *Cache) Lookup(peer protocol.PeerID, id uint32) (string, bool) {
	p, ok := c.remote[peer][id]
	return p, ok
}

// OnPeerChange forgets everything learned from or sent to a departing peer.
func (c *Cache) OnPeerChange(id protocol.PeerID, connected bool) {
	if connected {
		return
	}
	delete(c.remote, id)
	for _, lp := range c.local {
		delete(lp.confirmed, id)
	}
}

// Process handles SIMPLIFY_PATH and CONFIRM_PATH.
func (c *Cache) Process(from protocol.PeerID, data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	id := protocol.ID(data[1:headerSize])

	switch protocol.CommandOf(data) {
	case protocol.CmdSimplifyPath:
		return c.processSimplify(from, id, string(data[headerSize:]))
	case protocol.CmdConfirmPath:
		return c.processConfirm(from, id, data[headerSize:])
	default:
		return fmt.Errorf("%w: unexpected %s", ErrMalformed, protocol.CommandOf(data))
	}
}

func (c *Cache) processSimplify(from protocol.PeerID, id uint32, p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrMalformed)
	}

	ok := c.underRoot(p)
	if ok {
		if c.remote[from] == nil {
			c.remote[from] = make(map[uint32]string)
		}
		c.remote[from][id] = p
	} else {
		util.LogWarning("peer %d announced %q outside root %q", from, p, c.net.RootPath())
	}

	buf := make([]byte, headerSize+1)
	buf[0] = byte(protocol.CmdConfirmPath)
	protocol.PutID(buf[1:], id)
	if ok {
		buf[headerSize] = 1
	}
	// from is the logical sender, so a relayed announcement is answered
	// through the hub as well.
	if err := c.net.Send(from, buf, transport.ModeReliable, 0); err != nil {
		return fmt.Errorf("confirm path %d to peer %d: %w", id, from, err)
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrOutsideRoot, p)
	}
	return nil
}

func (c *Cache) processConfirm(from protocol.PeerID, id uint32, rest []byte) error {
	if len(rest) != 1 {
		return fmt.Errorf("%w: confirm body is %d bytes", ErrMalformed, len(rest))
	}
	lp, ok := c.local[id]
	if !ok {
		return fmt.Errorf("%w: %d confirmed by peer %d", ErrUnknownPath, id, from)
	}
	if rest[0] == 0 {
		util.LogWarning("peer %d refused path %q", from, lp.path)
		return nil
	}
	lp.confirmed[from] = true
	return nil
}

func (c *Cache) sendSimplify(to protocol.PeerID, id uint32, p string) error {
	buf := make([]byte, headerSize+len(p))
	buf[0] = byte(protocol.CmdSimplifyPath)
	protocol.PutID(buf[1:], id)
	copy(buf[headerSize:], p)
	if err := c.net.Send(to, buf, transport.ModeReliable, 0); err != nil {
		return fmt.Errorf("simplify path %q to peer %d: %w", p, to, err)
	}
	return nil
}

// targets expands an address into concrete peers.
func (c *Cache) targets(to protocol.PeerID) ([]protocol.PeerID, error) {
	if to > 0 {
		if to == c.net.UniqueID() {
			return nil, fmt.Errorf("pathcache: cannot address self (%d)", to)
		}
		return []protocol.PeerID{to}, nil
	}
	var out []protocol.PeerID
	for _, id := range c.net.PeerIDs() {
		if id != -to {
			out = append(out, id)
		}
	}
	return out, nil
}

func (c *Cache) underRoot(p string) bool {
	root := c.net.RootPath()
	if root == "" || !path.IsAbs(p) {
		return false
	}
	p = path.Clean(p)
	return p == root || root == "/" || strings.HasPrefix(p, root+"/")
}
