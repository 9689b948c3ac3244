// Package replication mirrors owned objects onto every peer in the session.
//
// The owner spawns an object with an opaque state blob, updates it locally,
// and the replicator pushes the latest state once per router poll. Peers
// that join later receive a spawn for every object the owner still holds.
//
// Wire layout:
//
//	SPAWN    [tag][id u32 LE][state]
//	DESPAWN  [tag][id u32 LE]
//	SYNC     [tag][id u32 LE][state]
package replication

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/util"
)

var (
	ErrMalformed     = errors.New("replication: malformed packet")
	ErrUnknownObject = errors.New("replication: unknown object")
	ErrExists        = errors.New("replication: object already exists")
	ErrNoSession     = errors.New("replication: not in a session")
)

const headerSize = 1 + 4

// SyncChannel carries state updates, apart from spawn and despawn on channel 0.
const SyncChannel = 1

// Network is the part of the router the replicator sends through.
type Network interface {
	Send(to protocol.PeerID, pkt []byte, mode transport.TransferMode, channel int) error
	UniqueID() protocol.PeerID
}

// Object is one replicated object. Ids are unique per owner.
type Object struct {
	Owner protocol.PeerID
	ID    uint32
	State []byte
}

// Listener receives remote object changes. Any field may be nil.
type Listener struct {
	Spawned   func(obj Object)
	Synced    func(obj Object)
	Despawned func(obj Object)
}

type key struct {
	owner protocol.PeerID
	id    uint32
}

type entry struct {
	Object
	dirty bool
}

// Replicator tracks local and remote objects. It is driven from the router's
// goroutine and is not safe for concurrent use.
type Replicator struct {
	net      Network
	listener Listener
	syncMode transport.TransferMode

	objects map[key]*entry
}

// New creates an empty replicator. State updates are sent unreliable but
// ordered, so a late update never overwrites a newer one.
func New(net Network, l Listener) *Replicator {
	return &Replicator{
		net:      net,
		listener: l,
		syncMode: transport.ModeUnreliableOrdered,
		objects:  make(map[key]*entry),
	}
}

// SetSyncMode changes the transfer mode used for state updates.
func (r *Replicator) SetSyncMode(mode transport.TransferMode) {
	r.syncMode = mode
}

// Spawn creates a local object and announces it to everyone. The object is
// kept even if the announcement fails; peers that join later still get it.
func (r *Replicator) Spawn(id uint32, state []byte) error {
	k := key{owner: r.net.UniqueID(), id: id}
	if k.owner == protocol.PeerNone {
		return ErrNoSession
	}
	if _, ok := r.objects[k]; ok {
		return fmt.Errorf("%w: %d", ErrExists, id)
	}
	obj := Object{Owner: k.owner, ID: id, State: clone(state)}
	r.objects[k] = &entry{Object: obj}
	return r.send(protocol.PeerNone, protocol.CmdSpawn, id, obj.State, transport.ModeReliable, 0)
}

// Update replaces the state of a local object. It is sent on the next poll.
func (r *Replicator) Update(id uint32, state []byte) error {
	e, ok := r.objects[key{owner: r.net.UniqueID(), id: id}]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	e.State = clone(state)
	e.dirty = true
	return nil
}

// Despawn removes a local object everywhere.
func (r *Replicator) Despawn(id uint32) error {
	k := key{owner: r.net.UniqueID(), id: id}
	if _, ok := r.objects[k]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	delete(r.objects, k)
	return r.send(protocol.PeerNone, protocol.CmdDespawn, id, nil, transport.ModeReliable, 0)
}

// Get returns the object id owned by owner.
func (r *Replicator) Get(owner protocol.PeerID, id uint32) (Object, bool) {
	e, ok := r.objects[key{owner: owner, id: id}]
	if !ok {
		return Object{}, false
	}
	return e.Object, true
}

// Objects returns every known object ordered by owner, then id.
func (r *Replicator) Objects() []Object {
	out := make([]Object, 0, len(r.objects))
	for _, e := range r.objects {
		out = append(out, e.Object)
	}
	slices.SortFunc(out, func(a, b Object) int {
		if c := cmp.Compare(a.Owner, b.Owner); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// OnPeerChange spawns local objects on a new peer and drops the objects of
// a departing one.
func (r *Replicator) OnPeerChange(id protocol.PeerID, connected bool) {
	self := r.net.UniqueID()
	for _, obj := range r.Objects() {
		switch {
		case connected && obj.Owner == self:
			if err := r.send(id, protocol.CmdSpawn, obj.ID, obj.State, transport.ModeReliable, 0); err != nil {
				util.LogWarning("failed to spawn object %d on peer %d: %v", obj.ID, id, err)
			}
		case !connected && obj.Owner == id:
			delete(r.objects, key{owner: id, id: obj.ID})
			if r.listener.Despawned != nil {
				r.listener.Despawned(obj)
			}
		}
	}
}

// Process applies a remote SPAWN, DESPAWN or SYNC. Only the owner, which is
// the logical sender, can change its objects.
func (r *Replicator) Process(from protocol.PeerID, data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	k := key{owner: from, id: protocol.ID(data[1:headerSize])}
	state := data[headerSize:]

	switch cmd := protocol.CommandOf(data); cmd {
	case protocol.CmdSpawn:
		if e, ok := r.objects[k]; ok {
			// A re-spawn after reconnect just refreshes the state.
			e.State = clone(state)
			return nil
		}
		e := &entry{Object: Object{Owner: from, ID: k.id, State: clone(state)}}
		r.objects[k] = e
		if r.listener.Spawned != nil {
			r.listener.Spawned(e.Object)
		}
		return nil

	case protocol.CmdSync:
		e, ok := r.objects[k]
		if !ok {
			return fmt.Errorf("%w: %d from peer %d", ErrUnknownObject, k.id, from)
		}
		e.State = clone(state)
		if r.listener.Synced != nil {
			r.listener.Synced(e.Object)
		}
		return nil

	case protocol.CmdDespawn:
		if len(state) != 0 {
			return fmt.Errorf("%w: despawn with %d trailing bytes", ErrMalformed, len(state))
		}
		e, ok := r.objects[k]
		if !ok {
			return fmt.Errorf("%w: %d from peer %d", ErrUnknownObject, k.id, from)
		}
		delete(r.objects, k)
		if r.listener.Despawned != nil {
			r.listener.Despawned(e.Object)
		}
		return nil

	default:
		return fmt.Errorf("%w: unexpected %s", ErrMalformed, cmd)
	}
}

// OnNetworkProcess flushes every dirty local object.
func (r *Replicator) OnNetworkProcess() {
	self := r.net.UniqueID()
	for _, obj := range r.Objects() {
		e := r.objects[key{owner: obj.Owner, id: obj.ID}]
		if obj.Owner != self || !e.dirty {
			continue
		}
		e.dirty = false
		if err := r.send(protocol.PeerNone, protocol.CmdSync, obj.ID, obj.State, r.syncMode, SyncChannel); err != nil {
			util.LogWarning("failed to sync object %d: %v", obj.ID, err)
		}
	}
}

// OnReset forgets every object. The session is gone, so nothing is sent.
func (r *Replicator) OnReset() {
	clear(r.objects)
}

func (r *Replicator) send(to protocol.PeerID, cmd protocol.Command, id uint32, state []byte, mode transport.TransferMode, channel int) error {
	buf := make([]byte, headerSize+len(state))
	buf[0] = byte(cmd)
	protocol.PutID(buf[1:], id)
	copy(buf[headerSize:], state)
	return r.net.Send(to, buf, mode, channel)
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
