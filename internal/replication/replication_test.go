package replication

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/util"
)

func TestMain(m *testing.M) {
	util.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type sent struct {
	to      protocol.PeerID
	pkt     []byte
	mode    transport.TransferMode
	channel int
}

type fakeNet struct {
	id  protocol.PeerID
	out []sent
}

func (n *fakeNet) Send(to protocol.PeerID, pkt []byte, mode transport.TransferMode, channel int) error {
	n.out = append(n.out, sent{to: to, pkt: append([]byte(nil), pkt...), mode: mode, channel: channel})
	return nil
}
func (n *fakeNet) UniqueID() protocol.PeerID { return n.id }

func packet(cmd protocol.Command, id uint32, state string) []byte {
	buf := make([]byte, headerSize+len(state))
	buf[0] = byte(cmd)
	protocol.PutID(buf[1:], id)
	copy(buf[headerSize:], state)
	return buf
}

type events struct {
	spawned, synced, despawned []Object
}

func (e *events) listener() Listener {
	return Listener{
		Spawned:   func(o Object) { e.spawned = append(e.spawned, o) },
		Synced:    func(o Object) { e.synced = append(e.synced, o) },
		Despawned: func(o Object) { e.despawned = append(e.despawned, o) },
	}
}

func TestSpawnBroadcasts(t *testing.T) {
	net := &fakeNet{id: 2}
	r := New(net, Listener{})

	require.NoError(t, r.Spawn(7, []byte("hp=10")))
	require.Len(t, net.out, 1)
	assert.Equal(t, protocol.PeerNone, net.out[0].to)
	assert.Equal(t, packet(protocol.CmdSpawn, 7, "hp=10"), net.out[0].pkt)
	assert.Equal(t, transport.ModeReliable, net.out[0].mode)

	assert.ErrorIs(t, r.Spawn(7, nil), ErrExists)

	obj, ok := r.Get(2, 7)
	require.True(t, ok)
	assert.Equal(t, []byte("hp=10"), obj.State)
}

func TestSpawnWithoutSession(t *testing.T) {
	r := New(&fakeNet{}, Listener{})
	assert.ErrorIs(t, r.Spawn(1, nil), ErrNoSession)
}

func TestUpdateFlushesOncePerPoll(t *testing.T) {
	net := &fakeNet{id: 2}
	r := New(net, Listener{})
	require.NoError(t, r.Spawn(1, []byte("a")))
	require.NoError(t, r.Spawn(2, []byte("b")))
	net.out = nil

	require.NoError(t, r.Update(2, []byte("b1")))
	require.NoError(t, r.Update(2, []byte("b2")))
	r.OnNetworkProcess()

	require.Len(t, net.out, 1, "only the latest state of dirty objects is sent")
	assert.Equal(t, packet(protocol.CmdSync, 2, "b2"), net.out[0].pkt)
	assert.Equal(t, transport.ModeUnreliableOrdered, net.out[0].mode)
	assert.Equal(t, SyncChannel, net.out[0].channel)

	r.OnNetworkProcess()
	assert.Len(t, net.out, 1, "clean objects are not resent")

	assert.ErrorIs(t, r.Update(9, nil), ErrUnknownObject)
}

func TestSyncMode(t *testing.T) {
	net := &fakeNet{id: 2}
	r := New(net, Listener{})
	r.SetSyncMode(transport.ModeReliable)
	require.NoError(t, r.Spawn(1, nil))
	require.NoError(t, r.Update(1, []byte("x")))
	r.OnNetworkProcess()
	assert.Equal(t, transport.ModeReliable, net.out[1].mode)
}

func TestDespawnLocal(t *testing.T) {
	net := &fakeNet{id: 2}
	r := New(net, Listener{})
	require.NoError(t, r.Spawn(1, nil))

	require.NoError(t, r.Despawn(1))
	assert.Equal(t, packet(protocol.CmdDespawn, 1, ""), net.out[1].pkt)
	_, ok := r.Get(2, 1)
	assert.False(t, ok)
	assert.ErrorIs(t, r.Despawn(1), ErrUnknownObject)
}

func TestRemoteLifecycle(t *testing.T) {
	var ev events
	r := New(&fakeNet{id: 2}, ev.listener())

	require.NoError(t, r.Process(3, packet(protocol.CmdSpawn, 5, "s0")))
	require.NoError(t, r.Process(3, packet(protocol.CmdSync, 5, "s1")))
	require.NoError(t, r.Process(3, packet(protocol.CmdDespawn, 5, "")))

	want := Object{Owner: 3, ID: 5}
	require.Len(t, ev.spawned, 1)
	assert.Equal(t, []byte("s0"), ev.spawned[0].State)
	require.Len(t, ev.synced, 1)
	assert.Equal(t, []byte("s1"), ev.synced[0].State)
	require.Len(t, ev.despawned, 1)
	assert.Equal(t, want.Owner, ev.despawned[0].Owner)
	assert.Empty(t, r.Objects())
}

func TestOnlyOwnerMayChange(t *testing.T) {
	r := New(&fakeNet{id: 2}, Listener{})
	require.NoError(t, r.Process(3, packet(protocol.CmdSpawn, 5, "s0")))

	assert.ErrorIs(t, r.Process(4, packet(protocol.CmdSync, 5, "evil")), ErrUnknownObject)
	assert.ErrorIs(t, r.Process(4, packet(protocol.CmdDespawn, 5, "")), ErrUnknownObject)

	obj, ok := r.Get(3, 5)
	require.True(t, ok)
	assert.Equal(t, []byte("s0"), obj.State)
}

func TestRespawnRefreshesState(t *testing.T) {
	var ev events
	r := New(&fakeNet{id: 2}, ev.listener())
	require.NoError(t, r.Process(3, packet(protocol.CmdSpawn, 5, "a")))
	require.NoError(t, r.Process(3, packet(protocol.CmdSpawn, 5, "b")))

	assert.Len(t, ev.spawned, 1)
	obj, _ := r.Get(3, 5)
	assert.Equal(t, []byte("b"), obj.State)
}

func TestProcessMalformed(t *testing.T) {
	r := New(&fakeNet{id: 2}, Listener{})
	assert.ErrorIs(t, r.Process(3, []byte{byte(protocol.CmdSpawn), 1}), ErrMalformed)
	assert.ErrorIs(t, r.Process(3, packet(protocol.CmdDespawn, 1, "x")), ErrMalformed)
	assert.ErrorIs(t, r.Process(3, packet(protocol.CmdRaw, 1, "")), ErrMalformed)
}

func TestPeerJoinGetsLocalObjects(t *testing.T) {
	net := &fakeNet{id: 2}
	r := New(net, Listener{})
	require.NoError(t, r.Spawn(1, []byte("a")))
	require.NoError(t, r.Process(3, packet(protocol.CmdSpawn, 9, "remote")))
	net.out = nil

	r.OnPeerChange(4, true)

	require.Len(t, net.out, 1, "only owned objects are spawned on the newcomer")
	assert.Equal(t, protocol.PeerID(4), net.out[0].to)
	assert.Equal(t, packet(protocol.CmdSpawn, 1, "a"), net.out[0].pkt)
}

func TestPeerLeaveDropsItsObjects(t *testing.T) {
	var ev events
	r := New(&fakeNet{id: 2}, ev.listener())
	require.NoError(t, r.Spawn(1, nil))
	require.NoError(t, r.Process(3, packet(protocol.CmdSpawn, 1, "")))
	require.NoError(t, r.Process(4, packet(protocol.CmdSpawn, 1, "")))

	r.OnPeerChange(3, false)

	require.Len(t, ev.despawned, 1)
	assert.Equal(t, protocol.PeerID(3), ev.despawned[0].Owner)
	objs := r.Objects()
	require.Len(t, objs, 2)
	assert.Equal(t, protocol.PeerID(2), objs[0].Owner)
	assert.Equal(t, protocol.PeerID(4), objs[1].Owner)
}

func TestOnReset(t *testing.T) {
	net := &fakeNet{id: 2}
	r := New(net, Listener{})
	require.NoError(t, r.Spawn(1, nil))
	require.NoError(t, r.Process(3, packet(protocol.CmdSpawn, 1, "")))
	net.out = nil

	r.OnReset()
	assert.Empty(t, r.Objects())
	assert.Empty(t, net.out)
}
