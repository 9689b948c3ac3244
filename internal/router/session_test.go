package router

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/transport/mem"
)

// node is a router bound to an in-memory transport.
type node struct {
	*Router
	tr *mem.Peer

	raw    []rawPacket
	joined []protocol.PeerID
	left   []protocol.PeerID
	gone   int
}

func newNode(t *testing.T, tr *mem.Peer, relay bool) *node {
	t.Helper()
	n := &node{tr: tr}
	n.Router = New(WithRelay(relay), WithRootPath("/root"), WithListener(Listener{
		PeerConnected:      func(id protocol.PeerID) { n.joined = append(n.joined, id) },
		PeerDisconnected:   func(id protocol.PeerID) { n.left = append(n.left, id) },
		ServerDisconnected: func() { n.gone++ },
		PeerPacket: func(from protocol.PeerID, data []byte) {
			n.raw = append(n.raw, rawPacket{from: from, data: data})
		},
	}))
	require.NoError(t, n.SetTransport(tr))
	return n
}

// newSession builds a hub and count spokes and lets every announcement settle.
func newSession(t *testing.T, star, relay bool, count int) (*node, []*node) {
	t.Helper()
	network := mem.NewNetwork(star)

	hubTr, err := network.Listen()
	require.NoError(t, err)
	hub := newNode(t, hubTr, relay)

	spokes := make([]*node, 0, count)
	for i := 0; i < count; i++ {
		tr, err := network.Dial()
		require.NoError(t, err)
		spokes = append(spokes, newNode(t, tr, relay))
	}

	pollAll(t, append([]*node{hub}, spokes...)...)
	return hub, spokes
}

func pollAll(t *testing.T, nodes ...*node) {
	t.Helper()
	for _, n := range nodes {
		require.NoError(t, n.Poll())
	}
}

func TestSessionMeshKnowledge(t *testing.T) {
	hub, spokes := newSession(t, true, true, 3)

	assert.Equal(t, []protocol.PeerID{2, 3, 4}, hub.PeerIDs())
	assert.Equal(t, []protocol.PeerID{1, 3, 4}, spokes[0].PeerIDs())
	assert.Equal(t, []protocol.PeerID{1, 2, 4}, spokes[1].PeerIDs())
	assert.Equal(t, []protocol.PeerID{1, 2, 3}, spokes[2].PeerIDs())
	assert.Equal(t, []protocol.PeerID{1, 3, 4}, spokes[0].joined)
}

func TestSessionWithoutRelayOnlySeesHub(t *testing.T) {
	hub, spokes := newSession(t, true, false, 2)

	assert.Equal(t, []protocol.PeerID{2, 3}, hub.PeerIDs())
	assert.Equal(t, []protocol.PeerID{1}, spokes[0].PeerIDs())
	assert.Equal(t, []protocol.PeerID{1}, spokes[1].PeerIDs())
}

// TestSessionSpokeToSpoke follows one packet 2 -> 1 -> 3.
func TestSessionSpokeToSpoke(t *testing.T) {
	hub, spokes := newSession(t, true, true, 2)
	a, b := spokes[0], spokes[1]

	require.NoError(t, a.SendBytes([]byte("hello"), 3, transport.ModeReliable, 0))
	pollAll(t, hub, b, a)

	assert.Empty(t, hub.raw, "a unicast relay is not processed by the hub")
	assert.Empty(t, a.raw)
	require.Len(t, b.raw, 1)
	assert.Equal(t, protocol.PeerID(2), b.raw[0].from)
	assert.Equal(t, []byte("hello"), b.raw[0].data)
}

func TestSessionSpokeBroadcast(t *testing.T) {
	for _, dest := range []protocol.PeerID{0, -1} {
		t.Run(fmt.Sprint(dest), func(t *testing.T) {
			hub, spokes := newSession(t, true, true, 3)
			sender := spokes[0]

			require.NoError(t, sender.SendBytes([]byte("all"), dest, transport.ModeReliable, 0))
			pollAll(t, hub, spokes[0], spokes[1], spokes[2])

			require.Len(t, hub.raw, 1, "the hub processes the payload exactly once")
			assert.Equal(t, protocol.PeerID(2), hub.raw[0].from)
			assert.Empty(t, sender.raw)
			for _, s := range spokes[1:] {
				require.Len(t, s.raw, 1)
				assert.Equal(t, protocol.PeerID(2), s.raw[0].from)
			}
		})
	}
}

func TestSessionSpokeBroadcastExcept(t *testing.T) {
	hub, spokes := newSession(t, true, true, 3)

	require.NoError(t, spokes[0].SendBytes([]byte("x"), -3, transport.ModeReliable, 0))
	pollAll(t, hub, spokes[0], spokes[1], spokes[2])

	assert.Empty(t, hub.raw)
	assert.Empty(t, spokes[0].raw)
	assert.Empty(t, spokes[1].raw, "peer 3 is excluded")
	require.Len(t, spokes[2].raw, 1)
	assert.Equal(t, protocol.PeerID(2), spokes[2].raw[0].from)
}

func TestSessionHubBroadcastExcept(t *testing.T) {
	hub, spokes := newSession(t, true, true, 3)

	require.NoError(t, hub.SendBytes([]byte("x"), -3, transport.ModeReliable, 0))
	pollAll(t, spokes...)

	assert.Len(t, spokes[0].raw, 1)
	assert.Empty(t, spokes[1].raw)
	assert.Len(t, spokes[2].raw, 1)
	assert.Equal(t, protocol.PeerHub, spokes[2].raw[0].from)
}

func TestSessionMeshRoundTrip(t *testing.T) {
	_, spokes := newSession(t, false, true, 2)
	a, b := spokes[0], spokes[1]

	assert.Contains(t, a.PeerIDs(), protocol.PeerID(3))

	require.NoError(t, a.SendBytes([]byte("direct"), 3, transport.ModeUnreliable, 1))
	pollAll(t, b)

	require.Len(t, b.raw, 1)
	assert.Equal(t, protocol.PeerID(2), b.raw[0].from)
	assert.Equal(t, []byte("direct"), b.raw[0].data)
}

func TestSessionSpokeLeaves(t *testing.T) {
	hub, spokes := newSession(t, true, true, 3)

	require.NoError(t, spokes[1].tr.Close())
	pollAll(t, hub, spokes[0], spokes[2])

	assert.Equal(t, []protocol.PeerID{2, 4}, hub.PeerIDs())
	assert.Equal(t, []protocol.PeerID{1, 4}, spokes[0].PeerIDs())
	assert.Equal(t, []protocol.PeerID{3}, spokes[0].left)
	assert.Equal(t, []protocol.PeerID{1, 2}, spokes[2].PeerIDs())
}

func TestSessionHubLeaves(t *testing.T) {
	hub, spokes := newSession(t, true, true, 2)

	require.NoError(t, hub.tr.Close())
	require.NoError(t, spokes[0].Poll())

	assert.Equal(t, 1, spokes[0].gone)
	assert.ErrorIs(t, spokes[0].Poll(), ErrNotConfigured)
	assert.ErrorIs(t, spokes[0].SendBytes([]byte("x"), 1, transport.ModeReliable, 0), ErrNotConfigured)
}

// TestSessionTeardownInsideHandler closes the transport from the raw handler
// while more packets are queued.
func TestSessionTeardownInsideHandler(t *testing.T) {
	hub, spokes := newSession(t, true, true, 1)
	s := spokes[0]
	s.listener.PeerPacket = func(from protocol.PeerID, data []byte) {
		s.raw = append(s.raw, rawPacket{from: from, data: data})
		require.NoError(t, s.tr.Close())
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.SendBytes([]byte{byte(i)}, 2, transport.ModeReliable, 0))
	}

	require.NoError(t, s.Poll())
	require.Len(t, s.raw, 1)
	assert.Equal(t, []byte{0}, s.raw[0].data)
	assert.ErrorIs(t, s.Poll(), ErrNotConfigured)
}
