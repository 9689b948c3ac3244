package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/transport"
)

// recorder captures callbacks as short strings for order assertions.
type recorder struct{ events []string }

func (r *recorder) callbacks() transport.Callbacks {
	return transport.Callbacks{
		PeerConnected:       func(id protocol.PeerID) { r.events = append(r.events, "+"+string(rune('0'+id))) },
		PeerDisconnected:    func(id protocol.PeerID) { r.events = append(r.events, "-"+string(rune('0'+id))) },
		ConnectionSucceeded: func() { r.events = append(r.events, "ok") },
		ServerDisconnected:  func() { r.events = append(r.events, "server-gone") },
	}
}

func TestStarMembership(t *testing.T) {
	n := NewNetwork(true)
	hub, err := n.Listen()
	require.NoError(t, err)
	a, err := n.Dial()
	require.NoError(t, err)
	b, err := n.Dial()
	require.NoError(t, err)

	var hr, ar, br recorder
	hub.SetCallbacks(hr.callbacks())
	a.SetCallbacks(ar.callbacks())
	b.SetCallbacks(br.callbacks())

	hub.Poll()
	a.Poll()
	b.Poll()

	assert.Equal(t, []string{"+2", "+3"}, hr.events)
	assert.Equal(t, []string{"+1", "ok"}, ar.events)
	assert.Equal(t, []string{"+1", "ok"}, br.events, "spokes must not see each other in star mode")
	assert.True(t, a.IsServerRelaySupported())
}

func TestMeshMembership(t *testing.T) {
	n := NewNetwork(false)
	_, err := n.Listen()
	require.NoError(t, err)
	a, err := n.Dial()
	require.NoError(t, err)
	b, err := n.Dial()
	require.NoError(t, err)

	var ar, br recorder
	a.SetCallbacks(ar.callbacks())
	b.SetCallbacks(br.callbacks())
	a.Poll()
	b.Poll()

	assert.Equal(t, []string{"+1", "ok", "+3"}, ar.events)
	assert.Equal(t, []string{"+1", "+2", "ok"}, br.events)
}

func TestStarSpokeCannotReachSpoke(t *testing.T) {
	n := NewNetwork(true)
	_, err := n.Listen()
	require.NoError(t, err)
	a, _ := n.Dial()
	_, _ = n.Dial()

	a.SetTargetPeer(3)
	assert.ErrorIs(t, a.PutPacket([]byte{1}), transport.ErrUnreachable)

	a.SetTargetPeer(protocol.PeerHub)
	assert.NoError(t, a.PutPacket([]byte{1}))
}

func TestPutPacketCarriesMetadata(t *testing.T) {
	n := NewNetwork(true)
	hub, _ := n.Listen()
	a, _ := n.Dial()
	b, _ := n.Dial()

	hub.SetTargetPeer(-2)
	hub.SetTransferMode(transport.ModeUnreliable)
	hub.SetTransferChannel(3)
	data := []byte{0x03, 'x'}
	require.NoError(t, hub.PutPacket(data))
	data[1] = 'y'

	a.Poll()
	b.Poll()
	assert.Zero(t, a.AvailablePacketCount())
	require.Equal(t, 1, b.AvailablePacketCount())

	pkt, err := b.GetPacket()
	require.NoError(t, err)
	assert.Equal(t, protocol.PeerHub, pkt.From)
	assert.Equal(t, []byte{0x03, 'x'}, pkt.Data, "payload must be copied on send")
	assert.Equal(t, transport.ModeUnreliable, pkt.Mode)
	assert.Equal(t, 3, pkt.Channel)
}

func TestHubCloseDisconnectsSpokes(t *testing.T) {
	n := NewNetwork(true)
	hub, _ := n.Listen()
	a, _ := n.Dial()
	a.Poll()

	var ar recorder
	a.SetCallbacks(ar.callbacks())
	require.NoError(t, hub.Close())

	assert.Equal(t, transport.StatusConnected, a.ConnectionStatus())
	a.Poll()
	assert.Equal(t, []string{"server-gone"}, ar.events)
	assert.Equal(t, transport.StatusDisconnected, a.ConnectionStatus())
}

func TestSpokeCloseNotifiesHub(t *testing.T) {
	n := NewNetwork(true)
	hub, _ := n.Listen()
	a, _ := n.Dial()
	hub.Poll()

	var hr recorder
	hub.SetCallbacks(hr.callbacks())
	require.NoError(t, a.Close())
	hub.Poll()

	assert.Equal(t, []string{"-2"}, hr.events)
	assert.ErrorIs(t, a.PutPacket([]byte{1}), transport.ErrNotConnected)
}

func TestRefuseNewConnections(t *testing.T) {
	n := NewNetwork(true)
	hub, _ := n.Listen()
	hub.SetRefuseNewConnections(true)

	_, err := n.Dial()
	assert.ErrorIs(t, err, transport.ErrRefused)

	hub.SetRefuseNewConnections(false)
	_, err = n.Dial()
	assert.NoError(t, err)
}

func TestSingleHub(t *testing.T) {
	n := NewNetwork(true)
	_, err := n.Dial()
	assert.ErrorIs(t, err, ErrNoHub)

	_, err = n.Listen()
	require.NoError(t, err)
	_, err = n.Listen()
	assert.ErrorIs(t, err, ErrHubExists)
}
