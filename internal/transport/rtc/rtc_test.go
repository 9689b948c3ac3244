package rtc

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

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

func TestLinkRejectsBadSends(t *testing.T) {
	l, err := newLink(nil, linkHandlers{})
	require.NoError(t, err)
	defer l.close()

	assert.Error(t, l.send(transport.ModeReliable, 256, []byte("x")))
	assert.Error(t, l.send(transport.ModeReliable, -1, []byte("x")))
	assert.Error(t, l.send(transport.TransferMode(7), 0, []byte("x")))
	assert.ErrorIs(t, l.send(transport.ModeReliable, 0, []byte("x")), transport.ErrNotConnected)
}

func TestLinkChannelsPerMode(t *testing.T) {
	l, err := newLink(nil, linkHandlers{})
	require.NoError(t, err)
	defer l.close()

	for i, dc := range l.dcs {
		mode := transport.TransferMode(i)
		require.NotNil(t, dc, mode.String())
		assert.Equal(t, channelLabels[i], dc.Label())
		assert.True(t, dc.Negotiated())
		require.NotNil(t, dc.ID())
		assert.Equal(t, uint16(i), *dc.ID())
		assert.Equal(t, mode != transport.ModeUnreliable, dc.Ordered())
		if mode == transport.ModeReliable {
			assert.Nil(t, dc.MaxRetransmits())
		} else {
			require.NotNil(t, dc.MaxRetransmits())
			assert.Zero(t, *dc.MaxRetransmits())
		}
	}
}

func TestLinkCloseIsIdempotent(t *testing.T) {
	closed := 0
	l, err := newLink(nil, linkHandlers{closed: func() { closed++ }})
	require.NoError(t, err)

	require.NoError(t, l.close())
	_ = l.close()
	assert.Zero(t, closed, "a link that never opened reports nothing")
	select {
	case <-l.done:
	default:
		t.Fatal("done not closed")
	}
}

// ---------------------------------------------------------------------------
// Loopback sessions
// ---------------------------------------------------------------------------

type recorder struct {
	connected    []protocol.PeerID
	disconnected []protocol.PeerID
	succeeded    int
	serverGone   int
}

func (r *recorder) callbacks() transport.Callbacks {
	return transport.Callbacks{
		PeerConnected:       func(id protocol.PeerID) { r.connected = append(r.connected, id) },
		PeerDisconnected:    func(id protocol.PeerID) { r.disconnected = append(r.disconnected, id) },
		ConnectionSucceeded: func() { r.succeeded++ },
		ServerDisconnected:  func() { r.serverGone++ },
	}
}

func pollUntil(t *testing.T, cond func() bool, peers ...transport.Peer) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		for _, p := range peers {
			p.Poll()
		}
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recv(t *testing.T, p transport.Peer) transport.Packet {
	t.Helper()
	pollUntil(t, func() bool { return p.AvailablePacketCount() > 0 }, p)
	pkt, err := p.GetPacket()
	require.NoError(t, err)
	return pkt
}

func startSession(t *testing.T, spokes int) (*Hub, *recorder, []*Spoke, []*recorder) {
	t.Helper()
	if testing.Short() {
		t.Skip("WebRTC loopback session skipped in short mode")
	}

	hub, err := Listen("127.0.0.1:0", Config{HandshakeTimeout: 10 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = hub.Close() })
	hubRec := &recorder{}
	hub.SetCallbacks(hubRec.callbacks())
	url := "ws://" + hub.Addr().String() + Path

	var out []*Spoke
	var recs []*recorder
	for i := 0; i < spokes; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		s, err := Dial(ctx, url, Config{})
		cancel()
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		rec := &recorder{}
		s.SetCallbacks(rec.callbacks())
		out = append(out, s)
		recs = append(recs, rec)
	}

	all := []transport.Peer{hub}
	for _, s := range out {
		all = append(all, s)
	}
	pollUntil(t, func() bool {
		if len(hubRec.connected) != spokes {
			return false
		}
		for _, r := range recs {
			if r.succeeded != 1 {
				return false
			}
		}
		return true
	}, all...)

	return hub, hubRec, out, recs
}

func TestSessionHandshake(t *testing.T) {
	hub, hubRec, spokes, recs := startSession(t, 2)

	assert.ElementsMatch(t, []protocol.PeerID{2, 3}, hubRec.connected)
	assert.ElementsMatch(t, []protocol.PeerID{2, 3}, []protocol.PeerID{spokes[0].UniqueID(), spokes[1].UniqueID()})
	assert.Equal(t, []protocol.PeerID{protocol.PeerHub}, recs[0].connected)
	assert.Equal(t, transport.StatusConnected, spokes[0].ConnectionStatus())
	assert.Equal(t, protocol.PeerHub, hub.UniqueID())
}

func TestSessionEveryMode(t *testing.T) {
	hub, _, spokes, _ := startSession(t, 1)
	s := spokes[0]

	for i := 0; i < numModes; i++ {
		mode := transport.TransferMode(i)
		t.Run(mode.String(), func(t *testing.T) {
			s.SetTargetPeer(protocol.PeerHub)
			s.SetTransferMode(mode)
			s.SetTransferChannel(i + 1)
			require.NoError(t, s.PutPacket([]byte("up")))

			pkt := recv(t, hub)
			assert.Equal(t, s.UniqueID(), pkt.From)
			assert.Equal(t, mode, pkt.Mode)
			assert.Equal(t, i+1, pkt.Channel)
			assert.Equal(t, []byte("up"), pkt.Data)

			hub.SetTargetPeer(s.UniqueID())
			hub.SetTransferMode(mode)
			hub.SetTransferChannel(0)
			require.NoError(t, hub.PutPacket([]byte("down")))

			pkt = recv(t, s)
			assert.Equal(t, protocol.PeerHub, pkt.From)
			assert.Equal(t, mode, pkt.Mode)
			assert.Equal(t, []byte("down"), pkt.Data)
		})
	}
}

func TestSessionSpokeReachesOnlyHub(t *testing.T) {
	_, _, spokes, _ := startSession(t, 1)
	s := spokes[0]

	s.SetTargetPeer(s.UniqueID() + 1)
	assert.ErrorIs(t, s.PutPacket([]byte("x")), transport.ErrUnreachable)
}

func TestSessionSpokeLeaves(t *testing.T) {
	hub, hubRec, spokes, recs := startSession(t, 1)
	id := spokes[0].UniqueID()

	require.NoError(t, spokes[0].Close())
	pollUntil(t, func() bool { return len(hubRec.disconnected) == 1 }, hub)

	assert.Equal(t, []protocol.PeerID{id}, hubRec.disconnected)
	assert.Zero(t, recs[0].serverGone)
}

func TestSessionHubLeaves(t *testing.T) {
	hub, _, spokes, recs := startSession(t, 1)

	require.NoError(t, hub.Close())
	pollUntil(t, func() bool { return recs[0].serverGone == 1 }, spokes[0])
	assert.Equal(t, transport.StatusDisconnected, spokes[0].ConnectionStatus())
}

func TestHubRefusesNewConnections(t *testing.T) {
	hub, err := Listen("127.0.0.1:0", Config{})
	require.NoError(t, err)
	defer hub.Close()
	hub.SetRefuseNewConnections(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, "ws://"+hub.Addr().String()+Path, Config{})
	assert.Error(t, err)
}
