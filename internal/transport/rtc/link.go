package rtc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/util"
)

const (
	highWaterMark = 256 * 1024 // stop accepting sends when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // accept sends again once bufferedAmount drops below this

	numModes   = int(transport.ModeUnreliable) + 1
	maxChannel = 255
)

var channelLabels = [numModes]string{"reliable", "unreliable-ordered", "unreliable"}

// newPeerConnection creates a PeerConnection with the given STUN/TURN URLs.
// An empty list gathers host candidates only.
func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated DataChannel for mode. Both sides
// create all three with fixed ids, so neither relies on OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection, mode transport.TransferMode) (*webrtc.DataChannel, error) {
	ordered := mode != transport.ModeUnreliable
	negotiated := true
	id := uint16(mode)

	init := &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	}
	if mode != transport.ModeReliable {
		zero := uint16(0)
		init.MaxRetransmits = &zero
	}
	return pc.CreateDataChannel(channelLabels[mode], init)
}

type linkHandlers struct {
	// ready runs once, when all three channels are open.
	ready func(l *link)
	// packet delivers one inbound message. It never runs before ready.
	packet func(mode transport.TransferMode, channel int, payload []byte)
	// closed runs once when a link that became ready shuts down.
	closed func()
}

type earlyPacket struct {
	mode    transport.TransferMode
	channel int
	payload []byte
}

// link is one PeerConnection and its three DataChannels, one per transfer
// mode. Each message is framed as [channel u8][payload].
type link struct {
	pc        *webrtc.PeerConnection
	dcs       [numModes]*webrtc.DataChannel
	congested [numModes]atomic.Bool
	h         linkHandlers

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	opened  int
	isReady bool
	early   []earlyPacket
}

func newLink(iceServers []string, h linkHandlers) (*link, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	l := &link{
		pc:    pc,
		h:     h,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	for i := range l.dcs {
		mode := transport.TransferMode(i)
		dc, err := newDataChannel(pc, mode)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to create %s DataChannel: %w", mode, err)
		}
		l.dcs[i] = dc
		l.wire(mode, dc)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go l.close()
		}
	})

	return l, nil
}

func (l *link) wire(mode transport.TransferMode, dc *webrtc.DataChannel) {
	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		l.congested[mode].Store(false)
	})

	dc.OnOpen(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.opened++
		if l.opened == numModes {
			l.markReady()
		}
	})

	dc.OnClose(func() {
		go l.close()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if len(msg.Data) < 2 {
			util.LogWarning("dropped %d-byte %s message", len(msg.Data), mode)
			return
		}
		channel, payload := int(msg.Data[0]), msg.Data[1:]

		l.mu.Lock()
		defer l.mu.Unlock()
		if !l.isReady {
			l.early = append(l.early, earlyPacket{mode: mode, channel: channel, payload: payload})
			return
		}
		l.h.packet(mode, channel, payload)
	})
}

// markReady must be called with l.mu held. Messages that beat the last
// channel open are delivered right after the ready notification.
func (l *link) markReady() {
	l.isReady = true
	close(l.ready)
	if l.h.ready != nil {
		l.h.ready(l)
	}
	for _, p := range l.early {
		l.h.packet(p.mode, p.channel, p.payload)
	}
	l.early = nil
}

// send writes one framed message. Over the high watermark, reliable sends
// fail with ErrBufferFull and unreliable ones are dropped, until the buffer
// drains below the low watermark.
func (l *link) send(mode transport.TransferMode, channel int, data []byte) error {
	if int(mode) >= numModes {
		return fmt.Errorf("rtc: unknown transfer mode %d", mode)
	}
	if channel < 0 || channel > maxChannel {
		return fmt.Errorf("rtc: channel %d out of range", channel)
	}
	dc := l.dcs[mode]
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return transport.ErrNotConnected
	}

	if dc.BufferedAmount() > uint64(highWaterMark) {
		l.congested[mode].Store(true)
	}
	if l.congested[mode].Load() {
		if mode == transport.ModeReliable {
			return transport.ErrBufferFull
		}
		return nil
	}

	frame := make([]byte, 1+len(data))
	frame[0] = byte(channel)
	copy(frame[1:], data)
	return dc.Send(frame)
}

// close shuts the PeerConnection down once.
func (l *link) close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.pc.Close()

		l.mu.Lock()
		wasReady := l.isReady
		l.mu.Unlock()
		if wasReady && l.h.closed != nil {
			l.h.closed()
		}
	})
	return err
}
