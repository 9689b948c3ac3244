package rtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

type messageType string

const (
	msgTypeID        messageType = "id"
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
)

// message is the JSON structure exchanged over the signaling WebSocket.
type message struct {
	Type      messageType `json:"type"`
	ID        int32       `json:"id,omitempty"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

// signaler runs the SDP/ICE exchange for one link. The hub offers, the
// spoke answers, and both trickle candidates.
type signaler struct {
	conn *websocket.Conn
	l    *link

	mu sync.Mutex

	// Owned by the watch goroutine.
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func newSignaler(conn *websocket.Conn, l *link) *signaler {
	s := &signaler{conn: conn, l: l}
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// Best-effort: once the link is up the socket is gone.
		_ = s.send(message{Type: msgTypeCandidate, Candidate: string(data)})
	})
	return s
}

// send writes a signaling message to the WebSocket, guarded by a mutex.
func (s *signaler) send(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// sendOffer creates an SDP offer, sets it as local description, and sends it.
func (s *signaler) sendOffer() error {
	offer, err := s.l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	if err := s.l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	return s.send(message{Type: msgTypeOffer, SDP: offer.SDP})
}

// sendAnswer creates an SDP answer, sets it as local description, and sends it.
func (s *signaler) sendAnswer() error {
	answer, err := s.l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := s.l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	return s.send(message{Type: msgTypeAnswer, SDP: answer.SDP})
}

// watch reads signaling messages until the socket closes. Candidates that
// arrive before the remote description are held back and applied after it.
func (s *signaler) watch() error {
	for {
		var msg message
		if err := s.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read signaling message: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			if err := s.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
				return err
			}
			if err := s.sendAnswer(); err != nil {
				return err
			}

		case msgTypeAnswer:
			if err := s.setRemote(webrtc.SDPTypeAnswer, msg.SDP); err != nil {
				return err
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("failed to parse ICE candidate: %w", err)
			}
			if !s.remoteSet {
				s.pending = append(s.pending, init)
				continue
			}
			if err := s.l.pc.AddICECandidate(init); err != nil {
				return fmt.Errorf("AddICECandidate: %w", err)
			}
		}
	}
}

func (s *signaler) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := s.l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}
	s.remoteSet = true
	for _, c := range s.pending {
		if err := s.l.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("AddICECandidate: %w", err)
		}
	}
	s.pending = nil
	return nil
}
