package transport

import "sync"

// Base carries the state shared by every implementation: addressing, the
// inbound queue, callbacks, status and the refuse flag. Implementations
// embed it and add UniqueID, PutPacket, IsServerRelaySupported and Close.
type Base struct {
	Addressing
	Queue Queue

	mu     sync.Mutex
	cb     Callbacks
	status Status
	refuse bool
}

// Poll delivers queued events. Connection events also move the status, so
// status and callbacks never disagree inside a callback.
func (b *Base) Poll() {
	for _, ev := range b.Queue.Drain() {
		switch ev.Kind {
		case EventConnectionSucceeded:
			b.SetStatus(StatusConnected)
		case EventConnectionFailed, EventServerDisconnected:
			b.SetStatus(StatusDisconnected)
		}
		b.mu.Lock()
		cb := b.cb
		b.mu.Unlock()
		ev.Dispatch(cb)
	}
}

func (b *Base) AvailablePacketCount() int { return b.Queue.Len() }

func (b *Base) GetPacket() (Packet, error) { return b.Queue.Pop() }

func (b *Base) ConnectionStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// SetStatus is for the embedding implementation.
func (b *Base) SetStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *Base) SetRefuseNewConnections(refuse bool) {
	b.mu.Lock()
	b.refuse = refuse
	b.mu.Unlock()
}

func (b *Base) IsRefusingNewConnections() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refuse
}

func (b *Base) SetCallbacks(cb Callbacks) {
	b.mu.Lock()
	b.cb = cb
	b.mu.Unlock()
}
