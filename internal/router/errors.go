package router

import "errors"

// Sentinel errors. Per-packet errors are logged by Poll and never stop the
// drain; the rest are returned from the API call that hit them.
var (
	// No transport bound, or it is disconnected. Rebind and retry.
	ErrNotConfigured = errors.New("router: not configured")

	// Per-packet.
	ErrMalformedPacket   = errors.New("router: malformed packet")
	ErrUnknownCommand    = errors.New("router: unknown command")
	ErrUnknownPeer       = errors.New("router: unknown peer")
	ErrProtocolViolation = errors.New("router: protocol violation")

	// Caller programming error.
	ErrPreconditionUnmet = errors.New("router: precondition unmet")
)
