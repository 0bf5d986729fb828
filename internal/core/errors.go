// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers compare with errors.Is; layers wrap them with %w.
var (
	// Resource exhaustion
	ErrNoBuffers     = errors.New("netstack: no buffer space available")
	ErrNoBufferSpace = errors.New("netstack: socket buffer reservation too large")

	// Addressing and binding
	ErrAddressInUse        = errors.New("netstack: address already in use")
	ErrAlreadyBound        = errors.New("netstack: endpoint already bound")
	ErrAddressNotAvailable = errors.New("netstack: address not available")

	// Connection state
	ErrAlreadyConnected  = errors.New("netstack: endpoint already connected")
	ErrNotConnected      = errors.New("netstack: endpoint not connected")
	ErrConnectionRefused = errors.New("netstack: connection refused")
	ErrConnectionReset   = errors.New("netstack: connection reset by peer")
	ErrConnectionAborted = errors.New("netstack: connection aborted")
	ErrTimedOut          = errors.New("netstack: connection timed out")
	ErrInProgress        = errors.New("netstack: operation now in progress")
	ErrBrokenPipe        = errors.New("netstack: broken pipe")
	ErrWouldBlock        = errors.New("netstack: operation would block")

	// Delivery
	ErrMessageTooLarge    = errors.New("netstack: message too large")
	ErrNetworkUnreachable = errors.New("netstack: network unreachable")
	ErrHostUnreachable    = errors.New("netstack: host unreachable")

	// Misuse
	ErrProtocolNotSupported  = errors.New("netstack: protocol not supported")
	ErrOperationNotSupported = errors.New("netstack: operation not supported")
	ErrInvalidArgument       = errors.New("netstack: invalid argument")
	ErrPermissionDenied      = errors.New("netstack: permission denied")
	ErrHostDown              = errors.New("netstack: host is down")

	// Packet decoding errors
	ErrPacketTooShort = errors.New("netstack: packet too short")

	// Configuration errors
	ErrConfigInvalid = errors.New("netstack: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("netstack: daemon not running")
)
