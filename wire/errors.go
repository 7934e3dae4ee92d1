package wire

import "errors"

var (
	// ErrNotConnected is returned when a handle has no established connection
	ErrNotConnected = errors.New("endpoint not connected")

	ErrAlreadyAdvertising = errors.New("already advertising")
	ErrAlreadyDiscovering = errors.New("already discovering")
	ErrAlreadyConnected   = errors.New("already connected to endpoint")

	// ErrHandshake is returned when the first frame on a socket is not a connection request
	ErrHandshake = errors.New("invalid connection handshake")
)

// ErrNotStarted is returned by RequestConnection before advertising or discovery
var ErrNotStarted = errors.New("wire not started")
