package pairing

import "errors"

var (
	// ErrNoPeerSelected is returned by SendData before Connect has selected a peer
	ErrNoPeerSelected = errors.New("remote device not yet selected")

	// ErrPeerNotDiscovered is returned when an identity has no registry entry
	ErrPeerNotDiscovered = errors.New("peer has not been discovered")

	// ErrPeerAlreadySelected is returned by Connect when a different peer was
	// already selected in this session
	ErrPeerAlreadySelected = errors.New("a different peer is already selected for this session")
)
