package wire

import "time"

const (
	DefaultRescanInterval = 1 * time.Second
	DefaultDialAttempts   = 5

	// A freshly accepted socket must send its ConnectionRequest within this window
	HandshakeTimeout = 5 * time.Second

	// Backoff between dial attempts
	MinDialBackoff = 50 * time.Millisecond
	MaxDialBackoff = 1 * time.Second
)

// Status codes carried in connection results. The values follow the Nearby
// Connections status codes.
const (
	StatusOK                 = 0
	StatusError              = 13
	StatusConnectionRejected = 8004
)

const (
	socketExt = ".sock"
	advertExt = ".json"
)
