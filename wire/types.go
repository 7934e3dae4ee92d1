package wire

import (
	"net"
	"sync"

	"github.com/user/nearby-pairing/wire/frame"
)

// Advert is what an advertising endpoint publishes next to its socket.
// Discovery reads these files the way a scanner hears advertising packets.
type Advert struct {
	Name       string `json:"name"`
	EndpointID string `json:"endpoint_id"`
	ServiceID  string `json:"service_id"`
}

// ConnectionRole is our side of a connection
type ConnectionRole string

const (
	RoleRequester ConnectionRole = "requester" // We dialed
	RoleResponder ConnectionRole = "responder" // They dialed
)

// Connection is one socket to a remote endpoint. It is pending until both
// sides have sent a Decision frame, then established or torn down.
type Connection struct {
	conn       net.Conn
	remoteID   string
	remoteName string
	role       ConnectionRole
	sendMutex  sync.Mutex // Protects writes to conn

	mu             sync.Mutex
	localDecision  *bool
	remoteDecision *bool
	resolved       bool
	established    bool
}

func (c *Connection) send(f *frame.Frame) error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()
	return frame.Write(c.conn, f)
}

// decide records one side's decision. It returns true exactly once, when both
// decisions are known, along with whether the connection is established.
func (c *Connection) decide(local bool, accept bool) (resolvedNow bool, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if local {
		c.localDecision = &accept
	} else {
		c.remoteDecision = &accept
	}
	if c.resolved || c.localDecision == nil || c.remoteDecision == nil {
		return false, false
	}
	c.resolved = true
	c.established = *c.localDecision && *c.remoteDecision
	return true, c.established
}

func (c *Connection) state() (resolved, established bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved, c.established
}

func (c *Connection) hasLocalDecision() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localDecision != nil
}
