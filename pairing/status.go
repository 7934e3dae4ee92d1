package pairing

// ConnectionStatus is the coordinator-wide pairing state
type ConnectionStatus int

const (
	StatusIdle ConnectionStatus = iota
	StatusSearching
	StatusConnecting
	StatusConnected
	StatusRejected
	StatusDisconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusSearching:
		return "SEARCHING"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusRejected:
		return "REJECTED"
	case StatusDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the session can only be restarted with Close + Search
func (s ConnectionStatus) IsTerminal() bool {
	return s == StatusConnected || s == StatusRejected || s == StatusDisconnected
}
