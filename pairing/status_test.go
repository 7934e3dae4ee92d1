package pairing

import "testing"

func TestConnectionStatus_String(t *testing.T) {
	tests := map[ConnectionStatus]string{
		StatusIdle:           "IDLE",
		StatusSearching:      "SEARCHING",
		StatusConnecting:     "CONNECTING",
		StatusConnected:      "CONNECTED",
		StatusRejected:       "REJECTED",
		StatusDisconnected:   "DISCONNECTED",
		ConnectionStatus(42): "UNKNOWN",
	}
	for status, want := range tests {
		if got := status.String(); got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	}
}

func TestConnectionStatus_IsTerminal(t *testing.T) {
	for _, s := range []ConnectionStatus{StatusConnected, StatusRejected, StatusDisconnected} {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
	for _, s := range []ConnectionStatus{StatusIdle, StatusSearching, StatusConnecting} {
		if s.IsTerminal() {
			t.Errorf("Expected %s not to be terminal", s)
		}
	}
}
