package wire

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/nearby-pairing/logger"
	"github.com/user/nearby-pairing/util"
)

// ConnectionEvent is one lifecycle record in connection_events.jsonl
type ConnectionEvent struct {
	Timestamp  int64             `json:"timestamp"` // nanoseconds since epoch
	Event      string            `json:"event"`     // advertising_started, connection_requested, decision_sent, ...
	Role       string            `json:"role,omitempty"`
	RemoteID   string            `json:"remote_id,omitempty"`
	RemoteName string            `json:"remote_name,omitempty"`
	Path       string            `json:"path,omitempty"`
	Error      string            `json:"error,omitempty"`
	Context    string            `json:"context,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// ConnectionEventLogger appends connection events for one endpoint. A
// disabled logger drops everything.
type ConnectionEventLogger struct {
	endpointID string
	logPath    string
	mutex      sync.Mutex
	enabled    bool
}

// NewConnectionEventLogger logs to {dataDir}/{endpointID}/connection_events.jsonl
func NewConnectionEventLogger(dataDir, endpointID string, enabled bool) *ConnectionEventLogger {
	if !enabled {
		return &ConnectionEventLogger{enabled: false}
	}

	return &ConnectionEventLogger{
		endpointID: endpointID,
		logPath:    filepath.Join(util.GetEndpointDir(dataDir, endpointID), "connection_events.jsonl"),
		enabled:    true,
	}
}

// Path returns the JSONL file, or "" when disabled
func (cel *ConnectionEventLogger) Path() string {
	return cel.logPath
}

// Log writes a connection event to the JSONL file
func (cel *ConnectionEventLogger) Log(event ConnectionEvent) {
	if !cel.enabled {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	cel.mutex.Lock()
	defer cel.mutex.Unlock()

	prefix := fmt.Sprintf("%s connection_events", shortHash(cel.endpointID))
	if err := os.MkdirAll(filepath.Dir(cel.logPath), 0755); err != nil {
		logger.Warn(prefix, "Failed to create event log directory: %v", err)
		return
	}

	f, err := os.OpenFile(cel.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn(prefix, "Failed to open connection event log: %v", err)
		return
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn(prefix, "Failed to marshal connection event: %v", err)
		return
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		logger.Warn(prefix, "Failed to write connection event: %v", err)
	}
}

func (cel *ConnectionEventLogger) LogAdvertisingStarted(name, path string) {
	cel.Log(ConnectionEvent{
		Event:   "advertising_started",
		Path:    path,
		Details: map[string]string{"name": name},
	})
}

func (cel *ConnectionEventLogger) LogConnectionRequested(remoteID, remoteName, path string) {
	cel.Log(ConnectionEvent{
		Event:      "connection_requested",
		Role:       string(RoleRequester),
		RemoteID:   remoteID,
		RemoteName: remoteName,
		Path:       path,
	})
}

func (cel *ConnectionEventLogger) LogConnectionAccepted(remoteID, remoteName string) {
	cel.Log(ConnectionEvent{
		Event:      "connection_accepted",
		Role:       string(RoleResponder),
		RemoteID:   remoteID,
		RemoteName: remoteName,
	})
}

func (cel *ConnectionEventLogger) LogDecision(direction string, role ConnectionRole, remoteID string, accept bool) {
	cel.Log(ConnectionEvent{
		Event:    "decision_" + direction,
		Role:     string(role),
		RemoteID: remoteID,
		Details:  map[string]string{"accept": fmt.Sprintf("%t", accept)},
	})
}

func (cel *ConnectionEventLogger) LogConnectionResolved(role ConnectionRole, remoteID string, established bool) {
	cel.Log(ConnectionEvent{
		Event:    "connection_resolved",
		Role:     string(role),
		RemoteID: remoteID,
		Details:  map[string]string{"established": fmt.Sprintf("%t", established)},
	})
}

func (cel *ConnectionEventLogger) LogSocketError(role ConnectionRole, remoteID, errorMsg, context string) {
	cel.Log(ConnectionEvent{
		Event:    "socket_error",
		Role:     string(role),
		RemoteID: remoteID,
		Error:    errorMsg,
		Context:  context,
	})
}

func (cel *ConnectionEventLogger) LogSocketClosed(role ConnectionRole, remoteID, reason string) {
	cel.Log(ConnectionEvent{
		Event:    "socket_closed",
		Role:     string(role),
		RemoteID: remoteID,
		Context:  reason,
	})
}
