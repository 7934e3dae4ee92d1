package wire

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/user/nearby-pairing/pairing"
	"github.com/user/nearby-pairing/util"
)

// setupTestEnv creates a short temp data dir (unix socket paths are length
// limited) and points NEARBY_PAIRING_DIR at it for the test
func setupTestEnv(t *testing.T) string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("/tmp", "npw-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Setenv(util.DataDirEnv, tmpDir)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })
	return tmpDir
}

func newTestWire(t *testing.T, dataDir string) *Wire {
	t.Helper()
	w := NewWire(Options{
		DataDir:        dataDir,
		RescanInterval: 50 * time.Millisecond,
		DialAttempts:   3,
		Debug:          true,
	})
	t.Cleanup(w.StopAll)
	return w
}

type recordedEvent struct {
	kind       string
	handle     string
	identity   string
	resolution pairing.Resolution
	payload    []byte
}

// recordingHandler captures events. decide, when set, is called for every
// OnConnectionInitiated.
type recordingHandler struct {
	mu     sync.Mutex
	events []recordedEvent
	ch     chan recordedEvent
	decide func(handle, identity string)
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan recordedEvent, 64)}
}

func (r *recordingHandler) record(ev recordedEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *recordingHandler) OnEndpointFound(handle, identity string) {
	r.record(recordedEvent{kind: "found", handle: handle, identity: identity})
}

func (r *recordingHandler) OnEndpointLost(handle string) {
	r.record(recordedEvent{kind: "lost", handle: handle})
}

func (r *recordingHandler) OnConnectionInitiated(handle, remoteIdentity string) {
	r.record(recordedEvent{kind: "initiated", handle: handle, identity: remoteIdentity})
	if r.decide != nil {
		r.decide(handle, remoteIdentity)
	}
}

func (r *recordingHandler) OnConnectionResult(handle string, resolution pairing.Resolution) {
	r.record(recordedEvent{kind: "result", handle: handle, resolution: resolution})
}

func (r *recordingHandler) OnDisconnected(handle string) {
	r.record(recordedEvent{kind: "disconnected", handle: handle})
}

func (r *recordingHandler) OnPayloadReceived(handle string, payload []byte) {
	r.record(recordedEvent{kind: "payload", handle: handle, payload: payload})
}

// waitFor returns the first event of kind (skipping others) or fails
func (r *recordingHandler) waitFor(t *testing.T, kind string) recordedEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s event", kind)
			return recordedEvent{}
		}
	}
}

func (r *recordingHandler) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.kind == kind {
			n++
		}
	}
	return n
}
