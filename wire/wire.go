package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/nearby-pairing/logger"
	"github.com/user/nearby-pairing/pairing"
	"github.com/user/nearby-pairing/util"
	"github.com/user/nearby-pairing/wire/frame"
)

// Options configures a Wire
type Options struct {
	// DataDir holds the socket directories. Defaults to util.GetDataDir().
	DataDir string
	// RescanInterval is the discovery fallback rescan period
	RescanInterval time.Duration
	// DialAttempts bounds connection request retries
	DialAttempts int
	// Debug enables the JSONL connection event log
	Debug bool
}

// Wire is a pairing.Transport over Unix domain sockets.
//
// An advertising endpoint listens on {dataDir}/sockets/{service}/{id}.sock and
// publishes {id}.json beside it. Discovery watches that directory. A
// connection request opens a socket and both sides exchange Decision frames;
// the connection is established only if both accept.
type Wire struct {
	opts       Options
	endpointID string
	prefix     string

	handler    pairing.EventHandler
	callbackMu sync.RWMutex

	mu           sync.Mutex // Protects everything below
	gen          uint64     // Bumped by StopAll; stale goroutines stop emitting
	serviceDir   string
	listener     net.Listener
	socketPath   string
	advertPath   string
	stopDiscover context.CancelFunc
	seen         map[string]Advert      // discovered endpoint id -> advert
	connections  map[string]*Connection // remote endpoint id -> connection
	pending      map[net.Conn]struct{}  // accepted sockets still in handshake

	wg sync.WaitGroup

	connectionEventLog *ConnectionEventLogger
}

// NewWire creates a stopped Wire with a fresh endpoint id
func NewWire(opts Options) *Wire {
	if opts.DataDir == "" {
		opts.DataDir = util.GetDataDir()
	}
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = DefaultRescanInterval
	}
	if opts.DialAttempts <= 0 {
		opts.DialAttempts = DefaultDialAttempts
	}

	endpointID := uuid.NewString()
	return &Wire{
		opts:               opts,
		endpointID:         endpointID,
		prefix:             fmt.Sprintf("%s Wire", shortHash(endpointID)),
		seen:               make(map[string]Advert),
		connections:        make(map[string]*Connection),
		pending:            make(map[net.Conn]struct{}),
		connectionEventLog: NewConnectionEventLogger(opts.DataDir, endpointID, opts.Debug),
	}
}

// EndpointID returns the id other endpoints use as our handle
func (w *Wire) EndpointID() string { return w.endpointID }

// EventLogPath returns the JSONL event log, or "" when debug is off
func (w *Wire) EventLogPath() string { return w.connectionEventLog.Path() }

// SetEventHandler sets the receiver of transport events
func (w *Wire) SetEventHandler(handler pairing.EventHandler) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.handler = handler
}

// emit calls fn with the event handler unless StopAll ran since gen was taken
func (w *Wire) emit(gen uint64, fn func(h pairing.EventHandler)) {
	w.mu.Lock()
	current := w.gen
	w.mu.Unlock()
	if gen != current {
		return
	}

	w.callbackMu.RLock()
	h := w.handler
	w.callbackMu.RUnlock()
	if h != nil {
		fn(h)
	}
}

func (w *Wire) useServiceLocked(serviceID string) (string, error) {
	dir := util.GetServiceSocketDir(w.opts.DataDir, serviceID)
	if w.serviceDir != "" && w.serviceDir != dir {
		return "", fmt.Errorf("wire already bound to another service directory %s", w.serviceDir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create service directory: %w", err)
	}
	w.serviceDir = dir
	return dir, nil
}

// StartAdvertising listens for connection requests and publishes localName
func (w *Wire) StartAdvertising(ctx context.Context, localName, serviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.listener != nil {
		return ErrAlreadyAdvertising
	}
	dir, err := w.useServiceLocked(serviceID)
	if err != nil {
		return err
	}

	socketPath := filepath.Join(dir, w.endpointID+socketExt)
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}

	advertPath := filepath.Join(dir, w.endpointID+advertExt)
	if err := writeAdvert(advertPath, Advert{Name: localName, EndpointID: w.endpointID, ServiceID: serviceID}); err != nil {
		listener.Close()
		os.Remove(socketPath)
		return err
	}

	w.listener = listener
	w.socketPath = socketPath
	w.advertPath = advertPath
	w.connectionEventLog.LogAdvertisingStarted(localName, socketPath)
	logger.Debug(w.prefix, "📡 Advertising %s at %s", localName, socketPath)

	w.wg.Add(1)
	go w.acceptConnections(listener, w.gen)
	return nil
}

// writeAdvert writes via rename so watchers never read a partial file
func writeAdvert(path string, adv Advert) error {
	data, err := json.Marshal(adv)
	if err != nil {
		return fmt.Errorf("failed to marshal advert: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write advert: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish advert: %w", err)
	}
	return nil
}

// StopAll stops advertising and discovery and closes every connection. No
// events are delivered after it returns. Idempotent; the wire may be started
// again afterwards. Must not be called from an event handler.
func (w *Wire) StopAll() {
	w.mu.Lock()
	w.gen++

	if w.stopDiscover != nil {
		w.stopDiscover()
		w.stopDiscover = nil
	}
	if w.listener != nil {
		w.listener.Close()
		w.listener = nil
	}
	if w.advertPath != "" {
		os.Remove(w.advertPath)
		w.advertPath = ""
	}
	if w.socketPath != "" {
		os.Remove(w.socketPath)
		w.socketPath = ""
	}
	for conn := range w.pending {
		conn.Close()
	}
	for id, connection := range w.connections {
		connection.conn.Close()
		w.connectionEventLog.LogSocketClosed(connection.role, id, "stop")
	}
	w.connections = make(map[string]*Connection)
	w.pending = make(map[net.Conn]struct{})
	w.seen = make(map[string]Advert)
	w.serviceDir = ""
	w.mu.Unlock()

	w.wg.Wait()
}

// acceptConnections handles incoming connections until the listener closes
func (w *Wire) acceptConnections(listener net.Listener, gen uint64) {
	defer w.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		w.mu.Lock()
		if w.gen != gen {
			w.mu.Unlock()
			conn.Close()
			return
		}
		w.pending[conn] = struct{}{}
		w.wg.Add(1)
		w.mu.Unlock()

		go w.handleIncomingConnection(conn, gen)
	}
}

// handleIncomingConnection reads the ConnectionRequest and registers the
// connection as pending on both sides' decisions
func (w *Wire) handleIncomingConnection(conn net.Conn, gen uint64) {
	defer w.wg.Done()

	conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	req, err := frame.Read(conn)
	conn.SetReadDeadline(time.Time{})

	w.mu.Lock()
	delete(w.pending, conn)
	w.mu.Unlock()

	if err == nil && (req.Type != frame.TypeConnectionRequest || req.EndpointID == "") {
		err = ErrHandshake
	}
	if err != nil {
		logger.Debug(w.prefix, "Dropping incoming socket: %v", err)
		w.connectionEventLog.LogSocketError(RoleResponder, "", err.Error(), "handshake")
		conn.Close()
		return
	}

	connection := &Connection{
		conn:       conn,
		remoteID:   req.EndpointID,
		remoteName: req.Name,
		role:       RoleResponder,
	}

	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		conn.Close()
		return
	}
	if _, exists := w.connections[req.EndpointID]; exists {
		w.mu.Unlock()
		logger.Warn(w.prefix, "⚠️  Duplicate connection from %s, closing", shortHash(req.EndpointID))
		conn.Close()
		return
	}
	w.connections[req.EndpointID] = connection
	w.wg.Add(1)
	w.mu.Unlock()

	w.connectionEventLog.LogConnectionAccepted(req.EndpointID, req.Name)
	logger.Debug(w.prefix, "📥 Connection request from %s (%s)", req.Name, shortHash(req.EndpointID))

	go w.readMessages(connection, gen)

	w.emit(gen, func(h pairing.EventHandler) {
		h.OnConnectionInitiated(req.EndpointID, req.Name)
	})
}
