package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"

	"github.com/user/nearby-pairing/logger"
	"github.com/user/nearby-pairing/pairing"
	"github.com/user/nearby-pairing/wire/frame"
)

// RequestConnection dials the endpoint's socket and sends a ConnectionRequest
// carrying localName. Both sides then see OnConnectionInitiated.
func (w *Wire) RequestConnection(ctx context.Context, localName, handle string) error {
	w.mu.Lock()
	if w.serviceDir == "" {
		w.mu.Unlock()
		return fmt.Errorf("request connection to %s: %w", shortHash(handle), ErrNotStarted)
	}
	if _, exists := w.connections[handle]; exists {
		w.mu.Unlock()
		return fmt.Errorf("request connection to %s: %w", shortHash(handle), ErrAlreadyConnected)
	}
	path := filepath.Join(w.serviceDir, handle+socketExt)
	remoteName := w.seen[handle].Name
	gen := w.gen
	w.mu.Unlock()

	conn, err := w.dial(ctx, path)
	if err != nil {
		w.connectionEventLog.LogSocketError(RoleRequester, handle, err.Error(), "dial")
		return fmt.Errorf("failed to connect to %s: %w", shortHash(handle), err)
	}
	if err := frame.Write(conn, frame.ConnectionRequest(localName, w.endpointID)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send connection request: %w", err)
	}

	connection := &Connection{
		conn:       conn,
		remoteID:   handle,
		remoteName: remoteName,
		role:       RoleRequester,
	}

	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		conn.Close()
		return fmt.Errorf("request connection to %s: %w", shortHash(handle), ErrNotStarted)
	}
	// Check again inside the lock; the endpoint may have dialed us meanwhile
	if _, exists := w.connections[handle]; exists {
		w.mu.Unlock()
		conn.Close()
		return fmt.Errorf("request connection to %s: %w", shortHash(handle), ErrAlreadyConnected)
	}
	w.connections[handle] = connection
	w.wg.Add(1)
	w.mu.Unlock()

	w.connectionEventLog.LogConnectionRequested(handle, remoteName, path)
	logger.Debug(w.prefix, "📤 Connection request sent to %s (%s)", remoteName, shortHash(handle))

	go w.readMessages(connection, gen)

	w.emit(gen, func(h pairing.EventHandler) {
		h.OnConnectionInitiated(handle, remoteName)
	})
	return nil
}

// dial connects to a socket path with bounded exponential backoff
func (w *Wire) dial(ctx context.Context, path string) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = MinDialBackoff
	b.MaxInterval = MaxDialBackoff

	var (
		conn    net.Conn
		dialer  net.Dialer
		attempt int
	)
	op := func() error {
		attempt++
		c, err := dialer.DialContext(ctx, "unix", path)
		if err != nil {
			logger.Trace(w.prefix, "Dial attempt %d to %s failed: %v", attempt, filepath.Base(path), err)
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.opts.DialAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return conn, nil
}

// AcceptConnection sends our accept for a pending connection
func (w *Wire) AcceptConnection(handle string) error {
	return w.decideLocal(handle, true)
}

// RejectConnection sends our reject for a pending connection
func (w *Wire) RejectConnection(handle string) error {
	return w.decideLocal(handle, false)
}

func (w *Wire) decideLocal(handle string, accept bool) error {
	w.mu.Lock()
	connection, ok := w.connections[handle]
	gen := w.gen
	w.mu.Unlock()

	if !ok {
		return fmt.Errorf("decide on %s: %w", shortHash(handle), ErrNotConnected)
	}
	if connection.hasLocalDecision() {
		return nil
	}

	// Record before sending: once the peer has our decision it may resolve and
	// close, and the read loop must already see both decisions by then.
	resolvedNow, success := connection.decide(true, accept)
	if err := connection.send(frame.Decision(accept)); err != nil {
		w.connectionEventLog.LogSocketError(connection.role, handle, err.Error(), "decision")
		return fmt.Errorf("failed to send decision to %s: %w", shortHash(handle), err)
	}
	w.connectionEventLog.LogDecision("sent", connection.role, handle, accept)

	if resolvedNow {
		w.finishResolution(connection, gen, success)
	}
	return nil
}

// finishResolution reports the outcome once both decisions are known. A
// rejected connection is closed; its read loop then exits without reporting
// a disconnect.
func (w *Wire) finishResolution(connection *Connection, gen uint64, success bool) {
	w.connectionEventLog.LogConnectionResolved(connection.role, connection.remoteID, success)

	res := pairing.Resolution{Status: pairing.ResultSuccess, Code: StatusOK}
	if success {
		logger.Debug(w.prefix, "✅ Connection with %s established", shortHash(connection.remoteID))
	} else {
		res = pairing.Resolution{Status: pairing.ResultRejected, Code: StatusConnectionRejected, Message: "connection rejected"}
		logger.Debug(w.prefix, "🚫 Connection with %s rejected", shortHash(connection.remoteID))
	}

	w.emit(gen, func(h pairing.EventHandler) {
		h.OnConnectionResult(connection.remoteID, res)
	})

	if !success {
		connection.conn.Close()
	}
}

// SendBytes sends a payload frame on an established connection
func (w *Wire) SendBytes(handle string, payload []byte) error {
	w.mu.Lock()
	connection, ok := w.connections[handle]
	w.mu.Unlock()

	if !ok {
		return fmt.Errorf("send to %s: %w", shortHash(handle), ErrNotConnected)
	}
	if _, established := connection.state(); !established {
		return fmt.Errorf("send to %s: %w", shortHash(handle), ErrNotConnected)
	}
	if err := connection.send(frame.Payload(payload)); err != nil {
		w.connectionEventLog.LogSocketError(connection.role, handle, err.Error(), "write")
		return fmt.Errorf("failed to send payload to %s: %w", shortHash(handle), err)
	}
	return nil
}

// IsConnected reports whether the connection to handle is established
func (w *Wire) IsConnected(handle string) bool {
	w.mu.Lock()
	connection, ok := w.connections[handle]
	w.mu.Unlock()
	if !ok {
		return false
	}
	_, established := connection.state()
	return established
}

// readMessages reads frames until the socket closes
// Note: Must be called with wg.Add(1) already done by caller
func (w *Wire) readMessages(connection *Connection, gen uint64) {
	defer w.wg.Done()

	remoteID := connection.remoteID
	reason := "connection closed"
	for {
		f, err := frame.Read(connection.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				reason = err.Error()
			}
			break
		}

		switch f.Type {
		case frame.TypeDecision:
			w.connectionEventLog.LogDecision("received", connection.role, remoteID, f.Accept)
			if resolvedNow, success := connection.decide(false, f.Accept); resolvedNow {
				w.finishResolution(connection, gen, success)
			}

		case frame.TypePayload:
			if _, established := connection.state(); !established {
				logger.Warn(w.prefix, "⚠️  Dropping payload from %s before connection was established", shortHash(remoteID))
				continue
			}
			logger.Trace(w.prefix, "📥 Payload from %s: %d bytes", shortHash(remoteID), len(f.Payload))
			w.emit(gen, func(h pairing.EventHandler) {
				h.OnPayloadReceived(remoteID, f.Payload)
			})

		default:
			logger.Warn(w.prefix, "⚠️  Unexpected %s frame from %s", f.Type, shortHash(remoteID))
		}
	}

	w.mu.Lock()
	if w.connections[remoteID] == connection {
		delete(w.connections, remoteID)
	}
	w.mu.Unlock()
	connection.conn.Close()
	w.connectionEventLog.LogSocketClosed(connection.role, remoteID, reason)

	resolved, established := connection.state()
	switch {
	case established:
		logger.Debug(w.prefix, "🔌 Disconnected from %s: %s", shortHash(remoteID), reason)
		w.emit(gen, func(h pairing.EventHandler) {
			h.OnDisconnected(remoteID)
		})
	case !resolved:
		w.emit(gen, func(h pairing.EventHandler) {
			h.OnConnectionResult(remoteID, pairing.Resolution{
				Status:  pairing.ResultError,
				Code:    StatusError,
				Message: "connection closed before both sides decided",
			})
		})
	}
}
