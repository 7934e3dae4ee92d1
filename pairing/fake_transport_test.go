package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport records every call the coordinator makes. When linked to a
// second fakeTransport it also plays out the connection handshake: both sides
// see OnConnectionInitiated and both see the result once both have decided.
type fakeTransport struct {
	handle string // how the other side addresses this transport

	mu             sync.Mutex
	handler        EventHandler
	advertiseErr   error
	discoveryErr   error
	requestErr     error
	sendErr        error
	advertisedName string
	discovering    bool
	requests       []string
	accepted       []string
	rejected       []string
	sent           map[string][][]byte
	stopCalls      int
	link           *fakeLink

	// Called before the operation takes effect; used to hold a call open
	advertiseHook func(ctx context.Context) error
	requestHook   func(ctx context.Context) error

	decided chan string
}

func newFakeTransport(handle string) *fakeTransport {
	return &fakeTransport{
		handle:  handle,
		sent:    make(map[string][][]byte),
		decided: make(chan string, 16),
	}
}

func (f *fakeTransport) SetEventHandler(handler EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) StartAdvertising(ctx context.Context, localName, serviceID string) error {
	if f.advertiseHook != nil {
		if err := f.advertiseHook(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advertiseErr != nil {
		return f.advertiseErr
	}
	f.advertisedName = localName
	return nil
}

func (f *fakeTransport) StartDiscovery(ctx context.Context, serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discoveryErr != nil {
		return f.discoveryErr
	}
	f.discovering = true
	return nil
}

func (f *fakeTransport) RequestConnection(ctx context.Context, localName, handle string) error {
	if f.requestHook != nil {
		if err := f.requestHook(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.requests = append(f.requests, handle)
	err := f.requestErr
	link := f.link
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if link != nil {
		link.initiate(f, localName)
	}
	return nil
}

func (f *fakeTransport) AcceptConnection(handle string) error {
	f.mu.Lock()
	f.accepted = append(f.accepted, handle)
	link := f.link
	f.mu.Unlock()

	f.decided <- "accept:" + handle
	if link != nil {
		link.decide(f, true)
	}
	return nil
}

func (f *fakeTransport) RejectConnection(handle string) error {
	f.mu.Lock()
	f.rejected = append(f.rejected, handle)
	link := f.link
	f.mu.Unlock()

	f.decided <- "reject:" + handle
	if link != nil {
		link.decide(f, false)
	}
	return nil
}

func (f *fakeTransport) SendBytes(handle string, payload []byte) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent[handle] = append(f.sent[handle], payload)
	link := f.link
	f.mu.Unlock()

	if link != nil {
		return link.deliver(f, payload)
	}
	return nil
}

func (f *fakeTransport) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.discovering = false
	f.advertisedName = ""
}

func (f *fakeTransport) events() EventHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeTransport) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// active reports whether advertising or discovery is running
func (f *fakeTransport) active() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertisedName, f.discovering
}

func (f *fakeTransport) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

func (f *fakeTransport) sentTo(handle string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent[handle]...)
}

// fakeLink joins two fake transports into a point-to-point connection
type fakeLink struct {
	a, b *fakeTransport

	mu        sync.Mutex
	names     map[*fakeTransport]string
	decisions map[*fakeTransport]bool
	connected bool
}

func linkTransports(a, b *fakeTransport) *fakeLink {
	l := &fakeLink{
		a:         a,
		b:         b,
		names:     make(map[*fakeTransport]string),
		decisions: make(map[*fakeTransport]bool),
	}
	a.mu.Lock()
	a.link = l
	a.mu.Unlock()
	b.mu.Lock()
	b.link = l
	b.mu.Unlock()
	return l
}

func (l *fakeLink) other(f *fakeTransport) *fakeTransport {
	if f == l.a {
		return l.b
	}
	return l.a
}

// setName tells the link which identity the responder reports for itself
func (l *fakeLink) setName(f *fakeTransport, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names[f] = name
}

func (l *fakeLink) initiate(from *fakeTransport, fromName string) {
	to := l.other(from)

	l.mu.Lock()
	l.names[from] = fromName
	toName := l.names[to]
	l.decisions = make(map[*fakeTransport]bool)
	l.mu.Unlock()

	to.events().OnConnectionInitiated(from.handle, fromName)
	from.events().OnConnectionInitiated(to.handle, toName)
}

func (l *fakeLink) decide(f *fakeTransport, accept bool) {
	l.mu.Lock()
	l.decisions[f] = accept
	if len(l.decisions) < 2 {
		l.mu.Unlock()
		return
	}
	success := l.decisions[l.a] && l.decisions[l.b]
	l.connected = success
	l.mu.Unlock()

	res := Resolution{Status: ResultRejected, Code: 8004}
	if success {
		res = Resolution{Status: ResultSuccess}
	}
	l.a.events().OnConnectionResult(l.b.handle, res)
	l.b.events().OnConnectionResult(l.a.handle, res)
}

func (l *fakeLink) deliver(from *fakeTransport, payload []byte) error {
	l.mu.Lock()
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		return errors.New("fake link not connected")
	}
	l.other(from).events().OnPayloadReceived(from.handle, payload)
	return nil
}

func (l *fakeLink) drop() {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
	l.a.events().OnDisconnected(l.b.handle)
	l.b.events().OnDisconnected(l.a.handle)
}

const testServiceID = "test-service"

func newTestCoordinator(t *testing.T, name string, transport *fakeTransport, opts Options) *Coordinator {
	t.Helper()
	opts.ServiceID = testServiceID
	opts.PairingName = name
	c, err := NewCoordinator(transport, opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// waitForStatus reads the status stream until want is observed
func waitForStatus(t *testing.T, c *Coordinator, want ConnectionStatus) {
	t.Helper()
	ch, cancel := c.SubscribeStatus()
	defer cancel()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("%s: timed out waiting for %s, status is %s", c.PairingName(), want, c.Status())
		}
	}
}

func waitForDecision(t *testing.T, f *fakeTransport) string {
	t.Helper()
	select {
	case d := <-f.decided:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an accept/reject decision on %s", f.handle)
		return ""
	}
}

func expectNoDecision(t *testing.T, f *fakeTransport, wait time.Duration) {
	t.Helper()
	select {
	case d := <-f.decided:
		t.Fatalf("unexpected decision %q on %s", d, f.handle)
	case <-time.After(wait):
	}
}
