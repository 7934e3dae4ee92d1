package pairing

import "sync"

// statusStream holds the latest ConnectionStatus. Each subscriber channel has
// room for one value; a newer status replaces an unread older one, so slow
// readers always see the most recent state rather than a backlog.
type statusStream struct {
	mu      sync.Mutex
	current ConnectionStatus
	subs    map[int]chan ConnectionStatus
	nextID  int
}

func newStatusStream(initial ConnectionStatus) *statusStream {
	return &statusStream{
		current: initial,
		subs:    make(map[int]chan ConnectionStatus),
	}
}

func (s *statusStream) get() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *statusStream) set(status ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = status
	for _, ch := range s.subs {
		select {
		case ch <- status:
		default:
			// Drop the stale value; set is the only writer so the send below
			// cannot block.
			select {
			case <-ch:
			default:
			}
			ch <- status
		}
	}
}

func (s *statusStream) subscribe() (<-chan ConnectionStatus, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan ConnectionStatus, 1)
	ch <- s.current
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// peerStream is an append-only broadcast of newly discovered identities.
// Late subscribers first receive the replay backlog (at most replay entries,
// oldest dropped first), then live values. Every subscriber has its own
// unbounded queue drained by a pump goroutine, so publishing never blocks the
// coordinator.
type peerStream struct {
	mu      sync.Mutex
	replay  int
	backlog []string
	subs    map[int]*peerSubscriber
	nextID  int
}

type peerSubscriber struct {
	out    chan string
	mu     sync.Mutex
	queue  []string
	notify chan struct{}
	done   chan struct{}
}

func newPeerStream(replay int) *peerStream {
	if replay < 1 {
		replay = 1
	}
	return &peerStream{
		replay: replay,
		subs:   make(map[int]*peerSubscriber),
	}
}

func (p *peerStream) publish(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.backlog = append(p.backlog, identity)
	if len(p.backlog) > p.replay {
		p.backlog = p.backlog[len(p.backlog)-p.replay:]
	}
	for _, sub := range p.subs {
		sub.push(identity)
	}
}

// reset clears the replay backlog. Existing subscribers keep their queues.
func (p *peerStream) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backlog = nil
}

func (p *peerStream) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.backlog))
	copy(out, p.backlog)
	return out
}

func (p *peerStream) subscribe() (<-chan string, func()) {
	sub := &peerSubscriber{
		out:    make(chan string),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	sub.queue = append(sub.queue, p.backlog...)
	id := p.nextID
	p.nextID++
	p.subs[id] = sub
	p.mu.Unlock()

	if len(sub.queue) > 0 {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	go sub.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.out, cancel
}

func (s *peerSubscriber) push(identity string) {
	s.mu.Lock()
	s.queue = append(s.queue, identity)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *peerSubscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- next:
			case <-s.done:
				return
			}
		}
	}
}
