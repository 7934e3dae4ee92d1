package pairing

import (
	"context"
	"sync"
)

// selection is a write-once cell holding the peer chosen for one session.
// Waiters block on done, which is closed exactly once by set. A fresh cell is
// installed on every Close, so waiters from an old session never observe a
// later session's choice.
type selection struct {
	once sync.Once
	done chan struct{}
	name string
}

func newSelection() *selection {
	return &selection{done: make(chan struct{})}
}

// set stores name and releases all waiters. Only the first call has effect.
func (s *selection) set(name string) bool {
	stored := false
	s.once.Do(func() {
		s.name = name
		close(s.done)
		stored = true
	})
	return stored
}

// get returns the selected name without blocking
func (s *selection) get() (string, bool) {
	select {
	case <-s.done:
		return s.name, true
	default:
		return "", false
	}
}

// wait blocks until a peer is selected or ctx ends
func (s *selection) wait(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		return s.name, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
