package pipeline

import (
	"context"
	"sync"
)

// Sequencer hands out tickets that release in issue order. A source
// session takes one ticket per unit so its results reach every recipient
// in the order the units were framed, even though units are processed
// concurrently.
type Sequencer struct {
	mu   sync.Mutex
	tail chan struct{}
}

func NewSequencer() *Sequencer { return &Sequencer{} }

// Next returns the ticket for the next unit.
func (s *Sequencer) Next() *Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Ticket{prev: s.tail, done: make(chan struct{})}
	s.tail = t.done
	return t
}

// Ticket orders one unit against its predecessor from the same source.
type Ticket struct {
	prev <-chan struct{}
	done chan struct{}
	once sync.Once
}

// Wait blocks until the previous unit has been delivered or dropped.
func (t *Ticket) Wait(ctx context.Context) error {
	if t == nil || t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release lets the next unit proceed. It is safe to call more than once.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}

// Finish waits for the predecessor, bounded by ctx, then releases. Units
// that end without delivering still hold their place in the order.
func (t *Ticket) Finish(ctx context.Context) {
	_ = t.Wait(ctx)
	t.Release()
}
