package room

import "sync"

const (
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
)

type outbound struct {
	messageType int
	data        []byte
}

// outbox is a bounded FIFO between producers and the session writer.
// push never blocks.
type outbox struct {
	mu     sync.Mutex
	items  []outbound
	limit  int
	policy string
	ready  chan struct{}
}

func newOutbox(limit int, policy string) *outbox {
	if limit <= 0 {
		limit = 1
	}
	return &outbox{limit: limit, policy: policy, ready: make(chan struct{}, 1)}
}

// push appends m. It reports dropped when the oldest item was discarded
// to make room, and overflow when the disconnect policy refused m.
func (o *outbox) push(m outbound) (dropped, overflow bool) {
	o.mu.Lock()
	if len(o.items) >= o.limit {
		if o.policy == OverflowDisconnect {
			o.mu.Unlock()
			return false, true
		}
		o.items[0] = outbound{}
		o.items = o.items[1:]
		dropped = true
	}
	o.items = append(o.items, m)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return dropped, false
}

func (o *outbox) pop() (outbound, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return outbound{}, false
	}
	m := o.items[0]
	o.items[0] = outbound{}
	o.items = o.items[1:]
	return m, true
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
