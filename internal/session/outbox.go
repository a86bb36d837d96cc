package session

import (
	"sync"
)

type outItem struct {
	seq  uint64
	data []byte
	key  string
}

// outbox is the bounded outbound queue of one session. Items with a
// non-empty coalesce key overwrite an earlier pending item with the same
// key, so a burst of cursor moves from one user collapses to the latest.
// push reports false when the queue is full; the caller disconnects the
// session rather than block.
type outbox struct {
	mu       sync.Mutex
	items    []outItem
	head     uint64 // sequence number of items[0]
	byKey    map[string]uint64
	capacity int
	closed   bool
	notify   chan struct{}
}

func newOutbox(capacity int) *outbox {
	return &outbox{
		byKey:    make(map[string]uint64),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

func (o *outbox) push(data []byte, key string) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if key != "" {
		if seq, ok := o.byKey[key]; ok && seq >= o.head {
			o.items[seq-o.head].data = data
			o.mu.Unlock()
			o.wake()
			return true
		}
	}
	if len(o.items) >= o.capacity {
		o.mu.Unlock()
		return false
	}
	seq := o.head + uint64(len(o.items))
	o.items = append(o.items, outItem{seq: seq, data: data, key: key})
	if key != "" {
		o.byKey[key] = seq
	}
	o.mu.Unlock()
	o.wake()
	return true
}

func (o *outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil, false
	}
	item := o.items[0]
	o.items = o.items[1:]
	o.head++
	if item.key != "" && o.byKey[item.key] == item.seq {
		delete(o.byKey, item.key)
	}
	return item.data, true
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// wait returns the channel that signals pending items.
func (o *outbox) wait() <-chan struct{} {
	return o.notify
}

func (o *outbox) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.items = nil
	o.byKey = make(map[string]uint64)
	o.mu.Unlock()
}
