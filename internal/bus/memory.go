package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus. It delivers synchronously on the
// publisher's goroutine, which preserves per-topic order because each
// document has a single publishing engine. Subscriber callbacks must not
// block; the engine's callback only forwards into its inbox.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	topics map[string]map[int]func(Message)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[int]func(Message))}
}

func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	subs := make([]func(Message), 0, len(b.topics[msg.DocumentID]))
	for _, fn := range b.topics[msg.DocumentID] {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(documentID string, fn func(Message)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[documentID] == nil {
		b.topics[documentID] = make(map[int]func(Message))
	}
	id := b.nextID
	b.nextID++
	b.topics[documentID][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.topics[documentID], id)
		if len(b.topics[documentID]) == 0 {
			delete(b.topics, documentID)
		}
	}
}
