package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

const memoryBufferSize = 256

// MemoryBus is an in-process MessageBus. Messages are not persisted and a
// subscriber whose buffer is full misses the message.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*memorySubscription
	nextID  atomic.Uint64
	closed  atomic.Bool
	rr      map[string]uint64
	dropped atomic.Uint64
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[uint64]*memorySubscription),
		rr:   make(map[string]uint64),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	msg := &Message{Subject: subject, Data: append([]byte(nil), data...)}

	b.mu.Lock()
	defer b.mu.Unlock()

	groups := make(map[string][]*memorySubscription)
	for _, sub := range b.subs {
		if sub.closed.Load() || !matchSubject(sub.subject, subject) {
			continue
		}
		if sub.queue == "" {
			b.deliver(sub, msg)
			continue
		}
		groups[sub.queue] = append(groups[sub.queue], sub)
	}
	for queue, members := range groups {
		sortByID(members)
		key := queue + "|" + subject
		pick := members[b.rr[key]%uint64(len(members))]
		b.rr[key]++
		b.deliver(pick, msg)
	}
	return nil
}

func (b *MemoryBus) deliver(sub *memorySubscription, msg *Message) {
	select {
	case sub.messages <- msg:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many messages were discarded on full buffers.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	return b.subscribe(ctx, subject, "", handler)
}

func (b *MemoryBus) QueueSubscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error) {
	return b.subscribe(ctx, subject, queue, handler)
}

func (b *MemoryBus) subscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		id:       b.nextID.Add(1),
		subject:  subject,
		queue:    queue,
		messages: make(chan *Message, memoryBufferSize),
		handler:  handler,
		bus:      b,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if !sub.closed.Swap(true) {
			close(sub.messages)
		}
		delete(b.subs, id)
	}
	return nil
}

type memorySubscription struct {
	id       uint64
	subject  string
	queue    string
	messages chan *Message
	handler  MessageHandler
	bus      *MemoryBus
	closed   atomic.Bool
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	delete(s.bus.subs, s.id)
	close(s.messages)
	return nil
}

func (s *memorySubscription) Subject() string {
	return s.subject
}

func (s *memorySubscription) run(ctx context.Context) {
	for {
		select {
		case msg, ok := <-s.messages:
			if !ok {
				return
			}
			s.handler(msg)
		case <-ctx.Done():
			_ = s.Unsubscribe()
			return
		}
	}
}

func sortByID(subs []*memorySubscription) {
	for i := 1; i < len(subs); i++ {
		for j := i; j > 0 && subs[j].id < subs[j-1].id; j-- {
			subs[j], subs[j-1] = subs[j-1], subs[j]
		}
	}
}

// matchSubject checks if a subject matches a pattern with wildcards.
// Supports "*" for single token and ">" for multiple tokens.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")

	pi, si := 0, 0
	for pi < len(patternParts) && si < len(subjectParts) {
		switch patternParts[pi] {
		case "*":
			pi++
			si++
		case ">":
			return true
		default:
			if patternParts[pi] != subjectParts[si] {
				return false
			}
			pi++
			si++
		}
	}

	return pi == len(patternParts) && si == len(subjectParts)
}
