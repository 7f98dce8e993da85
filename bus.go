package graph

import (
	"context"
	"sync"
	"time"
)

// MessageType identifies the bus message.
type MessageType int

const (
	// MessageEOS is posted when all stages finished on their own.
	MessageEOS MessageType = iota
	// MessageError is posted when stage executor fails. Err is
	// *BranchError.
	MessageError
	// MessageWarning is posted on recoverable problems, like missed
	// scheduled actions.
	MessageWarning
	// MessageStateChanged is posted when graph completes a transition
	// step.
	MessageStateChanged
)

func (t MessageType) String() string {
	switch t {
	case MessageEOS:
		return "eos"
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageStateChanged:
		return "state-changed"
	}
	return "unknown"
}

// Message is posted on the bus by stages, the scheduler and the graph.
type Message struct {
	Type   MessageType
	Source string
	Err    error
	Old    State
	New    State
	Time   time.Time
}

// DefaultBusLimit is the default maximum number of queued messages.
const DefaultBusLimit = 256

// Bus is a bounded queue of messages. Posting never blocks, so executors
// can't be stalled by the controlling loop. When the limit is reached,
// the oldest informational message is evicted. EOS and Error messages
// are evicted only if nothing else is queued.
type Bus struct {
	mu       sync.Mutex
	limit    int
	messages []Message
	evicted  uint64
	wake     chan struct{}
}

// NewBus returns an empty bus with DefaultBusLimit.
func NewBus() *Bus {
	return newBus(DefaultBusLimit)
}

func newBus(limit int) *Bus {
	return &Bus{
		limit: limit,
		wake:  make(chan struct{}),
	}
}

// Post adds message to the queue.
func (b *Bus) Post(m Message) {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, m)
	if len(b.messages) > b.limit {
		b.evict()
	}
	close(b.wake)
	b.wake = make(chan struct{})
}

// Pop removes and returns the first message of provided types. All types
// match if none provided. It blocks until message is available or
// context is done.
func (b *Bus) Pop(ctx context.Context, types ...MessageType) (Message, error) {
	for {
		b.mu.Lock()
		for i, m := range b.messages {
			if matches(m.Type, types) {
				b.messages = append(b.messages[:i], b.messages[i+1:]...)
				b.mu.Unlock()
				return m, nil
			}
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// evict removes a single message, must be called under lock.
func (b *Bus) evict() {
	i := 0
	for j, m := range b.messages {
		if m.Type != MessageEOS && m.Type != MessageError {
			i = j
			break
		}
	}
	b.messages = append(b.messages[:i], b.messages[i+1:]...)
	b.evicted++
}

// tryPop removes and returns the first message of provided types without
// blocking.
func (b *Bus) tryPop(types ...MessageType) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.messages {
		if matches(m.Type, types) {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			return m, true
		}
	}
	return Message{}, false
}

// discard removes all messages of provided types.
func (b *Bus) discard(types ...MessageType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.messages[:0]
	for _, m := range b.messages {
		if !matches(m.Type, types) {
			kept = append(kept, m)
		}
	}
	n := len(b.messages) - len(kept)
	for i := len(kept); i < len(b.messages); i++ {
		b.messages[i] = Message{}
	}
	b.messages = kept
	return n
}

// Evicted returns number of messages evicted because of the limit.
func (b *Bus) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Messages returns a copy of queued messages.
func (b *Bus) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.messages...)
}

// Len returns number of queued messages.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

func matches(t MessageType, types []MessageType) bool {
	if len(types) == 0 {
		return true
	}
	for _, mt := range types {
		if mt == t {
			return true
		}
	}
	return false
}
