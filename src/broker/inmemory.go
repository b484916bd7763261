package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// subscriberBuffer is the channel capacity of each in-memory subscription.
const subscriberBuffer = 100

type subscription struct {
	ch     chan Message
	done   chan struct{}
	closed bool
}

// close must be called with the broker lock held.
func (s *subscription) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}

// InMemoryBroker is a channel based implementation of Broker for a single process.
// Every subscription receives every message published after it subscribed.
type InMemoryBroker struct {
	mu      sync.Mutex
	subs    map[string][]*subscription
	offsets map[string]int64
	closed  bool
}

// NewInMemoryBroker creates a new InMemoryBroker instance.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{
		subs:    make(map[string][]*subscription),
		offsets: make(map[string]int64),
	}
}

// Publish delivers the message to all subscribers of the topic. It blocks while a
// subscriber's buffer is full, until ctx is done.
func (b *InMemoryBroker) Publish(ctx context.Context, topic string, key string, value []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	msg := Message{
		Topic:     topic,
		Key:       key,
		Value:     append([]byte(nil), value...),
		Offset:    b.offsets[topic],
		Timestamp: time.Now().UnixMilli(),
	}
	b.offsets[topic]++
	subs := append([]*subscription(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, sub := range subs {
		if err := b.deliver(ctx, sub, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *InMemoryBroker) deliver(ctx context.Context, sub *subscription, msg Message) error {
	for {
		b.mu.Lock()
		if sub.closed {
			b.mu.Unlock()
			return nil
		}
		select {
		case sub.ch <- msg:
			b.mu.Unlock()
			return nil
		default:
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.done:
			return nil
		case <-time.After(time.Millisecond):
		}
	}
}

// Subscribe registers a new subscription on topic. groupID is ignored.
func (b *InMemoryBroker) Subscribe(ctx context.Context, topic string, groupID string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	sub := &subscription{ch: make(chan Message, subscriberBuffer), done: make(chan struct{})}
	b.subs[topic] = append(b.subs[topic], sub)

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(topic, sub)
		case <-sub.done:
		}
	}()

	return sub.ch, nil
}

func (b *InMemoryBroker) unsubscribe(topic string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.closed {
		return
	}
	sub.close()

	subs := b.subs[topic]
	for i, s := range subs {
		if s == sub {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Close closes every subscription channel.
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	b.subs = make(map[string][]*subscription)
	return nil
}
