// Package notify provides delivery sinks for security notifications emitted by the session engine.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wispberry-tech/wispy-trust/core"
)

// DefaultBufferSize is the per-subscriber channel capacity
const DefaultBufferSize = 64

// Subscription receives notifications for one subscriber. An empty UserID receives everything.
type Subscription struct {
	ID     uint64
	UserID string
	C      <-chan core.Notification

	ch chan core.Notification
}

// Broker fans notifications out to in-process subscribers. Slow subscribers drop
// notifications instead of blocking the publisher.
type Broker struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	closed     bool
	logger     *slog.Logger
}

// NewBroker creates a broker. bufferSize <= 0 uses DefaultBufferSize.
func NewBroker(bufferSize int, logger *slog.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe registers a subscriber for userID, or for all users when userID is empty
func (b *Broker) Subscribe(userID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan core.Notification, b.bufferSize)
	b.nextID++
	sub := &Subscription{ID: b.nextID, UserID: userID, C: ch, ch: ch}
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes the subscriber and closes its channel
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.ch)
}

// Notify implements core.Notifier
func (b *Broker) Notify(_ context.Context, n core.Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	for _, sub := range b.subs {
		if sub.UserID != "" && sub.UserID != n.UserID {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			b.logger.Warn("Dropping notification for slow subscriber",
				"subscriber_id", sub.ID, "notification_id", n.ID, "type", n.Type)
		}
	}
	return nil
}

// Close closes every subscriber channel. Later notifications are dropped.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	return nil
}
