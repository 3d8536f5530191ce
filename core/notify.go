package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationType names a security event emitted to the notification sink
type NotificationType string

const (
	NotificationNewDevice          NotificationType = "new_device"
	NotificationNewLocation        NotificationType = "new_location"
	NotificationSuspiciousActivity NotificationType = "suspicious_activity"
	NotificationSecurityAlert      NotificationType = "security_alert"
)

// Notification is a structured security event. Delivery is the sink's responsibility.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	SessionID string            `json:"session_id,omitempty"`
	Type      NotificationType  `json:"type"`
	Severity  RiskLevel         `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier receives notifications from the engine
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier drops every notification
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

type queuedNotification struct {
	ctx  context.Context
	n    Notification
	done chan struct{} // set on flush markers only
}

// notifyQueue delivers notifications on a single background worker so a slow sink
// never holds up the request that emitted them. Delivery is FIFO.
type notifyQueue struct {
	items   chan queuedNotification
	stopped chan struct{}
	mu      sync.RWMutex
	closed  bool
}

func (s *SessionService) startNotifyQueue(size int) {
	s.queue = &notifyQueue{
		items:   make(chan queuedNotification, size),
		stopped: make(chan struct{}),
	}
	go s.deliverNotifications()
}

func (s *SessionService) deliverNotifications() {
	defer close(s.queue.stopped)
	for item := range s.queue.items {
		if item.done != nil {
			close(item.done)
			continue
		}
		s.deliver(item.ctx, item.n)
	}
}

func (s *SessionService) deliver(ctx context.Context, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in notification sink", "type", n.Type, "panic", fmt.Sprint(r))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.config.NotificationTimeout)
	defer cancel()
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("Failed to deliver notification",
			"type", n.Type,
			"user_id", n.UserID,
			"error", err)
	}
}

// notify fills in identity fields and queues n for the configured sink. It never blocks:
// when the queue is full the notification is dropped and logged.
func (s *SessionService) notify(ctx context.Context, n Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	notificationsTotal.WithLabelValues(string(n.Type)).Inc()

	q := s.queue
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		notificationsDroppedTotal.Inc()
		s.logger.Warn("Notification dropped after shutdown", "type", n.Type, "user_id", n.UserID)
		return
	}
	select {
	case q.items <- queuedNotification{ctx: context.WithoutCancel(ctx), n: n}:
	default:
		notificationsDroppedTotal.Inc()
		s.logger.Warn("Notification queue full, dropping notification",
			"type", n.Type,
			"user_id", n.UserID,
			"queue_size", cap(q.items))
	}
}

// FlushNotifications waits until every notification queued before the call has been
// handed to the sink, or until ctx is done.
func (s *SessionService) FlushNotifications(ctx context.Context) error {
	q := s.queue
	done := make(chan struct{})

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil
	}
	select {
	case q.items <- queuedNotification{done: done}:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopNotifyQueue stops accepting notifications and waits for queued ones to be delivered
func (s *SessionService) stopNotifyQueue() {
	q := s.queue
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	q.mu.Unlock()
	<-q.stopped
}
