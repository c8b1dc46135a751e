// Package notify delivers per-view change notifications for committed writes.
package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"tilesync/internal/domain"
)

// Notification tells one view how an item now looks in its vocabulary.
// Removed is set when the item's status left the view's zone.
type Notification struct {
	View     string        `json:"view"`
	ItemID   string        `json:"item_id"`
	ParentID string        `json:"parent_id"`
	Label    string        `json:"label,omitempty"`
	Removed  bool          `json:"removed,omitempty"`
	Status   domain.Status `json:"status"`
	Version  int64         `json:"version"`
	At       time.Time     `json:"at"`
}

// Publisher accepts notifications after the write they describe has committed.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every publisher.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, n Notification) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const DefaultBuffer = 64

// Broker is the in-process subscription hub. Slow subscribers lose messages
// rather than blocking writers.
type Broker struct {
	Logger *log.Logger
	Buffer int

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewBroker(logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.Default()
	}
	return &Broker{Logger: logger, Buffer: DefaultBuffer, subs: map[*Subscription]struct{}{}}
}

// Subscription receives notifications for one view, or all views when view is empty.
type Subscription struct {
	view   string
	ch     chan Notification
	broker *Broker
	once   sync.Once
}

func (s *Subscription) C() <-chan Notification { return s.ch }

func (s *Subscription) View() string { return s.view }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		close(s.ch)
		s.broker.mu.Unlock()
	})
}

func (b *Broker) Subscribe(view string) *Subscription {
	size := b.Buffer
	if size <= 0 {
		size = DefaultBuffer
	}
	sub := &Subscription{view: view, ch: make(chan Notification, size), broker: b}
	b.mu.Lock()
	if b.subs == nil {
		b.subs = map[*Subscription]struct{}{}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broker) Publish(ctx context.Context, n Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.view != "" && sub.view != n.View {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			b.Logger.Printf("notify: subscriber for view %q is full, dropping %s v%d", sub.view, n.ItemID, n.Version)
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
