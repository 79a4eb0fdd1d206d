// ABOUTME: In-memory fan-out broadcaster for conversation snapshots
// ABOUTME: Pushes committed conversation state to subscribers by id or routing filter

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/scamaware/support-gateway/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Snapshots are cheap to drop: the next committed mutation carries the
// full state again.
const subscriberBufferSize = 64

// Filter selects which conversation snapshots a subscriber receives.
// Exactly one of the fields should be set.
type Filter struct {
	// ConversationID subscribes to a single conversation.
	ConversationID string

	// HumanRouted subscribes to every human-routed conversation (the
	// agent dashboard view).
	HumanRouted bool
}

type subscriber struct {
	filter Filter
	ch     chan *store.Conversation
}

// Broadcaster provides in-memory pub/sub for conversation snapshots.
// Every committed mutation publishes the post-commit snapshot; subscribers
// receive them in commit order.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for snapshots matching the filter.
// Returns a channel that receives snapshots and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, filter Filter) (<-chan *store.Conversation, string) {
	subID := uuid.New().String()
	ch := make(chan *store.Conversation, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = &subscriber{filter: filter, ch: ch}
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"sub_id", subID,
		"conversation_id", filter.ConversationID,
		"human_routed", filter.HumanRouted)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends a snapshot to every subscriber whose filter matches.
// Non-blocking: snapshots are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(conv *store.Conversation) {
	b.mu.RLock()
	targets := make([]chan *store.Conversation, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.filter.matches(conv) {
			targets = append(targets, sub.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- conv:
		default:
			b.logger.Debug("dropped snapshot for slow subscriber",
				"conversation_id", conv.ID)
		}
	}
}

// matches reports whether a snapshot passes the filter.
func (f Filter) matches(conv *store.Conversation) bool {
	if f.ConversationID != "" {
		return f.ConversationID == conv.ID
	}
	if f.HumanRouted {
		return conv.RoutingState == store.RoutingHuman
	}
	return false
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}

	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("broadcaster closed")
}
