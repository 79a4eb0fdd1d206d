// ABOUTME: Aggregator derives the agent-facing thread list from human-routed conversations
// ABOUTME: Ordering, owner dedup, unread counts and a batched presence overlay

package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/scamaware/support-gateway/internal/presence"
	"github.com/scamaware/support-gateway/internal/store"
)

// Thread is one row of the agent dashboard.
type Thread struct {
	Conversation *store.Conversation
	OwnerOnline  bool
	AgentUnread  int
}

// Aggregator computes agent dashboard views. It holds no state of its own:
// everything is recomputed from the current snapshots on each call.
type Aggregator struct {
	store    store.Store
	presence *presence.Tracker
	logger   *slog.Logger
}

// New creates an aggregator.
func New(st store.Store, tracker *presence.Tracker, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:    st,
		presence: tracker,
		logger:   logger.With("component", "dashboard"),
	}
}

// ListThreads returns human-routed conversations ordered by most recent
// message, newest first; conversations with no messages sort last. Owners
// are deduplicated even though the store enforces uniqueness at creation.
func (a *Aggregator) ListThreads(ctx context.Context) ([]*Thread, error) {
	convs, err := a.store.ListHumanConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing human conversations: %w", err)
	}

	seen := make(map[string]bool, len(convs))
	unique := convs[:0]
	for _, conv := range convs {
		if seen[conv.OwnerUserID] {
			a.logger.Warn("duplicate conversation for owner, skipping",
				"owner", conv.OwnerUserID,
				"conversation_id", conv.ID)
			continue
		}
		seen[conv.OwnerUserID] = true
		unique = append(unique, conv)
	}

	sort.SliceStable(unique, func(i, j int) bool {
		// Zero time for empty conversations puts them last
		return unique[i].LastMessageAt().After(unique[j].LastMessageAt())
	})

	ownerIDs := make([]string, len(unique))
	for i, conv := range unique {
		ownerIDs[i] = conv.OwnerUserID
	}
	online, err := a.presence.OnlineSet(ctx, ownerIDs)
	if err != nil {
		// Presence is soft state: degrade to all-offline rather than
		// failing the dashboard
		a.logger.Warn("presence lookup failed, showing all offline", "error", err)
		online = map[string]bool{}
	}

	threads := make([]*Thread, len(unique))
	for i, conv := range unique {
		threads[i] = &Thread{
			Conversation: conv,
			OwnerOnline:  online[conv.OwnerUserID],
			AgentUnread:  UnreadCount(conv, store.RoleAgent),
		}
	}
	return threads, nil
}

// UnreadCount returns the number of messages sent after the role's read
// marker by someone other than that role. Pure function of the snapshot.
func UnreadCount(conv *store.Conversation, role string) int {
	lastRead := conv.LastReadAt(role)
	count := 0
	for _, msg := range conv.Messages {
		if msg.Sender != role && msg.CreatedAt.After(lastRead) {
			count++
		}
	}
	return count
}
