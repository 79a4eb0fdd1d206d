// ABOUTME: Tracker derives online/offline state from last-activity heartbeats
// ABOUTME: Dashboard queries are batched - one indexed lookup regardless of thread count

package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scamaware/support-gateway/internal/store"
)

// Tracker computes presence from heartbeat recency. It never pushes state:
// callers poll and must tolerate staleness up to their polling interval.
type Tracker struct {
	store     store.Store
	threshold time.Duration
	logger    *slog.Logger

	// now is swappable for tests
	now func() time.Time
}

// New creates a tracker with the given online threshold.
func New(st store.Store, threshold time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:     st,
		threshold: threshold,
		logger:    logger.With("component", "presence"),
		now:       time.Now,
	}
}

// Heartbeat records activity for a user. Clients call this periodically
// while a view is open; absence of heartbeats ages the user out.
func (t *Tracker) Heartbeat(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if err := t.store.UpsertPresence(ctx, userID, t.now().UTC()); err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

// IsOnline reports whether a user's last heartbeat is within the threshold.
// A user with no heartbeat at all is offline.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	p, err := t.store.GetPresence(ctx, userID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying presence: %w", err)
	}
	return t.now().Sub(p.LastActiveAt) < t.threshold, nil
}

// OnlineSet returns the online members of userIDs using a single batched
// query, never one lookup per user.
func (t *Tracker) OnlineSet(ctx context.Context, userIDs []string) (map[string]bool, error) {
	online := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return online, nil
	}

	active, err := t.store.ListActiveSince(ctx, t.now().Add(-t.threshold))
	if err != nil {
		return nil, fmt.Errorf("querying active users: %w", err)
	}

	activeSet := make(map[string]bool, len(active))
	for _, id := range active {
		activeSet[id] = true
	}
	for _, id := range userIDs {
		if activeSet[id] {
			online[id] = true
		}
	}
	return online, nil
}
