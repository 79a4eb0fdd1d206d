// ABOUTME: Coordinator holds short-lived typing flags with per-key auto-expiry
// ABOUTME: Each set-typing rearms a debounce timer; only the newest timer per key is live

package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// clearTimeout bounds the store write performed by an expiry timer.
const clearTimeout = 5 * time.Second

// FlagWriter persists a typing flag and makes it visible to subscribers.
// The conversation service implements this.
type FlagWriter interface {
	WriteTypingFlag(ctx context.Context, conversationID, role string, typing bool) error
}

// Coordinator manages typing indicators keyed by (conversation, role).
// Setting a flag true schedules an auto-clear after the debounce window,
// cancelling any earlier timer for the same key; setting it false clears
// immediately.
type Coordinator struct {
	mu       sync.Mutex
	writer   FlagWriter
	debounce time.Duration
	timers   map[string]*time.Timer
	logger   *slog.Logger
	closed   bool
}

// New creates a coordinator. Pass nil logger for default.
func New(writer FlagWriter, debounce time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		writer:   writer,
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		logger:   logger.With("component", "typing"),
	}
}

// SetTyping writes the flag immediately and manages the expiry timer.
func (c *Coordinator) SetTyping(ctx context.Context, conversationID, role string, isTyping bool) error {
	if err := c.writer.WriteTypingFlag(ctx, conversationID, role, isTyping); err != nil {
		return err
	}

	key := conversationID + "/" + role

	c.mu.Lock()
	defer c.mu.Unlock()

	// Cancel any pending clear for this key; a newer set supersedes it
	if timer, ok := c.timers[key]; ok {
		timer.Stop()
		delete(c.timers, key)
	}

	if !isTyping || c.closed {
		return nil
	}

	c.timers[key] = time.AfterFunc(c.debounce, func() {
		c.expire(key, conversationID, role)
	})
	return nil
}

// expire clears a typing flag whose debounce window elapsed without refresh.
func (c *Coordinator) expire(key, conversationID, role string) {
	c.mu.Lock()
	if _, ok := c.timers[key]; !ok {
		// A newer SetTyping already cancelled this expiry
		c.mu.Unlock()
		return
	}
	delete(c.timers, key)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()

	if err := c.writer.WriteTypingFlag(ctx, conversationID, role, false); err != nil {
		c.logger.Error("failed to auto-clear typing flag",
			"error", err,
			"conversation_id", conversationID,
			"role", role)
	}
}

// Close cancels all pending timers. Flags already set stay as they are.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, timer := range c.timers {
		timer.Stop()
		delete(c.timers, key)
	}
	c.closed = true
}
