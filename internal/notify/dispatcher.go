// ABOUTME: Dispatcher fans out conversation events to agent recipients
// ABOUTME: Each recipient send is independent - one failure never touches the others

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scamaware/support-gateway/internal/store"
)

// sendTimeout bounds each individual recipient send. Sends are
// fire-and-forget: once dispatched they cannot be cancelled, only fail.
const sendTimeout = 15 * time.Second

// Transport delivers one templated notification to one recipient.
// Delivery is best-effort and asynchronous on the provider side; the
// dispatcher never waits for delivery confirmation.
type Transport interface {
	Send(ctx context.Context, recipient, templateID string, vars map[string]string) error
}

// Registry supplies the current agent recipient addresses.
// The store satisfies this.
type Registry interface {
	ListAgentRecipients(ctx context.Context) ([]string, error)
}

// Dispatcher fans out notifications for qualifying conversation events.
type Dispatcher struct {
	registry   Registry
	transport  Transport
	templateID string
	fallback   []string
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// New creates a dispatcher. fallback is used whenever the registry is empty
// or unreadable, so notifications never silently vanish.
func New(registry Registry, transport Transport, templateID string, fallback []string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:   registry,
		transport:  transport,
		templateID: templateID,
		fallback:   fallback,
		logger:     logger.With("component", "notify"),
	}
}

// OnNewMessage notifies agents about a user message in a human-routed
// conversation. The sender's own address is suppressed.
func (d *Dispatcher) OnNewMessage(ctx context.Context, conv *store.Conversation, msg *store.Message) {
	if conv.RoutingState != store.RoutingHuman || msg.Sender != store.RoleUser {
		return
	}

	body := fmt.Sprintf("New message from %s (%s): %s", msg.SenderName, msg.SenderEmail, msg.Text)
	if msg.AttachmentURL != "" {
		body = fmt.Sprintf("New file from %s (%s): %s", msg.SenderName, msg.SenderEmail, msg.AttachmentURL)
	}

	d.fanOut(ctx, msg.SenderEmail, map[string]string{
		"message": body,
	})
}

// OnEscalation notifies agents that a conversation now needs a human.
func (d *Dispatcher) OnEscalation(ctx context.Context, conv *store.Conversation) {
	d.fanOut(ctx, "", map[string]string{
		"message": fmt.Sprintf("A user (%s) has requested human assistance.", conv.OwnerDisplayName),
	})
}

// fanOut resolves recipients and dispatches one independent send per
// recipient. excludeAddr suppresses self-notification.
func (d *Dispatcher) fanOut(ctx context.Context, excludeAddr string, vars map[string]string) {
	recipients := d.recipients(ctx)

	for _, addr := range recipients {
		if excludeAddr != "" && addr == excludeAddr {
			continue
		}

		d.wg.Add(1)
		go func(addr string) {
			defer d.wg.Done()

			// Detached context: the triggering operation is already
			// committed and must not be able to cancel the send
			sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()

			if err := d.transport.Send(sendCtx, addr, d.templateID, vars); err != nil {
				d.logger.Error("notification delivery failed",
					"error", err,
					"recipient", addr)
				return
			}
			d.logger.Debug("notification sent", "recipient", addr)
		}(addr)
	}
}

// recipients reads the registry, falling back to the configured list when
// it is empty or unavailable.
func (d *Dispatcher) recipients(ctx context.Context) []string {
	addrs, err := d.registry.ListAgentRecipients(ctx)
	if err != nil {
		d.logger.Warn("recipient registry unavailable, using fallback",
			"error", err,
			"fallback_count", len(d.fallback))
		return d.fallback
	}
	if len(addrs) == 0 {
		d.logger.Debug("recipient registry empty, using fallback",
			"fallback_count", len(d.fallback))
		return d.fallback
	}
	return addrs
}

// Wait blocks until all in-flight sends have finished. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
