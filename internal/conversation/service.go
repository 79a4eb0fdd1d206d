// ABOUTME: Service is the central layer for conversation lifecycle and message appends
// ABOUTME: All mutations flow through here - persist first, then publish and notify

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scamaware/support-gateway/internal/routing"
	"github.com/scamaware/support-gateway/internal/store"
)

// ErrValidation is returned for malformed input before any store I/O.
var ErrValidation = errors.New("invalid input")

// notifyTimeout bounds notification dispatch so a slow registry read never
// holds up the caller's request context after the append has committed.
const notifyTimeout = 10 * time.Second

// Notifier receives qualifying conversation events for fan-out.
// Implementations must not block the append path.
type Notifier interface {
	OnNewMessage(ctx context.Context, conv *store.Conversation, msg *store.Message)
	OnEscalation(ctx context.Context, conv *store.Conversation)
}

// Service owns conversation lifecycle: creation, atomic appends, monotonic
// escalation, read markers, and the snapshot stream. Every committed
// mutation publishes the post-commit snapshot to the broadcaster.
type Service struct {
	store       store.Store
	broadcaster *Broadcaster
	notifier    Notifier
	policy      routing.Policy
	logger      *slog.Logger
}

// New creates a conversation service. notifier and policy may be nil.
func New(st store.Store, broadcaster *Broadcaster, notifier Notifier, policy routing.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		broadcaster: broadcaster,
		notifier:    notifier,
		policy:      policy,
		logger:      logger.With("component", "conversation"),
	}
}

// Create starts a conversation for the given owner. If the owner already has
// one, the existing conversation is returned instead of an error: creation
// is idempotent per user.
func (s *Service) Create(ctx context.Context, ownerUserID, displayName, email string) (*store.Conversation, error) {
	if ownerUserID == "" {
		return nil, fmt.Errorf("%w: owner user id is required", ErrValidation)
	}
	if strings.TrimSpace(displayName) == "" {
		return nil, fmt.Errorf("%w: display name is required", ErrValidation)
	}
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:               uuid.New().String(),
		OwnerUserID:      ownerUserID,
		OwnerDisplayName: strings.TrimSpace(displayName),
		OwnerEmail:       strings.TrimSpace(email),
		RoutingState:     store.RoutingAutomated,
		UserLastReadAt:   now,
		AgentLastReadAt:  now,
		CreatedAt:        now,
	}

	err := s.store.CreateConversation(ctx, conv)
	if err == store.ErrConversationExists {
		// Another conversation already exists for this owner (possibly
		// created concurrently); return it rather than failing.
		existing, lookupErr := s.store.GetConversationByOwner(ctx, ownerUserID)
		if lookupErr != nil {
			return nil, fmt.Errorf("looking up existing conversation: %w", lookupErr)
		}
		s.logger.Debug("returning existing conversation", "id", existing.ID, "owner", ownerUserID)
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("conversation created", "id", conv.ID, "owner", ownerUserID)
	s.publish(ctx, conv.ID)
	return conv, nil
}

// AppendRequest carries a message to be appended to a conversation.
type AppendRequest struct {
	Sender            string
	Text              string
	SenderName        string
	SenderEmail       string
	AttachmentURL     string
	AttachmentIsImage bool
}

// Append validates the message, appends it atomically, publishes the
// post-commit snapshot, fans out notifications when the conversation is
// human-routed, and lets the routing policy produce an automated reply
// otherwise. Returns the snapshot including the new message.
func (s *Service) Append(ctx context.Context, conversationID string, req *AppendRequest) (*store.Conversation, error) {
	if err := validateAppend(req); err != nil {
		return nil, err
	}

	msg := &store.Message{
		ID:                uuid.New().String(),
		ConversationID:    conversationID,
		Sender:            req.Sender,
		Text:              req.Text,
		AttachmentURL:     req.AttachmentURL,
		AttachmentIsImage: req.AttachmentIsImage,
		SenderName:        req.SenderName,
		SenderEmail:       req.SenderEmail,
		CreatedAt:         time.Now().UTC(),
	}

	if _, err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}

	snap, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("reading back conversation: %w", err)
	}
	s.broadcaster.Publish(snap)

	if snap.RoutingState == store.RoutingHuman && msg.Sender == store.RoleUser {
		s.dispatchNewMessage(snap, msg)
	}

	if snap.RoutingState == store.RoutingAutomated && msg.Sender == store.RoleUser && s.policy != nil {
		snap = s.autoRespond(ctx, snap, msg)
	}

	return snap, nil
}

// validateAppend rejects malformed messages before any store I/O.
func validateAppend(req *AppendRequest) error {
	switch req.Sender {
	case store.RoleUser, store.RoleAgent:
	default:
		return fmt.Errorf("%w: sender must be %q or %q", ErrValidation, store.RoleUser, store.RoleAgent)
	}
	if strings.TrimSpace(req.Text) == "" && req.AttachmentURL == "" {
		return fmt.Errorf("%w: message needs text or an attachment", ErrValidation)
	}
	if strings.TrimSpace(req.SenderName) == "" {
		return fmt.Errorf("%w: sender name is required", ErrValidation)
	}
	return nil
}

// autoRespond asks the routing policy for a canned reply and appends it as
// the automated responder. Policy replies are advisory: failures are logged
// and the user's snapshot is returned unchanged.
func (s *Service) autoRespond(ctx context.Context, snap *store.Conversation, msg *store.Message) *store.Conversation {
	reply, ok := s.policy.Respond(snap, msg)
	if !ok {
		return snap
	}

	botMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: snap.ID,
		Sender:         store.SenderBot,
		Text:           reply,
		SenderName:     "Support Assistant",
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := s.store.AppendMessage(ctx, botMsg); err != nil {
		s.logger.Error("failed to append automated reply",
			"error", err,
			"conversation_id", snap.ID)
		return snap
	}

	updated, err := s.store.GetConversation(ctx, snap.ID)
	if err != nil {
		s.logger.Error("failed to read back after automated reply",
			"error", err,
			"conversation_id", snap.ID)
		return snap
	}
	s.broadcaster.Publish(updated)
	return updated
}

// Escalate transitions a conversation to human routing. Idempotent: only
// the call that performs the transition fires the escalation notice.
func (s *Service) Escalate(ctx context.Context, conversationID string) (*store.Conversation, error) {
	transitioned, err := s.store.EscalateConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("escalating: %w", err)
	}

	snap, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("reading back conversation: %w", err)
	}

	if transitioned {
		s.logger.Info("conversation escalated to human",
			"conversation_id", conversationID,
			"owner", snap.OwnerUserID)
		s.broadcaster.Publish(snap)
		s.dispatchEscalation(snap)
	}

	return snap, nil
}

// MarkRead moves the read marker for a role to now.
func (s *Service) MarkRead(ctx context.Context, conversationID, role string) (*store.Conversation, error) {
	if role != store.RoleUser && role != store.RoleAgent {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}

	if err := s.store.SetLastRead(ctx, conversationID, role, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("marking read: %w", err)
	}
	return s.publish(ctx, conversationID)
}

// WriteTypingFlag persists a typing indicator and publishes the snapshot.
// The TypingCoordinator owns the expiry timers; this is its write path.
func (s *Service) WriteTypingFlag(ctx context.Context, conversationID, role string, typing bool) error {
	if err := s.store.SetTypingFlag(ctx, conversationID, role, typing); err != nil {
		return fmt.Errorf("setting typing flag: %w", err)
	}
	_, err := s.publish(ctx, conversationID)
	return err
}

// Get returns the current snapshot of a conversation.
func (s *Service) Get(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, conversationID)
}

// GetByOwner returns the conversation owned by the given user.
func (s *Service) GetByOwner(ctx context.Context, ownerUserID string) (*store.Conversation, error) {
	return s.store.GetConversationByOwner(ctx, ownerUserID)
}

// Subscribe registers for the snapshot stream. The subscription ends when
// ctx is cancelled; cancellation has no effect on the conversation itself.
func (s *Service) Subscribe(ctx context.Context, filter Filter) (<-chan *store.Conversation, string) {
	return s.broadcaster.Subscribe(ctx, filter)
}

// Close tears down the snapshot stream.
func (s *Service) Close() {
	s.broadcaster.Close()
}

// publish re-reads a conversation and pushes the snapshot to subscribers.
func (s *Service) publish(ctx context.Context, conversationID string) (*store.Conversation, error) {
	snap, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("reading back conversation: %w", err)
	}
	s.broadcaster.Publish(snap)
	return snap, nil
}

// dispatchNewMessage hands a message to the notifier with a detached
// timeout context. The append has already committed; notification failures
// degrade gracefully and never surface to the sender.
func (s *Service) dispatchNewMessage(conv *store.Conversation, msg *store.Message) {
	if s.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	s.notifier.OnNewMessage(notifyCtx, conv, msg)
}

// dispatchEscalation hands the escalation notice to the notifier.
func (s *Service) dispatchEscalation(conv *store.Conversation) {
	if s.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	s.notifier.OnEscalation(notifyCtx, conv)
}
