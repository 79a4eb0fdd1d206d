// ABOUTME: Store interface and data types for support-gateway persistence
// ABOUTME: Defines Conversation, Message, Presence structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConversationExists is returned when creating a conversation for an owner
// who already has one
var ErrConversationExists = errors.New("conversation already exists")

// ErrAppendConflict is returned when an atomic append could not be committed
// after exhausting its retry budget
var ErrAppendConflict = errors.New("append conflict")

// Routing states for a conversation. The transition is one-way:
// automated -> human, never back.
const (
	RoutingAutomated = "automated"
	RoutingHuman     = "human"
)

// Participant roles. SenderBot marks messages produced by the automated
// responder; it is never a reader role.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
	SenderBot = "bot"
)

// Conversation is the unit of a single user's support interaction.
// Messages is a snapshot of the append-only log in sequence order.
type Conversation struct {
	ID               string
	OwnerUserID      string
	OwnerDisplayName string
	OwnerEmail       string
	RoutingState     string
	UserTyping       bool
	AgentTyping      bool
	UserLastReadAt   time.Time
	AgentLastReadAt  time.Time
	CreatedAt        time.Time
	Messages         []*Message
}

// LastMessageAt returns the timestamp of the newest message, or the zero time
// when the conversation is empty.
func (c *Conversation) LastMessageAt() time.Time {
	if len(c.Messages) == 0 {
		return time.Time{}
	}
	return c.Messages[len(c.Messages)-1].CreatedAt
}

// LastReadAt returns the read marker for the given role.
func (c *Conversation) LastReadAt(role string) time.Time {
	if role == RoleAgent {
		return c.AgentLastReadAt
	}
	return c.UserLastReadAt
}

// Message is a single immutable entry in a conversation's log.
// Seq is assigned by the store and strictly increases per conversation.
type Message struct {
	ID                string
	ConversationID    string
	Seq               int64
	Sender            string
	Text              string
	AttachmentURL     string
	AttachmentIsImage bool
	SenderName        string
	SenderEmail       string
	CreatedAt         time.Time
}

// Presence records the last activity heartbeat for a user.
type Presence struct {
	UserID       string
	LastActiveAt time.Time
}

// Store defines the interface for conversation, presence and recipient
// registry persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByOwner(ctx context.Context, ownerUserID string) (*Conversation, error)
	ListHumanConversations(ctx context.Context) ([]*Conversation, error)

	// Messages (append-only log)
	AppendMessage(ctx context.Context, msg *Message) (seq int64, err error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// Conversation state
	EscalateConversation(ctx context.Context, id string) (transitioned bool, err error)
	SetTypingFlag(ctx context.Context, id, role string, typing bool) error
	SetLastRead(ctx context.Context, id, role string, at time.Time) error

	// Bulk clear of human-routed conversations (operator-only, irreversible)
	DeleteHumanConversations(ctx context.Context) (int64, error)

	// Presence
	UpsertPresence(ctx context.Context, userID string, lastActiveAt time.Time) error
	GetPresence(ctx context.Context, userID string) (*Presence, error)
	ListActiveSince(ctx context.Context, since time.Time) ([]string, error)

	// Agent recipient registry
	ListAgentRecipients(ctx context.Context) ([]string, error)
	SetAgentRecipients(ctx context.Context, emails []string) error

	// Close releases any resources held by the store
	Close() error
}
