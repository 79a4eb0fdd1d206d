// ABOUTME: Tests for the conversation service
// ABOUTME: Covers idempotent creation, appends, automated replies, escalation and read markers

package conversation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scamaware/support-gateway/internal/routing"
	"github.com/scamaware/support-gateway/internal/store"
)

// mockNotifier records dispatched events for assertions.
type mockNotifier struct {
	mu          sync.Mutex
	messages    []*store.Message
	escalations []string
}

func (m *mockNotifier) OnNewMessage(_ context.Context, _ *store.Conversation, msg *store.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func (m *mockNotifier) OnEscalation(_ context.Context, conv *store.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalations = append(m.escalations, conv.ID)
}

func (m *mockNotifier) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *mockNotifier) escalationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.escalations)
}

func newTestService(t *testing.T, notifier Notifier, policy routing.Policy) *Service {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	svc := New(s, NewBroadcaster(nil), notifier, policy, nil)
	t.Cleanup(svc.Close)
	return svc
}

func userAppend(text string) *AppendRequest {
	return &AppendRequest{
		Sender:      store.RoleUser,
		Text:        text,
		SenderName:  "Alice",
		SenderEmail: "alice@example.com",
	}
}

func agentAppend(text string) *AppendRequest {
	return &AppendRequest{
		Sender:      store.RoleAgent,
		Text:        text,
		SenderName:  "Agent Smith",
		SenderEmail: "agent@example.com",
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, "", "Alice", "alice@example.com")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, "user-1", "  ", "alice@example.com")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, "user-1", "Alice", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreate_IdempotentPerOwner(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	first, err := svc.Create(ctx, "user-1", "Alice", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, store.RoutingAutomated, first.RoutingState)

	// Creating again returns the same conversation, not an error
	second, err := svc.Create(ctx, "user-1", "Alice Again", "alice2@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Alice", second.OwnerDisplayName)
}

func TestAppend_Validation(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "user-1", "Alice", "alice@example.com")
	require.NoError(t, err)

	_, err = svc.Append(ctx, conv.ID, &AppendRequest{Sender: "bot", Text: "hi", SenderName: "x"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Append(ctx, conv.ID, &AppendRequest{Sender: store.RoleUser, SenderName: "Alice"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Append(ctx, conv.ID, &AppendRequest{Sender: store.RoleUser, Text: "hi"})
	assert.ErrorIs(t, err, ErrValidation)

	// Attachment-only messages are fine
	_, err = svc.Append(ctx, conv.ID, &AppendRequest{
		Sender:        store.RoleUser,
		SenderName:    "Alice",
		AttachmentURL: "/files/abc/doc.pdf",
	})
	assert.NoError(t, err)
}

func TestAppend_CannedReplyOnFirstMessageOnly(t *testing.T) {
	svc := newTestService(t, nil, &routing.CannedPolicy{})
	ctx := context.Background()

	conv, err := svc.Create(ctx, "user-1", "Alice", "alice@example.com")
	require.NoError(t, err)

	snap, err := svc.Append(ctx, conv.ID, userAppend("hello?"))
	require.NoError(t, err)

	require.Len(t, snap.Messages, 2)
	assert.Equal(t, store.RoleUser, snap.Messages[0].Sender)
	assert.Equal(t, store.SenderBot, snap.Messages[1].Sender)
	assert.Equal(t, routing.DefaultPrompt, snap.Messages[1].Text)

	// Later messages get no further canned replies
	snap, err = svc.Append(ctx, conv.ID, userAppend("anyone there?"))
	require.NoError(t, err)
	assert.Len(t, snap.Messages, 3)
}

func TestAppend_SilentPolicyNeverReplies(t *testing.T) {
	svc := newTestService(t, nil, routing.SilentPolicy{})
	ctx := context.Background()

	conv, err := svc.Create(ctx, "user-1", "Alice", "alice@example.com")
	require.NoError(t, err)

	snap, err := svc.Append(ctx, conv.ID, userAppend("hello?"))
	require.NoError(t, err)
	assert.Len(t, snap.Messages, 1)
}

func TestAppend_NotFound(t *testing.T) {
	svc := newTestService(t, nil, nil)

	_, err := svc.Append(context.Background(), "missing", userAppend("hi"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppend_NotifiesOnHumanRoutedUserMessage(t *testing.T) {
	notifier := &mockNotifier{}
	svc := newTestService(t, notifier, nil)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "user-1", "Alice", "alice@example.com")
	require.NoError(t, err)

	// While automated, user messages do not notify
	_, err = svc.Append(ctx, conv.ID, userAppend("hello"))
	require.NoError(t, err)
	assert.Equal(t, 0, notifier.messageCount())

	_, err = svc.Escalate(ctx, conv.ID)
	require.NoError(t, err)

	_, err = svc.Append(ctx, conv.ID, userAppend("I need help"))
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.messageCount())

	// Agent replies never notify the agents
	_, err = svc.Append(ctx, conv.ID, agentAppend("on it"))
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.messageCount())
}

func TestEscalate_NotifiesExactlyOnce(t *testing.T) {
	notifier := &mockNotifier{}
	svc := newTestService(t, notifier, nil)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "user-1", "Alice", "alice@example.com")
	require.NoError(t, err)

	snap, err := svc.Escalate(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RoutingHuman, snap.RoutingState)
	assert.Equal(t, 1, notifier.escalationCount())

	// Repeat escalation keeps human routing but fires no second notice
	snap, err = svc.Escalate(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RoutingHuman, snap.RoutingState)
	assert.Equal(t, 1, notifier.escalationCount())
}

func TestMarkRead(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "user-1", "Alice", "alice@example.com")
	require.NoError(t, err)

	_, err = svc.MarkRead(ctx, conv.ID, "moderator")
	assert.ErrorIs(t, err, ErrValidation)

	before := time.Now().UTC()
	snap, err := svc.MarkRead(ctx, conv.ID, store.RoleAgent)
	require.NoError(t, err)
	assert.False(t, snap.AgentLastReadAt.Before(before))
}

func TestSubscribe_ReceivesCommittedSnapshots(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv, err := svc.Create(ctx, "user-1", "Alice", "alice@example.com")
	require.NoError(t, err)

	snapshots, _ := svc.Subscribe(ctx, Filter{ConversationID: conv.ID})

	_, err = svc.Append(ctx, conv.ID, userAppend("hello"))
	require.NoError(t, err)

	select {
	case snap := <-snapshots:
		assert.Equal(t, conv.ID, snap.ID)
		require.Len(t, snap.Messages, 1)
		assert.Equal(t, "hello", snap.Messages[0].Text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}

func TestWriteTypingFlag_PersistsAndPublishes(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv, err := svc.Create(ctx, "user-1", "Alice", "alice@example.com")
	require.NoError(t, err)

	snapshots, _ := svc.Subscribe(ctx, Filter{ConversationID: conv.ID})

	require.NoError(t, svc.WriteTypingFlag(ctx, conv.ID, store.RoleAgent, true))

	select {
	case snap := <-snapshots:
		assert.True(t, snap.AgentTyping)
		assert.False(t, snap.UserTyping)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}
