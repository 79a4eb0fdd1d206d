// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation CRUD, atomic appends, escalation, presence and recipients

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return s
}

func testConversation(owner string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:               "conv-" + owner,
		OwnerUserID:      owner,
		OwnerDisplayName: "Test User",
		OwnerEmail:       owner + "@example.com",
		RoutingState:     RoutingAutomated,
		UserLastReadAt:   now,
		AgentLastReadAt:  now,
		CreatedAt:        now,
	}
}

func testMessage(convID, sender, text string) *Message {
	return &Message{
		ID:             fmt.Sprintf("msg-%s-%d", text, time.Now().UnixNano()),
		ConversationID: convID,
		Sender:         sender,
		Text:           text,
		SenderName:     "Test User",
		SenderEmail:    "test@example.com",
		CreatedAt:      time.Now().UTC(),
	}
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx := context.Background()
	conv := testConversation("user-1")

	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}

	if got.ID != conv.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, conv.ID)
	}
	if got.OwnerUserID != conv.OwnerUserID {
		t.Errorf("OwnerUserID mismatch: got %q, want %q", got.OwnerUserID, conv.OwnerUserID)
	}
	if got.RoutingState != RoutingAutomated {
		t.Errorf("RoutingState mismatch: got %q, want %q", got.RoutingState, RoutingAutomated)
	}
	if len(got.Messages) != 0 {
		t.Errorf("expected empty message log, got %d messages", len(got.Messages))
	}
}

func TestCreateConversation_DuplicateOwner(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx := context.Background()
	if err := s.CreateConversation(ctx, testConversation("user-1")); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	dup := testConversation("user-1")
	dup.ID = "conv-other"
	if err := s.CreateConversation(ctx, dup); err != ErrConversationExists {
		t.Errorf("expected ErrConversationExists, got %v", err)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.GetConversation(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetConversationByOwner(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx := context.Background()
	conv := testConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := s.GetConversationByOwner(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetConversationByOwner failed: %v", err)
	}
	if got.ID != conv.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, conv.ID)
	}

	if _, err := s.GetConversationByOwner(ctx, "nobody"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessage_AssignsSequence(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx := context.Background()
	conv := testConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	for i := 1; i <= 3; i++ {
		msg := testMessage(conv.ID, RoleUser, fmt.Sprintf("hello %d", i))
		seq, err := s.AppendMessage(ctx, msg)
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		if seq != int64(i) {
			t.Errorf("seq mismatch: got %d, want %d", seq, i)
		}
		if msg.Seq != seq {
			t.Errorf("message Seq not set: got %d, want %d", msg.Seq, seq)
		}
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Seq != int64(i+1) {
			t.Errorf("message %d has seq %d", i, msg.Seq)
		}
	}
}

func TestAppendMessage_MissingConversation(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	msg := testMessage("missing", RoleUser, "hello")
	if _, err := s.AppendMessage(context.Background(), msg); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessage_ConcurrentWritersLoseNothing(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx := context.Background()
	conv := testConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	const writers = 2
	const perWriter = 10

	var wg sync.WaitGroup
	errCh := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sender := RoleUser
			if w%2 == 1 {
				sender = RoleAgent
			}
			for i := 0; i < perWriter; i++ {
				msg := testMessage(conv.ID, sender, fmt.Sprintf("w%d-%d", w, i))
				if _, err := s.AppendMessage(ctx, msg); err != nil {
					errCh <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent append failed: %v", err)
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != writers*perWriter {
		t.Fatalf("lost messages: got %d, want %d", len(msgs), writers*perWriter)
	}

	// Sequence numbers must be strictly increasing with no gaps
	for i, msg := range msgs {
		if msg.Seq != int64(i+1) {
			t.Errorf("message %d has seq %d, want %d", i, msg.Seq, i+1)
		}
	}
}

func TestEscalateConversation(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx := context.Background()
	conv := testConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	transitioned, err := s.EscalateConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("EscalateConversation failed: %v", err)
	}
	if !transitioned {
		t.Error("first escalation should transition")
	}

	// Second escalation is a no-op, not an error
	transitioned, err = s.EscalateConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("repeat EscalateConversation failed: %v", err)
	}
	if transitioned {
		t.Error("repeat escalation should not transition")
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.RoutingState != RoutingHuman {
		t.Errorf("RoutingState mismatch: got %q, want %q", got.RoutingState, RoutingHuman)
	}
}

func TestEscalateConversation_NotFound(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.EscalateConversation(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetTypingFlag(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx := context.Background()
	conv := testConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	if err := s.SetTypingFlag(ctx, conv.ID, RoleUser, true); err != nil {
		t.Fatalf("SetTypingFlag failed: %v", err)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if !got.UserTyping {
		t.Error("UserTyping should be true")
	}
	if got.AgentTyping {
		t.Error("AgentTyping should be false")
	}

	if err := s.SetTypingFlag(ctx, conv.ID, RoleUser, false); err != nil {
		t.Fatalf("SetTypingFlag clear failed: %v", err)
	}
	got, err = s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.UserTyping {
		t.Error("UserTyping should be cleared")
	}

	if err := s.SetTypingFlag(ctx, conv.ID, "bot", true); err == nil {
		t.Error("expected error for unknown role")
	}
	if err := s.SetTypingFlag(ctx, "missing", RoleUser, true); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetLastRead(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx := context.Background()
	conv := testConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	at := time.Now().UTC().Add(time.Hour)
	if err := s.SetLastRead(ctx, conv.ID, RoleAgent, at); err != nil {
		t.Fatalf("SetLastRead failed: %v", err)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if !got.AgentLastReadAt.Equal(at) {
		t.Errorf("AgentLastReadAt mismatch: got %v, want %v", got.AgentLastReadAt, at)
	}
}

func TestListHumanConversations(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		conv := testConversation(fmt.Sprintf("user-%d", i))
		if err := s.CreateConversation(ctx, conv); err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
		if i < 2 {
			if _, err := s.EscalateConversation(ctx, conv.ID); err != nil {
				t.Fatalf("EscalateConversation failed: %v", err)
			}
		}
	}

	convs, err := s.ListHumanConversations(ctx)
	if err != nil {
		t.Fatalf("ListHumanConversations failed: %v", err)
	}
	if len(convs) != 2 {
		t.Errorf("expected 2 human conversations, got %d", len(convs))
	}
	for _, conv := range convs {
		if conv.RoutingState != RoutingHuman {
			t.Errorf("conversation %s has state %q", conv.ID, conv.RoutingState)
		}
	}
}

func TestDeleteHumanConversations(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx := context.Background()
	human := testConversation("user-1")
	if err := s.CreateConversation(ctx, human); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if _, err := s.EscalateConversation(ctx, human.ID); err != nil {
		t.Fatalf("EscalateConversation failed: %v", err)
	}
	if _, err := s.AppendMessage(ctx, testMessage(human.ID, RoleUser, "help")); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	automated := testConversation("user-2")
	if err := s.CreateConversation(ctx, automated); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	deleted, err := s.DeleteHumanConversations(ctx)
	if err != nil {
		t.Fatalf("DeleteHumanConversations failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	if _, err := s.GetConversation(ctx, human.ID); err != ErrNotFound {
		t.Errorf("human conversation should be gone, got %v", err)
	}
	// Cascade removed its messages too
	msgs, err := s.ListMessages(ctx, human.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected cascaded delete of messages, got %d", len(msgs))
	}

	// Automated conversation untouched
	if _, err := s.GetConversation(ctx, automated.ID); err != nil {
		t.Errorf("automated conversation should survive, got %v", err)
	}
}

func TestPresenceUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx := context.Background()
	first := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	if err := s.UpsertPresence(ctx, "user-1", first); err != nil {
		t.Fatalf("UpsertPresence failed: %v", err)
	}

	got, err := s.GetPresence(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetPresence failed: %v", err)
	}
	if !got.LastActiveAt.Equal(first) {
		t.Errorf("LastActiveAt mismatch: got %v, want %v", got.LastActiveAt, first)
	}

	// Heartbeat again moves the timestamp forward
	second := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.UpsertPresence(ctx, "user-1", second); err != nil {
		t.Fatalf("UpsertPresence update failed: %v", err)
	}
	got, err = s.GetPresence(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetPresence failed: %v", err)
	}
	if !got.LastActiveAt.Equal(second) {
		t.Errorf("LastActiveAt not updated: got %v, want %v", got.LastActiveAt, second)
	}

	if _, err := s.GetPresence(ctx, "nobody"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveSince(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.UpsertPresence(ctx, "fresh", now); err != nil {
		t.Fatalf("UpsertPresence failed: %v", err)
	}
	if err := s.UpsertPresence(ctx, "stale", now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("UpsertPresence failed: %v", err)
	}

	active, err := s.ListActiveSince(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ListActiveSince failed: %v", err)
	}
	if len(active) != 1 || active[0] != "fresh" {
		t.Errorf("expected [fresh], got %v", active)
	}
}

func TestAgentRecipients(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx := context.Background()

	// Empty registry to begin with
	addrs, err := s.ListAgentRecipients(ctx)
	if err != nil {
		t.Fatalf("ListAgentRecipients failed: %v", err)
	}
	if len(addrs) != 0 {
		t.Errorf("expected empty registry, got %v", addrs)
	}

	want := []string{"a@example.com", "b@example.com"}
	if err := s.SetAgentRecipients(ctx, want); err != nil {
		t.Fatalf("SetAgentRecipients failed: %v", err)
	}

	addrs, err = s.ListAgentRecipients(ctx)
	if err != nil {
		t.Fatalf("ListAgentRecipients failed: %v", err)
	}
	if len(addrs) != len(want) {
		t.Fatalf("expected %d recipients, got %d", len(want), len(addrs))
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Errorf("recipient %d mismatch: got %q, want %q", i, addrs[i], want[i])
		}
	}

	// Replacement clears the previous list
	if err := s.SetAgentRecipients(ctx, []string{"c@example.com"}); err != nil {
		t.Fatalf("SetAgentRecipients replace failed: %v", err)
	}
	addrs, err = s.ListAgentRecipients(ctx)
	if err != nil {
		t.Fatalf("ListAgentRecipients failed: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "c@example.com" {
		t.Errorf("expected [c@example.com], got %v", addrs)
	}
}
