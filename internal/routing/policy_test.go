// ABOUTME: Tests for automated responder policies
// ABOUTME: Canned policy replies once at conversation start; silent never does

package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scamaware/support-gateway/internal/store"
)

func convWithMessages(msgs ...*store.Message) *store.Conversation {
	return &store.Conversation{
		ID:           "conv-1",
		RoutingState: store.RoutingAutomated,
		Messages:     msgs,
	}
}

func TestCannedPolicy_RepliesToFirstUserMessage(t *testing.T) {
	p := &CannedPolicy{}
	msg := &store.Message{Sender: store.RoleUser, Text: "hello"}

	reply, ok := p.Respond(convWithMessages(msg), msg)
	assert.True(t, ok)
	assert.Equal(t, DefaultPrompt, reply)
}

func TestCannedPolicy_CustomPrompt(t *testing.T) {
	p := &CannedPolicy{Prompt: "Hold tight."}
	msg := &store.Message{Sender: store.RoleUser, Text: "hello"}

	reply, ok := p.Respond(convWithMessages(msg), msg)
	assert.True(t, ok)
	assert.Equal(t, "Hold tight.", reply)
}

func TestCannedPolicy_SilentAfterFirstMessage(t *testing.T) {
	p := &CannedPolicy{}
	first := &store.Message{Sender: store.RoleUser, Text: "hello"}
	second := &store.Message{Sender: store.RoleUser, Text: "still there?"}

	_, ok := p.Respond(convWithMessages(first, second), second)
	assert.False(t, ok)
}

func TestCannedPolicy_IgnoresAgentMessages(t *testing.T) {
	p := &CannedPolicy{}
	msg := &store.Message{Sender: store.RoleAgent, Text: "hi"}

	_, ok := p.Respond(convWithMessages(msg), msg)
	assert.False(t, ok)
}

func TestSilentPolicy(t *testing.T) {
	p := SilentPolicy{}
	msg := &store.Message{Sender: store.RoleUser, Text: "hello"}

	_, ok := p.Respond(convWithMessages(msg), msg)
	assert.False(t, ok)
}

func TestFromMode(t *testing.T) {
	_, isCanned := FromMode("canned").(*CannedPolicy)
	assert.True(t, isCanned)

	_, isSilent := FromMode("silent").(SilentPolicy)
	assert.True(t, isSilent)

	// Unknown modes degrade to silent
	_, isSilent = FromMode("whatever").(SilentPolicy)
	assert.True(t, isSilent)
}
