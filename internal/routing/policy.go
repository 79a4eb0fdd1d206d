// ABOUTME: Pluggable automated responder policy for conversations still in automated routing
// ABOUTME: Deterministic, advisory only - a policy can never block escalation

package routing

import (
	"github.com/scamaware/support-gateway/internal/store"
)

// Policy decides whether the automated responder replies to a message.
// Respond must be a deterministic function of its inputs and must not
// perform I/O.
type Policy interface {
	Respond(conv *store.Conversation, msg *store.Message) (reply string, ok bool)
}

// DefaultPrompt is the canned reply offered on first contact.
const DefaultPrompt = "Thanks for reaching out! If you'd like to talk to one of our agents, just ask to speak to a human."

// CannedPolicy replies once, to the first user message of a conversation,
// with a fixed prompt offering human assistance.
type CannedPolicy struct {
	Prompt string
}

// Respond replies only when the triggering message is the conversation's
// very first message and was sent by the user.
func (p *CannedPolicy) Respond(conv *store.Conversation, msg *store.Message) (string, bool) {
	if msg.Sender != store.RoleUser {
		return "", false
	}
	if len(conv.Messages) != 1 {
		return "", false
	}
	prompt := p.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return prompt, true
}

// SilentPolicy never replies; users go straight to requesting a human.
type SilentPolicy struct{}

// Respond always declines.
func (SilentPolicy) Respond(*store.Conversation, *store.Message) (string, bool) {
	return "", false
}

// FromMode maps a configuration mode string to a policy.
// Unknown modes fall back to silent.
func FromMode(mode string) Policy {
	if mode == "canned" {
		return &CannedPolicy{}
	}
	return SilentPolicy{}
}
