// Package prompt holds the conversation shared by every step of a round.
package prompt

import (
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole converts a stored role name into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(s)); r {
	case RoleSystem, RoleUser, RoleAssistant:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Message is one turn of the conversation.
type Message struct {
	Role    Role
	Content string
}

// SetContent replaces the message text and returns the message.
func (m *Message) SetContent(content string) *Message {
	m.Content = content
	return m
}

// Prompt is an ordered conversation. It is not safe for concurrent use.
type Prompt struct {
	messages []*Message
}

// New returns an empty prompt.
func New() *Prompt {
	return &Prompt{}
}

func (p *Prompt) add(role Role) *Message {
	m := &Message{Role: role}
	p.messages = append(p.messages, m)
	return m
}

// AddSystemMessage appends an empty system turn.
func (p *Prompt) AddSystemMessage() *Message { return p.add(RoleSystem) }

// AddUserMessage appends an empty user turn.
func (p *Prompt) AddUserMessage() *Message { return p.add(RoleUser) }

// AddAssistantMessage appends an empty assistant turn.
func (p *Prompt) AddAssistantMessage() *Message { return p.add(RoleAssistant) }

// RemoveLast drops the most recent turn. It returns false on an empty prompt.
func (p *Prompt) RemoveLast() (*Message, bool) {
	if len(p.messages) == 0 {
		return nil, false
	}
	last := p.messages[len(p.messages)-1]
	p.messages = p.messages[:len(p.messages)-1]
	return last, true
}

// Len returns the number of turns.
func (p *Prompt) Len() int {
	return len(p.messages)
}

// Messages returns a copy of the turns in order.
func (p *Prompt) Messages() []Message {
	out := make([]Message, len(p.messages))
	for i, m := range p.messages {
		out[i] = *m
	}
	return out
}

// Last returns the most recent turn.
func (p *Prompt) Last() (Message, bool) {
	if len(p.messages) == 0 {
		return Message{}, false
	}
	return *p.messages[len(p.messages)-1], true
}

// Reset removes every turn.
func (p *Prompt) Reset() {
	p.messages = nil
}
