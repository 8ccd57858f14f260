// Package conversation holds the short-term chat history of one tenant
// session: an ordered log of turns per conversation identifier.
package conversation

import (
	"fmt"
	"sync"
	"time"
)

// Role identifies who authored a message. Only user and assistant turns are
// stored; the system prompt is never part of the log.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the stored roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single conversation turn.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the ordered message log for one conversation identifier.
type Conversation struct {
	messages []Message
}

// Store maps conversation identifiers to their logs. It is safe for
// concurrent use; every append is serialized so a single caller's
// user-then-assistant pair keeps its order.
type Store struct {
	now func() time.Time

	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewStore creates an empty Store. A nil now defaults to time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:           now,
		conversations: make(map[string]*Conversation),
	}
}

// Append adds a message to the end of the conversation, creating the
// conversation if absent. The stored timestamp never goes backwards within a
// conversation. Returns the message as stored.
func (s *Store) Append(conversationID string, role Role, content string) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("conversation: append: invalid role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &Conversation{}
		s.conversations[conversationID] = conv
	}

	ts := s.now()
	if n := len(conv.messages); n > 0 && ts.Before(conv.messages[n-1].Timestamp) {
		ts = conv.messages[n-1].Timestamp
	}
	msg := Message{Role: role, Content: content, Timestamp: ts}
	conv.messages = append(conv.messages, msg)
	return msg, nil
}

// RecentWindow returns the last n messages of the conversation, oldest
// first. It returns fewer when the conversation is shorter and nil when it
// does not exist or n <= 0. The result is a copy.
func (s *Store) RecentWindow(conversationID string, n int) []Message {
	if n <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	msgs := conv.messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Len returns the number of messages stored for a conversation.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conv, ok := s.conversations[conversationID]; ok {
		return len(conv.messages)
	}
	return 0
}

// Count returns the number of conversations held.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}
