// Package state holds the single in-memory view the UI renders from. It
// merges cache-hydrated data, optimistic sends, and push-delivered events,
// keeping each conversation's message list deduplicated by id and ordered
// by creation time.
package state

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lucmattos/chatterd/internal/bus"
	"github.com/lucmattos/chatterd/internal/cache"
	"github.com/lucmattos/chatterd/internal/optimistic"
)

// TypingUser identifies a user currently typing in a conversation.
type TypingUser struct {
	UserID   string
	UserName string
}

// Store is the reconciling in-memory store. All mutations run under one
// mutex; deduplication by message id is what keeps the optimistic path and
// the push path from producing duplicate entries.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*cache.Conversation
	messages      map[string][]*cache.Message
	typing        map[string][]TypingUser
	selected      string

	optimistic *optimistic.Manager
	db         *cache.DB
	bus        *bus.Bus
	logger     *zap.Logger
}

// NewStore creates an empty store. The optimistic manager, cache and bus
// may each be nil for partial wiring in tests.
func NewStore(om *optimistic.Manager, db *cache.DB, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		conversations: make(map[string]*cache.Conversation),
		messages:      make(map[string][]*cache.Message),
		typing:        make(map[string][]TypingUser),
		optimistic:    om,
		db:            db,
		bus:           b,
		logger:        logger,
	}
}

func (s *Store) publish(kind, conversationID string) {
	if s.bus != nil {
		s.bus.Publish(bus.Now(kind, conversationID))
	}
}

// SetConversations upserts each conversation into the store. Conversations
// absent from the list are kept.
func (s *Store) SetConversations(convs []cache.Conversation) {
	s.mu.Lock()
	for i := range convs {
		c := convs[i]
		s.conversations[c.ID] = &c
	}
	s.mu.Unlock()
	s.publish("state.conversations", "")
}

// UpdateConversation merges a partial update onto an existing conversation.
// No-op if the conversation is not in the store.
func (s *Store) UpdateConversation(id string, patch cache.ConversationPatch) {
	s.mu.Lock()
	c, ok := s.conversations[id]
	if ok {
		c.Apply(patch)
	}
	s.mu.Unlock()
	if ok {
		s.publish("state.conversations", id)
	}
}

// SelectConversation sets the currently open conversation. Empty string
// clears the selection.
func (s *Store) SelectConversation(id string) {
	s.mu.Lock()
	s.selected = id
	s.mu.Unlock()
	s.publish("state.selection", id)
}

// SetMessages replaces a conversation's message list wholesale, used on
// initial load. The list is re-sorted ascending by creation time.
func (s *Store) SetMessages(conversationID string, msgs []*cache.Message) {
	s.mu.Lock()
	list := make([]*cache.Message, len(msgs))
	copy(list, msgs)
	sortMessages(list)
	s.messages[conversationID] = list
	s.mu.Unlock()
	s.publish("state.messages", conversationID)
}

// AddMessage inserts a message unless one with the same id already exists,
// then re-sorts the list. The no-op on duplicate id is what keeps a pushed
// server message and its optimistic echo from appearing twice.
func (s *Store) AddMessage(conversationID string, msg *cache.Message) {
	s.mu.Lock()
	for _, existing := range s.messages[conversationID] {
		if existing.ID == msg.ID {
			s.mu.Unlock()
			return
		}
	}
	list := append(s.messages[conversationID], msg)
	sortMessages(list)
	s.messages[conversationID] = list
	s.mu.Unlock()
	s.publish("state.messages", conversationID)
}

// UpdateMessage merges a partial update onto a message in place. No-op if
// the message is not present.
func (s *Store) UpdateMessage(conversationID, messageID string, patch cache.MessagePatch) {
	s.mu.Lock()
	found := false
	for _, msg := range s.messages[conversationID] {
		if msg.ID == messageID {
			msg.Apply(patch)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.publish("state.messages", conversationID)
	}
}

// DeleteMessage removes a message from a conversation's list.
func (s *Store) DeleteMessage(conversationID, messageID string) {
	s.mu.Lock()
	list := s.messages[conversationID]
	for i, msg := range list {
		if msg.ID == messageID {
			s.messages[conversationID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.publish("state.messages", conversationID)
}

// SendMessageOptimistic fabricates a pending message through the optimistic
// manager, inserts it for immediate render, and echoes it to the persistent
// cache. Returns the temp message; its ID doubles as the operation id.
func (s *Store) SendMessageOptimistic(conversationID, content, senderID string, sender optimistic.SenderInfo) *cache.Message {
	msg := s.optimistic.CreateMessage(conversationID, senderID, sender, content, cache.TypeText)
	s.AddMessage(conversationID, msg)
	if s.db != nil {
		if err := s.db.AddMessage(msg); err != nil {
			s.logger.Warn("optimistic message not cached",
				zap.Error(err), zap.String("message_id", msg.ID))
		}
	}
	return msg
}

// ConfirmMessage replaces the entry whose id or operation id equals tempID
// with the server's message, stripped of optimistic transients, then
// deduplicates the list by id. The dedup covers the race where the server
// message already arrived over push before the confirmation landed; exactly
// one entry per id survives.
func (s *Store) ConfirmMessage(conversationID, tempID string, server *cache.Message) {
	confirmed := *server
	confirmed.Optimistic = false
	confirmed.OperationID = ""
	confirmed.Status = ""

	s.mu.Lock()
	list := s.messages[conversationID]
	replaced := false
	for i, msg := range list {
		if msg.ID == tempID || msg.OperationID == tempID {
			list[i] = &confirmed
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, &confirmed)
	}

	seen := make(map[string]struct{}, len(list))
	deduped := list[:0]
	for _, msg := range list {
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		seen[msg.ID] = struct{}{}
		deduped = append(deduped, msg)
	}
	sortMessages(deduped)
	s.messages[conversationID] = deduped
	s.mu.Unlock()

	s.publish("state.messages", conversationID)
}

// RollbackMessage marks the message with the given operation id failed in
// place so the UI can offer a retry. It does not remove the entry; the
// optimistic manager's Rollback is the explicit discard.
func (s *Store) RollbackMessage(conversationID, operationID string) {
	failed := cache.StatusFailed
	s.mu.Lock()
	found := false
	for _, msg := range s.messages[conversationID] {
		if msg.ID == operationID || msg.OperationID == operationID {
			msg.Status = failed
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.publish("state.messages", conversationID)
	}
}

// SetTypingUsers replaces the typing list for a conversation.
func (s *Store) SetTypingUsers(conversationID string, users []TypingUser) {
	s.mu.Lock()
	s.typing[conversationID] = append([]TypingUser(nil), users...)
	s.mu.Unlock()
	s.publish("state.typing", conversationID)
}

// AddTypingUser appends a typing user, deduplicated by user id.
func (s *Store) AddTypingUser(conversationID string, user TypingUser) {
	s.mu.Lock()
	for _, u := range s.typing[conversationID] {
		if u.UserID == user.UserID {
			s.mu.Unlock()
			return
		}
	}
	s.typing[conversationID] = append(s.typing[conversationID], user)
	s.mu.Unlock()
	s.publish("state.typing", conversationID)
}

// RemoveTypingUser removes a user from a conversation's typing list.
func (s *Store) RemoveTypingUser(conversationID, userID string) {
	s.mu.Lock()
	list := s.typing[conversationID]
	for i, u := range list {
		if u.UserID == userID {
			s.typing[conversationID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.publish("state.typing", conversationID)
}

// ClearStore resets every map and the selection.
func (s *Store) ClearStore() {
	s.mu.Lock()
	s.conversations = make(map[string]*cache.Conversation)
	s.messages = make(map[string][]*cache.Message)
	s.typing = make(map[string][]TypingUser)
	s.selected = ""
	s.mu.Unlock()
	s.publish("state.cleared", "")
}

// Conversations returns all conversations ordered by last activity,
// newest first.
func (s *Store) Conversations() []cache.Conversation {
	s.mu.Lock()
	out := make([]cache.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns a copy of one conversation, or nil if absent.
func (s *Store) Conversation(id string) *cache.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil
	}
	out := *c
	return &out
}

// Messages returns a copy of a conversation's message list, ascending by
// creation time.
func (s *Store) Messages(conversationID string) []cache.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[conversationID]
	out := make([]cache.Message, len(list))
	for i, msg := range list {
		out[i] = *msg
	}
	return out
}

// SelectedConversation returns the currently open conversation id, empty
// if none.
func (s *Store) SelectedConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// TypingUsers returns a copy of a conversation's typing list.
func (s *Store) TypingUsers(conversationID string) []TypingUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TypingUser(nil), s.typing[conversationID]...)
}

// sortMessages orders ascending by creation time, id as tiebreaker so
// ordering is stable across reconciliations.
func sortMessages(list []*cache.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt < list[j].CreatedAt
		}
		return list[i].ID < list[j].ID
	})
}
