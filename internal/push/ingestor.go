// Package push ingests server-originated real-time events into the
// reconciling store and the persistent cache. The transport itself is out
// of scope; whatever adapter speaks to the server publishes "push.*"
// events on the bus and this ingestor applies them.
package push

import (
	"context"

	"go.uber.org/zap"

	"github.com/lucmattos/chatterd/internal/bus"
	"github.com/lucmattos/chatterd/internal/cache"
	"github.com/lucmattos/chatterd/internal/state"
)

// Event kinds the ingestor handles.
const (
	KindMessage       = "push.message"
	KindMessageEdited = "push.message_edited"
	KindMessageDelete = "push.message_deleted"
	KindTypingStarted = "push.typing_started"
	KindTypingStopped = "push.typing_stopped"
)

// MessageEvent carries a newly delivered server message.
type MessageEvent struct {
	ConversationID string
	Message        *cache.Message
}

// MessageEdited carries an edit to an existing message.
type MessageEdited struct {
	ConversationID string
	MessageID      string
	Content        string
	EditedAt       int64
}

// MessageDeleted carries a server-side message deletion.
type MessageDeleted struct {
	ConversationID string
	MessageID      string
}

// TypingEvent carries a typing start or stop for a conversation.
type TypingEvent struct {
	ConversationID string
	UserID         string
	UserName       string
}

// Ingestor applies push-delivered events to the store and the cache.
// Failures are logged, never propagated; a bad event must not stall the
// delivery channel.
type Ingestor struct {
	store  *state.Store
	db     *cache.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewIngestor creates a push ingestor.
func NewIngestor(st *state.Store, db *cache.DB, b *bus.Bus, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		store:  st,
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to push events on the bus and applies them until the
// context is canceled or Stop is called.
func (in *Ingestor) Start(ctx context.Context) {
	ctx, in.cancel = context.WithCancel(ctx)
	ch, unsub := in.bus.Subscribe("push.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				in.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the ingestor.
func (in *Ingestor) Stop() {
	if in.cancel != nil {
		in.cancel()
	}
}

func (in *Ingestor) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case KindMessage:
		ev, ok := evt.Payload.(MessageEvent)
		if !ok || ev.Message == nil {
			return
		}
		in.ingestMessage(ev)
	case KindMessageEdited:
		ev, ok := evt.Payload.(MessageEdited)
		if !ok {
			return
		}
		in.ingestEdit(ev)
	case KindMessageDelete:
		ev, ok := evt.Payload.(MessageDeleted)
		if !ok {
			return
		}
		in.ingestDelete(ev)
	case KindTypingStarted:
		ev, ok := evt.Payload.(TypingEvent)
		if !ok {
			return
		}
		in.store.AddTypingUser(ev.ConversationID, state.TypingUser{
			UserID:   ev.UserID,
			UserName: ev.UserName,
		})
	case KindTypingStopped:
		ev, ok := evt.Payload.(TypingEvent)
		if !ok {
			return
		}
		in.store.RemoveTypingUser(ev.ConversationID, ev.UserID)
	}
}

// ingestMessage adds a pushed message to the store (deduplicated there by
// id, so redelivery and optimistic echoes are harmless) and the cache, and
// rolls the conversation's last-message summary forward.
func (in *Ingestor) ingestMessage(ev MessageEvent) {
	msg := ev.Message
	in.store.AddMessage(ev.ConversationID, msg)

	if err := in.db.AddMessage(msg); err != nil {
		in.logger.Error("pushed message not cached",
			zap.Error(err), zap.String("message_id", msg.ID))
	}

	patch := cache.ConversationPatch{
		LastMsgID:       &msg.ID,
		LastMsgContent:  &msg.Content,
		LastMsgAt:       &msg.CreatedAt,
		LastMsgSenderID: &msg.SenderID,
		LastActivity:    &msg.CreatedAt,
	}
	if in.store.SelectedConversation() != ev.ConversationID {
		if c := in.store.Conversation(ev.ConversationID); c != nil {
			unread := c.UnreadCount + 1
			patch.UnreadCount = &unread
		}
	}
	in.store.UpdateConversation(ev.ConversationID, patch)
	if err := in.db.UpdateConversation(ev.ConversationID, patch); err != nil {
		in.logger.Error("conversation summary not updated",
			zap.Error(err), zap.String("conversation_id", ev.ConversationID))
	}
}

func (in *Ingestor) ingestEdit(ev MessageEdited) {
	edited := true
	patch := cache.MessagePatch{
		Content:  &ev.Content,
		IsEdited: &edited,
		EditedAt: &ev.EditedAt,
	}
	in.store.UpdateMessage(ev.ConversationID, ev.MessageID, patch)
	if err := in.db.UpdateMessage(ev.MessageID, patch); err != nil {
		in.logger.Error("message edit not cached",
			zap.Error(err), zap.String("message_id", ev.MessageID))
	}
}

func (in *Ingestor) ingestDelete(ev MessageDeleted) {
	in.store.DeleteMessage(ev.ConversationID, ev.MessageID)
	if err := in.db.DeleteMessage(ev.MessageID); err != nil {
		in.logger.Error("message delete not cached",
			zap.Error(err), zap.String("message_id", ev.MessageID))
	}
}
