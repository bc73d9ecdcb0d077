// Package api is the HTTP collaborator that loads recent messages from the
// backend. The prefetch scheduler is its only consumer; everything else in
// the core works from the cache and push events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucmattos/chatterd/internal/cache"
)

// Client fetches messages over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates an API client. A zero timeout defaults to 10 seconds.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// wireMessage is the server's JSON message shape.
type wireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	SenderAvatar   string `json:"senderAvatar"`
	ReceiverID     string `json:"receiverId"`
	RoomID         string `json:"roomId"`
	Type           string `json:"type"`
	Content        string `json:"content"`
	FileName       string `json:"fileName"`
	FileSize       int64  `json:"fileSize"`
	FileURL        string `json:"fileUrl"`
	ReplyToID      string `json:"replyToId"`
	IsEdited       bool   `json:"isEdited"`
	EditedAt       int64  `json:"editedAt"`
	IsRead         bool   `json:"isRead"`
	ReadAt         int64  `json:"readAt"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

func (w wireMessage) toMessage(conversationID string) *cache.Message {
	if w.ConversationID == "" {
		w.ConversationID = conversationID
	}
	typ := cache.MessageType(w.Type)
	if typ == "" {
		typ = cache.TypeText
	}
	return &cache.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		SenderName:     w.SenderName,
		SenderAvatar:   w.SenderAvatar,
		ReceiverID:     w.ReceiverID,
		RoomID:         w.RoomID,
		Type:           typ,
		Content:        w.Content,
		FileName:       w.FileName,
		FileSize:       w.FileSize,
		FileURL:        w.FileURL,
		ReplyToID:      w.ReplyToID,
		IsEdited:       w.IsEdited,
		EditedAt:       w.EditedAt,
		IsRead:         w.IsRead,
		ReadAt:         w.ReadAt,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
}

// FetchMessages loads up to limit of the most recent messages for a
// conversation.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit int) ([]*cache.Message, error) {
	u := fmt.Sprintf("%s/api/messages/%s?limit=%s",
		c.baseURL, url.PathEscape(conversationID), strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch messages: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	msgs := make([]*cache.Message, 0, len(body.Messages))
	for _, w := range body.Messages {
		if w.ID == "" {
			c.logger.Warn("message without id skipped",
				zap.String("conversation_id", conversationID))
			continue
		}
		msgs = append(msgs, w.toMessage(conversationID))
	}
	return msgs, nil
}
