// Package optimistic makes user actions feel instant by fabricating
// client-side message state before server confirmation, then reconciling or
// rolling it back once the server responds. It owns the retry backoff
// timing; the actual network resend is the caller's responsibility, signaled
// through "optimistic.retry_ready" bus events.
package optimistic

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucmattos/chatterd/internal/bus"
	"github.com/lucmattos/chatterd/internal/cache"
	"go.uber.org/zap"
)

// OperationType classifies an optimistic operation.
type OperationType string

const (
	OpSend   OperationType = "send"
	OpEdit   OperationType = "edit"
	OpDelete OperationType = "delete"
)

// OperationStatus tracks an operation's lifecycle.
type OperationStatus string

const (
	OpPending   OperationStatus = "pending"
	OpConfirmed OperationStatus = "confirmed"
	OpFailed    OperationStatus = "failed"
)

// Operation tracks a single optimistic action. For send operations the id
// equals the fabricated temp message id.
type Operation struct {
	ID             string
	Type           OperationType
	ConversationID string
	MessageID      string
	Content        string
	Timestamp      int64
	RetryCount     int
	MaxRetries     int
	Status         OperationStatus
}

// messageID returns the cached message the operation refers to.
func (op *Operation) messageID() string {
	if op.MessageID != "" {
		return op.MessageID
	}
	return op.ID
}

// SenderInfo carries the display fields fabricated onto a pending message so
// the UI can render it before the server echoes it back.
type SenderInfo struct {
	Name   string
	Avatar string
}

// Options tunes the manager. Zero fields fall back to defaults.
type Options struct {
	MaxRetries   int           // retry budget per operation (default 3)
	BaseBackoff  time.Duration // first retry delay (default 1s)
	MaxBackoff   time.Duration // backoff cap (default 10s)
	ConfirmGrace time.Duration // confirmed-op removal delay (default 5s)
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.ConfirmGrace <= 0 {
		o.ConfirmGrace = 5 * time.Second
	}
	return o
}

// Manager creates and tracks optimistic operations and governs their
// bounded-exponential-backoff retry queue.
type Manager struct {
	mu         sync.Mutex
	ops        map[string]*Operation
	retryQueue []string
	processing bool

	db     *cache.DB
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a new optimistic update manager.
func NewManager(db *cache.DB, b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ops:    make(map[string]*Operation),
		db:     db,
		bus:    b,
		logger: logger,
		opts:   opts.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Stop cancels the retry queue processor.
func (m *Manager) Stop() {
	m.cancel()
}

// GenerateTempID returns a client-generated message id of the form
// temp-<epoch-ms>-<9-char-random>.
func (m *Manager) GenerateTempID() string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:9]
	return fmt.Sprintf("temp-%d-%s", time.Now().UnixMilli(), random)
}

// CreateMessage fabricates a pending message for an optimistic send and
// registers its operation. The caller inserts the returned message into the
// reconciling store and the persistent cache.
func (m *Manager) CreateMessage(conversationID, senderID string, sender SenderInfo, content string, typ cache.MessageType) *cache.Message {
	if typ == "" {
		typ = cache.TypeText
	}
	tempID := m.GenerateTempID()
	now := time.Now().UnixMilli()

	msg := &cache.Message{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     sender.Name,
		SenderAvatar:   sender.Avatar,
		Type:           typ,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
		Optimistic:     true,
		OperationID:    tempID,
		Status:         cache.StatusPending,
	}

	m.mu.Lock()
	m.ops[tempID] = &Operation{
		ID:             tempID,
		Type:           OpSend,
		ConversationID: conversationID,
		Content:        content,
		Timestamp:      now,
		RetryCount:     0,
		MaxRetries:     m.opts.MaxRetries,
		Status:         OpPending,
	}
	m.mu.Unlock()

	return msg
}

// CreateEditOperation registers a pending edit of an existing message.
func (m *Manager) CreateEditOperation(conversationID, messageID, content string) *Operation {
	return m.createAuxOperation(OpEdit, conversationID, messageID, content)
}

// CreateDeleteOperation registers a pending delete of an existing message.
func (m *Manager) CreateDeleteOperation(conversationID, messageID string) *Operation {
	return m.createAuxOperation(OpDelete, conversationID, messageID, "")
}

func (m *Manager) createAuxOperation(typ OperationType, conversationID, messageID, content string) *Operation {
	op := &Operation{
		ID:             m.GenerateTempID(),
		Type:           typ,
		ConversationID: conversationID,
		MessageID:      messageID,
		Content:        content,
		Timestamp:      time.Now().UnixMilli(),
		MaxRetries:     m.opts.MaxRetries,
		Status:         OpPending,
	}
	m.mu.Lock()
	m.ops[op.ID] = op
	m.mu.Unlock()
	return op
}

// Confirm marks an operation confirmed and swaps the cached temp message for
// the server's version. The operation stays visible for a grace window so UI
// transitions can still look it up, then is garbage-collected.
func (m *Manager) Confirm(operationID string, server *cache.Message) error {
	m.mu.Lock()
	op, ok := m.ops[operationID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("confirm of unknown operation ignored", zap.String("operation_id", operationID))
		return nil
	}
	op.Status = OpConfirmed
	target := op.messageID()
	m.mu.Unlock()

	if server != nil {
		confirmed := *server
		confirmed.Optimistic = false
		confirmed.OperationID = operationID
		confirmed.Status = cache.StatusConfirmed
		if err := m.db.ReplaceMessage(target, &confirmed); err != nil {
			return fmt.Errorf("confirm operation %s: %w", operationID, err)
		}
	}

	time.AfterFunc(m.opts.ConfirmGrace, func() {
		if m.ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		if cur, ok := m.ops[operationID]; ok && cur.Status == OpConfirmed {
			delete(m.ops, operationID)
		}
		m.mu.Unlock()
	})

	if m.bus != nil {
		m.bus.Publish(bus.Now("optimistic.confirmed", map[string]string{
			"operation_id": operationID,
			"server_id":    serverID(server),
		}))
	}
	return nil
}

func serverID(server *cache.Message) string {
	if server == nil {
		return ""
	}
	return server.ID
}

// Fail marks an operation failed and flips its cached message to failed
// status. If the retry budget is not exhausted the operation is enqueued
// for a backed-off retry; otherwise the failure is terminal.
func (m *Manager) Fail(operationID string, cause error) {
	m.mu.Lock()
	op, ok := m.ops[operationID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("fail of unknown operation ignored", zap.String("operation_id", operationID))
		return
	}
	op.Status = OpFailed
	target := op.messageID()
	retriable := op.RetryCount < op.MaxRetries
	if retriable {
		m.enqueueLocked(operationID)
	}
	m.mu.Unlock()

	failed := cache.StatusFailed
	if err := m.db.UpdateMessage(target, cache.MessagePatch{Status: &failed}); err != nil {
		m.logger.Warn("could not flag cached message failed",
			zap.Error(err), zap.String("message_id", target))
	}

	if !retriable {
		m.logger.Error("operation failed terminally",
			zap.String("operation_id", operationID), zap.Error(cause))
	}
	if m.bus != nil {
		m.bus.Publish(bus.Now("optimistic.failed", map[string]any{
			"operation_id": operationID,
			"terminal":     !retriable,
		}))
	}
}

// enqueueLocked adds an operation to the retry queue (deduplicated) and
// starts the processor if idle. Caller holds m.mu.
func (m *Manager) enqueueLocked(operationID string) {
	for _, id := range m.retryQueue {
		if id == operationID {
			return
		}
	}
	m.retryQueue = append(m.retryQueue, operationID)
	if !m.processing {
		m.processing = true
		go m.processRetryQueue()
	}
}

// Rollback discards a failed send forever: the cached message, the
// operation, and any retry-queue entry are all removed. The reconciling
// store's own RollbackMessage is the softer, mark-failed-in-place variant.
func (m *Manager) Rollback(operationID string) {
	m.mu.Lock()
	op, ok := m.ops[operationID]
	var target string
	if ok {
		target = op.messageID()
		delete(m.ops, operationID)
	}
	for i, id := range m.retryQueue {
		if id == operationID {
			m.retryQueue = append(m.retryQueue[:i], m.retryQueue[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := m.db.DeleteMessage(target); err != nil {
		m.logger.Warn("rollback could not delete cached message",
			zap.Error(err), zap.String("message_id", target))
	}
	if m.bus != nil {
		m.bus.Publish(bus.Now("optimistic.rolled_back", map[string]string{"operation_id": operationID}))
	}
}

// Retry resets a failed operation to pending and increments its retry count.
// Returns the updated operation, or nil when the operation is unknown or not
// in failed state.
func (m *Manager) Retry(operationID string) *Operation {
	m.mu.Lock()
	op, ok := m.ops[operationID]
	if !ok || op.Status != OpFailed {
		m.mu.Unlock()
		return nil
	}
	op.Status = OpPending
	op.RetryCount++
	updated := *op
	target := op.messageID()
	m.mu.Unlock()

	pending := cache.StatusPending
	if err := m.db.UpdateMessage(target, cache.MessagePatch{Status: &pending}); err != nil {
		m.logger.Warn("could not flag cached message pending",
			zap.Error(err), zap.String("message_id", target))
	}
	return &updated
}

// processRetryQueue drains the retry queue one operation at a time, waiting
// min(base * 2^retryCount, cap) before flipping each back to pending. Only
// one processor runs per manager; the processing flag is cleared in the
// same critical section that observes the empty queue, so an enqueue that
// sees the flag set is guaranteed its operation will still be popped.
func (m *Manager) processRetryQueue() {
	for {
		m.mu.Lock()
		if len(m.retryQueue) == 0 || m.ctx.Err() != nil {
			m.processing = false
			m.mu.Unlock()
			return
		}
		operationID := m.retryQueue[0]
		m.retryQueue = m.retryQueue[1:]
		op, ok := m.ops[operationID]
		var delay time.Duration
		if ok {
			delay = m.backoff(op.RetryCount)
		}
		m.mu.Unlock()

		if !ok {
			continue
		}

		select {
		case <-time.After(delay):
		case <-m.ctx.Done():
			m.mu.Lock()
			m.processing = false
			m.mu.Unlock()
			return
		}

		if updated := m.Retry(operationID); updated != nil && m.bus != nil {
			m.bus.Publish(bus.Now("optimistic.retry_ready", *updated))
		}
	}
}

func (m *Manager) backoff(retryCount int) time.Duration {
	delay := m.opts.BaseBackoff << retryCount
	if delay > m.opts.MaxBackoff || delay <= 0 {
		delay = m.opts.MaxBackoff
	}
	return delay
}

// PendingOperations returns a snapshot of operations in pending state.
func (m *Manager) PendingOperations() []Operation {
	return m.operationsWithStatus(OpPending)
}

// FailedOperations returns a snapshot of operations in failed state.
func (m *Manager) FailedOperations() []Operation {
	return m.operationsWithStatus(OpFailed)
}

func (m *Manager) operationsWithStatus(status OperationStatus) []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Operation
	for _, op := range m.ops {
		if op.Status == status {
			out = append(out, *op)
		}
	}
	return out
}

// GetOperation returns a snapshot of a tracked operation, or nil.
func (m *Manager) GetOperation(operationID string) *Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok {
		return nil
	}
	snapshot := *op
	return &snapshot
}

// ClearOperations drops the tracking table and the retry queue.
func (m *Manager) ClearOperations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = make(map[string]*Operation)
	m.retryQueue = nil
}

// RetryQueueSize returns the number of queued retries.
func (m *Manager) RetryQueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retryQueue)
}
