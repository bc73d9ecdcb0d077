// Package prefetch warms the persistent cache for conversations the user is
// likely to open next, driven by hover intent, scroll position, behavioral
// prediction, and recency, without overwhelming the network.
package prefetch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lucmattos/chatterd/internal/behavior"
	"github.com/lucmattos/chatterd/internal/bus"
	"github.com/lucmattos/chatterd/internal/cache"
	"go.uber.org/zap"
)

// Trigger records why a conversation was scheduled for prefetch.
type Trigger string

const (
	TriggerHover      Trigger = "hover"
	TriggerScroll     Trigger = "scroll"
	TriggerPredictive Trigger = "predictive"
	TriggerTop        Trigger = "top-conversations"
)

// RequestStatus tracks a prefetch request's lifecycle.
type RequestStatus string

const (
	ReqPending    RequestStatus = "pending"
	ReqInProgress RequestStatus = "in-progress"
	ReqCompleted  RequestStatus = "completed"
	ReqFailed     RequestStatus = "failed"
)

// Request is a queued prefetch. At most one live request exists per
// conversation id; re-enqueueing only ever raises priority.
type Request struct {
	ConversationID string
	Priority       int
	Timestamp      int64
	Trigger        Trigger
	Status         RequestStatus
}

// MessageFetcher is the network collaborator that loads recent messages for
// a conversation.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, conversationID string, limit int) ([]*cache.Message, error)
}

// Priorities per trigger. Top-conversations and scroll schedules decay in
// steps of 5 down their respective lists.
const (
	priorityTop        = 100
	priorityPredictive = 90
	priorityHover      = 80
	priorityScroll     = 70
	priorityStep       = 5
)

// Options tunes the scheduler. Zero fields fall back to defaults.
type Options struct {
	MaxConcurrent int           // in-flight fetch ceiling (default 3)
	HoverDelay    time.Duration // hover debounce (default 200ms)
	TopCount      int           // conversations for PrefetchTopConversations (default 5)
	ScrollCount   int           // conversations ahead of scroll (default 3)
	FetchLimit    int           // messages per prefetch (default 20)
	PollInterval  time.Duration // concurrency-ceiling poll (default 100ms)
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 3
	}
	if o.HoverDelay <= 0 {
		o.HoverDelay = 200 * time.Millisecond
	}
	if o.TopCount <= 0 {
		o.TopCount = 5
	}
	if o.ScrollCount <= 0 {
		o.ScrollCount = 3
	}
	if o.FetchLimit <= 0 {
		o.FetchLimit = 20
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	return o
}

// Stats summarizes scheduler state.
type Stats struct {
	QueueSize       int
	InProgress      int
	Completed       int
	PendingRequests int
}

// Manager is the priority-queue prefetch scheduler.
type Manager struct {
	mu          sync.Mutex
	queue       []*Request
	inProgress  map[string]struct{}
	completed   map[string]struct{}
	hoverTimers map[string]*time.Timer
	processing  bool

	db      *cache.DB
	tracker *behavior.Tracker
	fetcher MessageFetcher
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a prefetch manager.
func NewManager(db *cache.DB, tracker *behavior.Tracker, fetcher MessageFetcher, b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		inProgress:  make(map[string]struct{}),
		completed:   make(map[string]struct{}),
		hoverTimers: make(map[string]*time.Timer),
		db:          db,
		tracker:     tracker,
		fetcher:     fetcher,
		bus:         b,
		logger:      logger,
		opts:        opts.withDefaults(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Stop cancels the queue processor and all pending hover timers. Work
// already in flight is dropped, not aborted.
func (m *Manager) Stop() {
	m.cancel()
	m.Clear()
}

// Enqueue schedules a conversation for prefetch. Already-completed or
// in-progress conversations are skipped; an already-queued one only has its
// priority raised (never lowered) and its trigger updated.
func (m *Manager) Enqueue(conversationID string, priority int, trigger Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.completed[conversationID]; ok {
		return
	}
	if _, ok := m.inProgress[conversationID]; ok {
		return
	}

	for _, req := range m.queue {
		if req.ConversationID == conversationID {
			if priority > req.Priority {
				req.Priority = priority
				req.Trigger = trigger
				m.sortQueueLocked()
			}
			return
		}
	}

	m.queue = append(m.queue, &Request{
		ConversationID: conversationID,
		Priority:       priority,
		Timestamp:      time.Now().UnixMilli(),
		Trigger:        trigger,
		Status:         ReqPending,
	})
	m.sortQueueLocked()

	if !m.processing {
		m.processing = true
		go m.processQueue()
	}
}

// sortQueueLocked orders the queue by priority descending, oldest first on
// ties. Caller holds m.mu.
func (m *Manager) sortQueueLocked() {
	sort.SliceStable(m.queue, func(i, j int) bool {
		return m.queue[i].Priority > m.queue[j].Priority
	})
}

// processQueue is the single logical worker: it waits under the concurrency
// ceiling (polling), then launches the highest-priority fetch without
// blocking the loop. The processing flag is cleared in the same critical
// section that observes the empty queue, so an Enqueue that sees the flag
// set is guaranteed its request will still be picked up by this worker.
func (m *Manager) processQueue() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 || m.ctx.Err() != nil {
			m.processing = false
			m.mu.Unlock()
			return
		}
		if len(m.inProgress) >= m.opts.MaxConcurrent {
			m.mu.Unlock()
			select {
			case <-time.After(m.opts.PollInterval):
			case <-m.ctx.Done():
				m.mu.Lock()
				m.processing = false
				m.mu.Unlock()
				return
			}
			continue
		}
		req := m.queue[0]
		m.queue = m.queue[1:]
		req.Status = ReqInProgress
		m.inProgress[req.ConversationID] = struct{}{}
		m.mu.Unlock()

		go m.prefetch(req)
	}
}

// prefetch loads a conversation's recent messages into the cache. Failures
// mark the request failed and are logged; nothing propagates.
func (m *Manager) prefetch(req *Request) {
	defer func() {
		m.mu.Lock()
		delete(m.inProgress, req.ConversationID)
		m.mu.Unlock()
	}()

	// Already cached: nothing to fetch.
	if msgs, err := m.db.ListMessages(req.ConversationID, 1); err == nil && len(msgs) > 0 {
		m.finish(req, ReqCompleted)
		return
	}

	msgs, err := m.fetcher.FetchMessages(m.ctx, req.ConversationID, m.opts.FetchLimit)
	if err != nil {
		m.logger.Warn("prefetch failed",
			zap.Error(err), zap.String("conversation_id", req.ConversationID))
		m.finish(req, ReqFailed)
		return
	}

	for _, msg := range msgs {
		if err := m.db.AddMessage(msg); err != nil {
			m.logger.Warn("prefetched message not cached",
				zap.Error(err), zap.String("message_id", msg.ID))
		}
	}

	prefetched := true
	if err := m.db.UpdateConversation(req.ConversationID, cache.ConversationPatch{Prefetched: &prefetched}); err != nil {
		m.logger.Warn("could not flag conversation prefetched",
			zap.Error(err), zap.String("conversation_id", req.ConversationID))
	}

	m.finish(req, ReqCompleted)
	m.logger.Info("conversation prefetched",
		zap.String("conversation_id", req.ConversationID),
		zap.String("trigger", string(req.Trigger)),
		zap.Int("messages", len(msgs)))
}

func (m *Manager) finish(req *Request, status RequestStatus) {
	m.mu.Lock()
	req.Status = status
	if status == ReqCompleted {
		m.completed[req.ConversationID] = struct{}{}
	}
	m.mu.Unlock()

	if m.bus != nil {
		kind := "prefetch.completed"
		if status == ReqFailed {
			kind = "prefetch.failed"
		}
		m.bus.Publish(bus.Now(kind, *req))
	}
}

// PrefetchOnHover schedules a prefetch after the hover debounce delay.
// The returned cancel function (or CancelHoverPrefetch) stops it while the
// delay is still running.
func (m *Manager) PrefetchOnHover(conversationID string) func() {
	m.mu.Lock()
	if prev, ok := m.hoverTimers[conversationID]; ok {
		prev.Stop()
	}
	m.hoverTimers[conversationID] = time.AfterFunc(m.opts.HoverDelay, func() {
		m.mu.Lock()
		delete(m.hoverTimers, conversationID)
		m.mu.Unlock()
		m.Enqueue(conversationID, priorityHover, TriggerHover)
	})
	m.mu.Unlock()

	return func() { m.CancelHoverPrefetch(conversationID) }
}

// CancelHoverPrefetch cancels a pending hover timer for a conversation.
func (m *Manager) CancelHoverPrefetch(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.hoverTimers[conversationID]; ok {
		timer.Stop()
		delete(m.hoverTimers, conversationID)
	}
}

// PrefetchTopConversations enqueues the count most recently active cached
// conversations at decaying priority. count <= 0 uses the configured
// default.
func (m *Manager) PrefetchTopConversations(count int) {
	if count <= 0 {
		count = m.opts.TopCount
	}
	convs, err := m.db.ListConversations()
	if err != nil {
		m.logger.Warn("top-conversations prefetch could not read cache", zap.Error(err))
		return
	}
	for i, c := range convs {
		if i >= count {
			break
		}
		m.Enqueue(c.ID, priorityTop-i*priorityStep, TriggerTop)
	}
}

// PrefetchOnScroll enqueues the next conversations after the last visible
// one, in list order, at decaying priority. No-op if either list is empty.
func (m *Manager) PrefetchOnScroll(visibleIDs, allIDs []string) {
	if len(visibleIDs) == 0 || len(allIDs) == 0 {
		return
	}
	last := visibleIDs[len(visibleIDs)-1]
	pos := -1
	for i, id := range allIDs {
		if id == last {
			pos = i
			break
		}
	}
	if pos < 0 {
		return
	}
	for n, i := 0, pos+1; i < len(allIDs) && n < m.opts.ScrollCount; n, i = n+1, i+1 {
		m.Enqueue(allIDs[i], priorityScroll-n*priorityStep, TriggerScroll)
	}
}

// PrefetchPredicted asks the behavior tracker for the next likely
// conversation (excluding the currently open one) and enqueues it.
func (m *Manager) PrefetchPredicted(currentConversationID string) {
	if m.tracker == nil {
		return
	}
	predicted := m.tracker.PredictNext(currentConversationID)
	if predicted == "" {
		return
	}
	m.Enqueue(predicted, priorityPredictive, TriggerPredictive)
}

// TrackBehavior records a user interaction on the behavior tracker.
func (m *Manager) TrackBehavior(conversationID string, action behavior.Action) {
	if m.tracker != nil {
		m.tracker.Track(conversationID, action)
	}
}

// GetStats returns a snapshot of scheduler state.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := 0
	for _, req := range m.queue {
		if req.Status == ReqPending {
			pending++
		}
	}
	return Stats{
		QueueSize:       len(m.queue),
		InProgress:      len(m.inProgress),
		Completed:       len(m.completed),
		PendingRequests: pending,
	}
}

// Clear empties the queue and the in-progress/completed sets, and cancels
// all pending hover timers.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, timer := range m.hoverTimers {
		timer.Stop()
		delete(m.hoverTimers, id)
	}
	m.queue = nil
	m.inProgress = make(map[string]struct{})
	m.completed = make(map[string]struct{})
}
