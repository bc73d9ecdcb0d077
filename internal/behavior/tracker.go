// Package behavior records user interaction events and derives a
// next-likely-conversation prediction from recency, frequency and
// time-of-day patterns. Tracking is best-effort: persistence failures are
// swallowed and must never affect messaging correctness.
package behavior

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Action classifies a tracked user interaction.
type Action string

const (
	ActionOpen        Action = "open"
	ActionHover       Action = "hover"
	ActionMessageSent Action = "message_sent"
)

// Record is a single tracked interaction.
type Record struct {
	ConversationID string `json:"conversation_id"`
	Timestamp      int64  `json:"timestamp"`
	Action         Action `json:"action"`
	HourOfDay      int    `json:"hour_of_day"`
	DayOfWeek      int    `json:"day_of_week"`
}

// metaKey is where the record ring is persisted in the cache metadata table.
const metaKey = "behavior.records"

// MetaStore is the durable key/value persistence the tracker writes through.
// The cache store's metadata table satisfies it.
type MetaStore interface {
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
}

// Options tunes the tracker. Zero fields fall back to defaults.
type Options struct {
	MaxRecords     int // ring size (default 500)
	MinRecords     int // minimum records before predicting (default 5)
	ScoreThreshold int // minimum winning score for a prediction (default 30)
}

func (o Options) withDefaults() Options {
	if o.MaxRecords <= 0 {
		o.MaxRecords = 500
	}
	if o.MinRecords <= 0 {
		o.MinRecords = 5
	}
	if o.ScoreThreshold <= 0 {
		o.ScoreThreshold = 30
	}
	return o
}

// Tracker is a lightweight recency/frequency/time-of-day predictor for
// "which conversation will the user open next".
type Tracker struct {
	mu      sync.Mutex
	records []Record
	meta    MetaStore
	logger  *zap.Logger
	opts    Options
	now     func() time.Time
}

// NewTracker creates a tracker, loading any previously persisted records.
func NewTracker(meta MetaStore, logger *zap.Logger, opts Options) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		meta:   meta,
		logger: logger,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
	t.load()
	return t
}

func (t *Tracker) load() {
	if t.meta == nil {
		return
	}
	raw, err := t.meta.GetMeta(metaKey)
	if err != nil || raw == "" {
		return
	}
	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		t.logger.Warn("discarding unreadable behavior records", zap.Error(err))
		return
	}
	if len(records) > t.opts.MaxRecords {
		records = records[len(records)-t.opts.MaxRecords:]
	}
	t.records = records
}

// persist writes the ring to durable storage. Failures are swallowed.
func (t *Tracker) persist() {
	if t.meta == nil {
		return
	}
	raw, err := json.Marshal(t.records)
	if err != nil {
		t.logger.Warn("behavior records not persisted", zap.Error(err))
		return
	}
	if err := t.meta.SetMeta(metaKey, string(raw)); err != nil {
		t.logger.Warn("behavior records not persisted", zap.Error(err))
	}
}

// Track appends an interaction record, truncates the ring to its bound and
// persists best-effort.
func (t *Tracker) Track(conversationID string, action Action) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, Record{
		ConversationID: conversationID,
		Timestamp:      now.UnixMilli(),
		Action:         action,
		HourOfDay:      now.Hour(),
		DayOfWeek:      int(now.Weekday()),
	})
	if len(t.records) > t.opts.MaxRecords {
		t.records = t.records[len(t.records)-t.opts.MaxRecords:]
	}
	t.persist()
}

// PredictNext scores every known conversation other than exclude and returns
// the best candidate, or "" when there is not enough history or no candidate
// scores above the threshold.
func (t *Tracker) PredictNext(exclude string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) < t.opts.MinRecords {
		return ""
	}

	now := t.now()
	nowMs := now.UnixMilli()
	hour := now.Hour()
	day := int(now.Weekday())

	scores := make(map[string]int)
	for _, r := range t.records {
		if r.ConversationID == exclude {
			continue
		}
		score := 0

		// Recency bonus, accumulated per matching record.
		age := nowMs - r.Timestamp
		switch {
		case age < time.Hour.Milliseconds():
			score += 50
		case age < 24*time.Hour.Milliseconds():
			score += 30
		case age < 7*24*time.Hour.Milliseconds():
			score += 10
		}

		// Same-hour-of-day bonus (wrap-aware within one hour).
		hourDiff := abs(r.HourOfDay - hour)
		if hourDiff > 12 {
			hourDiff = 24 - hourDiff
		}
		switch hourDiff {
		case 0:
			score += 20
		case 1:
			score += 10
		}

		// Same-day-of-week bonus.
		if r.DayOfWeek == day {
			score += 15
		}

		// Action-type weight.
		switch r.Action {
		case ActionOpen:
			score += 5
		case ActionMessageSent:
			score += 3
		case ActionHover:
			score++
		}

		scores[r.ConversationID] += score
	}

	best := ""
	bestScore := 0
	for id, score := range scores {
		if score > bestScore || (score == bestScore && id < best) {
			best = id
			bestScore = score
		}
	}
	if bestScore <= t.opts.ScoreThreshold {
		return ""
	}
	return best
}

// Frequency returns the raw occurrence count of a conversation in the ring.
func (t *Tracker) Frequency(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, r := range t.records {
		if r.ConversationID == conversationID {
			n++
		}
	}
	return n
}

// MostFrequent returns up to n conversation ids sorted by occurrence count
// descending.
func (t *Tracker) MostFrequent(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[string]int)
	for _, r := range t.records {
		counts[r.ConversationID]++
	}

	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// Clear wipes in-memory and persisted records.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
	t.persist()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
