package behavior

import (
	"errors"
	"testing"
	"time"
)

// memMeta is an in-memory MetaStore.
type memMeta struct {
	values map[string]string
	err    error
}

func newMemMeta() *memMeta {
	return &memMeta{values: make(map[string]string)}
}

func (m *memMeta) GetMeta(key string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.values[key], nil
}

func (m *memMeta) SetMeta(key, value string) error {
	if m.err != nil {
		return m.err
	}
	m.values[key] = value
	return nil
}

func testTracker(t *testing.T, meta MetaStore) *Tracker {
	t.Helper()
	if meta == nil {
		meta = newMemMeta()
	}
	return NewTracker(meta, nil, Options{})
}

func TestPredictNextBelowMinRecords(t *testing.T) {
	tr := testTracker(t, nil)

	for rep := 0; rep < 4; rep++ {
		tr.Track("a", ActionOpen)
	}
	if got := tr.PredictNext(""); got != "" {
		t.Errorf("PredictNext with 4 records = %q, want empty", got)
	}
}

func TestPredictNextRecentOpens(t *testing.T) {
	tr := testTracker(t, nil)

	for rep := 0; rep < 10; rep++ {
		tr.Track("a", ActionOpen)
	}
	if got := tr.PredictNext(""); got != "a" {
		t.Errorf("PredictNext() = %q, want a", got)
	}
}

func TestPredictNextExcludesCurrent(t *testing.T) {
	tr := testTracker(t, nil)

	for rep := 0; rep < 10; rep++ {
		tr.Track("a", ActionOpen)
	}
	if got := tr.PredictNext("a"); got == "a" {
		t.Error("PredictNext(a) returned the excluded conversation")
	}
}

func TestPredictNextPrefersStrongerSignal(t *testing.T) {
	tr := testTracker(t, nil)

	for rep := 0; rep < 3; rep++ {
		tr.Track("weak", ActionHover)
	}
	for rep := 0; rep < 8; rep++ {
		tr.Track("strong", ActionOpen)
	}
	if got := tr.PredictNext(""); got != "strong" {
		t.Errorf("PredictNext() = %q, want strong", got)
	}
}

func TestPredictNextStaleWeakSignalIsBelowThreshold(t *testing.T) {
	tr := testTracker(t, nil)
	base := time.Now()

	// Five hovers over a week old, recorded at a shifted hour and weekday:
	// each scores only the hover weight, totalling 5, under the threshold.
	tr.now = func() time.Time { return base.AddDate(0, 0, -10).Add(-3 * time.Hour) }
	for rep := 0; rep < 5; rep++ {
		tr.Track("b", ActionHover)
	}
	tr.now = func() time.Time { return base }

	if got := tr.PredictNext(""); got != "" {
		t.Errorf("PredictNext() = %q, want empty for weak stale signal", got)
	}
}

func TestTrackTruncatesRing(t *testing.T) {
	tr := NewTracker(newMemMeta(), nil, Options{MaxRecords: 10})

	for rep := 0; rep < 25; rep++ {
		tr.Track("a", ActionOpen)
	}
	if n := tr.Frequency("a"); n != 10 {
		t.Errorf("ring holds %d records, want 10", n)
	}
}

func TestFrequencyAndMostFrequent(t *testing.T) {
	tr := testTracker(t, nil)

	for rep := 0; rep < 5; rep++ {
		tr.Track("a", ActionOpen)
	}
	for rep := 0; rep < 3; rep++ {
		tr.Track("b", ActionOpen)
	}
	tr.Track("c", ActionHover)

	if n := tr.Frequency("a"); n != 5 {
		t.Errorf("Frequency(a) = %d, want 5", n)
	}
	if n := tr.Frequency("missing"); n != 0 {
		t.Errorf("Frequency(missing) = %d, want 0", n)
	}

	got := tr.MostFrequent(2)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("MostFrequent(2) = %v, want [a b]", got)
	}
}

func TestPersistAcrossInstances(t *testing.T) {
	meta := newMemMeta()

	tr := NewTracker(meta, nil, Options{})
	for rep := 0; rep < 6; rep++ {
		tr.Track("a", ActionOpen)
	}

	// A new tracker over the same store sees the records.
	tr2 := NewTracker(meta, nil, Options{})
	if n := tr2.Frequency("a"); n != 6 {
		t.Errorf("reloaded tracker has %d records, want 6", n)
	}
	if got := tr2.PredictNext(""); got != "a" {
		t.Errorf("reloaded PredictNext() = %q, want a", got)
	}
}

func TestPersistFailureIsSwallowed(t *testing.T) {
	meta := newMemMeta()
	meta.err = errors.New("disk gone")

	tr := NewTracker(meta, nil, Options{})
	// Must not panic or surface the error.
	tr.Track("a", ActionOpen)
	if n := tr.Frequency("a"); n != 1 {
		t.Errorf("in-memory tracking lost: %d records", n)
	}
}

func TestClear(t *testing.T) {
	meta := newMemMeta()
	tr := NewTracker(meta, nil, Options{})

	for rep := 0; rep < 6; rep++ {
		tr.Track("a", ActionOpen)
	}
	tr.Clear()

	if n := tr.Frequency("a"); n != 0 {
		t.Errorf("Frequency after Clear = %d, want 0", n)
	}
	if got := NewTracker(meta, nil, Options{}).Frequency("a"); got != 0 {
		t.Errorf("persisted records survived Clear: %d", got)
	}
}
