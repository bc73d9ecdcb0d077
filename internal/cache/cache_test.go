package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestConversationOrdering(t *testing.T) {
	db := testDB(t)

	list := []Conversation{
		{ID: "a", UserName: "Alice", LastActivity: 1000},
		{ID: "b", UserName: "Bob", LastActivity: 3000},
		{ID: "c", UserName: "Carol", LastActivity: 2000},
	}
	if err := db.SetConversations(list); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 3 {
		t.Fatalf("got %d conversations, want 3", len(convs))
	}
	for i, want := range []string{"b", "c", "a"} {
		if convs[i].ID != want {
			t.Errorf("convs[%d].ID = %q, want %q", i, convs[i].ID, want)
		}
	}
	if !convs[0].Cached {
		t.Error("SetConversations should stamp cached=true")
	}
	if convs[0].LastSync == 0 {
		t.Error("SetConversations should stamp lastSync")
	}
}

func TestSetConversationsPreservesPrefetched(t *testing.T) {
	db := testDB(t)

	if err := db.SetConversations([]Conversation{{ID: "a", LastActivity: 1000}}); err != nil {
		t.Fatal(err)
	}
	yes := true
	if err := db.UpdateConversation("a", ConversationPatch{Prefetched: &yes}); err != nil {
		t.Fatal(err)
	}

	// A fresh bulk upsert without the flag must not clear it.
	if err := db.SetConversations([]Conversation{{ID: "a", LastActivity: 2000}}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetConversation("a")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || !c.Prefetched {
		t.Error("prefetched flag lost on bulk upsert")
	}
	if c.LastActivity != 2000 {
		t.Errorf("lastActivity = %d, want 2000", c.LastActivity)
	}
}

func TestGetConversationMissing(t *testing.T) {
	db := testDB(t)

	c, err := db.GetConversation("nope")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil for missing conversation, got %v", c)
	}
}

func TestUpdateConversationMissingIsNoop(t *testing.T) {
	db := testDB(t)

	n := 5
	if err := db.UpdateConversation("nope", ConversationPatch{UnreadCount: &n}); err != nil {
		t.Errorf("update of missing conversation should be a no-op, got %v", err)
	}
}

func TestUpdateConversationPatch(t *testing.T) {
	db := testDB(t)

	if err := db.SetConversations([]Conversation{{ID: "a", UserName: "Alice", UnreadCount: 0, LastActivity: 1000}}); err != nil {
		t.Fatal(err)
	}

	n := 7
	online := true
	if err := db.UpdateConversation("a", ConversationPatch{UnreadCount: &n, UserOnline: &online}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("a")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 7 || !c.UserOnline {
		t.Errorf("patch not applied: unread=%d online=%v", c.UnreadCount, c.UserOnline)
	}
	if c.UserName != "Alice" {
		t.Errorf("untouched field changed: userName = %q", c.UserName)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	db := testDB(t)

	if err := db.SetConversations([]Conversation{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatal(err)
	}
	for i, conv := range []string{"a", "a", "b"} {
		msg := &Message{ID: fmt.Sprintf("m%d", i), ConversationID: conv, Content: "hi", Type: TypeText, CreatedAt: int64(1000 + i)}
		if err := db.AddMessage(msg); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.DeleteConversation("a"); err != nil {
		t.Fatal(err)
	}

	if msgs, _ := db.ListMessages("a", 0); len(msgs) != 0 {
		t.Errorf("got %d messages for deleted conversation, want 0", len(msgs))
	}
	if msgs, _ := db.ListMessages("b", 0); len(msgs) != 1 {
		t.Errorf("got %d messages for surviving conversation, want 1", len(msgs))
	}
	if c, _ := db.GetConversation("a"); c != nil {
		t.Error("conversation not deleted")
	}
}

func TestAddMessageIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: "m1", ConversationID: "c1", Content: "hello", Type: TypeText, CreatedAt: 1000}
	if err := db.AddMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Content = "hello updated"
	if err := db.AddMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Content != "hello updated" {
		t.Errorf("content = %q, want hello updated", msgs[0].Content)
	}
}

func TestListMessagesNewestFirstAndLimit(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 5; i++ {
		msg := &Message{ID: fmt.Sprintf("m%d", i), ConversationID: "c1", Content: "x", Type: TypeText, CreatedAt: int64(1000 + i)}
		if err := db.AddMessage(msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("c1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt > msgs[i-1].CreatedAt {
			t.Errorf("messages not newest-first at index %d", i)
		}
	}
	if msgs[0].ID != "m4" {
		t.Errorf("newest message = %q, want m4", msgs[0].ID)
	}
}

func TestEvictionBound(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 105; i++ {
		msg := &Message{ID: fmt.Sprintf("m%03d", i), ConversationID: "c1", Content: "x", Type: TypeText, CreatedAt: int64(1000 + i)}
		if err := db.AddMessage(msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 100 {
		t.Fatalf("got %d messages after eviction, want 100", len(msgs))
	}
	// Exactly the 100 newest survive: m005..m104.
	if msgs[len(msgs)-1].ID != "m005" {
		t.Errorf("oldest surviving = %q, want m005", msgs[len(msgs)-1].ID)
	}
	if msgs[0].ID != "m104" {
		t.Errorf("newest surviving = %q, want m104", msgs[0].ID)
	}
}

func TestEvictionIsPerConversation(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 101; i++ {
		msg := &Message{ID: fmt.Sprintf("a%03d", i), ConversationID: "a", Content: "x", Type: TypeText, CreatedAt: int64(1000 + i)}
		if err := db.AddMessage(msg); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.AddMessage(&Message{ID: "b1", ConversationID: "b", Content: "x", Type: TypeText, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}

	// The old message in "b" survives even though it is globally the oldest.
	if msgs, _ := db.ListMessages("b", 0); len(msgs) != 1 {
		t.Errorf("got %d messages in b, want 1", len(msgs))
	}
	if msgs, _ := db.ListMessages("a", 0); len(msgs) != 100 {
		t.Errorf("got %d messages in a, want 100", len(msgs))
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	db := testDB(t)

	content := strings.Repeat("a", 2000)
	msg := &Message{ID: "big", ConversationID: "c1", Content: content, Type: TypeText, CreatedAt: 1000}
	if err := db.AddMessage(msg); err != nil {
		t.Fatal(err)
	}

	// Storage-level row is compressed.
	var stored string
	var compressed bool
	if err := db.QueryRow(`SELECT content, compressed FROM messages WHERE id = 'big'`).Scan(&stored, &compressed); err != nil {
		t.Fatal(err)
	}
	if !compressed {
		t.Error("content over threshold not flagged compressed")
	}
	if stored == content {
		t.Error("content stored uncompressed")
	}

	// Read path is transparent.
	msgs, err := db.ListMessages("c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != content {
		t.Errorf("content length = %d, want %d (round trip failed)", len(msgs[0].Content), len(content))
	}
	if msgs[0].Compressed {
		t.Error("returned message should not be flagged compressed")
	}
}

func TestSmallContentNotCompressed(t *testing.T) {
	db := testDB(t)

	if err := db.AddMessage(&Message{ID: "s", ConversationID: "c1", Content: "short", Type: TypeText, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	var compressed bool
	if err := db.QueryRow(`SELECT compressed FROM messages WHERE id = 's'`).Scan(&compressed); err != nil {
		t.Fatal(err)
	}
	if compressed {
		t.Error("small content should not be compressed")
	}
}

func TestDecompressFailsOpen(t *testing.T) {
	db := testDB(t)

	// A row flagged compressed whose content is not valid deflate+base64.
	m := &Message{ID: "bad", ConversationID: "c1", Content: "not-compressed-at-all", Compressed: true, Type: TypeText, CreatedAt: 1}
	if err := db.upsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "not-compressed-at-all" {
		t.Errorf("fail-open read returned %q", msgs[0].Content)
	}
}

func TestUpdateMessagePatchRecompresses(t *testing.T) {
	db := testDB(t)

	if err := db.AddMessage(&Message{ID: "m1", ConversationID: "c1", Content: "short", Type: TypeText, CreatedAt: 1000}); err != nil {
		t.Fatal(err)
	}

	big := strings.Repeat("b", 3000)
	edited := true
	now := time.Now().UnixMilli()
	err := db.UpdateMessage("m1", MessagePatch{Content: &big, IsEdited: &edited, EditedAt: &now})
	if err != nil {
		t.Fatal(err)
	}

	var compressed bool
	if err := db.QueryRow(`SELECT compressed FROM messages WHERE id = 'm1'`).Scan(&compressed); err != nil {
		t.Fatal(err)
	}
	if !compressed {
		t.Error("edited content over threshold should be recompressed")
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Content != big || !m.IsEdited {
		t.Errorf("patch not applied: len=%d edited=%v", len(m.Content), m.IsEdited)
	}
}

func TestUpdateMessageMissingIsNoop(t *testing.T) {
	db := testDB(t)

	read := true
	if err := db.UpdateMessage("nope", MessagePatch{IsRead: &read}); err != nil {
		t.Errorf("update of missing message should be a no-op, got %v", err)
	}
}

func TestReplaceMessage(t *testing.T) {
	db := testDB(t)

	temp := &Message{ID: "temp-1-abc", ConversationID: "c1", Content: "hi", Type: TypeText,
		Optimistic: true, OperationID: "temp-1-abc", Status: StatusPending, CreatedAt: 1000}
	if err := db.AddMessage(temp); err != nil {
		t.Fatal(err)
	}

	server := &Message{ID: "srv-1", ConversationID: "c1", Content: "hi", Type: TypeText,
		OperationID: "temp-1-abc", Status: StatusConfirmed, CreatedAt: 1000}
	if err := db.ReplaceMessage("temp-1-abc", server); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].Status != StatusConfirmed || msgs[0].Optimistic {
		t.Errorf("replace left %+v", msgs[0])
	}
}

func TestClearOldMessages(t *testing.T) {
	db := testDB(t)

	old := time.Now().AddDate(0, 0, -10).UnixMilli()
	recent := time.Now().UnixMilli()
	if err := db.AddMessage(&Message{ID: "old", ConversationID: "c1", Content: "x", Type: TypeText, CreatedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddMessage(&Message{ID: "new", ConversationID: "c2", Content: "x", Type: TypeText, CreatedAt: recent}); err != nil {
		t.Fatal(err)
	}

	n, err := db.ClearOldMessages(7)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if msgs, _ := db.ListMessages("c1", 0); len(msgs) != 0 {
		t.Error("old message survived")
	}
	if msgs, _ := db.ListMessages("c2", 0); len(msgs) != 1 {
		t.Error("recent message deleted")
	}
}

func TestClearCache(t *testing.T) {
	db := testDB(t)

	if err := db.SetConversations([]Conversation{{ID: "a"}}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddMessage(&Message{ID: "m1", ConversationID: "a", Content: "x", Type: TypeText, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}

	if err := db.ClearCache(); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("got %d conversations after clear, want 0", len(convs))
	}
	msgs, err := db.ListMessages("a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages after clear, want 0", len(msgs))
	}
}

func TestStatsAndHealth(t *testing.T) {
	db := testDB(t)

	// Never synced: unhealthy.
	if db.IsHealthy() {
		t.Error("never-synced cache should be unhealthy")
	}

	if err := db.SetConversations([]Conversation{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddMessage(&Message{ID: "m1", ConversationID: "a", Content: "x", Type: TypeText, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}

	stats, err := db.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.ConversationCount != 2 || stats.MessageCount != 1 {
		t.Errorf("stats = %+v, want 2 conversations / 1 message", stats)
	}
	if stats.StorageUsage <= 0 {
		t.Errorf("storage usage = %d, want > 0", stats.StorageUsage)
	}
	if stats.LastSync == 0 {
		t.Error("lastSync not recorded")
	}

	if !db.IsHealthy() {
		t.Error("freshly synced cache should be healthy")
	}
}

func TestMetaRoundTrip(t *testing.T) {
	db := testDB(t)

	if v, err := db.GetMeta("missing"); err != nil || v != "" {
		t.Errorf("GetMeta(missing) = %q, %v, want empty", v, err)
	}
	if err := db.SetMeta("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMeta("k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetMeta("k"); v != "v2" {
		t.Errorf("GetMeta = %q, want v2", v)
	}
}

func TestSetLastSync(t *testing.T) {
	db := testDB(t)

	if err := db.SetLastSync(); err != nil {
		t.Fatal(err)
	}
	stats, err := db.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.LastSync == 0 {
		t.Error("lastSync not stamped")
	}
}

func TestQuotaRecoveryRetriesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	// A 1-byte cap makes every failed write look like quota exhaustion.
	db, err := Open(path, Options{MaxBytes: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	old := time.Now().AddDate(0, 0, -10).UnixMilli()
	if err := db.AddMessage(&Message{ID: "old", ConversationID: "c1", Content: "x", Type: TypeText, CreatedAt: old}); err != nil {
		t.Fatal(err)
	}

	calls := 0
	err = db.withQuotaRecovery(func() error {
		calls++
		if calls == 1 {
			return errors.New("database or disk is full")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("recovered write failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("write called %d times, want 2 (retry exactly once)", calls)
	}
	// Cleanup ran: the >7d message is gone.
	if msgs, _ := db.ListMessages("c1", 0); len(msgs) != 0 {
		t.Error("quota recovery did not clear old messages")
	}
}

func TestQuotaRecoverySecondFailurePropagates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, Options{MaxBytes: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	wantErr := errors.New("still full")
	err = db.withQuotaRecovery(func() error { return wantErr })
	if err == nil || !errors.Is(err, wantErr) {
		t.Errorf("got %v, want wrapped %v", err, wantErr)
	}
}
