package store

import (
	"errors"
	"sync"
	"testing"

	"chatd/pkg/models"
)

func openTestStore(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	if err := Open(dir); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
}

func TestSaveAndListMessagesOrdered(t *testing.T) {
	openTestStore(t)
	key := "o1_u1"
	for i, ts := range []int64{100, 200, 300} {
		m := models.Message{ConversationKey: key, SenderID: "u1", Body: string(rune('a' + i)), Timestamp: ts}
		if err := SaveMessage(m); err != nil {
			t.Fatalf("save message %d: %v", i, err)
		}
	}
	msgs, err := ListMessages(key)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].Timestamp > msgs[i].Timestamp {
			t.Fatalf("messages out of order at %d: %d > %d", i, msgs[i-1].Timestamp, msgs[i].Timestamp)
		}
	}
}

func TestListMessagesUnknownConversationEmpty(t *testing.T) {
	openTestStore(t)
	msgs, err := ListMessages("never_seen")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d", len(msgs))
	}
}

func TestMembershipIdempotent(t *testing.T) {
	openTestStore(t)
	for i := 0; i < 3; i++ {
		if err := AddMembership("u1", "o1_u1"); err != nil {
			t.Fatalf("add membership: %v", err)
		}
	}
	keys, err := ListMemberships("u1")
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	if len(keys) != 1 || keys[0] != "o1_u1" {
		t.Fatalf("expected single membership o1_u1, got %v", keys)
	}
}

func TestUpsertSummaryCreateThenIncrement(t *testing.T) {
	openTestStore(t)
	m1 := models.Message{ConversationKey: "o1_u1", SenderID: "u1", Body: "hi", Timestamp: 100}
	sum, err := UpsertSummaryOnMessage(m1)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if sum.UnreadCount != 1 || sum.UserID != "u1" || sum.OwnerID != "o1" || sum.LastMessage != "hi" {
		t.Fatalf("unexpected created summary: %+v", sum)
	}

	m2 := models.Message{ConversationKey: "o1_u1", SenderID: "o1", Body: "hello", Timestamp: 200}
	sum, err = UpsertSummaryOnMessage(m2)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if sum.UnreadCount != 2 {
		t.Fatalf("expected unread 2, got %d", sum.UnreadCount)
	}
	// roles set at creation must survive later senders
	if sum.UserID != "u1" || sum.OwnerID != "o1" {
		t.Fatalf("summary roles rewritten: %+v", sum)
	}
	if sum.LastMessage != "hello" || sum.Timestamp != 200 {
		t.Fatalf("summary not refreshed: %+v", sum)
	}
}

func TestUpsertSummaryConcurrent(t *testing.T) {
	openTestStore(t)
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(ts int64) {
			defer wg.Done()
			m := models.Message{ConversationKey: "o1_u1", SenderID: "u1", Body: "x", Timestamp: ts}
			if _, err := UpsertSummaryOnMessage(m); err != nil {
				t.Errorf("upsert: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()
	sum, err := GetSummary("o1_u1")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if sum.UnreadCount != n {
		t.Fatalf("expected unread %d, got %d", n, sum.UnreadCount)
	}
}

func TestResetUnread(t *testing.T) {
	openTestStore(t)
	m := models.Message{ConversationKey: "o1_u1", SenderID: "u1", Body: "hi", Timestamp: 1}
	if _, err := UpsertSummaryOnMessage(m); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	sum, err := ResetUnread("o1_u1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if sum.UnreadCount != 0 {
		t.Fatalf("expected unread 0, got %d", sum.UnreadCount)
	}
	if _, err := ResetUnread("missing_pair"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListParticipantChatsSortedDesc(t *testing.T) {
	openTestStore(t)
	pairs := []struct {
		key string
		ts  int64
	}{
		{"a1_u1", 100},
		{"b1_u1", 300},
		{"c1_u1", 200},
	}
	for _, p := range pairs {
		if err := AddMembership("u1", p.key); err != nil {
			t.Fatalf("membership: %v", err)
		}
		m := models.Message{ConversationKey: p.key, SenderID: "u1", Body: "hi", Timestamp: p.ts}
		if _, err := UpsertSummaryOnMessage(m); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	// membership without messages must not surface
	if err := AddMembership("u1", "d1_u1"); err != nil {
		t.Fatalf("membership: %v", err)
	}
	sums, err := ListParticipantChats("u1")
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(sums) != 3 {
		t.Fatalf("expected 3 chats, got %d", len(sums))
	}
	want := []string{"b1_u1", "c1_u1", "a1_u1"}
	for i, w := range want {
		if sums[i].ConversationKey != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, sums[i].ConversationKey)
		}
	}
}
