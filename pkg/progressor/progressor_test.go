package progressor

import (
	"context"
	"encoding/json"
	"testing"

	"chatd/pkg/models"
	"chatd/pkg/store"
)

func openTestStore(t *testing.T) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
}

func TestRunBackfillsMemberships(t *testing.T) {
	openTestStore(t)

	// a summary written without the member index, as an old deployment
	// would have left it
	sum := models.Summary{ConversationKey: "a_b", UserID: "a", OwnerID: "b", LastMessage: "hi", Timestamp: 1, UnreadCount: 1}
	b, _ := json.Marshal(sum)
	if err := store.SaveKey("chat:a_b:summary", b); err != nil {
		t.Fatalf("seed summary: %v", err)
	}

	invoked, err := Run(context.Background(), "v2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !invoked {
		t.Fatalf("expected migration to run")
	}

	for _, p := range []string{"a", "b"} {
		keys, err := store.ListMemberships(p)
		if err != nil || len(keys) != 1 || keys[0] != "a_b" {
			t.Fatalf("memberships for %s: %v %v", p, keys, err)
		}
	}
}

func TestRunNoopOnSameVersion(t *testing.T) {
	openTestStore(t)

	if _, err := Run(context.Background(), "v2"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	invoked, err := Run(context.Background(), "v2")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if invoked {
		t.Fatalf("expected noop on unchanged version")
	}
}
